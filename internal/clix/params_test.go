package clix

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drospect/internal/models"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("limit", 20, "")
	fs.Int("offset", 0, "")
	fs.String("status", "", "")
	fs.String("output", "table", "")
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestParsePagination(t *testing.T) {
	p, err := ParsePagination(newFlags(t, "--limit", "5", "--offset", "10"))
	require.NoError(t, err)
	assert.Equal(t, PaginationParams{Limit: 5, Offset: 10}, p)

	p, err = ParsePagination(newFlags(t, "--limit", "0", "--offset", "-3"))
	require.NoError(t, err)
	assert.Equal(t, PaginationParams{Limit: 20, Offset: 0}, p)
}

func TestParseStatuses(t *testing.T) {
	statuses, err := ParseStatuses(newFlags(t, "--status", " Queued, processing ,,"))
	require.NoError(t, err)
	assert.Equal(t, []models.TaskStatus{models.TaskStatusQueued, models.TaskStatusProcessing}, statuses)

	statuses, err = ParseStatuses(newFlags(t))
	require.NoError(t, err)
	assert.Empty(t, statuses)

	_, err = ParseStatuses(newFlags(t, "--status", "done"))
	assert.ErrorContains(t, err, `"done"`)
}

func TestParseOutput(t *testing.T) {
	out, err := ParseOutput(newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "table", out)

	out, err = ParseOutput(newFlags(t, "--output", "yaml"))
	require.NoError(t, err)
	assert.Equal(t, "yaml", out)

	_, err = ParseOutput(newFlags(t, "--output", "xml"))
	assert.Error(t, err)
}
