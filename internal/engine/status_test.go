package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drospect/internal/models"
)

func TestStatusCodeMapping(t *testing.T) {
	cases := map[StatusCode]models.TaskStatus{
		StatusQueued:    models.TaskStatusPending,
		StatusRunning:   models.TaskStatusProcessing,
		StatusCompleted: models.TaskStatusCompleted,
		StatusFailed:    models.TaskStatusFailed,
		StatusCanceled:  models.TaskStatusFailed,
	}
	for code, want := range cases {
		got, ok := code.TaskStatus()
		assert.True(t, ok, code.String())
		assert.Equal(t, want, got, code.String())
	}

	_, ok := StatusCode(35).TaskStatus()
	assert.False(t, ok)
}

func TestParseTaskInfo(t *testing.T) {
	info, ok := ParseTaskInfo([]byte(`{"uuid":"t-1","status":{"code":30,"errorMessage":"Not enough memory"},"progress":80}`))
	require.True(t, ok)
	assert.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, "Not enough memory", info.ErrorMessage)

	info, ok = ParseTaskInfo([]byte(`{"uuid":"t-1","status":40}`))
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, info.Status)

	for _, body := range []string{``, `not json`, `{"uuid":"t-1"}`, `{"status":null}`} {
		_, ok := ParseTaskInfo([]byte(body))
		assert.False(t, ok, body)
	}
}
