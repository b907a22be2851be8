package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drospect/internal/config"
	"drospect/internal/objectstore"
	"drospect/internal/store/gormstore"
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Database.Primary.DSN = "sqlite://:memory:"
	cfg.Storage.Driver = "memory"
	cfg.Storage.PublicBaseURL = "http://localhost:8080/objects"
	return cfg
}

func TestNewAppWiresLocalStack(t *testing.T) {
	cfg := localConfig(t)
	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	assert.IsType(t, &gormstore.Store{}, app.Store)
	assert.IsType(t, &objectstore.MemoryStore{}, app.Objects)
	assert.NotNil(t, app.TaskService)
	assert.NotNil(t, app.AutoStarter)
	assert.NotNil(t, app.Sweeper)
	assert.NotNil(t, app.Results)
	assert.False(t, app.Inspection.Enabled())

	require.NoError(t, app.Store.Migrate(context.Background()))
	checks := app.HealthChecks()
	assert.NoError(t, checks["database"](context.Background()))
	assert.NoError(t, checks["storage"](context.Background()))
	assert.Equal(t, "http://localhost:8080/objects/projects/p1/images.zip", app.Zips.BundleURL("p1"))
	assert.Equal(t, "localhost:6379", app.RedisOpt().Addr)
}

func TestNewAppRejectsBadDSN(t *testing.T) {
	cfg := localConfig(t)
	cfg.Database.Primary.DSN = "mysql://nope"
	_, err := NewApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "init gorm store")
}

func TestNewAppNeedsMinioEndpoint(t *testing.T) {
	cfg := localConfig(t)
	cfg.Storage.Driver = "minio"
	cfg.Storage.Endpoint = ""
	_, err := NewApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "init object store")
}
