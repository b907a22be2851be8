package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("https://cdn.example/bucket/")

	ok, err := m.Exists(ctx, "bundles/p1.zip")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Get(ctx, "bundles/p1.zip")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Put(ctx, "bundles/p1.zip", strings.NewReader("zip"), -1, "application/zip"))
	ok, _ = m.Exists(ctx, "bundles/p1.zip")
	assert.True(t, ok)

	src := &Source{Store: m, Key: "bundles/p1.zip", FileName: "p1.zip"}
	rc, err := src.Open(ctx)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "zip", string(data))
	assert.Equal(t, "p1.zip", src.Name())

	assert.Equal(t, "https://cdn.example/bucket/bundles/p1.zip", m.URL("/bundles/p1.zip"))

	require.NoError(t, m.Remove(ctx, "bundles/p1.zip"))
	assert.Empty(t, m.Keys())
}

func TestMemoryStoreFailPut(t *testing.T) {
	m := NewMemoryStore("")
	boom := errors.New("quota exceeded")
	m.FailPut(".tif", boom)

	err := m.Put(context.Background(), "results/t1/cog.tif", strings.NewReader("x"), 1, "image/tiff")
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, m.Put(context.Background(), "results/t1/preview.png", strings.NewReader("x"), 1, "image/png"))
}

func TestMinioStoreURL(t *testing.T) {
	s, err := NewMinioStore(Config{Endpoint: "minio:9000", Bucket: "drospect", AccessKeyID: "k", SecretAccessKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000/drospect/results/t1/preview.png", s.URL("results/t1/preview.png"))

	s, err = NewMinioStore(Config{Endpoint: "s3.amazonaws.com", Bucket: "b", UseSSL: true, PublicBaseURL: "https://cdn.example/"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/a.png", s.URL("a.png"))

	_, err = NewMinioStore(Config{Bucket: "b"})
	assert.Error(t, err)
}
