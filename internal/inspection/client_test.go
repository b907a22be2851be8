package inspection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit(t *testing.T) {
	var got Request
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/inspections", r.URL.Path)
		key = r.Header.Get("X-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"insp-1","status":"queued"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{Enabled: true, BaseURL: srv.URL + "/", APIKey: "secret"})
	resp, err := c.Submit(context.Background(), Request{TaskID: "t1", ProjectID: "p1", RasterURL: "https://cdn/cog.tif"})
	require.NoError(t, err)
	assert.Equal(t, "insp-1", resp.ID)
	assert.Equal(t, "secret", key)
	assert.Equal(t, Request{TaskID: "t1", ProjectID: "p1", RasterURL: "https://cdn/cog.tif"}, got)
}

func TestSubmitErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"raster unreachable"}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{Enabled: true, BaseURL: srv.URL}).Submit(context.Background(), Request{TaskID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 422: raster unreachable")
}

func TestSubmitDisabled(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://localhost:1"})
	assert.False(t, c.Enabled())
	_, err := c.Submit(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrDisabled)
}
