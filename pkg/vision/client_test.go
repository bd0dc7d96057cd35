package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/resilience"
)

func TestExtract_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/extract", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			ImageRefs []string `json:"image_refs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"s3://cards/1/front.jpg"}, req.ImageRefs)

		json.NewEncoder(w).Encode(model.FeatureEnvelope{
			Title:     "Charizard",
			HashMatch: 0.97,
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	env, err := c.Extract(context.Background(), []string{"s3://cards/1/front.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "Charizard", env.Title)
	assert.InDelta(t, 0.97, env.HashMatch, 1e-9)
}

func TestExtract_TransientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.Extract(context.Background(), []string{"ref"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestExtract_PermanentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.Extract(context.Background(), []string{"ref"})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}
