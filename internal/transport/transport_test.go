package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/opsml/internal/apperr"
)

func testCaller(t *testing.T, h http.Handler, cfg Config) *Caller {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := testCaller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}), Config{MaxRetries: 5})

	var out map[string]string
	require.NoError(t, c.GetJSON(context.Background(), "/healthcheck", nil, &out))
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestGivesUpAsUnavailable(t *testing.T) {
	c := testCaller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}), Config{MaxRetries: 2})

	err := c.GetJSON(context.Background(), "/healthcheck", nil, nil)
	require.ErrorIs(t, err, apperr.ErrBackendUnavailable)
}

func TestErrorCodesMapToSentinels(t *testing.T) {
	var calls atomic.Int32
	c := testCaller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ErrorBody{Error: "version contention: busy", Code: "version_contention"})
	}), Config{})

	err := c.PostJSON(context.Background(), "/cards/version", map[string]string{}, nil)
	require.ErrorIs(t, err, apperr.ErrVersionContention)
	assert.Equal(t, int32(1), calls.Load(), "conflicts are not retried")
}

func TestStatusFallback(t *testing.T) {
	c := testCaller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}), Config{})

	err := c.GetJSON(context.Background(), "/x", nil, nil)
	assert.True(t, IsNotFound(err))
}

func TestCredentialsAreSent(t *testing.T) {
	c := testCaller(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" || r.Header.Get(ProdTokenHeader) != "prod" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), Config{Username: "alice", Password: "secret", ProdToken: "prod"})

	require.NoError(t, c.GetJSON(context.Background(), "/settings", nil, nil))
}

func TestInvalidBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"})
	require.Error(t, err)
}
