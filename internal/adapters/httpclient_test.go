package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/config"
)

func fastRetry(attempts int) config.RetryConfig {
	return config.RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, CapDelay: 5 * time.Millisecond, Factor: 2}
}

func TestHTTPCaller_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"value":"ok"}`))
	}))
	defer srv.Close()

	c := newHTTPCaller("test", srv.URL, time.Second, fastRetry(3))
	var out struct {
		Value string `json:"value"`
	}
	err := c.postJSON(context.Background(), "/op", map[string]string{}, &out)
	require.NoError(t, err)
	require.Equal(t, "ok", out.Value)
	require.EqualValues(t, 3, calls.Load())
}

func TestHTTPCaller_ExhaustsRetriesOnPersistent5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newHTTPCaller("test", srv.URL, time.Second, fastRetry(3))
	err := c.postJSON(context.Background(), "/op", map[string]string{}, nil)
	require.Error(t, err)
	require.Equal(t, apierrors.KindTransientTransport, apierrors.KindOf(err))
	require.EqualValues(t, 3, calls.Load())
}

func TestHTTPCaller_4xxFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newHTTPCaller("test", srv.URL, time.Second, fastRetry(3))
	err := c.postJSON(context.Background(), "/op", map[string]string{}, nil)
	require.Error(t, err)
	require.Equal(t, apierrors.KindInvalidInput, apierrors.KindOf(err))
	require.EqualValues(t, 1, calls.Load(), "4xx must not be retried")
}

func TestHTTPCaller_TransportErrorRetried(t *testing.T) {
	// Point at a closed server: every attempt is a transport error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newHTTPCaller("test", srv.URL, time.Second, fastRetry(2))
	err := c.postJSON(context.Background(), "/op", map[string]string{}, nil)
	require.Error(t, err)
	require.Equal(t, apierrors.KindTransientTransport, apierrors.KindOf(err))
}
