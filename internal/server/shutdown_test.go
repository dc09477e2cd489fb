package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLifecycle(cfg Config) *Lifecycle {
	logger, _ := test.NewNullLogger()
	return New(cfg, logger)
}

func TestShutdown_ClosesInReverseOrder(t *testing.T) {
	l := newLifecycle(Config{})
	var order []string
	l.Register("a", CloserFunc(func() error { order = append(order, "a"); return nil }))
	l.Register("b", CloserFunc(func() error { order = append(order, "b"); return errors.New("boom") }))

	err := l.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close b")
	assert.Equal(t, []string{"b", "a"}, order)
	assert.True(t, l.Stopping())

	// second call is a no-op
	assert.NoError(t, l.Shutdown(context.Background(), "again"))
	assert.Equal(t, []string{"b", "a"}, order)
}

func TestShutdown_DrainsInFlight(t *testing.T) {
	l := newLifecycle(Config{DrainTimeout: time.Second})
	require.True(t, l.Begin())
	go func() {
		time.Sleep(100 * time.Millisecond)
		l.End()
	}()
	require.NoError(t, l.Shutdown(context.Background(), "test"))
	assert.Equal(t, int64(0), l.InFlight())
	assert.False(t, l.Begin())
}

func TestShutdown_DrainTimeout(t *testing.T) {
	l := newLifecycle(Config{DrainTimeout: 100 * time.Millisecond})
	require.True(t, l.Begin())
	err := l.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in flight")
}

func TestMiddleware(t *testing.T) {
	l := newLifecycle(Config{})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, int64(1), l.InFlight())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.NoError(t, l.Shutdown(context.Background(), "test"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeHTTP(t *testing.T) {
	l := newLifecycle(Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}
	errCh := make(chan error, 1)
	go func() { errCh <- l.ServeHTTP(srv, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, l.Shutdown(context.Background(), "test"))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
