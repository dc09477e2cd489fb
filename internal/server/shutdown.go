// Package server coordinates the lifecycle of the HTTP and gRPC listeners:
// signal handling, in-flight request draining and ordered resource cleanup.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// Config holds shutdown timeouts.
type Config struct {
	// ShutdownTimeout bounds the whole shutdown sequence
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight requests
	DrainTimeout time.Duration
}

// DefaultConfig returns the default shutdown timeouts.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

// Lifecycle tracks in-flight requests and closes registered resources in
// reverse registration order when shutdown begins.
type Lifecycle struct {
	cfg    Config
	logger logrus.FieldLogger

	done     chan struct{}
	once     sync.Once
	inFlight int64
	stopping int32

	mu      sync.Mutex
	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

// New creates a lifecycle manager.
func New(cfg Config, logger logrus.FieldLogger) *Lifecycle {
	def := DefaultConfig()
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	return &Lifecycle{cfg: cfg, logger: logger, done: make(chan struct{})}
}

// Register adds a resource to close on shutdown.
func (l *Lifecycle) Register(name string, c io.Closer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closers = append(l.closers, namedCloser{name: name, c: c})
}

// Wait blocks until SIGINT/SIGTERM, ctx cancellation or another caller
// starting shutdown, then runs Shutdown.
func (l *Lifecycle) Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return l.Shutdown(context.Background(), fmt.Sprintf("signal %v", sig))
	case <-ctx.Done():
		return l.Shutdown(context.Background(), "context cancelled")
	case <-l.done:
		return nil
	}
}

// Shutdown stops accepting requests, drains in-flight ones and closes every
// registered resource. Only the first call does any work.
func (l *Lifecycle) Shutdown(ctx context.Context, reason string) error {
	var errs []error
	l.once.Do(func() {
		atomic.StoreInt32(&l.stopping, 1)
		close(l.done)
		l.logger.WithField("reason", reason).Info("shutting down")

		ctx, cancel := context.WithTimeout(ctx, l.cfg.ShutdownTimeout)
		defer cancel()

		if err := l.drain(ctx); err != nil {
			errs = append(errs, err)
		}

		l.mu.Lock()
		closers := l.closers
		l.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].c.Close(); err != nil {
				l.logger.WithError(err).WithField("resource", closers[i].name).Warn("close failed")
				errs = append(errs, fmt.Errorf("server: close %s: %w", closers[i].name, err))
			}
		}
		l.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func (l *Lifecycle) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		n := atomic.LoadInt64(&l.inFlight)
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server: %d requests still in flight", n)
		case <-ticker.C:
		}
	}
}

// Begin counts a new request. It returns false once shutdown has started.
func (l *Lifecycle) Begin() bool {
	if atomic.LoadInt32(&l.stopping) == 1 {
		return false
	}
	atomic.AddInt64(&l.inFlight, 1)
	return true
}

// End marks a request as finished.
func (l *Lifecycle) End() {
	atomic.AddInt64(&l.inFlight, -1)
}

// Stopping reports whether shutdown has started.
func (l *Lifecycle) Stopping() bool {
	return atomic.LoadInt32(&l.stopping) == 1
}

// InFlight returns the number of requests being served.
func (l *Lifecycle) InFlight() int64 {
	return atomic.LoadInt64(&l.inFlight)
}

// Done is closed when shutdown begins.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// Middleware rejects requests with 503 once shutdown has started and
// tracks the rest as in flight.
func (l *Lifecycle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Begin() {
			w.Header().Set("Connection", "close")
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		defer l.End()
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP runs srv on ln until it fails or shutdown closes it.
func (l *Lifecycle) ServeHTTP(srv *http.Server, ln net.Listener) error {
	l.Register("http", CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}))
	l.logger.WithField("addr", ln.Addr().String()).Info("http server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: http: %w", err)
	}
	return nil
}

// ServeGRPC runs srv on ln until it fails or shutdown stops it.
func (l *Lifecycle) ServeGRPC(srv *grpc.Server, ln net.Listener) error {
	l.Register("grpc", CloserFunc(func() error {
		srv.GracefulStop()
		return nil
	}))
	l.logger.WithField("addr", ln.Addr().String()).Info("grpc server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("server: grpc: %w", err)
	}
	return nil
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}
