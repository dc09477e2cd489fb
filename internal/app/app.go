// Package app wires configuration, storage, the connection manager and the
// HTTP and gRPC surfaces into one SQLiteCult process.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcapi "github.com/sqlitecult/sqlitecult/internal/api/grpc"
	httpapi "github.com/sqlitecult/sqlitecult/internal/api/http"
	"github.com/sqlitecult/sqlitecult/internal/auth"
	"github.com/sqlitecult/sqlitecult/internal/config"
	"github.com/sqlitecult/sqlitecult/internal/conn"
	"github.com/sqlitecult/sqlitecult/internal/observability"
	"github.com/sqlitecult/sqlitecult/internal/schema"
	"github.com/sqlitecult/sqlitecult/internal/server"
	"github.com/sqlitecult/sqlitecult/internal/storage"
	"github.com/sqlitecult/sqlitecult/internal/web"
)

const (
	filterWindow    = time.Hour
	adviceThreshold = 20
	maxSuggestions  = 3
)

// App manages the SQLiteCult service lifecycle.
type App struct {
	cfg    *config.Config
	logger logrus.FieldLogger

	// Shared resources
	manager   *conn.Manager
	storage   storage.ObjectStorage
	auth      *auth.Authenticator
	metrics   *observability.Metrics
	stats     *observability.FilterStats
	advisor   *schema.IndexAdvisor
	lifecycle *server.Lifecycle

	// Servers
	handler    http.Handler
	httpServer *http.Server
	httpAddr   net.Addr
	grpcServer *grpc.Server
	grpcAddr   net.Addr

	mu      sync.Mutex
	running bool
	errCh   chan error
}

// New resolves and validates cfg and builds every shared resource. A nil
// logger is built from cfg.Log.
func New(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		l, err := observability.NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	a := &App{cfg: cfg, logger: logger, errCh: make(chan error, 2)}
	if err := a.initSharedResources(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize shared resources: %w", err)
	}
	if err := a.initHandler(); err != nil {
		return nil, err
	}
	return a, nil
}

// initSharedResources builds the connection manager, storage, metrics and
// auth in dependency order.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	a.metrics, err = observability.NewMetrics()
	if err != nil {
		return err
	}

	a.manager, err = conn.NewManager(conn.Config{
		Dir:             a.cfg.Database.Dir,
		Driver:          a.cfg.Database.Driver,
		BusyTimeout:     a.cfg.Database.BusyTimeout,
		ListConcurrency: a.cfg.Database.ListConcurrency,
	}, a.logger)
	if err != nil {
		return err
	}
	a.manager.SetObserver(a.metrics.ObserveStatement)
	a.logger.WithFields(logrus.Fields{
		"dir":    a.manager.Dir(),
		"driver": a.manager.Driver(),
	}).Info("database folder ready")

	a.storage, err = storage.New(ctx, a.cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	fields := logrus.Fields{"type": a.cfg.Storage.Type}
	if a.cfg.Storage.Type == "s3" {
		fields["bucket"] = a.cfg.Storage.S3.Bucket
		fields["endpoint"] = a.cfg.Storage.S3.Endpoint
	} else {
		fields["path"] = a.cfg.Storage.Path
	}
	a.logger.WithFields(fields).Info("storage initialized")

	a.auth = auth.NewAuthenticator(a.cfg.Auth)
	if !a.auth.TokensEnabled() {
		a.logger.Warn("no jwt secret configured, API and gRPC calls will be rejected")
	}

	a.stats = observability.NewFilterStats(filterWindow)
	a.advisor = schema.NewIndexAdvisor(a.stats, adviceThreshold, maxSuggestions, a.logger)
	a.lifecycle = server.New(server.DefaultConfig(), a.logger)
	return nil
}

// initHandler assembles the browser UI, the JSON API and /metrics on one
// mux behind the shared middleware chain.
func (a *App) initHandler() error {
	maxUpload := a.cfg.HTTP.MaxUploadMB << 20

	ui, err := web.New(web.Deps{
		Manager:        a.manager,
		Auth:           a.auth,
		Metrics:        a.metrics,
		Stats:          a.stats,
		Advisor:        a.advisor,
		Rows:           a.cfg.Rows,
		MaxUploadBytes: maxUpload,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}
	api := httpapi.New(httpapi.Deps{
		Manager:        a.manager,
		Auth:           a.auth,
		Storage:        a.storage,
		Metrics:        a.metrics,
		Stats:          a.stats,
		Rows:           a.cfg.Rows,
		MaxUploadBytes: maxUpload,
		Logger:         a.logger,
	})

	mux := http.NewServeMux()
	ui.Register(mux)
	api.Register(mux)
	mux.Handle("GET /metrics", a.metrics.Handler())

	middleware := httpapi.ChainMiddleware(
		a.lifecycle.Middleware,
		httpapi.RequestIDMiddleware,
		httpapi.LoggingMiddleware(a.logger, a.metrics),
		httpapi.RecoveryMiddleware(a.logger),
	)
	a.handler = middleware(mux)
	return nil
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Manager returns the connection manager.
func (a *App) Manager() *conn.Manager {
	return a.manager
}

// Auth returns the authenticator.
func (a *App) Auth() *auth.Authenticator {
	return a.auth
}

// Start binds the listeners and serves until Stop.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.httpAddr = ln.Addr()
	a.httpServer = &http.Server{
		Handler:      a.handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	var gln net.Listener
	if a.cfg.GRPC.Enabled {
		gln, err = net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen on gRPC address: %w", err)
		}
		a.grpcAddr = gln.Addr()
		a.grpcServer = a.newGRPCServer()
	}

	a.running = true
	go a.serve("http", func() error { return a.lifecycle.ServeHTTP(a.httpServer, ln) })
	if gln != nil {
		go a.serve("grpc", func() error { return a.lifecycle.ServeGRPC(a.grpcServer, gln) })
	}

	a.logger.WithFields(logrus.Fields{
		"http":   a.httpAddr.String(),
		"grpc":   a.cfg.GRPC.Enabled,
		"tokens": a.auth.TokensEnabled(),
	}).Info("SQLiteCult started")
	return nil
}

func (a *App) newGRPCServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcapi.LoggingInterceptor(a.logger, a.metrics),
		grpcapi.AuthInterceptor(a.auth),
	))
	grpcapi.RegisterRowsServer(srv, grpcapi.NewServer(a.manager, a.cfg.Rows))

	hs := health.NewServer()
	hs.SetServingStatus(grpcapi.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	a.lifecycle.Register("grpc-health", server.CloserFunc(func() error {
		hs.Shutdown()
		return nil
	}))
	return srv
}

// serve runs one listener and triggers shutdown if it fails.
func (a *App) serve(name string, run func() error) {
	if err := run(); err != nil {
		a.logger.WithError(err).WithField("server", name).Error("server stopped")
		a.errCh <- err
		go a.lifecycle.Shutdown(context.Background(), name+" failed")
	}
}

// HTTPAddr returns the bound HTTP address once started.
func (a *App) HTTPAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.httpAddr
}

// GRPCAddr returns the bound gRPC address, or nil when gRPC is disabled.
func (a *App) GRPCAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grpcAddr
}

// Stop drains in-flight requests and closes the servers.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()
	return a.lifecycle.Shutdown(ctx, "stop requested")
}

// WaitForShutdown blocks until a signal, ctx cancellation or a server
// failure, then shuts down. A server failure is returned.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.lifecycle.Wait(ctx)
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	select {
	case serveErr := <-a.errCh:
		return serveErr
	default:
		return err
	}
}
