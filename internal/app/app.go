// Package app wires the cache database, snapshot storage, maintenance
// daemon and inspection API into one process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	grpcapi "github.com/cachedb/cachedb/internal/api/grpc"
	httpapi "github.com/cachedb/cachedb/internal/api/http"
	"github.com/cachedb/cachedb/internal/config"
	"github.com/cachedb/cachedb/internal/db"
	"github.com/cachedb/cachedb/internal/maintenance"
	"github.com/cachedb/cachedb/internal/server"
	"github.com/cachedb/cachedb/internal/snapshot"
	"github.com/cachedb/cachedb/internal/storage"
	"github.com/cachedb/cachedb/pkg/types"
)

// App owns every long-lived component of a serving process.
type App struct {
	cfg     *config.Config
	logger  zerolog.Logger
	schemas []*types.Schema

	db        *db.DB
	store     storage.ObjectStorage
	snapshots *snapshot.Manager
	daemon    *maintenance.Daemon
	shutdown  *server.ShutdownManager

	httpServer   *http.Server
	listener     net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New validates cfg and prepares an App serving schemas plus any listed in
// cfg.SchemasFile.
func New(cfg *config.Config, logger zerolog.Logger, schemas ...*types.Schema) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &App{cfg: cfg, logger: logger, schemas: schemas}, nil
}

// Start opens the database and starts the daemon and, when enabled, the
// HTTP server.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{}, a.logger)

	var err error
	a.db, err = db.Open(ctx, a.cfg, a.logger, a.schemas...)
	if err != nil {
		return err
	}
	a.shutdown.RegisterCloser(a.db)

	a.store, err = storage.New(ctx, a.cfg.Storage)
	if err != nil {
		a.db.Close()
		return fmt.Errorf("failed to open snapshot storage: %w", err)
	}
	workDir := filepath.Join(a.cfg.DataDir, "tmp")
	a.snapshots = snapshot.NewManager(a.db, a.store, workDir, a.cfg.Async.Workers, a.logger)

	a.daemon = maintenance.NewDaemon(a.cfg.Maintenance, a.db, a.snapshots, a.logger)
	if err := a.daemon.Start(context.WithoutCancel(ctx)); err != nil {
		a.db.Close()
		return err
	}
	a.shutdown.RegisterCloser(server.CloserFunc(a.daemon.Stop))

	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.shutdown.Shutdown(ctx, "startup failed")
			return err
		}
	}
	if a.cfg.HTTP.Enabled {
		if err := a.startHTTP(); err != nil {
			a.shutdown.Shutdown(ctx, "startup failed")
			return err
		}
	}

	a.running = true
	a.logger.Info().
		Str("data_dir", a.cfg.DataDir).
		Str("engine", string(a.cfg.Engine.Type)).
		Strs("collections", a.db.Names()).
		Msg("cachedb started")
	return nil
}

func (a *App) startHTTP() error {
	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.listener = ln

	handler := httpapi.NewHandler(a.db, a.snapshots, a.logger)
	a.httpServer = &http.Server{
		Handler:      server.ShutdownMiddleware(a.shutdown)(handler.Routes()),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("http api listening")
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("http server failed")
		}
	}()

	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		return a.httpServer.Shutdown(context.Background())
	}))
	return nil
}

func (a *App) startGRPC() error {
	ln, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err)
	}
	a.grpcListener = ln
	a.grpcServer = grpcapi.NewGRPCServer(a.db, a.logger)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("grpc api listening")
		if err := a.grpcServer.Serve(ln); err != nil {
			a.logger.Error().Err(err).Msg("grpc server failed")
		}
	}()

	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))
	return nil
}

// Stop shuts the API servers down, stops the daemon and closes the
// database.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	a.logger.Info().Msg("cachedb stopped")
	return err
}

// WaitForShutdown blocks until a termination signal or ctx cancellation,
// then stops the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	if err := a.shutdown.ListenForSignals(ctx); err != nil {
		return err
	}
	return a.Stop(context.Background())
}

// DB returns the open database.
func (a *App) DB() *db.DB { return a.db }

// Snapshots returns the snapshot manager.
func (a *App) Snapshots() *snapshot.Manager { return a.snapshots }

// Daemon returns the maintenance daemon.
func (a *App) Daemon() *maintenance.Daemon { return a.daemon }

// Addr returns the HTTP listen address, or "" when the API is disabled.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// GRPCAddr returns the gRPC listen address, or "" when it is disabled.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}
