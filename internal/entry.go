// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/opsml/internal/api"
	"github.com/starford/opsml/internal/client"
	"github.com/starford/opsml/internal/codec"
	"github.com/starford/opsml/internal/confwatch"
	"github.com/starford/opsml/internal/index"
	"github.com/starford/opsml/internal/mcpserver"
	"github.com/starford/opsml/internal/metrics"
	"github.com/starford/opsml/internal/registry"
	"github.com/starford/opsml/internal/sse"
	"github.com/starford/opsml/internal/storage"
	pkgconfig "github.com/starford/opsml/pkg/config"
)

// Version is stamped at build time.
var Version = "dev"

// backend is an opened registry plus whatever must be closed with it.
type backend struct {
	svc      *registry.Service
	db       *index.DB
	store    storage.Backend
	settings api.SettingsResponse
}

func (b *backend) Close(logger *slog.Logger) {
	if err := b.svc.Close(); err != nil {
		logger.Warn("close registry", slog.String("error", err.Error()))
	}
	if c, ok := b.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("close storage", slog.String("error", err.Error()))
		}
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			logger.Warn("close index", slog.String("error", err.Error()))
		}
	}
}

func (b *backend) health(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.db.Ping(ctx); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	return nil
}

func (app *application) setup() (*Config, *slog.Logger, *slog.LevelVar, error) {
	if app.config == nil {
		return nil, nil, nil, fmt.Errorf("config is required")
	}
	cfg := app.config

	// Initialize structured JSON logger.
	level := new(slog.LevelVar)
	level.Set(cfg.App.LogLevel)
	logger := slog.New(slog.NewJSONHandler(app.output, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	mode := "embedded"
	if cfg.Registry.Remote() {
		mode = "client"
	}
	logger.Info("Configuration loaded",
		slog.String("mode", mode),
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("tracking_uri", redact(cfg.Registry.TrackingURI)),
		slog.String("storage_uri", cfg.Registry.StorageURI),
		slog.String("log_level", cfg.App.LogLevel.String()))
	return cfg, logger, level, nil
}

// openBackend opens the registry named by the config. An http(s) tracking
// URI yields a remote registry; anything else opens SQL and a storage
// backend directly.
func openBackend(ctx context.Context, cfg *Config, opts registry.Options) (*backend, error) {
	if opts.Adapters == nil {
		opts.Adapters = codec.DefaultAdapters()
	}
	if opts.Codecs == nil {
		co := cfg.Registry.CodecOptions()
		co.Models = opts.Adapters
		opts.Codecs = codec.Default(co)
	}

	if cfg.Registry.Remote() {
		svc, err := client.Open(cfg.Client.Transport(cfg.Registry.TrackingURI), opts)
		if err != nil {
			return nil, fmt.Errorf("init client: %w", err)
		}
		return &backend{svc: svc, store: svc.Backend()}, nil
	}

	db, err := index.Open(ctx, cfg.Registry.TrackingURI, cfg.Registry.IndexOptions(opts.Logger))
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}
	store, err := storage.Open(ctx, cfg.Registry.StorageURI, cfg.Storage.Options())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	meta := registry.NewLocal(db, cfg.Registry.LeaseTTL, opts.Logger)
	return &backend{
		svc:   registry.New(meta, store, opts),
		db:    db,
		store: store,
		settings: api.SettingsResponse{
			Version:        Version,
			StorageRoot:    store.Root(),
			TrackingDriver: string(db.Dialect()),
			ProdTokenGate:  cfg.Auth.ProdToken != "",
			Proxy:          true,
		},
	}, nil
}

// Run starts the registry server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	cfg, logger, level, err := app.setup()
	if err != nil {
		return err
	}
	if cfg.Registry.Remote() {
		return fmt.Errorf("serve needs a SQL tracking uri, got %s", redact(cfg.Registry.TrackingURI))
	}

	rec := metrics.New()
	broker := sse.NewBroker(0)
	defer broker.Close()

	be, err := openBackend(ctx, cfg, registry.Options{
		Logger:  logger,
		Metrics: rec,
		Events:  broker,
	})
	if err != nil {
		return err
	}
	defer be.Close(logger)

	apiRouter := api.NewRouter(be.svc, api.RouterConfig{
		Auth:      cfg.Auth.Router(),
		ProdToken: cfg.Auth.ProdToken,
		Settings:  be.settings,
		Health:    be.health,
		Events:    broker,
		Metrics:   rec,
		MaxUpload: cfg.App.HTTP.MaxUploadBytes,
	})

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Liveness stays at the root for orchestrators.
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	base := cfg.App.HTTP.BasePath
	if base == "" || base == "/" {
		r.Mount("/", apiRouter)
	} else {
		r.Mount(base, apiRouter)
	}

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("base_path", base))

	g, gCtx := errgroup.WithContext(ctx)

	// Reload the log level when the config file changes.
	if app.configPath != "" {
		g.Go(func() error {
			reload := confwatch.LevelReloader(level, func() (slog.Level, error) {
				next := NewDefaultConfig()
				if err := pkgconfig.Load(app.configPath, next); err != nil {
					return 0, err
				}
				return next.App.LogLevel, nil
			})
			if err := confwatch.Watch(gCtx, app.configPath, logger, reload); err != nil {
				logger.Warn("config watcher disabled", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		// Open SSE streams would otherwise hold Shutdown until the timeout.
		broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the config watcher exits with the server.
var errShutdown = errors.New("shutdown")

// RunMCP serves the registry tools over stdio until stdin closes.
func RunMCP(ctx context.Context, opts ...Option) error {
	opts = append([]Option{WithOutput(os.Stderr)}, opts...)
	app := newApplication(opts)
	_, logger, _, err := app.setup()
	if err != nil {
		return err
	}
	be, err := openBackend(ctx, app.config, registry.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer be.Close(logger)

	logger.Info("MCP server starting on stdio")
	return mcpserver.New(be.svc, Version).ServeStdio()
}

// RunSweep deletes artifact directories no card references. dryRun only
// reports them.
func RunSweep(ctx context.Context, dryRun bool, opts ...Option) (index.SweepReport, error) {
	app := newApplication(opts)
	_, logger, _, err := app.setup()
	if err != nil {
		return index.SweepReport{}, err
	}
	be, err := openBackend(ctx, app.config, registry.Options{Logger: logger})
	if err != nil {
		return index.SweepReport{}, err
	}
	defer be.Close(logger)

	rep, err := be.svc.Sweep(ctx, dryRun)
	if err != nil {
		return rep, err
	}
	logger.Info("Sweep finished",
		slog.Bool("dry_run", dryRun),
		slog.Int("orphans", len(rep.Orphans)),
		slog.Int("deleted", rep.Deleted))
	return rep, nil
}

// RunMigrate applies pending schema migrations and reports the revision.
func RunMigrate(_ context.Context, opts ...Option) (uint, error) {
	app := newApplication(opts)
	cfg, logger, _, err := app.setup()
	if err != nil {
		return 0, err
	}
	if cfg.Registry.Remote() {
		return 0, fmt.Errorf("migrate needs a SQL tracking uri, got %s", redact(cfg.Registry.TrackingURI))
	}
	d, driver, dsn, err := index.ParseURL(cfg.Registry.TrackingURI)
	if err != nil {
		return 0, err
	}
	rev, err := index.Migrate(d, driver, dsn)
	if err != nil {
		return 0, err
	}
	logger.Info("Schema up to date", slog.String("dialect", string(d)), slog.Int("revision", int(rev)))
	return rev, nil
}
