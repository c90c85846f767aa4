// Package server builds the page store's dependency graph from config and
// runs the HTTP server until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagestore/internal/api"
	"github.com/JakeFAU/pagestore/internal/clock/system"
	"github.com/JakeFAU/pagestore/internal/config"
	"github.com/JakeFAU/pagestore/internal/events"
	"github.com/JakeFAU/pagestore/internal/events/sinks"
	"github.com/JakeFAU/pagestore/internal/export"
	"github.com/JakeFAU/pagestore/internal/logging"
	"github.com/JakeFAU/pagestore/internal/page"
	gcppublisher "github.com/JakeFAU/pagestore/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/pagestore/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pagestore/internal/storage/local"
	memorystorage "github.com/JakeFAU/pagestore/internal/storage/memory"
	pgstore "github.com/JakeFAU/pagestore/internal/storage/postgres"
	redisstore "github.com/JakeFAU/pagestore/internal/storage/redis"
)

const shutdownTimeout = 10 * time.Second

// App holds the process-wide handles. Build creates them once; Close
// releases them.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	clock     page.Clock
	repo      page.Repository
	pgStore   *pgstore.PageStore
	hub       *events.Hub
	service   *page.Service
	apiServer *api.Server
	gcsClient *storage.Client

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	// W3C trace context flows from ingest requests into published events.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if err := app.setupRepository(ctx); err != nil {
		return nil, err
	}
	emitter, err := app.setupEvents(ctx)
	if err != nil {
		_ = app.repo.Close()
		return nil, err
	}

	app.service, err = page.NewService(app.repo, app.clock, emitter, logger.Named("pages"))
	if err != nil {
		_ = app.Close(ctx)
		return nil, fmt.Errorf("page service init failed: %w", err)
	}
	app.apiServer = api.NewServer(app.service, api.Options{
		CORSOrigins:        cfg.Server.CORSOrigins,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		RequestTimeout:     cfg.Server.RequestTimeout(),
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
	}, logger)
	return app, nil
}

func (a *App) setupRepository(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendPostgres:
		store, err := pgstore.NewPageStore(ctx, pgstore.Config{
			DSN:             a.cfg.Postgres.DSN,
			Table:           a.cfg.Postgres.Table,
			MaxConns:        a.cfg.Postgres.MaxConns,
			MinConns:        a.cfg.Postgres.MinConns,
			MaxConnLifetime: a.cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres page store init failed: %w", err)
		}
		a.repo, a.pgStore = store, store
		a.logger.Info("using postgres page store", zap.String("table", store.Table()))
	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		store, err := redisstore.NewPageStore(client, redisstore.Config{KeyPrefix: a.cfg.Redis.KeyPrefix})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("redis page store init failed: %w", err)
		}
		a.repo = store
		a.logger.Info("using redis page store", zap.String("addr", a.cfg.Redis.Addr))
	default:
		a.repo = memorystorage.NewPageStore()
		a.logger.Warn("using in-memory page store; records are lost on restart")
	}
	return nil
}

func (a *App) setupEvents(ctx context.Context) (page.Emitter, error) {
	cfg := a.cfg.Events
	if !cfg.Enabled {
		a.logger.Info("page events disabled")
		return nil, nil
	}
	var sinkList []events.Sink
	if cfg.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("page_events")))
	}
	if a.cfg.PubSub.TopicName != "" {
		pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		sink, err := sinks.NewPublishSink(pub, a.cfg.PubSub.TopicName, pub.Close)
		if err != nil {
			_ = pub.Close()
			return nil, fmt.Errorf("pubsub sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("pubsub event sink initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	if len(sinkList) == 0 {
		a.logger.Warn("page events enabled but no sinks configured")
		return nil, nil
	}

	a.hub = events.NewHub(events.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger,
	}, sinkList...)
	a.logger.Info("page event hub initialized", zap.Int("sinks", len(sinkList)))
	return a.hub, nil
}

// Service returns the page service.
func (a *App) Service() *page.Service {
	return a.service
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Migrate applies the Postgres schema. Other backends need no schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.pgStore == nil {
		return fmt.Errorf("migrate requires the postgres backend, got %q", a.cfg.Storage.Backend)
	}
	if err := a.pgStore.Migrate(ctx); err != nil {
		return err
	}
	a.logger.Info("page schema applied", zap.String("table", a.pgStore.Table()))
	return nil
}

// Export writes one snapshot of the recent feed and returns its URI.
func (a *App) Export(ctx context.Context, limit int) (string, error) {
	var blobs export.BlobStore
	switch a.cfg.Export.Backend {
	case config.ExportGCS:
		if a.gcsClient == nil {
			client, err := storage.NewClient(ctx)
			if err != nil {
				return "", fmt.Errorf("gcs client init failed: %w", err)
			}
			a.gcsClient = client
		}
		store, err := gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: a.cfg.Export.Bucket})
		if err != nil {
			return "", fmt.Errorf("gcs blob store init failed: %w", err)
		}
		blobs = store
	default:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Export.BaseDir})
		if err != nil {
			return "", fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = store
	}

	exp, err := export.New(a.service, blobs, a.clock, a.cfg.Export.Prefix, a.logger)
	if err != nil {
		return "", err
	}
	return exp.Run(ctx, limit)
}

// Run serves HTTP until ctx is canceled or SIGINT/SIGTERM arrives, then
// shuts down and closes the app.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.pgStore != nil && a.cfg.Postgres.AutoMigrate {
		if err := a.Migrate(ctx); err != nil {
			return errors.Join(err, a.Close(context.Background()))
		}
	}

	addr := net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Join(fmt.Errorf("listen on %s: %w", addr, err), a.Close(context.Background()))
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close drains the event hub, then releases storage and cloud clients. Only
// the first call does any work.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.hub != nil {
			if err := a.hub.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if a.repo != nil {
			if err := a.repo.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close page store: %w", err))
			}
		}
		if a.gcsClient != nil {
			if err := a.gcsClient.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close gcs client: %w", err))
			}
		}
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
