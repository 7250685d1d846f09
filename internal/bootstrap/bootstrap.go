// Package bootstrap wires configuration into a running engine: the store
// chosen by the database driver, the notification pipeline and the HTTP
// router shared by the commands.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"libralend/internal/circulation"
	"libralend/internal/config"
	"libralend/internal/inventory"
	"libralend/internal/notify"
	"libralend/internal/storage/memory"
	"libralend/internal/storage/postgres"
)

// Store is what the commands need from a backend: the engine ports plus the
// administrative operations used for seeding and consistency probes.
type Store interface {
	circulation.Store
	CreateBook(ctx context.Context, title string, totalCopies int) (*inventory.Book, error)
	SetStatus(ctx context.Context, bookID uuid.UUID, status inventory.Status) error
	SetAvailable(ctx context.Context, bookID uuid.UUID, available int) error
	CountInconsistentBooks(ctx context.Context) (int, error)
}

// Backend is an opened store with its notification inbox.
type Backend struct {
	Store Store
	Inbox notify.Inbox
	ping  func(context.Context) error
	close func() error
}

func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open connects to the configured store. Postgres schemas are migrated on open.
func Open(ctx context.Context, cfg config.Database) (*Backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return &Backend{Store: memory.New(), Inbox: notify.NewMemoryInbox()}, nil
	case config.DriverPostgres, config.DriverPGX:
		driver := postgres.DriverPQ
		if cfg.Driver == config.DriverPGX {
			driver = postgres.DriverPGX
		}
		s, err := postgres.Open(ctx, driver, cfg.URL, postgres.WithLockTimeout(cfg.LockTimeout))
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return &Backend{Store: s, Inbox: s.Inbox(), ping: s.Ping, close: s.Close}, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// NewService builds the engine. Notifications are written straight to the
// backend's inbox and queued for the log transport behind the rate limit.
// The returned dispatcher must be closed to flush the queue.
func NewService(cfg config.Config, b *Backend, logger *slog.Logger) (circulation.Service, *notify.Dispatcher) {
	dispatcher := notify.NewDispatcher(
		[]notify.Sink{notify.NewLogSink(logger)},
		notify.WithDirect(b.Inbox),
		notify.WithRateLimit(cfg.Notify.RatePerSec, cfg.Notify.Burst),
		notify.WithLogger(logger),
	)
	svc := circulation.NewService(b.Store,
		circulation.WithPolicy(cfg.Policy()),
		circulation.WithLogger(logger),
		circulation.WithSink(dispatcher),
	)
	return svc, dispatcher
}

// NewRouter mounts the circulation and inbox endpoints plus /healthz.
func NewRouter(cfg config.Config, svc circulation.Service, b *Backend, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := b.Ping(ctx); err != nil {
			logger.Warn("health check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	circulation.NewHandler(svc,
		circulation.WithSeeder(b.Store),
		circulation.WithHandlerLogger(logger),
		circulation.WithDueSoonDays(cfg.Loan.DueSoonDays),
	).Routes(r)
	notify.NewHandler(b.Inbox).Routes(r)
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// NewLogger returns a JSON logger at the configured level.
func NewLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
}
