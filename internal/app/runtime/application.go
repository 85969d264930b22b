// Package runtime turns a config into a running raffle daemon: it opens the
// configured store and Redis client, builds the application and serves HTTP.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/raffle_layer/internal/app"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
	"github.com/R3E-Network/raffle_layer/internal/app/storage/bolt"
	"github.com/R3E-Network/raffle_layer/internal/app/storage/memory"
	"github.com/R3E-Network/raffle_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/raffle_layer/internal/config"
	"github.com/R3E-Network/raffle_layer/internal/platform/migrations"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	app     *app.Application
	server  *http.Server
	closers []func() error

	mu       sync.Mutex
	listener net.Listener
}

// NewApplication constructs the daemon from cfg.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	log := logger.New(cfg.Logging)

	a := &Application{cfg: cfg, log: log}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("configure store: %w", err)
	}
	deps := app.Dependencies{Store: store}

	if cfg.Redis.Addr != "" {
		client, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		deps.Publisher = client
	} else {
		log.Warn("REDIS_ADDR not set; redis event fan-out disabled")
	}

	application, err := app.New(ctx, cfg, deps, log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.app = application
	a.server = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      application.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a, nil
}

// App exposes the composed application.
func (a *Application) App() *app.Application { return a.app }

// Addr returns the bound listen address once Run has started listening.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run starts the services and the HTTP server and blocks until ctx is
// cancelled or the server fails. It does not shut anything down.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", ln.Addr())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, the services and the stores.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	a.close()
	return errors.Join(errs...)
}

func (a *Application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("error closing resource")
		}
	}
	a.closers = nil
}

func (a *Application) openStore(ctx context.Context) (storage.RaffleStore, error) {
	cfg := a.cfg.Database
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		a.log.Warn("DATABASE_DRIVER is memory; raffle state is lost on restart")
		return memory.New(), nil
	case "bolt":
		store, err := bolt.Open(cfg.BoltPath, a.cfg.RaffleID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case "postgres":
		db, err := OpenDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if cfg.MigrateOnBoot {
			if err := migrations.Apply(ctx, db); err != nil {
				a.close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		return postgres.New(db, a.cfg.RaffleID), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenDatabase opens and pings a PostgreSQL pool.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
