// Package app assembles the booking core from configuration. The commands
// share it so the API server and the reconciler see the same store, locker
// and audit wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/provider-slot-booking/internal/api"
	"github.com/hackgods/provider-slot-booking/internal/appointment"
	"github.com/hackgods/provider-slot-booking/internal/audit"
	"github.com/hackgods/provider-slot-booking/internal/config"
	"github.com/hackgods/provider-slot-booking/internal/db"
	"github.com/hackgods/provider-slot-booking/internal/identity"
	redisclient "github.com/hackgods/provider-slot-booking/internal/redis"
)

// Store is a repository plus the resources behind it.
type Store interface {
	appointment.Repository
	PutUser(ctx context.Context, u identity.User) error
}

// App holds everything a command needs and closes it in reverse order.
type App struct {
	Config   config.Config
	Log      *zap.Logger
	Store    Store
	Service  *appointment.Service
	Pool     *pgxpool.Pool // nil unless the store is postgres
	Redis    *redis.Client // nil unless a component needs it
	Deps     []api.Dependency
	notifier *audit.Dispatcher
	closers  []func()
}

// New connects the configured backends and builds the service. On error
// whatever was already opened is closed.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	locker, err := a.newLocker(ctx)
	if err != nil {
		return nil, err
	}

	a.notifier = audit.NewDispatcher(a.auditSink(), cfg.AuditBuffer, 2*time.Second, log)

	users := identity.NewCachedResolver(a.Store, cfg.IdentityCacheSize, cfg.IdentityCacheTTL, log)
	a.Service = appointment.NewService(a.Store, locker, users, a.notifier, appointment.Options{
		HorizonDays:      cfg.BookingHorizonDays,
		AutoConfirm:      cfg.AutoConfirmBookings,
		OperationTimeout: cfg.OperationTimeout,
	}, log)

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PostgresMaxConns)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres connection: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		n, err := db.MigratePostgres(pool)
		if err != nil {
			return err
		}
		a.Log.Info("postgres.ready", zap.Int("migrations_applied", n))

		a.Pool = pool
		a.Store = appointment.NewPgRepository(pool, cfg.TxMaxRetries, a.Log.Named("store"))
		a.Deps = append(a.Deps, api.Dependency{Name: "postgres", Critical: true, Ping: pool.Ping})

	case config.DriverSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite open: %w", err)
		}
		a.closers = append(a.closers, func() { _ = conn.Close() })
		n, err := db.MigrateSQLite(conn)
		if err != nil {
			return err
		}
		a.Log.Info("sqlite.ready", zap.String("path", cfg.SQLitePath), zap.Int("migrations_applied", n))

		a.Store = appointment.NewSQLiteRepository(conn, cfg.TxMaxRetries, a.Log.Named("store"))
		a.Deps = append(a.Deps, api.Dependency{Name: "sqlite", Critical: true, Ping: conn.PingContext})

	case config.DriverMemory:
		a.Log.Warn("store.memory", zap.String("note", "state is lost on restart"))
		a.Store = appointment.NewMemoryRepository()

	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	return nil
}

func (a *App) newLocker(ctx context.Context) (appointment.Locker, error) {
	cfg := a.Config
	switch cfg.LockBackend {
	case config.LockRedis:
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("redis connection: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := rdb.Close(); err != nil {
				a.Log.Warn("redis.close", zap.Error(err))
			}
		})
		a.Redis = rdb
		a.Deps = append(a.Deps, api.Dependency{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		return redisclient.NewSlotLocker(rdb, cfg.LockTTL, cfg.LockWait, a.Log.Named("lock")), nil
	case config.LockNone:
		return appointment.NoLocker(), nil
	default:
		return appointment.NewLocalSlotLocker(), nil
	}
}

// auditSink fans out to every configured target. Broker failures at start
// are logged and the sink is skipped; audit never blocks startup.
func (a *App) auditSink() audit.Sink {
	var sinks audit.MultiSink
	if a.Pool != nil && a.Config.AuditPgEnabled {
		sinks = append(sinks, audit.NewPgEventLog(a.Pool))
	}
	if a.Config.AMQPURL != "" {
		pub, err := audit.NewAMQPPublisher(a.Config.AMQPURL, a.Config.AuditExchange, a.Log)
		if err != nil {
			a.Log.Error("audit.amqp.unavailable", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() { _ = pub.Close() })
			sinks = append(sinks, pub)
		}
	}
	return sinks
}

// Close drains the audit queue and releases connections.
func (a *App) Close(ctx context.Context) {
	if a.notifier != nil {
		if err := a.notifier.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Log.Warn("audit.close", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
