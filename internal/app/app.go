// Package app wires configuration into running services. The api-server and
// the expiry-worker build the same graph and differ only in what they serve.
package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-dispatch/internal/api"
	"github.com/hackgods/telehealth-dispatch/internal/audit"
	"github.com/hackgods/telehealth-dispatch/internal/catalog"
	"github.com/hackgods/telehealth-dispatch/internal/clock"
	"github.com/hackgods/telehealth-dispatch/internal/config"
	"github.com/hackgods/telehealth-dispatch/internal/db"
	"github.com/hackgods/telehealth-dispatch/internal/dispatch"
	"github.com/hackgods/telehealth-dispatch/internal/natsbus"
	"github.com/hackgods/telehealth-dispatch/internal/pharmacy"
	"github.com/hackgods/telehealth-dispatch/internal/realtime"
	redisclient "github.com/hackgods/telehealth-dispatch/internal/redis"
	"github.com/hackgods/telehealth-dispatch/internal/scheduler"
	"github.com/hackgods/telehealth-dispatch/internal/slots"
	"github.com/hackgods/telehealth-dispatch/internal/triage"
)

type App struct {
	Config   config.Config
	Log      zerolog.Logger
	Clock    clock.Clock
	Hub      *realtime.Hub
	Slots    *slots.Service
	Dispatch *dispatch.Service
	Pharmacy *pharmacy.Allocator
	Checks   []api.Check

	closers []func()
}

type stores struct {
	slots     slots.Repository
	requests  dispatch.RequestRepository
	inventory pharmacy.InventoryRepository
	orders    pharmacy.OrderRepository
	recorder  audit.Recorder
}

// New connects every configured backend and builds the services. On error
// whatever was already opened is closed again.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (_ *App, err error) {
	a := &App{
		Config: cfg,
		Log:    log,
		Clock:  clock.NewRealClock(),
		Hub:    realtime.NewHub(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	var (
		locker   redisclient.Locker
		sessions dispatch.SessionStore = dispatch.NewMemorySessionStore(a.Clock)
	)
	if cfg.RedisEnabled() {
		rdb, err := a.connectRedis(ctx)
		if err != nil {
			return nil, err
		}
		locker = redisclient.NewRedisSlotLocker(rdb, cfg.Redis.LockTTL)
		sessions = redisclient.NewSessionStore(rdb)
	}

	broadcaster, err := a.connectBus()
	if err != nil {
		return nil, err
	}

	if len(cfg.Kafka.Brokers) > 0 {
		mirror := audit.NewKafkaRecorder(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic, log)
		a.closers = append(a.closers, func() { _ = mirror.Close() })
		st.recorder = audit.Tee{st.recorder, mirror}
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("mirroring audit log to kafka")
	}

	notifier := realtime.NewNotifier(broadcaster, a.Clock, log)
	a.Slots = slots.NewService(st.slots, locker, triage.NewKeyword(), notifier, st.recorder, a.Clock, log)
	a.Dispatch = dispatch.NewService(st.requests, sessions, notifier, st.recorder, a.Clock, log, dispatch.Config{
		OfferTTL:   cfg.Dispatch.OfferTTL,
		SessionTTL: cfg.Dispatch.SessionTTL,
	})
	a.Pharmacy = pharmacy.NewAllocator(st.inventory, st.orders, notifier, st.recorder, a.Clock, log)

	return a, nil
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	if a.Config.Store.Driver == config.StoreDriverMemory {
		slotRepo := slots.NewMemoryRepository()
		inventory := pharmacy.NewMemoryRepository()

		cat, err := catalog.Load(a.Config.CatalogPath)
		if err != nil {
			return stores{}, err
		}
		summary, err := cat.Apply(ctx, slotRepo, inventory)
		if err != nil {
			return stores{}, errors.Wrap(err, "apply catalog")
		}
		a.Log.Warn().
			Int("providers", summary.Providers).
			Int("pharmacies", summary.Pharmacies).
			Msg("using in-memory store, state is lost on restart")

		return stores{
			slots:     slotRepo,
			requests:  dispatch.NewMemoryRepository(),
			inventory: inventory,
			orders:    inventory,
			recorder:  audit.NewMemoryRecorder(),
		}, nil
	}

	pool, err := a.connectPostgres(ctx)
	if err != nil {
		return stores{}, err
	}
	orders := pharmacy.NewPgRepository(pool)
	return stores{
		slots:     slots.NewPgRepository(pool),
		requests:  dispatch.NewPgRepository(pool),
		inventory: orders,
		orders:    orders,
		recorder:  audit.NewPgRecorder(pool),
	}, nil
}

func (a *App) connectPostgres(ctx context.Context) (*pgxpool.Pool, error) {
	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	level := tracelog.LogLevelWarn
	if a.Config.Store.LogQueries {
		level = tracelog.LogLevelDebug
	}
	pool, err := db.ConnectPostgres(pgCtx, a.Config.Store.PostgresDSN,
		db.WithMaxConns(a.Config.Store.MaxConns),
		db.WithQueryLog(a.Log, level),
	)
	if err != nil {
		return nil, errors.Wrap(err, "postgres connection")
	}
	a.closers = append(a.closers, pool.Close)
	a.Checks = append(a.Checks, api.PostgresCheck(pool))
	a.Log.Info().Msg("connected to Postgres")
	return pool, nil
}

func (a *App) connectRedis(ctx context.Context) (*redis.Client, error) {
	rcfg := a.Config.Redis
	rdb, err := redisclient.NewRedisClient(ctx, rcfg.Addr, rcfg.Username, rcfg.Password)
	if err != nil {
		return nil, errors.Wrap(err, "redis connection")
	}
	a.closers = append(a.closers, func() {
		if err := rdb.Close(); err != nil {
			a.Log.Warn().Err(err).Msg("error closing redis")
		}
	})
	a.Checks = append(a.Checks, api.RedisCheck(rdb))
	a.Log.Info().Str("addr", rcfg.Addr).Msg("connected to Redis")
	return rdb, nil
}

// connectBus returns the hub itself when NATS is off. Otherwise events go
// out through NATS and come back to this instance's hub via the relay.
func (a *App) connectBus() (realtime.Broadcaster, error) {
	if a.Config.NATS.URL == "" {
		return a.Hub, nil
	}

	bus, err := natsbus.Connect(a.Config.NATS.URL, a.Log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, bus.Close)

	sub, err := natsbus.NewRelay(bus.Conn(), a.Hub, a.Log).Subscribe()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = sub.Unsubscribe() })
	a.Checks = append(a.Checks, api.NATSCheck(bus.Ping))

	return natsbus.NewPublisher(bus.Conn()), nil
}

// Sweeps schedules hold expiry, offer expiry and freelance re-offers.
func (a *App) Sweeps(holdInterval, offerInterval time.Duration) *scheduler.Scheduler {
	return scheduler.New(a.Log).
		Every("expire-holds", holdInterval, a.Slots.SweepExpired).
		Every("expire-offers", offerInterval, a.Dispatch.ExpireOffers).
		Every("retry-open-requests", offerInterval, a.Dispatch.RetryOpen)
}

// Close releases backends in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
