package db

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"
)

type poolOptions struct {
	maxConns int32
	queryLog *zerolog.Logger
	logLevel tracelog.LogLevel
}

type Option func(*poolOptions)

// WithMaxConns caps the pool size. Values below 1 keep the default.
func WithMaxConns(n int32) Option {
	return func(o *poolOptions) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// WithQueryLog traces statements through log. At tracelog.LogLevelWarn only
// failing statements are logged.
func WithQueryLog(log zerolog.Logger, level tracelog.LogLevel) Option {
	return func(o *poolOptions) {
		o.queryLog = &log
		o.logLevel = level
	}
}

// ConnectPostgres opens the shared pool. The caller owns it and must Close it.
func ConnectPostgres(ctx context.Context, dsn string, opts ...Option) (*pgxpool.Pool, error) {
	o := poolOptions{maxConns: 20}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}

	cfg.MaxConns = o.maxConns
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute

	if o.queryLog != nil {
		cfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   zerologAdapter(*o.queryLog),
			LogLevel: o.logLevel,
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pgx pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return pool, nil
}

func zerologAdapter(log zerolog.Logger) tracelog.Logger {
	log = log.With().Str("component", "pgx").Logger()
	return tracelog.LoggerFunc(func(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
		var ev *zerolog.Event
		switch level {
		case tracelog.LogLevelError:
			ev = log.Error()
		case tracelog.LogLevelWarn:
			ev = log.Warn()
		case tracelog.LogLevelInfo:
			ev = log.Info()
		default:
			ev = log.Debug()
		}
		ev.Fields(data).Msg(msg)
	})
}
