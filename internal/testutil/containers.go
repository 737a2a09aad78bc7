//go:build integration

// Package testutil starts throwaway Postgres and Redis containers for the
// integration suites. Run them with: go test -tags integration ./...
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hackgods/telehealth-dispatch/internal/db"
	"github.com/hackgods/telehealth-dispatch/internal/logging"
	redisclient "github.com/hackgods/telehealth-dispatch/internal/redis"
)

const (
	pgUser     = "test"
	pgPassword = "testpass"
	pgDatabase = "telehealth"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start %s", req.Image)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Terminate(ctx); err != nil {
			t.Logf("terminate %s: %v", req.Image, err)
		}
	})
	return c
}

func hostPort(t *testing.T, c testcontainers.Container, port nat.Port) (string, nat.Port) {
	t.Helper()

	ctx := context.Background()
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	host, err := c.Host(ctx)
	require.NoError(t, err)
	return host, mapped
}

func dsn(host string, port nat.Port) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", pgUser, pgPassword, host, port.Port(), pgDatabase)
}

// Postgres starts a database, applies the migrations and returns a pool
// that is closed when the test ends.
func Postgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	c := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPassword,
			"POSTGRES_DB":       pgDatabase,
		},
		Tmpfs: map[string]string{"/var/lib/postgresql/data": "rw,size=256m"},
		Cmd:   []string{"postgres", "-c", "fsync=off", "-c", "synchronous_commit=off"},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return dsn(host, port)
		}).WithStartupTimeout(time.Minute),
	})

	host, port := hostPort(t, c, "5432/tcp")
	ctx := context.Background()

	pool, err := db.ConnectPostgres(ctx, dsn(host, port))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.Migrate(ctx, pool, logging.Nop()))
	return pool
}

// Redis starts a server and returns a connected client.
func Redis(t *testing.T) *redis.Client {
	t.Helper()

	c := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
	})

	host, port := hostPort(t, c, "6379/tcp")
	client, err := redisclient.NewRedisClient(context.Background(), host+":"+port.Port(), "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}
