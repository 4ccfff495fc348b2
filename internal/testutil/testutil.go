// Package testutil provides shared helpers for tests that need a live
// Postgres or Redis. Backing services are discovered through environment
// variables; tests skip cleanly when they are absent.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/db"
)

// Context returns a context bounded by the test deadline, or 30 s when
// none is set.
func Context(t *testing.T) context.Context {
	t.Helper()
	deadline, ok := t.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline.Add(-time.Second))
	t.Cleanup(cancel)
	return ctx
}

// Pool connects to the database named by OTTO_BGP_TEST_DSN, runs the
// schema migrations, and registers cleanup. Tests skip when the variable
// is unset.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("OTTO_BGP_TEST_DSN")
	if dsn == "" {
		t.Skip("OTTO_BGP_TEST_DSN not set")
	}

	ctx := Context(t)
	pool, err := db.NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxConns: 4, MinConns: 1})
	if err != nil {
		t.Fatalf("connecting test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return pool
}

// RedisAddr returns the address from OTTO_BGP_TEST_REDIS after verifying
// it answers a ping. Tests skip when the variable is unset or the server
// is unreachable.
func RedisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("OTTO_BGP_TEST_REDIS")
	if addr == "" {
		t.Skip("OTTO_BGP_TEST_REDIS not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
	return addr
}

// Must fails the test on err and returns the value otherwise.
func Must[T any](t *testing.T, val T, err error) T {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return val
}
