// Package testutil starts throwaway backends for integration tests.
//
// Container helpers skip the calling test when -short is set or when Docker
// is unavailable, so the unit test suite stays runnable everywhere.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startContainer(t *testing.T, image string, opts ...testcontainers.ContainerCustomizer) (testcontainers.Container, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	// Provider lookup panics when no Docker socket exists; this skips instead.
	testcontainers.SkipIfProviderIsNotHealthy(t)

	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	c, err := testcontainers.Run(ctx, image, opts...)
	testcontainers.CleanupContainer(t, c)
	if err != nil {
		t.Skipf("cannot start %s container: %v", image, err)
	}
	return c, ctx
}

// PostgresDSN starts PostgreSQL and returns a pgx DSN for it.
func PostgresDSN(t *testing.T) string {
	t.Helper()

	c, ctx := startContainer(t, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				// Container is listening
				wait.ForListeningPort("5432/tcp"),
				// Postgres reports readiness in logs
				wait.ForLog("ready to accept connections"),
				// Actively verify SQL connectivity through the mapped port
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://evalflow:evalflow@%s:%s/evalflow_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "evalflow",
			"POSTGRES_PASSWORD": "evalflow",
			"POSTGRES_DB":       "evalflow_test",
		}),
	)

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("postgres endpoint: %v", err)
	}
	return fmt.Sprintf("postgres://evalflow:evalflow@%s/evalflow_test?sslmode=disable", endpoint)
}

// RedisAddr starts Redis and returns its host:port.
func RedisAddr(t *testing.T) string {
	t.Helper()

	c, ctx := startContainer(t, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return endpoint
}

// MongoURI starts MongoDB and returns a connection URI.
func MongoURI(t *testing.T) string {
	t.Helper()

	c, ctx := startContainer(t, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("Waiting for connections"),
		),
	)

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("mongo endpoint: %v", err)
	}
	return fmt.Sprintf("mongodb://%s", endpoint)
}
