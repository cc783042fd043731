// Package testinfra provides disposable backing services for integration
// tests. Postgres comes from ROOMIE_TEST_DATABASE_DSN when set, otherwise
// from a throwaway container started through testcontainers.
package testinfra

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// DSNEnvVar points tests at an existing disposable database.
	DSNEnvVar = "ROOMIE_TEST_DATABASE_DSN"

	// DefaultPostgresImage is the image started when no DSN is given.
	DefaultPostgresImage = "postgres:16-alpine"

	postgresPort     = "5432/tcp"
	postgresUser     = "roomie"
	postgresPassword = "roomie"
	postgresDB       = "roomie_test"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// PostgresDSN returns a DSN for an empty-or-reusable test database. The
// container, when one is needed, is started once per test binary and
// removed by the testcontainers reaper when the binary exits. Skips when
// neither a DSN nor Docker is available, or in -short mode.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv(DSNEnvVar); dsn != "" {
		return dsn
	}
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	if !IsDockerAvailable() {
		t.Skipf("%s not set and Docker not available", DSNEnvVar)
	}

	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		pgDSN, pgErr = startPostgres(ctx)
	})
	if pgErr != nil {
		t.Fatalf("start postgres container: %v", pgErr)
	}
	return pgDSN
}

// IsDockerAvailable reports whether the Docker daemon answers.
func IsDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

func startPostgres(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        DefaultPostgresImage,
		ExposedPorts: []string{postgresPort},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		// The server restarts once after initdb; wait for the second ready line.
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(postgresPort),
		).WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("testinfra: create postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return "", fmt.Errorf("testinfra: container host: %w", err)
	}
	port, err := container.MappedPort(ctx, postgresPort)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return "", fmt.Errorf("testinfra: mapped port: %w", err)
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPassword, host, port.Port(), postgresDB), nil
}
