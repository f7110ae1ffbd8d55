package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresPort = "5432"
	testUser     = "test"
	testPassword = "test"
	testDatabase = "connkeeper_test"
)

// PostgresContainer wraps a throwaway postgres instance for the
// connection store integration tests.
type PostgresContainer struct {
	testcontainers.Container

	dsn string
}

func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:latest",
		ExposedPorts: []string{postgresPort + "/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     testUser,
			"POSTGRES_PASSWORD": testPassword,
			"POSTGRES_DB":       testDatabase,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections"),
			wait.ForExposedPort(),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, postgresPort)
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	ans := PostgresContainer{
		Container: container,
		dsn: fmt.Sprintf("postgresql://%s:%s@%s:%s/%s?sslmode=disable",
			testUser, testPassword, host, mappedPort.Port(), testDatabase),
	}

	return &ans, nil
}

// GetDSN returns the connection string for the running container.
func (c *PostgresContainer) GetDSN() string {
	return c.dsn
}
