// Package migraterunner applies the postgres schema migrations and
// exits. Used from deploy pipelines where the daemon itself runs with
// a database user that cannot alter the schema.
package migraterunner

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/connkeeper/connkeeper/postgres"
	"github.com/connkeeper/connkeeper/runner"
)

type migraterunner struct {
	dsn string
	lg  *zap.Logger
}

func New(cfg *runner.Config) (runner.Runner, error) {
	if cfg.Dsn == "" {
		return nil, errors.New("dsn is required to run migrations")
	}

	lg, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	return &migraterunner{dsn: cfg.Dsn, lg: lg}, nil
}

func (m *migraterunner) Run(context.Context) error {
	return postgres.NewMigrationRunner(m.dsn, m.lg).Run()
}

func (m *migraterunner) Close(context.Context) error {
	return nil
}
