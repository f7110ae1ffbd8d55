// Package daemonrunner wires the connection store, expiry monitor and
// extraction scheduler into the long-running lifecycle daemon.
package daemonrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/connkeeper/connkeeper/connections"
	"github.com/connkeeper/connkeeper/memory"
	"github.com/connkeeper/connkeeper/models"
	"github.com/connkeeper/connkeeper/monitor"
	"github.com/connkeeper/connkeeper/pkg/encryption"
	"github.com/connkeeper/connkeeper/platforms"
	"github.com/connkeeper/connkeeper/postgres"
	"github.com/connkeeper/connkeeper/runner"
	"github.com/connkeeper/connkeeper/scheduler"
	"github.com/connkeeper/connkeeper/sheets"
	"github.com/connkeeper/connkeeper/sqlite"
	"github.com/connkeeper/connkeeper/tlmt"
)

type daemonrunner struct {
	cfg       *runner.Config
	lg        *zap.Logger
	db        *sql.DB
	monitor   *monitor.Monitor
	scheduler *scheduler.Scheduler
}

func New(cfg *runner.Config) (runner.Runner, error) {
	lg, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}

	codec, err := encryption.New(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	ans := daemonrunner{
		cfg: cfg,
		lg:  lg,
	}

	repo, err := ans.newStore()
	if err != nil {
		return nil, err
	}

	svc := connections.NewService(repo, codec, lg)

	ans.monitor = monitor.New(svc, platforms.Validators(nil), lg,
		monitor.WithInterval(cfg.MonitorInterval),
		monitor.WithRenewalWindow(cfg.RenewalWindow),
		monitor.WithTokenLifetime(cfg.TokenLifetime),
		monitor.WithProbeTimeout(cfg.ProbeTimeout),
	)

	sink, err := newSink(cfg)
	if err != nil {
		return nil, err
	}

	if sink != nil {
		ans.scheduler = scheduler.New(svc, platforms.Extractors(nil), sink, lg,
			scheduler.WithJobDelay(cfg.JobDelay),
			scheduler.WithJobTimeout(cfg.JobTimeout),
		)
	} else if cfg.RunMode == runner.RunModeScheduler {
		// Scheduler-only with nothing to schedule must not start and
		// exit clean; make the misconfiguration loud.
		return nil, errors.New("scheduler-only mode requires SHEETS_ACCESS_TOKEN")
	} else if cfg.RunMode != runner.RunModeMonitor {
		lg.Warn("SHEETS_ACCESS_TOKEN not set, extraction scheduler disabled")
	}

	return &ans, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

func (d *daemonrunner) newStore() (models.ConnectionRepository, error) {
	switch d.cfg.Store {
	case runner.StorePostgres:
		if err := postgres.NewMigrationRunner(d.cfg.Dsn, d.lg).Run(); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}

		db, err := sql.Open("pgx", d.cfg.Dsn)
		if err != nil {
			return nil, err
		}

		d.db = db

		return postgres.NewConnectionRepository(db)
	case runner.StoreSqlite:
		if err := os.MkdirAll(d.cfg.DataFolder, os.ModePerm); err != nil {
			return nil, err
		}

		return sqlite.New(filepath.Join(d.cfg.DataFolder, "connections.db"))
	case runner.StoreMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store %q", d.cfg.Store)
	}
}

func newSink(cfg *runner.Config) (models.Sink, error) {
	if cfg.SheetsToken == "" {
		return nil, nil
	}

	ctx := context.Background()

	return sheets.NewAppender(ctx, sheets.NewClient(ctx, cfg.SheetsToken))
}

func (d *daemonrunner) Run(ctx context.Context) error {
	egroup, ctx := errgroup.WithContext(ctx)

	if d.cfg.RunMode != runner.RunModeScheduler {
		egroup.Go(func() error {
			return d.monitorLoop(ctx)
		})
	}

	if d.cfg.RunMode != runner.RunModeMonitor && d.scheduler != nil {
		egroup.Go(func() error {
			return d.schedulerLoop(ctx)
		})
	}

	return egroup.Wait()
}

func (d *daemonrunner) Close(context.Context) error {
	if d.db != nil {
		return d.db.Close()
	}

	return nil
}

func (d *daemonrunner) monitorLoop(ctx context.Context) error {
	d.reportSweep(ctx, d.monitor.Sweep(ctx))

	ticker := time.NewTicker(d.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.reportSweep(ctx, d.monitor.Sweep(ctx))
		}
	}
}

func (d *daemonrunner) schedulerLoop(ctx context.Context) error {
	ticker := time.NewTicker(scheduler.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case tick := <-ticker.C:
			d.reportJobs(ctx, d.scheduler.Sweep(ctx, tick.UTC()))
		}
	}
}

func (d *daemonrunner) reportSweep(ctx context.Context, results []monitor.SweepResult) {
	if len(results) == 0 {
		return
	}

	counts := make(map[string]int)
	for _, res := range results {
		counts[res.Outcome]++
	}

	params := map[string]any{"candidates": len(results)}
	for outcome, n := range counts {
		params[outcome] = n
	}

	evt := tlmt.NewEvent("expiry_sweep", params)

	_ = runner.Telemetry().Send(ctx, evt)
}

func (d *daemonrunner) reportJobs(ctx context.Context, results []scheduler.JobResult) {
	if len(results) == 0 {
		return
	}

	counts := make(map[string]int)

	var appended int

	for _, res := range results {
		counts[res.Outcome]++
		appended += res.AppendedRows
	}

	params := map[string]any{
		"jobs":          len(results),
		"appended_rows": appended,
	}

	for outcome, n := range counts {
		params[outcome] = n
	}

	evt := tlmt.NewEvent("extraction_sweep", params)

	_ = runner.Telemetry().Send(ctx, evt)
}
