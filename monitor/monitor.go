// Package monitor implements the expiry sweep: it finds connections
// whose tokens are close to expiry, probes each platform to see if the
// session still works, and either extends the expiry or fails the
// connection.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/connkeeper/connkeeper/connections"
	"github.com/connkeeper/connkeeper/models"
)

// Most platforms expose no refresh endpoint; a session either still
// answers an authenticated probe or it is dead. The monitor's job is to
// keep token_expires_at honest either way.

const (
	DefaultInterval      = 5 * time.Minute
	DefaultRenewalWindow = 24 * time.Hour
	DefaultTokenLifetime = 72 * time.Hour
	DefaultProbeTimeout  = 15 * time.Second
)

const errReconnectRequired = "token expired - reconnect required"

// Outcome of one candidate within a sweep.
const (
	OutcomeRenewed = "renewed"
	OutcomeExpired = "expired"
	OutcomeFailed  = "failed"
)

// SweepResult is the per-candidate record a sweep hands back to the
// caller; the monitor itself does not decide how results are surfaced.
type SweepResult struct {
	UserID   string
	Platform models.Platform
	Outcome  string
	Err      error
	Duration time.Duration
}

type Monitor struct {
	svc        *connections.Service
	validators map[models.Platform]models.Validator

	interval      time.Duration
	renewalWindow time.Duration
	tokenLifetime time.Duration
	probeTimeout  time.Duration

	lg *zap.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithInterval(d time.Duration) Option      { return func(m *Monitor) { m.interval = d } }
func WithRenewalWindow(d time.Duration) Option { return func(m *Monitor) { m.renewalWindow = d } }
func WithTokenLifetime(d time.Duration) Option { return func(m *Monitor) { m.tokenLifetime = d } }
func WithProbeTimeout(d time.Duration) Option  { return func(m *Monitor) { m.probeTimeout = d } }

func New(svc *connections.Service, validators map[models.Platform]models.Validator, lg *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		svc:           svc,
		validators:    validators,
		interval:      DefaultInterval,
		renewalWindow: DefaultRenewalWindow,
		tokenLifetime: DefaultTokenLifetime,
		probeTimeout:  DefaultProbeTimeout,
		lg:            lg,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Run sweeps once immediately, then on every interval tick until the
// context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep processes every connection expiring within the renewal window.
// Candidates are handled sequentially and independently: a failure on
// one is recorded on that record and never aborts the rest.
func (m *Monitor) Sweep(ctx context.Context) []SweepResult {
	now := time.Now().UTC()

	candidates, err := m.svc.ListDueExpiry(ctx, now.Add(m.renewalWindow))
	if err != nil {
		m.lg.Error("expiry sweep: failed to list candidates", zap.Error(err))

		return nil
	}

	results := make([]SweepResult, 0, len(candidates))

	for i := range candidates {
		select {
		case <-ctx.Done():
			return results
		default:
		}

		results = append(results, m.check(ctx, &candidates[i]))
	}

	m.logSweep(results)

	return results
}

func (m *Monitor) check(ctx context.Context, conn *models.Connection) SweepResult {
	t0 := time.Now().UTC()

	result := SweepResult{UserID: conn.UserID, Platform: conn.Platform}

	outcome, err := m.probe(ctx, conn)
	result.Outcome = outcome
	result.Err = err
	result.Duration = time.Now().UTC().Sub(t0)

	return result
}

func (m *Monitor) probe(ctx context.Context, conn *models.Connection) (string, error) {
	tokens, err := m.svc.GetDecrypted(ctx, conn.UserID, conn.Platform)
	if err != nil || tokens == nil {
		// Decryption failure or a record mutated since listing; either
		// way the secret is unusable now.
		markErr := m.svc.MarkError(ctx, conn.UserID, conn.Platform, "stored tokens unavailable")

		return OutcomeFailed, multierr.Append(err, markErr)
	}

	validator, ok := m.validators[conn.Platform]
	if !ok {
		markErr := m.svc.MarkError(ctx, conn.UserID, conn.Platform, fmt.Sprintf("no validator for platform %s", conn.Platform))

		return OutcomeFailed, multierr.Append(fmt.Errorf("no validator for platform %s", conn.Platform), markErr)
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	valid, err := validator.Check(probeCtx, tokens.Tokens)
	if err != nil {
		// A hung or failing probe counts as an invalid session; the
		// user can always reconnect.
		markErr := m.svc.MarkError(ctx, conn.UserID, conn.Platform, errReconnectRequired)

		return OutcomeFailed, multierr.Append(err, markErr)
	}

	if !valid {
		if err := m.svc.MarkError(ctx, conn.UserID, conn.Platform, errReconnectRequired); err != nil {
			return OutcomeExpired, err
		}

		return OutcomeExpired, nil
	}

	if err := m.svc.UpdateExpiry(ctx, conn.UserID, conn.Platform, time.Now().UTC().Add(m.tokenLifetime)); err != nil {
		return OutcomeFailed, err
	}

	return OutcomeRenewed, nil
}

func (m *Monitor) logSweep(results []SweepResult) {
	for _, r := range results {
		fields := []zap.Field{
			zap.String("user_id", r.UserID),
			zap.String("platform", string(r.Platform)),
			zap.String("outcome", r.Outcome),
			zap.Duration("duration", r.Duration),
		}

		if r.Err != nil {
			m.lg.Warn("expiry check", append(fields, zap.Error(r.Err))...)

			continue
		}

		m.lg.Info("expiry check", fields...)
	}
}
