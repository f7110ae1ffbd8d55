// Package connections implements the connection lifecycle store: the
// status state machine, field-level secret encryption and the due-record
// queries used by the background sweeps.
package connections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/connkeeper/connkeeper/models"
	"github.com/connkeeper/connkeeper/pkg/encryption"
)

// DecryptedTokens is the usable session material for one connection.
type DecryptedTokens struct {
	models.Tokens
	ExpiresAt time.Time
}

// StatusInfo is the caller-facing view of one connection's state.
type StatusInfo struct {
	Connected bool       `json:"connected"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Service is the connection store. All operations are keyed by
// (userID, platform); per-key writes are last-writer-wins, callers are
// expected not to issue overlapping mutations for one key.
type Service struct {
	repo  models.ConnectionRepository
	codec *encryption.Codec
	cron  *gronx.Gronx
	lg    *zap.Logger
}

func NewService(repo models.ConnectionRepository, codec *encryption.Codec, lg *zap.Logger) *Service {
	return &Service{
		repo:  repo,
		codec: codec,
		cron:  gronx.New(),
		lg:    lg,
	}
}

// Connect stores freshly obtained tokens for (userID, platform),
// creating the record or overwriting a previous one. Metadata is merged,
// not replaced, so an existing scheduled job survives a reconnect.
func (s *Service) Connect(ctx context.Context, userID string, platform models.Platform, tokens models.Tokens, expiresAt time.Time, patch *models.Metadata) (*models.Connection, error) {
	if !platform.Valid() {
		return nil, fmt.Errorf("unknown platform %q", platform)
	}

	encAccess, err := s.codec.EncryptToString(tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var encID string

	if tokens.IDToken != "" {
		encID, err = s.codec.EncryptToString(tokens.IDToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt id token: %w", err)
		}
	}

	conn, err := s.repo.Get(ctx, userID, platform)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}

		conn = &models.Connection{UserID: userID, Platform: platform}
	}

	now := time.Now().UTC()

	conn.Status = models.StatusConnected
	conn.EncryptedAccessToken = encAccess
	conn.EncryptedIDToken = encID
	conn.TokenExpiresAt = &expiresAt
	conn.ConnectedAt = &now
	conn.LastRefreshAt = &now
	conn.RefreshError = ""
	conn.Metadata.Merge(patch)

	if err := s.repo.Save(ctx, conn); err != nil {
		return nil, err
	}

	s.lg.Info("connection established",
		zap.String("user_id", userID),
		zap.String("platform", string(platform)),
		zap.Time("expires_at", expiresAt))

	return conn, nil
}

// GetDecrypted returns the usable tokens for a connection, or nil when
// the record is missing, not CONNECTED, has no secret material, or its
// secrets fail to decrypt. Decryption failures are logged but never
// surfaced as errors; the caller sees a uniform "not available".
func (s *Service) GetDecrypted(ctx context.Context, userID string, platform models.Platform) (*DecryptedTokens, error) {
	conn, err := s.repo.Get(ctx, userID, platform)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	if conn.Status != models.StatusConnected || conn.EncryptedAccessToken == "" {
		return nil, nil
	}

	access, err := s.codec.DecryptString(conn.EncryptedAccessToken)
	if err != nil {
		s.lg.Error("failed to decrypt access token",
			zap.String("user_id", userID),
			zap.String("platform", string(platform)),
			zap.Error(err))

		return nil, nil
	}

	ans := DecryptedTokens{Tokens: models.Tokens{AccessToken: access}}

	if conn.TokenExpiresAt != nil {
		ans.ExpiresAt = *conn.TokenExpiresAt
	}

	if conn.EncryptedIDToken != "" {
		idToken, err := s.codec.DecryptString(conn.EncryptedIDToken)
		if err != nil {
			s.lg.Error("failed to decrypt id token",
				zap.String("user_id", userID),
				zap.String("platform", string(platform)),
				zap.Error(err))

			return nil, nil
		}

		ans.IDToken = idToken
	}

	return &ans, nil
}

// Status reports the connection state. This is the only operation that
// surfaces NOT_FOUND; a missing record is not an error.
func (s *Service) Status(ctx context.Context, userID string, platform models.Platform) (StatusInfo, error) {
	conn, err := s.repo.Get(ctx, userID, platform)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return StatusInfo{Status: models.StatusNotFound}, nil
		}

		return StatusInfo{}, err
	}

	return StatusInfo{
		Connected: conn.Status == models.StatusConnected,
		Status:    conn.Status,
		ExpiresAt: conn.TokenExpiresAt,
		LastSync:  conn.LastSyncedAt,
		Error:     conn.RefreshError,
	}, nil
}

// Disconnect clears the secret fields and expiry but keeps the record,
// including its metadata, for history and later reconnection.
func (s *Service) Disconnect(ctx context.Context, userID string, platform models.Platform) error {
	conn, err := s.repo.Get(ctx, userID, platform)
	if err != nil {
		return err
	}

	conn.Status = models.StatusDisconnected
	conn.EncryptedAccessToken = ""
	conn.EncryptedIDToken = ""
	conn.TokenExpiresAt = nil

	if err := s.repo.Update(ctx, conn); err != nil {
		return err
	}

	s.lg.Info("connection disconnected",
		zap.String("user_id", userID),
		zap.String("platform", string(platform)))

	return nil
}

// MarkError moves the connection to ERROR with a reason. Secret fields
// are left in place: the token may still be valid and the encrypted
// material stays available for inspection or recovery.
func (s *Service) MarkError(ctx context.Context, userID string, platform models.Platform, message string) error {
	conn, err := s.repo.Get(ctx, userID, platform)
	if err != nil {
		return err
	}

	conn.Status = models.StatusError
	conn.RefreshError = message

	if err := s.repo.Update(ctx, conn); err != nil {
		return err
	}

	s.lg.Warn("connection marked as errored",
		zap.String("user_id", userID),
		zap.String("platform", string(platform)),
		zap.String("reason", message))

	return nil
}

// UpdateExpiry extends a CONNECTED record's token lifetime after a
// successful validation probe. Calling it in any other status is a
// guarded no-op returning ErrNotConnected; sweeps log and continue.
func (s *Service) UpdateExpiry(ctx context.Context, userID string, platform models.Platform, newExpiresAt time.Time) error {
	conn, err := s.repo.Get(ctx, userID, platform)
	if err != nil {
		return err
	}

	if conn.Status != models.StatusConnected {
		return fmt.Errorf("%w: status is %s", models.ErrNotConnected, conn.Status)
	}

	now := time.Now().UTC()

	conn.TokenExpiresAt = &newExpiresAt
	conn.LastRefreshAt = &now
	conn.RefreshError = ""

	return s.repo.Update(ctx, conn)
}

// SetScheduledJob installs or replaces the extraction job config on a
// connection.
func (s *Service) SetScheduledJob(ctx context.Context, userID string, platform models.Platform, cfg models.ScheduledJobConfig) error {
	if cfg.Schedule == "" {
		return errors.New("schedule is required")
	}

	if !s.cron.IsValid(cfg.Schedule) {
		return fmt.Errorf("invalid cron expression %q", cfg.Schedule)
	}

	if cfg.Enabled && cfg.SpreadsheetID == "" {
		return errors.New("spreadsheet id is required for an enabled job")
	}

	conn, err := s.repo.Get(ctx, userID, platform)
	if err != nil {
		return err
	}

	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}

	conn.Metadata.ScheduledJob = &cfg

	return s.repo.Update(ctx, conn)
}

// ClearScheduledJob removes the job config entirely.
func (s *Service) ClearScheduledJob(ctx context.Context, userID string, platform models.Platform) error {
	conn, err := s.repo.Get(ctx, userID, platform)
	if err != nil {
		return err
	}

	conn.Metadata.ScheduledJob = nil

	return s.repo.Update(ctx, conn)
}

// TouchSynced records a completed extraction for the connection.
func (s *Service) TouchSynced(ctx context.Context, userID string, platform models.Platform, at time.Time) error {
	conn, err := s.repo.Get(ctx, userID, platform)
	if err != nil {
		return err
	}

	at = at.UTC()
	conn.LastSyncedAt = &at

	return s.repo.Update(ctx, conn)
}

// ListDueExpiry returns CONNECTED records whose tokens expire before
// the given instant. Used by the expiry monitor sweep.
func (s *Service) ListDueExpiry(ctx context.Context, before time.Time) ([]models.Connection, error) {
	return s.repo.ListExpiring(ctx, before)
}

// ListDueJobs returns connections whose enabled job schedule matches
// the given tick. Disabled configs are filtered by the repository and
// never reach the cron check.
func (s *Service) ListDueJobs(ctx context.Context, now time.Time) ([]models.Connection, error) {
	scheduled, err := s.repo.ListScheduled(ctx)
	if err != nil {
		return nil, err
	}

	var ans []models.Connection

	for _, conn := range scheduled {
		job := conn.Metadata.ScheduledJob
		if job == nil || !job.Enabled {
			continue
		}

		due, err := s.cron.IsDue(job.Schedule, now)
		if err != nil {
			s.lg.Warn("skipping job with unparsable schedule",
				zap.String("user_id", conn.UserID),
				zap.String("platform", string(conn.Platform)),
				zap.String("schedule", job.Schedule),
				zap.Error(err))

			continue
		}

		if due {
			ans = append(ans, conn)
		}
	}

	return ans, nil
}
