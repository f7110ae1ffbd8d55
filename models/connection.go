package models

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNotConnected = errors.New("connection is not in connected state")
)

// Platform identifies an external service we hold connections to.
// Adding a platform means adding a constant here, not a schema change.
type Platform string

const (
	PlatformGarmin Platform = "garmin"
	PlatformWhoop  Platform = "whoop"
	PlatformOura   Platform = "oura"
)

// Platforms returns all known platforms.
func Platforms() []Platform {
	return []Platform{PlatformGarmin, PlatformWhoop, PlatformOura}
}

func (p Platform) Valid() bool {
	switch p {
	case PlatformGarmin, PlatformWhoop, PlatformOura:
		return true
	default:
		return false
	}
}

// Connection status constants. StatusNotFound is reported for a missing
// record but never stored.
const (
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
	StatusError        = "ERROR"
	StatusNotFound     = "NOT_FOUND"
)

// Login error codes surfaced by platform connectors. The lifecycle core
// consumes them as MarkError input but never generates them.
const (
	LoginErrInvalidCredentials = "INVALID_CREDENTIALS"
	LoginErrTimeout            = "TIMEOUT"
	LoginErrBlocked            = "BLOCKED"
	LoginErrUnknown            = "UNKNOWN"
)

// Tokens is the plaintext session material obtained from a platform login.
type Tokens struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token,omitempty"`
}

// ScheduledJobConfig is the per-connection extraction job configuration,
// embedded in the connection metadata.
type ScheduledJobConfig struct {
	Enabled       bool      `json:"enabled"`
	SpreadsheetID string    `json:"spreadsheet_id"`
	SheetName     string    `json:"sheet_name,omitempty"`
	Schedule      string    `json:"schedule"`
	CreatedAt     time.Time `json:"created_at"`
}

// Metadata holds platform-specific auxiliary data for a connection.
type Metadata struct {
	// PlatformUserID is the stable sub-identifier extracted from the
	// platform's token, when one exists.
	PlatformUserID string              `json:"platform_user_id,omitempty"`
	ScheduledJob   *ScheduledJobConfig `json:"scheduled_job,omitempty"`
	Extra          map[string]string   `json:"extra,omitempty"`
}

// Merge applies patch on top of m. Set fields in patch win; a nil
// ScheduledJob in patch leaves the existing job config untouched, so a
// reconnect never drops a configured job.
func (m *Metadata) Merge(patch *Metadata) {
	if patch == nil {
		return
	}

	if patch.PlatformUserID != "" {
		m.PlatformUserID = patch.PlatformUserID
	}

	if patch.ScheduledJob != nil {
		m.ScheduledJob = patch.ScheduledJob
	}

	for k, v := range patch.Extra {
		if m.Extra == nil {
			m.Extra = make(map[string]string)
		}

		m.Extra[k] = v
	}
}

// Connection represents one user's link to one external platform,
// including its encrypted secret material and lifecycle status.
// There is at most one per (UserID, Platform) pair.
type Connection struct {
	ID       string   `json:"id"`
	UserID   string   `json:"user_id"`
	Platform Platform `json:"platform"`
	Status   string   `json:"status"`

	// Encrypted secrets in their storage form (see pkg/encryption).
	// Empty unless status is CONNECTED.
	EncryptedAccessToken string `json:"-"`
	EncryptedIDToken     string `json:"-"`

	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	LastRefreshAt  *time.Time `json:"last_refresh_at,omitempty"`
	RefreshError   string     `json:"refresh_error,omitempty"`

	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`

	Metadata Metadata `json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConnectionRepository defines the storage interface for connections.
// Save upserts on the UNIQUE(user_id, platform) key; connections are
// never physically deleted by the lifecycle subsystem.
type ConnectionRepository interface {
	Get(ctx context.Context, userID string, platform Platform) (*Connection, error)
	Save(ctx context.Context, conn *Connection) error
	Update(ctx context.Context, conn *Connection) error

	// ListExpiring returns CONNECTED records whose token expiry falls
	// before the given instant.
	ListExpiring(ctx context.Context, before time.Time) ([]Connection, error)

	// ListScheduled returns records carrying an enabled scheduled job
	// config, regardless of status. Disabled configs are never returned.
	ListScheduled(ctx context.Context) ([]Connection, error)
}
