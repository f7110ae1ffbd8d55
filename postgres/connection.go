package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/connkeeper/connkeeper/models"
)

type ConnectionRepository struct {
	db *sql.DB
}

// NewConnectionRepository creates a PostgreSQL implementation of
// models.ConnectionRepository. Schema is managed by migrations, not here.
func NewConnectionRepository(db *sql.DB) (*ConnectionRepository, error) {
	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &ConnectionRepository{db: db}, nil
}

const connectionColumns = `id, user_id, platform, status,
	encrypted_access_token, encrypted_id_token,
	token_expires_at, last_refresh_at, COALESCE(refresh_error, ''),
	connected_at, last_synced_at, metadata, created_at, updated_at`

func (r *ConnectionRepository) Get(ctx context.Context, userID string, platform models.Platform) (*models.Connection, error) {
	q := `SELECT ` + connectionColumns + `
	      FROM user_connections WHERE user_id = $1 AND platform = $2`

	row := r.db.QueryRowContext(ctx, q, userID, string(platform))

	conn, err := rowToConnection(row)
	if err != nil {
		return nil, err
	}

	return &conn, nil
}

// Save upserts on the UNIQUE(user_id, platform) key. The row keeps its
// id and created_at across reconnects.
func (r *ConnectionRepository) Save(ctx context.Context, conn *models.Connection) error {
	metadata, err := json.Marshal(conn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}

	const q = `
		INSERT INTO user_connections
			(id, user_id, platform, status,
			 encrypted_access_token, encrypted_id_token,
			 token_expires_at, last_refresh_at, refresh_error,
			 connected_at, last_synced_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (user_id, platform) DO UPDATE SET
			status = EXCLUDED.status,
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			encrypted_id_token = EXCLUDED.encrypted_id_token,
			token_expires_at = EXCLUDED.token_expires_at,
			last_refresh_at = EXCLUDED.last_refresh_at,
			refresh_error = EXCLUDED.refresh_error,
			connected_at = EXCLUDED.connected_at,
			last_synced_at = EXCLUDED.last_synced_at,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRowContext(ctx, q,
		conn.ID,
		conn.UserID,
		string(conn.Platform),
		conn.Status,
		nullString(conn.EncryptedAccessToken),
		nullString(conn.EncryptedIDToken),
		nullTime(conn.TokenExpiresAt),
		nullTime(conn.LastRefreshAt),
		nullString(conn.RefreshError),
		nullTime(conn.ConnectedAt),
		nullTime(conn.LastSyncedAt),
		string(metadata),
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}

	return nil
}

func (r *ConnectionRepository) Update(ctx context.Context, conn *models.Connection) error {
	metadata, err := json.Marshal(conn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	const q = `
		UPDATE user_connections SET
			status = $1,
			encrypted_access_token = $2,
			encrypted_id_token = $3,
			token_expires_at = $4,
			last_refresh_at = $5,
			refresh_error = $6,
			connected_at = $7,
			last_synced_at = $8,
			metadata = $9,
			updated_at = NOW()
		WHERE user_id = $10 AND platform = $11
	`

	result, err := r.db.ExecContext(ctx, q,
		conn.Status,
		nullString(conn.EncryptedAccessToken),
		nullString(conn.EncryptedIDToken),
		nullTime(conn.TokenExpiresAt),
		nullTime(conn.LastRefreshAt),
		nullString(conn.RefreshError),
		nullTime(conn.ConnectedAt),
		nullTime(conn.LastSyncedAt),
		string(metadata),
		conn.UserID,
		string(conn.Platform),
	)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (r *ConnectionRepository) ListExpiring(ctx context.Context, before time.Time) ([]models.Connection, error) {
	q := `SELECT ` + connectionColumns + `
	      FROM user_connections
	      WHERE status = $1 AND token_expires_at IS NOT NULL AND token_expires_at < $2
	      ORDER BY token_expires_at ASC`

	rows, err := r.db.QueryContext(ctx, q, models.StatusConnected, before)
	if err != nil {
		return nil, fmt.Errorf("failed to select expiring connections: %w", err)
	}

	defer rows.Close()

	return collectConnections(rows)
}

func (r *ConnectionRepository) ListScheduled(ctx context.Context) ([]models.Connection, error) {
	q := `SELECT ` + connectionColumns + `
	      FROM user_connections
	      WHERE metadata -> 'scheduled_job' ->> 'enabled' = 'true'
	      ORDER BY user_id, platform`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to select scheduled connections: %w", err)
	}

	defer rows.Close()

	return collectConnections(rows)
}

type scannable interface {
	Scan(dest ...any) error
}

func rowToConnection(row scannable) (models.Connection, error) {
	var (
		conn models.Connection

		accessToken  sql.NullString
		idToken      sql.NullString
		expiresAt    sql.NullTime
		lastRefresh  sql.NullTime
		connectedAt  sql.NullTime
		lastSyncedAt sql.NullTime
		metadata     string
		platform     string
	)

	err := row.Scan(
		&conn.ID, &conn.UserID, &platform, &conn.Status,
		&accessToken, &idToken,
		&expiresAt, &lastRefresh, &conn.RefreshError,
		&connectedAt, &lastSyncedAt, &metadata,
		&conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Connection{}, models.ErrNotFound
		}

		return models.Connection{}, fmt.Errorf("failed to scan connection: %w", err)
	}

	conn.Platform = models.Platform(platform)
	conn.EncryptedAccessToken = accessToken.String
	conn.EncryptedIDToken = idToken.String
	conn.TokenExpiresAt = timePtr(expiresAt)
	conn.LastRefreshAt = timePtr(lastRefresh)
	conn.ConnectedAt = timePtr(connectedAt)
	conn.LastSyncedAt = timePtr(lastSyncedAt)

	if err := json.Unmarshal([]byte(metadata), &conn.Metadata); err != nil {
		return models.Connection{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return conn, nil
}

func collectConnections(rows *sql.Rows) ([]models.Connection, error) {
	var ans []models.Connection

	for rows.Next() {
		conn, err := rowToConnection(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ans, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	utc := t.Time.UTC()

	return &utc
}
