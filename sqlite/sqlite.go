// Package sqlite provides an embedded ConnectionRepository for
// single-node deployments without a postgres instance.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/connkeeper/connkeeper/models"
)

type repo struct {
	db *sql.DB
}

func New(path string) (models.ConnectionRepository, error) {
	db, err := initDatabase(path)
	if err != nil {
		return nil, err
	}

	return &repo{db: db}, nil
}

const connectionColumns = `id, user_id, platform, status,
	encrypted_access_token, encrypted_id_token,
	token_expires_at, last_refresh_at, refresh_error,
	connected_at, last_synced_at, metadata, created_at, updated_at`

func (r *repo) Get(ctx context.Context, userID string, platform models.Platform) (*models.Connection, error) {
	q := `SELECT ` + connectionColumns + ` FROM user_connections WHERE user_id = ? AND platform = ?`

	row := r.db.QueryRowContext(ctx, q, userID, string(platform))

	conn, err := rowToConnection(row)
	if err != nil {
		return nil, err
	}

	return &conn, nil
}

func (r *repo) Save(ctx context.Context, conn *models.Connection) error {
	item, err := connectionToRow(conn)
	if err != nil {
		return err
	}

	if item.ID == "" {
		item.ID = uuid.New().String()
		conn.ID = item.ID
	}

	now := time.Now().UTC().Unix()

	const q = `
		INSERT INTO user_connections
			(id, user_id, platform, status,
			 encrypted_access_token, encrypted_id_token,
			 token_expires_at, last_refresh_at, refresh_error,
			 connected_at, last_synced_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, platform) DO UPDATE SET
			status = excluded.status,
			encrypted_access_token = excluded.encrypted_access_token,
			encrypted_id_token = excluded.encrypted_id_token,
			token_expires_at = excluded.token_expires_at,
			last_refresh_at = excluded.last_refresh_at,
			refresh_error = excluded.refresh_error,
			connected_at = excluded.connected_at,
			last_synced_at = excluded.last_synced_at,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
		RETURNING id, created_at, updated_at
	`

	// On conflict the row keeps its id and created_at; read the
	// winners back so the caller's struct matches the database, same
	// as the postgres backend.
	var createdAt, updatedAt int64

	err = r.db.QueryRowContext(ctx, q,
		item.ID, item.UserID, item.Platform, item.Status,
		item.EncryptedAccessToken, item.EncryptedIDToken,
		item.TokenExpiresAt, item.LastRefreshAt, item.RefreshError,
		item.ConnectedAt, item.LastSyncedAt, item.Metadata, now, now,
	).Scan(&conn.ID, &createdAt, &updatedAt)
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}

	conn.CreatedAt = time.Unix(createdAt, 0).UTC()
	conn.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return nil
}

func (r *repo) Update(ctx context.Context, conn *models.Connection) error {
	item, err := connectionToRow(conn)
	if err != nil {
		return err
	}

	const q = `
		UPDATE user_connections SET
			status = ?, encrypted_access_token = ?, encrypted_id_token = ?,
			token_expires_at = ?, last_refresh_at = ?, refresh_error = ?,
			connected_at = ?, last_synced_at = ?, metadata = ?, updated_at = ?
		WHERE user_id = ? AND platform = ?
	`

	result, err := r.db.ExecContext(ctx, q,
		item.Status, item.EncryptedAccessToken, item.EncryptedIDToken,
		item.TokenExpiresAt, item.LastRefreshAt, item.RefreshError,
		item.ConnectedAt, item.LastSyncedAt, item.Metadata, time.Now().UTC().Unix(),
		item.UserID, item.Platform,
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

func (r *repo) ListExpiring(ctx context.Context, before time.Time) ([]models.Connection, error) {
	q := `SELECT ` + connectionColumns + `
	      FROM user_connections
	      WHERE status = ? AND token_expires_at IS NOT NULL AND token_expires_at < ?
	      ORDER BY token_expires_at ASC`

	rows, err := r.db.QueryContext(ctx, q, models.StatusConnected, before.UTC().Unix())
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	return collectConnections(rows)
}

func (r *repo) ListScheduled(ctx context.Context) ([]models.Connection, error) {
	q := `SELECT ` + connectionColumns + `
	      FROM user_connections
	      WHERE json_extract(metadata, '$.scheduled_job.enabled') = 1
	      ORDER BY user_id, platform`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	return collectConnections(rows)
}

type scannable interface {
	Scan(dest ...any) error
}

type row struct {
	ID                   string
	UserID               string
	Platform             string
	Status               string
	EncryptedAccessToken sql.NullString
	EncryptedIDToken     sql.NullString
	TokenExpiresAt       sql.NullInt64
	LastRefreshAt        sql.NullInt64
	RefreshError         sql.NullString
	ConnectedAt          sql.NullInt64
	LastSyncedAt         sql.NullInt64
	Metadata             string
	CreatedAt            int64
	UpdatedAt            int64
}

func rowToConnection(sc scannable) (models.Connection, error) {
	var item row

	err := sc.Scan(
		&item.ID, &item.UserID, &item.Platform, &item.Status,
		&item.EncryptedAccessToken, &item.EncryptedIDToken,
		&item.TokenExpiresAt, &item.LastRefreshAt, &item.RefreshError,
		&item.ConnectedAt, &item.LastSyncedAt, &item.Metadata,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Connection{}, models.ErrNotFound
		}

		return models.Connection{}, err
	}

	ans := models.Connection{
		ID:                   item.ID,
		UserID:               item.UserID,
		Platform:             models.Platform(item.Platform),
		Status:               item.Status,
		EncryptedAccessToken: item.EncryptedAccessToken.String,
		EncryptedIDToken:     item.EncryptedIDToken.String,
		RefreshError:         item.RefreshError.String,
		TokenExpiresAt:       unixPtr(item.TokenExpiresAt),
		LastRefreshAt:        unixPtr(item.LastRefreshAt),
		ConnectedAt:          unixPtr(item.ConnectedAt),
		LastSyncedAt:         unixPtr(item.LastSyncedAt),
		CreatedAt:            time.Unix(item.CreatedAt, 0).UTC(),
		UpdatedAt:            time.Unix(item.UpdatedAt, 0).UTC(),
	}

	if err := json.Unmarshal([]byte(item.Metadata), &ans.Metadata); err != nil {
		return models.Connection{}, err
	}

	return ans, nil
}

func connectionToRow(conn *models.Connection) (row, error) {
	metadata, err := json.Marshal(conn.Metadata)
	if err != nil {
		return row{}, err
	}

	return row{
		ID:                   conn.ID,
		UserID:               conn.UserID,
		Platform:             string(conn.Platform),
		Status:               conn.Status,
		EncryptedAccessToken: sql.NullString{String: conn.EncryptedAccessToken, Valid: conn.EncryptedAccessToken != ""},
		EncryptedIDToken:     sql.NullString{String: conn.EncryptedIDToken, Valid: conn.EncryptedIDToken != ""},
		RefreshError:         sql.NullString{String: conn.RefreshError, Valid: conn.RefreshError != ""},
		TokenExpiresAt:       unixVal(conn.TokenExpiresAt),
		LastRefreshAt:        unixVal(conn.LastRefreshAt),
		ConnectedAt:          unixVal(conn.ConnectedAt),
		LastSyncedAt:         unixVal(conn.LastSyncedAt),
		Metadata:             string(metadata),
	}, nil
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

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}

	t := time.Unix(v.Int64, 0).UTC()

	return &t
}

func unixVal(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}

func initDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=1000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, err
		}
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return db, createSchema(db)
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS user_connections (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			status TEXT NOT NULL,
			encrypted_access_token TEXT,
			encrypted_id_token TEXT,
			token_expires_at INT,
			last_refresh_at INT,
			refresh_error TEXT,
			connected_at INT,
			last_synced_at INT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INT NOT NULL,
			updated_at INT NOT NULL,
			UNIQUE (user_id, platform)
		)
	`)

	return err
}
