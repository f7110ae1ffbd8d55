// Package memory provides an in-memory ConnectionRepository used by
// tests and ephemeral single-process runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connkeeper/connkeeper/models"
)

type repo struct {
	mu    *sync.RWMutex
	items map[string]models.Connection
}

func New() models.ConnectionRepository {
	ans := repo{
		mu:    &sync.RWMutex{},
		items: make(map[string]models.Connection),
	}

	return &ans
}

func key(userID string, platform models.Platform) string {
	return userID + "|" + string(platform)
}

func (r *repo) Get(ctx context.Context, userID string, platform models.Platform) (*models.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.items[key(userID, platform)]
	if !ok {
		return nil, models.ErrNotFound
	}

	return &conn, nil
}

func (r *repo) Save(ctx context.Context, conn *models.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(conn.UserID, conn.Platform)

	if existing, ok := r.items[k]; ok {
		conn.ID = existing.ID
		conn.CreatedAt = existing.CreatedAt
	} else {
		if conn.ID == "" {
			conn.ID = uuid.New().String()
		}

		if conn.CreatedAt.IsZero() {
			conn.CreatedAt = time.Now().UTC()
		}
	}

	conn.UpdatedAt = time.Now().UTC()
	r.items[k] = *conn

	return nil
}

func (r *repo) Update(ctx context.Context, conn *models.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(conn.UserID, conn.Platform)

	if _, ok := r.items[k]; !ok {
		return models.ErrNotFound
	}

	conn.UpdatedAt = time.Now().UTC()
	r.items[k] = *conn

	return nil
}

func (r *repo) ListExpiring(ctx context.Context, before time.Time) ([]models.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ans []models.Connection

	for _, item := range r.items {
		if item.Status != models.StatusConnected {
			continue
		}

		if item.TokenExpiresAt == nil || !item.TokenExpiresAt.Before(before) {
			continue
		}

		ans = append(ans, item)
	}

	sortConnections(ans)

	return ans, nil
}

func (r *repo) ListScheduled(ctx context.Context) ([]models.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ans []models.Connection

	for _, item := range r.items {
		job := item.Metadata.ScheduledJob
		if job == nil || !job.Enabled {
			continue
		}

		ans = append(ans, item)
	}

	sortConnections(ans)

	return ans, nil
}

// sortConnections keeps list output deterministic for callers; sweep
// order is otherwise unspecified.
func sortConnections(items []models.Connection) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].UserID != items[j].UserID {
			return items[i].UserID < items[j].UserID
		}

		return items[i].Platform < items[j].Platform
	})
}
