package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connkeeper/connkeeper/models"
)

func newTestRepo(t *testing.T) models.ConnectionRepository {
	t.Helper()

	repo, err := New(filepath.Join(t.TempDir(), "connections.db"))
	require.NoError(t, err)

	return repo
}

func TestSaveAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	expiry := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)

	conn := &models.Connection{
		UserID:               "u1",
		Platform:             models.PlatformGarmin,
		Status:               models.StatusConnected,
		EncryptedAccessToken: "aXY=.dGFn.Y3Q=",
		TokenExpiresAt:       &expiry,
		Metadata: models.Metadata{
			PlatformUserID: "garmin-123",
			Extra:          map[string]string{"region": "eu"},
		},
	}

	require.NoError(t, repo.Save(ctx, conn))
	require.NotEmpty(t, conn.ID)

	got, err := repo.Get(ctx, "u1", models.PlatformGarmin)
	require.NoError(t, err)

	assert.Equal(t, models.StatusConnected, got.Status)
	assert.Equal(t, "aXY=.dGFn.Y3Q=", got.EncryptedAccessToken)
	require.NotNil(t, got.TokenExpiresAt)
	assert.Equal(t, expiry.Unix(), got.TokenExpiresAt.Unix())
	assert.Equal(t, "garmin-123", got.Metadata.PlatformUserID)
	assert.Equal(t, "eu", got.Metadata.Extra["region"])
}

func TestSaveUpsertIsUnique(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first := &models.Connection{
		UserID: "u1", Platform: models.PlatformWhoop, Status: models.StatusConnected,
	}
	require.NoError(t, repo.Save(ctx, first))

	second := &models.Connection{
		UserID: "u1", Platform: models.PlatformWhoop, Status: models.StatusDisconnected,
	}
	require.NoError(t, repo.Save(ctx, second))

	// The conflicting save adopts the stored identity, so both structs
	// agree with the row that won.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	got, err := repo.Get(ctx, "u1", models.PlatformWhoop)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, models.StatusDisconnected, got.Status)

	all, err := repo.ListExpiring(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUpdateMissing(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.Update(context.Background(), &models.Connection{
		UserID: "nobody", Platform: models.PlatformOura, Status: models.StatusError,
	})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestListExpiring(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	soon := now.Add(30 * time.Minute)
	far := now.Add(72 * time.Hour)

	require.NoError(t, repo.Save(ctx, &models.Connection{
		UserID: "u1", Platform: models.PlatformGarmin,
		Status: models.StatusConnected, TokenExpiresAt: &soon,
	}))
	require.NoError(t, repo.Save(ctx, &models.Connection{
		UserID: "u2", Platform: models.PlatformGarmin,
		Status: models.StatusConnected, TokenExpiresAt: &far,
	}))
	require.NoError(t, repo.Save(ctx, &models.Connection{
		UserID: "u3", Platform: models.PlatformGarmin,
		Status: models.StatusDisconnected, TokenExpiresAt: &soon,
	}))

	got, err := repo.ListExpiring(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)
}

func TestListScheduledSkipsDisabled(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &models.Connection{
		UserID: "u1", Platform: models.PlatformGarmin, Status: models.StatusConnected,
		Metadata: models.Metadata{ScheduledJob: &models.ScheduledJobConfig{
			Enabled: true, SpreadsheetID: "s1", Schedule: "0 7 * * *", CreatedAt: time.Now().UTC(),
		}},
	}))
	require.NoError(t, repo.Save(ctx, &models.Connection{
		UserID: "u2", Platform: models.PlatformGarmin, Status: models.StatusConnected,
		Metadata: models.Metadata{ScheduledJob: &models.ScheduledJobConfig{
			Enabled: false, SpreadsheetID: "s2", Schedule: "0 7 * * *", CreatedAt: time.Now().UTC(),
		}},
	}))

	got, err := repo.ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)
}
