package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connkeeper/connkeeper/models"
)

func TestGetMissing(t *testing.T) {
	repo := New()

	_, err := repo.Get(context.Background(), "u1", models.PlatformGarmin)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSaveUpsertsOnUserPlatform(t *testing.T) {
	repo := New()
	ctx := context.Background()

	first := &models.Connection{
		UserID:   "u1",
		Platform: models.PlatformGarmin,
		Status:   models.StatusConnected,
	}
	require.NoError(t, repo.Save(ctx, first))
	require.NotEmpty(t, first.ID)

	second := &models.Connection{
		UserID:   "u1",
		Platform: models.PlatformGarmin,
		Status:   models.StatusError,
	}
	require.NoError(t, repo.Save(ctx, second))

	// Same logical record: id and created_at survive the second save.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	got, err := repo.Get(ctx, "u1", models.PlatformGarmin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)

	// A different platform for the same user is a different record.
	other := &models.Connection{UserID: "u1", Platform: models.PlatformWhoop}
	require.NoError(t, repo.Save(ctx, other))
	assert.NotEqual(t, first.ID, other.ID)
}

func TestUpdateMissing(t *testing.T) {
	repo := New()

	err := repo.Update(context.Background(), &models.Connection{UserID: "u1", Platform: models.PlatformOura})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestListExpiring(t *testing.T) {
	repo := New()
	ctx := context.Background()
	now := time.Now().UTC()

	soon := now.Add(10 * time.Minute)
	later := now.Add(48 * time.Hour)

	require.NoError(t, repo.Save(ctx, &models.Connection{
		UserID: "u1", Platform: models.PlatformGarmin,
		Status: models.StatusConnected, TokenExpiresAt: &soon,
	}))
	require.NoError(t, repo.Save(ctx, &models.Connection{
		UserID: "u2", Platform: models.PlatformGarmin,
		Status: models.StatusConnected, TokenExpiresAt: &later,
	}))
	require.NoError(t, repo.Save(ctx, &models.Connection{
		UserID: "u3", Platform: models.PlatformGarmin,
		Status: models.StatusError, TokenExpiresAt: &soon,
	}))
	require.NoError(t, repo.Save(ctx, &models.Connection{
		UserID: "u4", Platform: models.PlatformGarmin,
		Status: models.StatusConnected,
	}))

	got, err := repo.ListExpiring(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)
}

func TestListScheduled(t *testing.T) {
	repo := New()
	ctx := context.Background()

	enabled := &models.ScheduledJobConfig{Enabled: true, SpreadsheetID: "sheet-1", Schedule: "0 7 * * *"}
	disabled := &models.ScheduledJobConfig{Enabled: false, SpreadsheetID: "sheet-2", Schedule: "0 7 * * *"}

	require.NoError(t, repo.Save(ctx, &models.Connection{
		UserID: "u1", Platform: models.PlatformGarmin,
		Status:   models.StatusConnected,
		Metadata: models.Metadata{ScheduledJob: enabled},
	}))
	require.NoError(t, repo.Save(ctx, &models.Connection{
		UserID: "u2", Platform: models.PlatformGarmin,
		Status:   models.StatusConnected,
		Metadata: models.Metadata{ScheduledJob: disabled},
	}))
	require.NoError(t, repo.Save(ctx, &models.Connection{
		UserID: "u3", Platform: models.PlatformGarmin,
		Status: models.StatusConnected,
	}))

	got, err := repo.ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)
}
