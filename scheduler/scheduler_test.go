package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/connkeeper/connkeeper/connections"
	"github.com/connkeeper/connkeeper/memory"
	"github.com/connkeeper/connkeeper/models"
	"github.com/connkeeper/connkeeper/pkg/encryption"
)

type fakeExtractor struct {
	mu    sync.Mutex
	rows  map[string][]models.Row // userID -> rows
	errs  map[string]error
	calls []string
}

func (f *fakeExtractor) Extract(_ context.Context, conn *models.Connection, _ models.Tokens, _, _ time.Time) ([]models.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, conn.UserID)

	if err := f.errs[conn.UserID]; err != nil {
		return nil, err
	}

	return f.rows[conn.UserID], nil
}

type fakeSink struct {
	mu     sync.Mutex
	writes []sinkWrite
	err    error
}

type sinkWrite struct {
	rows          int
	spreadsheetID string
	sheetName     string
}

func (f *fakeSink) Append(_ context.Context, rows []models.Row, spreadsheetID, sheetName string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return 0, f.err
	}

	f.writes = append(f.writes, sinkWrite{rows: len(rows), spreadsheetID: spreadsheetID, sheetName: sheetName})

	return len(rows), nil
}

func newTestService(t *testing.T) *connections.Service {
	t.Helper()

	codec, err := encryption.New([]byte(strings.Repeat("k", encryption.KeySize)))
	require.NoError(t, err)

	return connections.NewService(memory.New(), codec, zap.NewNop())
}

func newTestScheduler(svc *connections.Service, extractor models.Extractor, sink models.Sink) *Scheduler {
	s := New(svc,
		map[models.Platform]models.Extractor{models.PlatformGarmin: extractor},
		sink, zap.NewNop(), WithJobDelay(time.Millisecond))
	s.sleep = func(context.Context, time.Duration) {}

	return s
}

func connectWithJob(t *testing.T, svc *connections.Service, userID, spreadsheetID, schedule string, enabled bool) {
	t.Helper()
	ctx := context.Background()

	_, err := svc.Connect(ctx, userID, models.PlatformGarmin,
		models.Tokens{AccessToken: "token-" + userID}, time.Now().UTC().Add(48*time.Hour), nil)
	require.NoError(t, err)

	require.NoError(t, svc.SetScheduledJob(ctx, userID, models.PlatformGarmin, models.ScheduledJobConfig{
		Enabled:       enabled,
		SpreadsheetID: spreadsheetID,
		SheetName:     "Daily",
		Schedule:      schedule,
	}))
}

var tick = time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)

func TestSweepRunsDueJobAndRecordsSync(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	connectWithJob(t, svc, "u1", "sheet-1", "0 7 * * *", true)

	extractor := &fakeExtractor{rows: map[string][]models.Row{
		"u1": {{"2025-03-09", 7421.0}, {"2025-03-09", 52.3}},
	}}
	sink := &fakeSink{}

	results := newTestScheduler(svc, extractor, sink).Sweep(ctx, tick)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeSynced, results[0].Outcome)
	assert.Equal(t, 2, results[0].Rows)
	assert.Equal(t, 2, results[0].AppendedRows)

	require.Len(t, sink.writes, 1)
	assert.Equal(t, "sheet-1", sink.writes[0].spreadsheetID)
	assert.Equal(t, "Daily", sink.writes[0].sheetName)

	info, err := svc.Status(ctx, "u1", models.PlatformGarmin)
	require.NoError(t, err)
	require.NotNil(t, info.LastSync)
}

func TestSweepSkipsDisabledAndNonMatching(t *testing.T) {
	svc := newTestService(t)

	connectWithJob(t, svc, "u-disabled", "sheet-1", "0 7 * * *", false)
	connectWithJob(t, svc, "u-later", "sheet-2", "0 12 * * *", true)

	extractor := &fakeExtractor{}
	sink := &fakeSink{}

	results := newTestScheduler(svc, extractor, sink).Sweep(context.Background(), tick)
	assert.Empty(t, results)
	assert.Empty(t, extractor.calls)
	assert.Empty(t, sink.writes)
}

func TestSweepEmptyExtractionIsNoOp(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	connectWithJob(t, svc, "u1", "sheet-1", "0 7 * * *", true)

	extractor := &fakeExtractor{} // zero rows
	sink := &fakeSink{}

	results := newTestScheduler(svc, extractor, sink).Sweep(ctx, tick)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeEmpty, results[0].Outcome)
	assert.NoError(t, results[0].Err)

	// No sink call, no last_synced_at update.
	assert.Empty(t, sink.writes)

	info, err := svc.Status(ctx, "u1", models.PlatformGarmin)
	require.NoError(t, err)
	assert.Nil(t, info.LastSync)
}

func TestSweepJobFailureIsIsolatedAndStatusUntouched(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	connectWithJob(t, svc, "u1", "sheet-1", "0 7 * * *", true)
	connectWithJob(t, svc, "u2", "sheet-2", "0 7 * * *", true)
	connectWithJob(t, svc, "u3", "sheet-3", "0 7 * * *", true)

	extractor := &fakeExtractor{
		rows: map[string][]models.Row{
			"u1": {{"r"}},
			"u3": {{"r"}},
		},
		errs: map[string]error{"u2": errors.New("upstream 500")},
	}
	sink := &fakeSink{}

	results := newTestScheduler(svc, extractor, sink).Sweep(ctx, tick)
	require.Len(t, results, 3)

	byUser := make(map[string]JobResult)
	for _, r := range results {
		byUser[r.UserID] = r
	}

	assert.Equal(t, OutcomeSynced, byUser["u1"].Outcome)
	assert.Equal(t, OutcomeFailed, byUser["u2"].Outcome)
	assert.Error(t, byUser["u2"].Err)
	assert.Equal(t, OutcomeSynced, byUser["u3"].Outcome)

	// Extraction failures are not connection failures.
	info, err := svc.Status(ctx, "u2", models.PlatformGarmin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, info.Status)
	assert.Nil(t, info.LastSync)
}

func TestSweepSinkFailureDoesNotRecordSync(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	connectWithJob(t, svc, "u1", "sheet-1", "0 7 * * *", true)

	extractor := &fakeExtractor{rows: map[string][]models.Row{"u1": {{"r"}}}}
	sink := &fakeSink{err: errors.New("quota exceeded")}

	results := newTestScheduler(svc, extractor, sink).Sweep(ctx, tick)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)

	info, err := svc.Status(ctx, "u1", models.PlatformGarmin)
	require.NoError(t, err)
	assert.Nil(t, info.LastSync)
	assert.Equal(t, models.StatusConnected, info.Status)
}

func TestYesterdayRange(t *testing.T) {
	now := time.Date(2025, 3, 10, 7, 0, 33, 0, time.UTC)

	from, to := yesterdayRange(now)
	assert.Equal(t, time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), to)
}
