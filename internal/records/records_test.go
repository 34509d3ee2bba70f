package records_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/remsettle/internal/adapters/storage"
	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/records"
)

const nights = `
# alice, one week
{"subject":"alice","recorded_at":"2026-05-01T07:00:00Z","source":"garmin","source_id":"g-1","telemetry":{"total_sleep_time":480,"rem_sleep_time":120,"deep_sleep_time":90,"light_sleep_time":270,"sleep_efficiency":85,"sleep_latency":15,"wake_after_sleep_onset":10}}
{"subject":"alice","recorded_at":"2026-05-02T07:00:00Z","telemetry":{"total_sleep_time":420}}
not json
{"recorded_at":"2026-05-02T07:00:00Z"}
{"subject":"bob","recorded_at":"2026-05-02T07:00:00Z","source":"fitbit"}
`

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIngest_ScoresAndSaves(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	st, err := records.Ingest(ctx, strings.NewReader(nights), store)
	require.NoError(t, err)
	assert.Equal(t, records.Stats{Read: 5, Saved: 2, Skipped: 3}, st)

	from := time.Date(2026, 4, 30, 7, 0, 0, 0, time.UTC)
	rec, err := store.FetchSleepRecord(ctx, "alice", from, from.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 98, rec.Scores.Composite)
	assert.Equal(t, domain.SourceGarmin, rec.Source)
	assert.Equal(t, "g-1", rec.SourceID)

	rec, err = store.FetchSleepRecord(ctx, "alice", from.Add(24*time.Hour), from.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceManual, rec.Source)
	assert.NotEmpty(t, rec.SourceID)
}

func TestIngest_Idempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := records.Ingest(ctx, strings.NewReader(nights), store)
		require.NoError(t, err)
	}
	recs, err := store.RecentSleepRecords(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestConsistency(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	var sb strings.Builder
	for d := 1; d <= 7; d++ {
		fmt.Fprintf(&sb, `{"subject":"carol","recorded_at":"2026-05-%02dT07:00:00Z","telemetry":{"total_sleep_time":480,"rem_sleep_time":120,"deep_sleep_time":90,"sleep_efficiency":85,"sleep_latency":15,"wake_after_sleep_onset":10}}`+"\n", d)
	}
	_, err := records.Ingest(ctx, strings.NewReader(sb.String()), store)
	require.NoError(t, err)

	got, err := records.Consistency(ctx, store, []string{"carol", "dave", "carol"})
	require.NoError(t, err)
	assert.Equal(t, 100, got["carol"])
	assert.Equal(t, 50, got["dave"], "no history")
}
