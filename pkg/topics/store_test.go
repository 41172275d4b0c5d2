package topics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewire/digestd/pkg/types"
)

// testStore connects to the MySQL instance named by TEST_MYSQL_DSN.
// Tests are skipped when the variable is unset.
func testStore(t *testing.T) *Store {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}
	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	cfg.ParseTime = true
	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := &Store{DB: db}
	ctx := context.Background()
	for _, table := range []string{"catchup_packs", "topics", "users"} {
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+";")
	}
	require.NoError(t, store.CreateTables(ctx))
	return store
}

func TestSchedulable(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreateUser(ctx, "u1"))
	mk := func(id string, enabled bool, cursor *time.Time) {
		topic := &types.Topic{
			ID:              id,
			UserID:          "u1",
			ScheduleEnabled: enabled,
			IntervalMinutes: 60,
			Mode:            types.ModeNormal,
			Depth:           50,
		}
		require.NoError(t, store.CreateTopic(ctx, topic, "topic "+id))
		if cursor != nil {
			require.NoError(t, store.AdvanceCursor(ctx, id, *cursor))
		}
	}
	overdue := now.Add(-2 * time.Hour)
	fresh := now.Add(-30 * time.Minute)
	mk("never-ran", true, nil)
	mk("overdue", true, &overdue)
	mk("fresh", true, &fresh)
	mk("paused", false, &overdue)

	due, err := store.Schedulable(ctx, now)
	require.NoError(t, err)
	ids := make([]string, len(due))
	for i, topic := range due {
		ids[i] = topic.ID
	}
	assert.ElementsMatch(t, []string{"never-ran", "overdue"}, ids)
}

func TestAdvanceCursorMonotonic(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, "u1"))
	topic := &types.Topic{
		ID:              "t1",
		UserID:          "u1",
		ScheduleEnabled: true,
		IntervalMinutes: 60,
		Mode:            types.ModeNormal,
	}
	require.NoError(t, store.CreateTopic(ctx, topic, "t1"))

	later := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)
	require.NoError(t, store.AdvanceCursor(ctx, "t1", later))
	// A stale advance from a redelivered job must not move it back.
	require.NoError(t, store.AdvanceCursor(ctx, "t1", earlier))
	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.CursorEnd)
	assert.Equal(t, later, got.CursorEnd.UTC())
}

func TestPackSkipUpsert(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	pack := &types.CatchupPackSpec{
		PackID:  "p1",
		UserID:  "u1",
		TopicID: "t1",
		Window: types.Window{
			Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		},
	}
	require.NoError(t, store.MarkPackSkipped(ctx, pack, "missing_user"))
	// Idempotent across redeliveries.
	require.NoError(t, store.MarkPackSkipped(ctx, pack, "missing_user"))
	status, err := store.PackStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "skipped", status)

	status, err = store.PackStatus(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, "", status)
}

func TestPeriodKeys(t *testing.T) {
	month, day := periodKeys(time.Date(2026, 8, 23, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, "2026-08", month)
	assert.Equal(t, "2026-08-23", day)
	// Periods are UTC: late evening in a western zone is already the next
	// UTC day.
	west := time.FixedZone("west", -5*60*60)
	month, day = periodKeys(time.Date(2026, 8, 31, 22, 0, 0, 0, west))
	assert.Equal(t, "2026-09", month)
	assert.Equal(t, "2026-09-01", day)
}

func TestCredits(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, "u1"))
	require.NoError(t, store.AddCreditsUsed(ctx, "u1", 4))
	require.NoError(t, store.AddCreditsUsed(ctx, "u1", 2))
	monthly, daily, err := store.CreditsUsed(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), monthly)
	assert.Equal(t, int64(6), daily)
}

func TestCreditsRollover(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, "u1"))

	jan31 := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.addCreditsUsedAt(ctx, "u1", 5, jan31))
	monthly, daily, err := store.creditsUsedAt(ctx, "u1", jan31)
	require.NoError(t, err)
	assert.Equal(t, int64(5), monthly)
	assert.Equal(t, int64(5), daily)

	// The next day both counters turned over: the month changed too.
	feb1 := jan31.Add(24 * time.Hour)
	monthly, daily, err = store.creditsUsedAt(ctx, "u1", feb1)
	require.NoError(t, err)
	assert.Zero(t, monthly)
	assert.Zero(t, daily)

	// Spending in the new period replaces the stale counters.
	require.NoError(t, store.addCreditsUsedAt(ctx, "u1", 3, feb1))
	monthly, daily, err = store.creditsUsedAt(ctx, "u1", feb1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), monthly)
	assert.Equal(t, int64(3), daily)

	// A day later the daily counter resets but the month carries on.
	feb2 := feb1.Add(24 * time.Hour)
	monthly, daily, err = store.creditsUsedAt(ctx, "u1", feb2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), monthly)
	assert.Zero(t, daily)
}
