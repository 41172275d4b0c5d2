// Package topics persists topics, users and catch-up packs in MySQL.
package topics

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tidewire/digestd/pkg/types"
)

// Store gives access to the topic directory.
type Store struct {
	DB *sqlx.DB
}

// CreateTables creates the topics, users and catchup_packs tables.
func (s *Store) CreateTables(ctx context.Context) error {
	// language=MariaDB
	const stmts = `
CREATE TABLE IF NOT EXISTS users (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	created_at DATETIME NOT NULL,
	monthly_credits_used BIGINT NOT NULL DEFAULT 0,
	monthly_period CHAR(7) NOT NULL DEFAULT '',
	daily_credits_used BIGINT NOT NULL DEFAULT 0,
	daily_period CHAR(10) NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS topics (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	user_id VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	schedule_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	digest_interval_minutes INT NOT NULL,
	digest_mode VARCHAR(16) NOT NULL DEFAULT 'normal',
	search_depth INT NOT NULL DEFAULT 50,
	digest_cursor_end DATETIME NULL,
	created_at DATETIME NOT NULL,
	INDEX idx_topics_schedule (schedule_enabled, digest_cursor_end)
);
CREATE TABLE IF NOT EXISTS catchup_packs (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	user_id VARCHAR(64) NOT NULL,
	topic_id VARCHAR(64) NOT NULL,
	window_start DATETIME NOT NULL,
	window_end DATETIME NOT NULL,
	status VARCHAR(16) NOT NULL DEFAULT 'queued',
	skip_reason VARCHAR(255) NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NULL
);`
	for _, stmt := range splitStatements(stmts) {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type topicRow struct {
	ID              string       `db:"id"`
	UserID          string       `db:"user_id"`
	ScheduleEnabled bool         `db:"schedule_enabled"`
	IntervalMinutes int          `db:"digest_interval_minutes"`
	Mode            string       `db:"digest_mode"`
	Depth           int          `db:"search_depth"`
	CursorEnd       sql.NullTime `db:"digest_cursor_end"`
}

func (r *topicRow) toTopic() *types.Topic {
	t := &types.Topic{
		ID:              r.ID,
		UserID:          r.UserID,
		ScheduleEnabled: r.ScheduleEnabled,
		IntervalMinutes: r.IntervalMinutes,
		Mode:            types.Mode(r.Mode),
		Depth:           r.Depth,
	}
	if r.CursorEnd.Valid {
		cursor := r.CursorEnd.Time.UTC()
		t.CursorEnd = &cursor
	}
	return t
}

// Schedulable returns the enabled topics whose cursor lags at least one
// interval behind the given reference time, i.e. the topics the scheduler
// should consider this tick.
func (s *Store) Schedulable(ctx context.Context, now time.Time) ([]*types.Topic, error) {
	// language=MariaDB
	const stmt = `SELECT id, user_id, schedule_enabled, digest_interval_minutes,
	digest_mode, search_depth, digest_cursor_end
FROM topics
WHERE schedule_enabled
  AND (digest_cursor_end IS NULL
       OR digest_cursor_end <= ? - INTERVAL digest_interval_minutes MINUTE);`
	var rows []topicRow
	if err := s.DB.SelectContext(ctx, &rows, stmt, now.UTC()); err != nil {
		return nil, err
	}
	out := make([]*types.Topic, len(rows))
	for i := range rows {
		out[i] = rows[i].toTopic()
	}
	return out, nil
}

// Get returns one topic, or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, topicID string) (*types.Topic, error) {
	// language=MariaDB
	const stmt = `SELECT id, user_id, schedule_enabled, digest_interval_minutes,
	digest_mode, search_depth, digest_cursor_end
FROM topics WHERE id = ?;`
	var row topicRow
	if err := s.DB.GetContext(ctx, &row, stmt, topicID); err != nil {
		return nil, err
	}
	return row.toTopic(), nil
}

// List returns all topics of a user, or all topics if userID is empty.
func (s *Store) List(ctx context.Context, userID string) ([]*types.Topic, error) {
	// language=MariaDB
	const all = `SELECT id, user_id, schedule_enabled, digest_interval_minutes,
	digest_mode, search_depth, digest_cursor_end
FROM topics ORDER BY id;`
	// language=MariaDB
	const byUser = `SELECT id, user_id, schedule_enabled, digest_interval_minutes,
	digest_mode, search_depth, digest_cursor_end
FROM topics WHERE user_id = ? ORDER BY id;`
	var rows []topicRow
	var err error
	if userID == "" {
		err = s.DB.SelectContext(ctx, &rows, all)
	} else {
		err = s.DB.SelectContext(ctx, &rows, byUser, userID)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*types.Topic, len(rows))
	for i := range rows {
		out[i] = rows[i].toTopic()
	}
	return out, nil
}

// CreateTopic inserts a new topic.
func (s *Store) CreateTopic(ctx context.Context, t *types.Topic, name string) error {
	// language=MariaDB
	const stmt = `INSERT INTO topics
	(id, user_id, name, schedule_enabled, digest_interval_minutes,
	 digest_mode, search_depth, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`
	_, err := s.DB.ExecContext(ctx, stmt,
		t.ID, t.UserID, name, t.ScheduleEnabled, t.IntervalMinutes,
		string(t.Mode), t.Depth, time.Now().UTC())
	return err
}

// SetScheduleEnabled pauses or resumes a topic's schedule.
func (s *Store) SetScheduleEnabled(ctx context.Context, topicID string, enabled bool) error {
	// language=MariaDB
	const stmt = `UPDATE topics SET schedule_enabled = ? WHERE id = ?;`
	res, err := s.DB.ExecContext(ctx, stmt, enabled, topicID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AdvanceCursor moves a topic's cursor forward to the given end time.
// The cursor never moves backward: stale advances from redelivered jobs are
// silently ignored.
func (s *Store) AdvanceCursor(ctx context.Context, topicID string, end time.Time) error {
	// language=MariaDB
	const stmt = `UPDATE topics SET digest_cursor_end = ?
WHERE id = ? AND (digest_cursor_end IS NULL OR digest_cursor_end < ?);`
	end = end.UTC()
	_, err := s.DB.ExecContext(ctx, stmt, end, topicID, end)
	return err
}

// UserExists reports whether a user record exists.
func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	// language=MariaDB
	const stmt = `SELECT EXISTS(SELECT 1 FROM users WHERE id = ?);`
	var exists bool
	if err := s.DB.GetContext(ctx, &exists, stmt, userID); err != nil {
		return false, err
	}
	return exists, nil
}

// TopicExists reports whether a topic record exists.
func (s *Store) TopicExists(ctx context.Context, topicID string) (bool, error) {
	// language=MariaDB
	const stmt = `SELECT EXISTS(SELECT 1 FROM topics WHERE id = ?);`
	var exists bool
	if err := s.DB.GetContext(ctx, &exists, stmt, topicID); err != nil {
		return false, err
	}
	return exists, nil
}

// CreateUser inserts a user record if it does not exist yet.
func (s *Store) CreateUser(ctx context.Context, userID string) error {
	// language=MariaDB
	const stmt = `INSERT IGNORE INTO users (id, created_at) VALUES (?, ?);`
	_, err := s.DB.ExecContext(ctx, stmt, userID, time.Now().UTC())
	return err
}

// CreditsUsed returns a user's consumed credits in the current UTC month
// and day. Counters from an earlier period read as zero.
func (s *Store) CreditsUsed(ctx context.Context, userID string) (monthly, daily int64, err error) {
	return s.creditsUsedAt(ctx, userID, time.Now())
}

func (s *Store) creditsUsedAt(ctx context.Context, userID string, now time.Time) (monthly, daily int64, err error) {
	month, day := periodKeys(now)
	// language=MariaDB
	const stmt = `SELECT
	IF(monthly_period = ?, monthly_credits_used, 0) AS monthly,
	IF(daily_period = ?, daily_credits_used, 0) AS daily
FROM users WHERE id = ?;`
	row := struct {
		Monthly int64 `db:"monthly"`
		Daily   int64 `db:"daily"`
	}{}
	if err := s.DB.GetContext(ctx, &row, stmt, month, day, userID); err != nil {
		return 0, 0, err
	}
	return row.Monthly, row.Daily, nil
}

// AddCreditsUsed records credit consumption for a user against the current
// UTC month and day. A counter left over from an earlier period is replaced
// instead of incremented, which rolls the budgets over at period boundaries.
func (s *Store) AddCreditsUsed(ctx context.Context, userID string, credits int64) error {
	return s.addCreditsUsedAt(ctx, userID, credits, time.Now())
}

func (s *Store) addCreditsUsedAt(ctx context.Context, userID string, credits int64, now time.Time) error {
	month, day := periodKeys(now)
	// language=MariaDB
	const stmt = `UPDATE users
SET monthly_credits_used = IF(monthly_period = ?, monthly_credits_used + ?, ?),
    monthly_period = ?,
    daily_credits_used = IF(daily_period = ?, daily_credits_used + ?, ?),
    daily_period = ?
WHERE id = ?;`
	_, err := s.DB.ExecContext(ctx, stmt,
		month, credits, credits, month,
		day, credits, credits, day,
		userID)
	return err
}

// periodKeys returns the UTC month and day buckets credit usage counts
// against.
func periodKeys(now time.Time) (month, day string) {
	now = now.UTC()
	return now.Format("2006-01"), now.Format("2006-01-02")
}

// MarkPackSkipped persists a skipped catch-up pack so the decision survives
// queue redeliveries. Creates the pack row if it does not exist.
func (s *Store) MarkPackSkipped(ctx context.Context, pack *types.CatchupPackSpec, reason string) error {
	// language=MariaDB
	const stmt = `INSERT INTO catchup_packs
	(id, user_id, topic_id, window_start, window_end, status, skip_reason, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 'skipped', ?, ?, ?)
ON DUPLICATE KEY UPDATE status = 'skipped', skip_reason = VALUES(skip_reason),
	updated_at = VALUES(updated_at);`
	now := time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, stmt,
		pack.PackID, pack.UserID, pack.TopicID,
		pack.Window.Start.UTC(), pack.Window.End.UTC(),
		reason, now, now)
	return err
}

// MarkPackDone marks a catch-up pack as successfully processed.
func (s *Store) MarkPackDone(ctx context.Context, packID string) error {
	// language=MariaDB
	const stmt = `UPDATE catchup_packs
SET status = 'done', updated_at = ? WHERE id = ?;`
	_, err := s.DB.ExecContext(ctx, stmt, time.Now().UTC(), packID)
	return err
}

// PackStatus returns a pack's status, or empty string when unknown.
func (s *Store) PackStatus(ctx context.Context, packID string) (string, error) {
	// language=MariaDB
	const stmt = `SELECT status FROM catchup_packs WHERE id = ?;`
	var status string
	err := s.DB.GetContext(ctx, &status, stmt, packID)
	if err == sql.ErrNoRows {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return status, nil
}

func splitStatements(script string) []string {
	var stmts []string
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			stmts = append(stmts, stmt+";")
		}
	}
	return stmts
}
