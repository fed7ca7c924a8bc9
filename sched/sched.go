// Package sched is a persistent action scheduler. Actions are rows in
// SQLite keyed by hook name and serialized arguments, so scheduling the
// same work twice is a no-op and pending work survives restarts.
package sched

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS scheduled_actions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	hook       TEXT NOT NULL,
	args       TEXT NOT NULL DEFAULT '',
	due_at     INTEGER NOT NULL,
	interval_s INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_scheduled_actions_identity ON scheduled_actions (hook, args);
CREATE INDEX IF NOT EXISTS idx_scheduled_actions_due ON scheduled_actions (due_at);
`

// Action is one pending occurrence.
type Action struct {
	ID        int64  `db:"id"`
	Hook      string `db:"hook"`
	Args      string `db:"args"`
	DueAt     int64  `db:"due_at"`
	IntervalS int64  `db:"interval_s"`
	CreatedAt int64  `db:"created_at"`
}

// Recurring reports whether the action re-arms after firing.
func (a *Action) Recurring() bool { return a.IntervalS > 0 }

type Scheduler struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) (*Scheduler, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sched: creating schema: %w", err)
	}
	return &Scheduler{db: db}, nil
}

// ScheduleSingle arms a one-off occurrence after delay. If the same
// hook and args are already pending the existing occurrence stands and
// false is returned.
func (s *Scheduler) ScheduleSingle(ctx context.Context, hook, args string, delay time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_actions (hook, args, due_at, interval_s, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(hook, args) DO NOTHING`,
		hook, args, now.Add(delay).Unix(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("sched: scheduling %s: %w", hook, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sched: scheduling %s: %w", hook, err)
	}
	return n > 0, nil
}

// ScheduleRecurring arms a repeating occurrence, replacing any pending
// occurrence of the same hook and args.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, hook, args string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sched: non-positive interval for %s", hook)
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_actions (hook, args, due_at, interval_s, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(hook, args) DO UPDATE SET
			due_at = excluded.due_at, interval_s = excluded.interval_s`,
		hook, args, now.Add(interval).Unix(), int64(interval.Seconds()), now.Unix())
	if err != nil {
		return fmt.Errorf("sched: scheduling recurring %s: %w", hook, err)
	}
	return nil
}

// UnscheduleAll removes every pending occurrence of a hook.
func (s *Scheduler) UnscheduleAll(ctx context.Context, hook string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_actions WHERE hook = ?`, hook)
	if err != nil {
		return fmt.Errorf("sched: unscheduling %s: %w", hook, err)
	}
	return nil
}

// HasScheduled reports whether an occurrence of hook+args is pending.
func (s *Scheduler) HasScheduled(ctx context.Context, hook, args string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM scheduled_actions WHERE hook = ? AND args = ?`, hook, args)
	if err != nil {
		return false, fmt.Errorf("sched: checking %s: %w", hook, err)
	}
	return n > 0, nil
}

// NextScheduled returns the earliest pending due time for a hook.
func (s *Scheduler) NextScheduled(ctx context.Context, hook string) (time.Time, bool, error) {
	var due int64
	err := s.db.GetContext(ctx, &due,
		`SELECT due_at FROM scheduled_actions WHERE hook = ? ORDER BY due_at LIMIT 1`, hook)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sched: checking %s: %w", hook, err)
	}
	return time.Unix(due, 0), true, nil
}

// claimDue removes and returns due one-off actions and re-arms due
// recurring ones.
func (s *Scheduler) claimDue(ctx context.Context, now time.Time) ([]Action, error) {
	var due []Action
	err := s.db.SelectContext(ctx, &due,
		`SELECT * FROM scheduled_actions WHERE due_at <= ? ORDER BY due_at`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("sched: selecting due actions: %w", err)
	}
	for _, a := range due {
		if a.Recurring() {
			_, err = s.db.ExecContext(ctx,
				`UPDATE scheduled_actions SET due_at = ? WHERE id = ?`,
				now.Add(time.Duration(a.IntervalS)*time.Second).Unix(), a.ID)
		} else {
			_, err = s.db.ExecContext(ctx, `DELETE FROM scheduled_actions WHERE id = ?`, a.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("sched: claiming action %d: %w", a.ID, err)
		}
	}
	return due, nil
}
