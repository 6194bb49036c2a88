package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/patchlog/internal/dose"
)

// Tx is a read-modify-write transaction opened by Store.Update.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// ReadRecord reads the shared batch record. The stored row is clamped back
// into its invariant, so a damaged row can never produce a negative count.
func (t *Tx) ReadRecord() (BatchRecord, error) {
	return scanRecord(t.tx.QueryRowContext(t.ctx, selectRecord))
}

// WriteRecord replaces the whole batch record and bumps its revision.
// The cached total_units column is recomputed from clicks and rate.
func (t *Tx) WriteRecord(r dose.Record, now time.Time) (int64, error) {
	r = r.Normalize()
	var revision int64
	err := t.tx.QueryRowContext(t.ctx, `
		UPDATE batch_record
		SET clicks = ?, total_units = ?, units_per_click = ?, expires_at = ?,
		    revision = revision + 1, updated_at = ?
		WHERE id = 1
		RETURNING revision
	`,
		r.Clicks,
		r.TotalUnits(),
		r.UnitsPerClick,
		toNullMillis(r.ExpiresAt),
		toMillis(now),
	).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	return revision, nil
}

// ScheduleWakeup installs the next wake-up for taskID, superseding any
// earlier one. The returned Wakeup carries the new version.
func (t *Tx) ScheduleWakeup(taskID string, dueAt time.Time) (Wakeup, error) {
	w := Wakeup{TaskID: taskID, DueAt: dueAt.UTC(), State: WakeupPending}
	err := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO wakeups (task_id, due_at, version, state)
		VALUES (?, ?, 1, 'pending')
		ON CONFLICT(task_id) DO UPDATE SET
			due_at = excluded.due_at,
			version = wakeups.version + 1,
			state = 'pending'
		RETURNING version
	`, taskID, toMillis(dueAt)).Scan(&w.Version)
	if err != nil {
		return Wakeup{}, fmt.Errorf("schedule wakeup: %w", err)
	}
	return w, nil
}

// CancelWakeup cancels the pending wake-up for taskID. Returns false if
// nothing was pending.
func (t *Tx) CancelWakeup(taskID string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE wakeups
		SET state = 'cancelled', version = version + 1
		WHERE task_id = ? AND state = 'pending'
	`, taskID)
	if err != nil {
		return false, fmt.Errorf("cancel wakeup: %w", err)
	}
	return affected(res, "cancel wakeup")
}

// CompleteWakeup marks a wake-up fired, but only if version is still the
// current pending version. Returns false when the wake-up was superseded,
// cancelled or already fired.
func (t *Tx) CompleteWakeup(taskID string, version int64) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE wakeups
		SET state = 'fired'
		WHERE task_id = ? AND version = ? AND state = 'pending'
	`, taskID, version)
	if err != nil {
		return false, fmt.Errorf("complete wakeup: %w", err)
	}
	return affected(res, "complete wakeup")
}

// InsertDose writes a finalized dose with status PENDING.
func (t *Tx) InsertDose(d Dose) error {
	if d.Status == "" {
		d.Status = DosePending
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO doses
		(id, finalized_at, clicks, units, units_per_click, insulin_name, concentration, status, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '')
	`,
		d.ID,
		toMillis(d.FinalizedAt),
		d.Clicks,
		d.Units,
		d.UnitsPerClick,
		d.InsulinName,
		d.Concentration,
		string(d.Status),
	)
	if err != nil {
		return fmt.Errorf("insert dose: %w", err)
	}
	return nil
}

// DeleteAllDoses removes every dose record. Returns the number removed.
func (t *Tx) DeleteAllDoses() (int64, error) {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM doses`)
	if err != nil {
		return 0, fmt.Errorf("delete doses: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete doses: rows affected: %w", err)
	}
	return n, nil
}

// AppendActivity adds an activity entry and returns its ID.
func (t *Tx) AppendActivity(e ActivityEntry) (int64, error) {
	return appendActivity(t.ctx, t.tx, e)
}

// PutSetting upserts a setting.
func (t *Tx) PutSetting(key, value string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put setting %q: %w", key, err)
	}
	return nil
}

// Setting reads a setting inside the transaction.
func (t *Tx) Setting(key string) (string, error) {
	return readSetting(t.ctx, t.tx, key)
}

// FinalizedUnits sums the units of every stored dose.
func (t *Tx) FinalizedUnits() (float64, error) {
	return sumUnits(t.ctx, t.tx)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendActivity(ctx context.Context, db execer, e ActivityEntry) (int64, error) {
	if e.Level == "" {
		e.Level = LevelInfo
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO activity (at, level, message, details) VALUES (?, ?, ?, ?)
	`, toMillis(e.At), string(e.Level), e.Message, e.Details)
	if err != nil {
		return 0, fmt.Errorf("append activity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append activity: last insert id: %w", err)
	}
	return id, nil
}

func readSetting(ctx context.Context, db queryer, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read setting %q: %w", key, err)
	}
	return value, nil
}

func sumUnits(ctx context.Context, db queryer) (float64, error) {
	var total float64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(SUM(units), 0) FROM doses`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum dose units: %w", err)
	}
	return total, nil
}

func affected(res sql.Result, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n > 0, nil
}
