package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const selectRecord = `
	SELECT clicks, units_per_click, expires_at, revision, updated_at
	FROM batch_record
	WHERE id = 1
`

// ReadRecord returns the shared batch record outside any transaction.
// Display surfaces use this; writers go through Update.
func (s *Store) ReadRecord(ctx context.Context) (BatchRecord, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectRecord))
}

func scanRecord(row *sql.Row) (BatchRecord, error) {
	var (
		rec       BatchRecord
		expiresAt sql.NullInt64
		updatedAt int64
	)
	err := row.Scan(&rec.Clicks, &rec.UnitsPerClick, &expiresAt, &rec.Revision, &updatedAt)
	if err != nil {
		return BatchRecord{}, fmt.Errorf("read record: %w", err)
	}
	rec.ExpiresAt = fromNullMillis(expiresAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.Record = rec.Record.Normalize()
	return rec, nil
}

// ReadWakeup returns the wake-up row for taskID.
// Returns ErrNotFound if the task was never scheduled.
func (s *Store) ReadWakeup(ctx context.Context, taskID string) (Wakeup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, due_at, version, state
		FROM wakeups
		WHERE task_id = ?
	`, taskID)

	w, err := scanWakeup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Wakeup{}, ErrNotFound
	}
	if err != nil {
		return Wakeup{}, fmt.Errorf("read wakeup: %w", err)
	}
	return w, nil
}

// PendingWakeups returns every pending wake-up ordered by due time.
func (s *Store) PendingWakeups(ctx context.Context) ([]Wakeup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, due_at, version, state
		FROM wakeups
		WHERE state = 'pending'
		ORDER BY due_at ASC, task_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query wakeups: %w", err)
	}
	defer rows.Close()

	wakeups := []Wakeup{}
	for rows.Next() {
		w, err := scanWakeup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wakeup: %w", err)
		}
		wakeups = append(wakeups, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wakeups: %w", err)
	}
	return wakeups, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWakeup(row scanner) (Wakeup, error) {
	var (
		w     Wakeup
		dueAt int64
		state string
	)
	if err := row.Scan(&w.TaskID, &dueAt, &w.Version, &state); err != nil {
		return Wakeup{}, err
	}
	w.DueAt = fromMillis(dueAt)
	w.State = WakeupState(state)
	return w, nil
}

const selectDose = `
	SELECT id, finalized_at, clicks, units, units_per_click, insulin_name,
	       concentration, status, attempts, last_error, uploaded_at
	FROM doses
`

// RecentDoses returns up to limit doses, most recent first.
// A non-positive limit returns every dose.
func (s *Store) RecentDoses(ctx context.Context, limit int) ([]Dose, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryDoses(ctx, selectDose+`
		ORDER BY finalized_at DESC, id COLLATE BINARY DESC
		LIMIT ?
	`, limit)
}

// PendingDoses returns up to limit doses awaiting upload. PENDING doses
// come before FAILED retries, each oldest first, so records that keep
// failing never crowd out ones not yet tried.
func (s *Store) PendingDoses(ctx context.Context, limit int) ([]Dose, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryDoses(ctx, selectDose+`
		WHERE status IN ('PENDING', 'FAILED')
		ORDER BY status = 'FAILED' ASC, finalized_at ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, limit)
}

// ReadDose returns a single dose. Returns ErrNotFound if absent.
func (s *Store) ReadDose(ctx context.Context, id string) (Dose, error) {
	d, err := scanDose(s.db.QueryRowContext(ctx, selectDose+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Dose{}, ErrNotFound
	}
	if err != nil {
		return Dose{}, fmt.Errorf("read dose: %w", err)
	}
	return d, nil
}

// CountDoses returns the number of stored doses.
func (s *Store) CountDoses(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM doses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count doses: %w", err)
	}
	return n, nil
}

// FinalizedUnits sums the units of every stored dose.
func (s *Store) FinalizedUnits(ctx context.Context) (float64, error) {
	return sumUnits(ctx, s.db)
}

func (s *Store) queryDoses(ctx context.Context, query string, args ...any) ([]Dose, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query doses: %w", err)
	}
	defer rows.Close()

	doses := []Dose{}
	for rows.Next() {
		d, err := scanDose(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dose: %w", err)
		}
		doses = append(doses, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate doses: %w", err)
	}
	return doses, nil
}

func scanDose(row scanner) (Dose, error) {
	var (
		d           Dose
		finalizedAt int64
		status      string
		uploadedAt  sql.NullInt64
	)
	err := row.Scan(
		&d.ID,
		&finalizedAt,
		&d.Clicks,
		&d.Units,
		&d.UnitsPerClick,
		&d.InsulinName,
		&d.Concentration,
		&status,
		&d.Attempts,
		&d.LastError,
		&uploadedAt,
	)
	if err != nil {
		return Dose{}, err
	}
	d.FinalizedAt = fromMillis(finalizedAt)
	d.Status = DoseStatus(status)
	d.UploadedAt = fromNullMillis(uploadedAt)
	return d, nil
}

// RecentActivity returns up to limit entries, most recent first.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, level, message, details
		FROM activity
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	entries := []ActivityEntry{}
	for rows.Next() {
		var (
			e     ActivityEntry
			at    int64
			level string
		)
		if err := rows.Scan(&e.ID, &at, &level, &e.Message, &e.Details); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.At = fromMillis(at)
		e.Level = ActivityLevel(level)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return entries, nil
}

// Setting reads a setting. Returns ErrNotFound if unset.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	return readSetting(ctx, s.db, key)
}

// DueWakeups returns pending wake-ups due at or before now.
func (s *Store) DueWakeups(ctx context.Context, now time.Time) ([]Wakeup, error) {
	all, err := s.PendingWakeups(ctx)
	if err != nil {
		return nil, err
	}
	due := all[:0]
	for _, w := range all {
		if !w.DueAt.After(now) {
			due = append(due, w)
		}
	}
	return due, nil
}
