package store

import (
	"context"
	"fmt"
	"time"
)

// MarkUploaded records a successful upload and clears the last error.
func (s *Store) MarkUploaded(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE doses
		SET status = 'UPLOADED', last_error = '', attempts = attempts + 1, uploaded_at = ?
		WHERE id = ?
	`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	ok, err := affected(res, "mark uploaded")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mark uploaded %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailed records a failed upload attempt.
func (s *Store) MarkFailed(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE doses
		SET status = 'FAILED', last_error = ?, attempts = attempts + 1
		WHERE id = ?
	`, reason, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	ok, err := affected(res, "mark failed")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mark failed %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendActivity adds an activity entry outside any batch transaction.
func (s *Store) AppendActivity(ctx context.Context, e ActivityEntry) (int64, error) {
	return appendActivity(ctx, s.db, e)
}

// DeleteActivityBefore removes entries older than cutoff.
func (s *Store) DeleteActivityBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity WHERE at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete activity: rows affected: %w", err)
	}
	return n, nil
}

// ClearActivity removes every activity entry.
func (s *Store) ClearActivity(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM activity`); err != nil {
		return fmt.Errorf("clear activity: %w", err)
	}
	return nil
}
