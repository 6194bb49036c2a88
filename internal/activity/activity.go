// Package activity is the user-visible activity log: dose recordings,
// upload results and errors, kept for a retention period.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/patchlog/internal/clock"
	"github.com/roach88/patchlog/internal/store"
)

const (
	// DefaultRetention is how long entries are kept.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultLimit is the number of entries Recent returns by default.
	DefaultLimit = 100
)

// Log writes and reads activity entries. Every entry is also written to
// the structured logger.
type Log struct {
	store     *store.Store
	clock     clock.Clock
	retention time.Duration
	logger    *slog.Logger
}

// New creates a Log. A non-positive retention selects DefaultRetention and a
// nil logger selects slog.Default().
func New(s *store.Store, c clock.Clock, retention time.Duration, logger *slog.Logger) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: s, clock: c, retention: retention, logger: logger}
}

// Info records an informational entry.
func (l *Log) Info(ctx context.Context, message, details string) error {
	return l.add(ctx, store.LevelInfo, message, details)
}

// Success records a success entry.
func (l *Log) Success(ctx context.Context, message, details string) error {
	return l.add(ctx, store.LevelSuccess, message, details)
}

// Error records an error entry.
func (l *Log) Error(ctx context.Context, message, details string) error {
	return l.add(ctx, store.LevelError, message, details)
}

func (l *Log) add(ctx context.Context, level store.ActivityLevel, message, details string) error {
	entry := store.ActivityEntry{At: l.clock.Now(), Level: level, Message: message, Details: details}
	l.logger.Log(ctx, slogLevel(level), message, "activity", string(level), "details", details)
	if _, err := l.store.AppendActivity(ctx, entry); err != nil {
		return fmt.Errorf("activity: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, most recent first. A non-positive
// limit selects DefaultLimit.
func (l *Log) Recent(ctx context.Context, limit int) ([]store.ActivityEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return l.store.RecentActivity(ctx, limit)
}

// Prune deletes entries older than the retention period.
func (l *Log) Prune(ctx context.Context) (int64, error) {
	cutoff := l.clock.Now().Add(-l.retention)
	n, err := l.store.DeleteActivityBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Debug("activity pruned", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

// Clear deletes every entry.
func (l *Log) Clear(ctx context.Context) error {
	return l.store.ClearActivity(ctx)
}

// DoseRecorded is the entry written in the same transaction as a finalized
// dose.
func DoseRecorded(at time.Time, units float64, clicks int) store.ActivityEntry {
	return store.ActivityEntry{
		At:      at,
		Level:   store.LevelInfo,
		Message: fmt.Sprintf("Dose recorded: %su", FormatUnits(units)),
		Details: fmt.Sprintf("%d clicks", clicks),
	}
}

// FormatUnits renders units with at least one decimal place: 4 -> "4.0",
// 1.25 -> "1.25".
func FormatUnits(u float64) string {
	s := strconv.FormatFloat(u, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func slogLevel(level store.ActivityLevel) slog.Level {
	if level == store.LevelError {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
