package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

var testT0 = time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestDose creates a dose with minimal required fields.
func createTestDose(id string, at time.Time, clicks int) Dose {
	return Dose{
		ID:            id,
		FinalizedAt:   at,
		Clicks:        clicks,
		Units:         float64(clicks) * 2.0,
		UnitsPerClick: 2.0,
		InsulinName:   "Rapid-acting",
		Concentration: 100,
	}
}

// insertDoses writes doses in a single transaction.
func insertDoses(t *testing.T, s *Store, doses ...Dose) {
	t.Helper()
	err := s.Update(context.Background(), func(tx *Tx) error {
		for _, d := range doses {
			if err := tx.InsertDose(d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert doses: %v", err)
	}
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func contains(slice []string, item string) bool {
	return slices.Contains(slice, item)
}
