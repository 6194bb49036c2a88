package settings

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchlog/internal/store"
)

var t0 = time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fixedNow() time.Time { return t0 }

func TestConcentration_Calculations(t *testing.T) {
	tests := []struct {
		c             Concentration
		unitsPerClick float64
		maxLoaded     float64
	}{
		{U100, 2.0, 200},
		{U200, 4.0, 400},
	}
	for _, tt := range tests {
		t.Run(tt.c.String(), func(t *testing.T) {
			assert.Equal(t, tt.unitsPerClick, tt.c.UnitsPerClick())
			assert.Equal(t, tt.maxLoaded, tt.c.MaxLoadedUnits())
		})
	}
}

func TestConcentrationFromValue_FallsBackToU100(t *testing.T) {
	assert.Equal(t, U200, ConcentrationFromValue(200))
	assert.Equal(t, U100, ConcentrationFromValue(100))
	assert.Equal(t, U100, ConcentrationFromValue(500))
	assert.Equal(t, U100, ConcentrationFromValue(0))
}

func TestParseConcentration(t *testing.T) {
	for in, want := range map[string]Concentration{"U100": U100, "u200": U200, "200": U200, " U100 ": U100} {
		got, err := ParseConcentration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseConcentration("U500")
	assert.Error(t, err)
	_, err = ParseConcentration("lots")
	assert.Error(t, err)
}

func TestRemainingUnits(t *testing.T) {
	// 200u loaded at U100: priming uses 10 clicks * 2u.
	assert.Equal(t, 180.0, InitialRemainingUnits(200, U100))
	assert.Equal(t, 170.0, RemainingUnits(200, U100, 6, 4))
	assert.Equal(t, 0.0, RemainingUnits(200, U100, 500, 0))
	assert.Equal(t, 0.0, RemainingUnits(0, U100, 0, 0))
	assert.Equal(t, 360.0, RemainingUnits(400, U200, 0, 0))
}

func TestService_DefaultsWhenUnset(t *testing.T) {
	svc := NewService(setupTestStore(t), "Rapid-acting", fixedNow)

	p, err := svc.Patch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Patch{Concentration: U100}, p)

	prof, err := svc.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultProfile("Rapid-acting"), prof)

	remaining, err := svc.Remaining(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, remaining)
}

func TestService_ConfigureNewPatch(t *testing.T) {
	s := setupTestStore(t)
	svc := NewService(s, "Rapid-acting", fixedNow)
	ctx := context.Background()

	// A dose from the previous patch.
	require.NoError(t, s.Update(ctx, func(tx *store.Tx) error {
		return tx.InsertDose(store.Dose{ID: "old", FinalizedAt: t0, Clicks: 1, Units: 2, UnitsPerClick: 2, InsulinName: "x", Concentration: 100})
	}))

	require.NoError(t, svc.ConfigureNewPatch(ctx, Patch{Concentration: U200, LoadedUnits: 300}))

	p, err := svc.Patch(ctx)
	require.NoError(t, err)
	assert.Equal(t, Patch{Concentration: U200, LoadedUnits: 300}, p)

	prof, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4.0, prof.UnitsPerClick)

	n, err := s.CountDoses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	entries, err := s.RecentActivity(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "New patch: U200, 300u loaded", entries[0].Message)
	assert.Equal(t, "1 previous doses cleared", entries[0].Details)

	remaining, err := svc.Remaining(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, 252.0, remaining)
}

func TestService_ConfigureNewPatch_RejectsLoadedUnits(t *testing.T) {
	svc := NewService(setupTestStore(t), "Rapid-acting", fixedNow)
	ctx := context.Background()

	for _, p := range []Patch{
		{Concentration: U100, LoadedUnits: 0},
		{Concentration: U100, LoadedUnits: -5},
		{Concentration: U100, LoadedUnits: 201},
	} {
		err := svc.ConfigureNewPatch(ctx, p)
		assert.ErrorIs(t, err, ErrInvalidLoadedUnits, "%+v", p)
	}

	assert.NoError(t, svc.ConfigureNewPatch(ctx, Patch{Concentration: U100, LoadedUnits: 200}))
}

func TestService_UnknownStoredConcentration(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Update(context.Background(), func(tx *store.Tx) error {
		return tx.PutSetting(keyConcentration, "300")
	}))

	p, err := NewService(s, "", fixedNow).Patch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, U100, p.Concentration)
}
