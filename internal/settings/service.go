package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/roach88/patchlog/internal/store"
)

const (
	keyConcentration = "concentration"
	keyLoadedUnits   = "loaded_units"
)

// DefaultInsulinName labels doses when no insulin name is configured.
const DefaultInsulinName = "Rapid-acting"

// ErrInvalidLoadedUnits is returned when loaded units are outside
// (0, MaxLoadedUnits].
var ErrInvalidLoadedUnits = errors.New("invalid loaded units")

// Patch is the configured patch.
type Patch struct {
	Concentration Concentration `json:"concentration"`
	LoadedUnits   float64       `json:"loaded_units"`
}

// Profile is the rate information captured when a batch opens or a dose is
// finalized.
type Profile struct {
	Concentration Concentration
	UnitsPerClick float64
	InsulinName   string
}

// DefaultProfile is used when settings cannot be read.
func DefaultProfile(insulinName string) Profile {
	return Profile{
		Concentration: DefaultConcentration,
		UnitsPerClick: DefaultConcentration.UnitsPerClick(),
		InsulinName:   insulinName,
	}
}

// Service reads and writes patch settings.
type Service struct {
	store       *store.Store
	insulinName string
	now         func() time.Time
}

// NewService creates a Service. now defaults to time.Now.
func NewService(s *store.Store, insulinName string, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: s, insulinName: insulinName, now: now}
}

// Patch returns the configured patch. Missing or unparsable values fall
// back to U100 with nothing loaded.
func (s *Service) Patch(ctx context.Context) (Patch, error) {
	p := Patch{Concentration: DefaultConcentration}

	raw, err := s.store.Setting(ctx, keyConcentration)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return Patch{}, fmt.Errorf("read patch: %w", err)
	default:
		if v, err := strconv.Atoi(raw); err == nil {
			p.Concentration = ConcentrationFromValue(v)
		} else {
			slog.Warn("ignoring stored concentration", "value", raw)
		}
	}

	raw, err = s.store.Setting(ctx, keyLoadedUnits)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return Patch{}, fmt.Errorf("read patch: %w", err)
	default:
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			p.LoadedUnits = v
		}
	}

	return p, nil
}

// Current returns the profile used for the next click.
func (s *Service) Current(ctx context.Context) (Profile, error) {
	p, err := s.Patch(ctx)
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		Concentration: p.Concentration,
		UnitsPerClick: p.Concentration.UnitsPerClick(),
		InsulinName:   s.insulinName,
	}, nil
}

// ConfigureNewPatch stores the patch and deletes every dose record from the
// previous patch, in one transaction.
func (s *Service) ConfigureNewPatch(ctx context.Context, p Patch) error {
	c := ConcentrationFromValue(int(p.Concentration))
	if p.LoadedUnits <= 0 || p.LoadedUnits > c.MaxLoadedUnits() {
		return fmt.Errorf("%w: %v not in (0, %v] for %s",
			ErrInvalidLoadedUnits, p.LoadedUnits, c.MaxLoadedUnits(), c)
	}

	var deleted int64
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.PutSetting(keyConcentration, strconv.Itoa(int(c))); err != nil {
			return err
		}
		if err := tx.PutSetting(keyLoadedUnits, strconv.FormatFloat(p.LoadedUnits, 'f', -1, 64)); err != nil {
			return err
		}
		n, err := tx.DeleteAllDoses()
		if err != nil {
			return err
		}
		deleted = n
		_, err = tx.AppendActivity(store.ActivityEntry{
			At:      s.now(),
			Level:   store.LevelInfo,
			Message: fmt.Sprintf("New patch: %s, %su loaded", c, strconv.FormatFloat(p.LoadedUnits, 'f', -1, 64)),
			Details: fmt.Sprintf("%d previous doses cleared", n),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("configure new patch: %w", err)
	}

	slog.Info("new patch configured",
		"concentration", c.String(),
		"loaded_units", p.LoadedUnits,
		"doses_cleared", deleted,
	)
	return nil
}

// Remaining returns the estimated units left in the patch, given the units
// of the currently open batch.
func (s *Service) Remaining(ctx context.Context, openUnits float64) (float64, error) {
	p, err := s.Patch(ctx)
	if err != nil {
		return 0, err
	}
	finalized, err := s.store.FinalizedUnits(ctx)
	if err != nil {
		return 0, fmt.Errorf("remaining units: %w", err)
	}
	return RemainingUnits(p.LoadedUnits, p.Concentration, finalized, openUnits), nil
}
