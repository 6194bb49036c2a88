// Package settings holds patch settings: the insulin concentration that
// determines units per click, and the loaded units used to estimate what
// remains in the patch.
package settings

import (
	"fmt"
	"strconv"
	"strings"
)

// Concentration is insulin concentration in units per mL.
type Concentration int

const (
	U100 Concentration = 100
	U200 Concentration = 200
)

// DefaultConcentration is used when nothing is configured.
const DefaultConcentration = U100

// PrimingClicks is the number of clicks spent priming a new patch.
const PrimingClicks = 10

// ConcentrationFromValue maps a stored value to a Concentration. Unknown
// values fall back to U100.
func ConcentrationFromValue(v int) Concentration {
	switch Concentration(v) {
	case U100, U200:
		return Concentration(v)
	default:
		return DefaultConcentration
	}
}

// ParseConcentration accepts "U100", "u200", "100" and similar.
func ParseConcentration(s string) (Concentration, error) {
	raw := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "U")
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid concentration %q", s)
	}
	switch Concentration(v) {
	case U100, U200:
		return Concentration(v), nil
	default:
		return 0, fmt.Errorf("unsupported concentration %q (want U100 or U200)", s)
	}
}

func (c Concentration) String() string {
	return fmt.Sprintf("U%d", int(c))
}

// UnitsPerClick is 2 units at U100, scaled by concentration.
func (c Concentration) UnitsPerClick() float64 {
	return 2.0 * float64(c) / 100.0
}

// MaxLoadedUnits is the most insulin the patch reservoir can hold.
func (c Concentration) MaxLoadedUnits() float64 {
	return 2.0 * float64(c)
}

// InitialRemainingUnits is what is left after priming.
func InitialRemainingUnits(loaded float64, c Concentration) float64 {
	return loaded - PrimingClicks*c.UnitsPerClick()
}

// RemainingUnits estimates insulin left in the patch. It is zero when no
// patch is loaded and never negative.
func RemainingUnits(loaded float64, c Concentration, finalized, open float64) float64 {
	if loaded <= 0 {
		return 0
	}
	remaining := InitialRemainingUnits(loaded, c) - finalized - open
	if remaining < 0 {
		return 0
	}
	return remaining
}
