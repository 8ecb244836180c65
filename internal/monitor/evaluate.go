package monitor

import (
	"errors"
	"fmt"

	"pricewatch/internal/models"
)

var errUnknownDirection = errors.New("unknown alert direction")

// Evaluate reports whether price satisfies the alert. prev is the price
// immediately before price, or nil on the first sample for the symbol.
//
// above fires when price >= target, below when price <= target. either
// fires when prev and price sit on different sides of the target, where
// a price equal to the target counts as the upper side.
func Evaluate(a models.Alert, price float64, prev *float64) (bool, error) {
	switch a.Direction {
	case models.DirectionAbove:
		return price >= a.TargetPrice, nil
	case models.DirectionBelow:
		return price <= a.TargetPrice, nil
	case models.DirectionEither:
		if prev == nil {
			return false, nil
		}
		return (*prev >= a.TargetPrice) != (price >= a.TargetPrice), nil
	default:
		return false, fmt.Errorf("%w %q", errUnknownDirection, a.Direction)
	}
}

// evaluateSafe isolates panics from malformed records.
func evaluateSafe(a *models.Alert, price float64, prev *float64) (fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			fired, err = false, fmt.Errorf("evaluation panicked: %v", r)
		}
	}()
	return Evaluate(*a, price, prev)
}
