package models

import (
	"math"
	"strings"
	"time"

	apperrors "pricewatch/internal/errors"
)

// Direction is the side of the target an alert watches.
type Direction string

const (
	// DirectionAbove triggers when price is at or above the target.
	DirectionAbove Direction = "above"
	// DirectionBelow triggers when price is at or below the target.
	DirectionBelow Direction = "below"
	// DirectionEither triggers when price crosses the target in either direction.
	DirectionEither Direction = "either"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	switch d {
	case DirectionAbove, DirectionBelow, DirectionEither:
		return true
	}
	return false
}

// Label returns the human readable direction used in notifications.
func (d Direction) Label() string {
	switch d {
	case DirectionAbove:
		return "Above"
	case DirectionBelow:
		return "Below"
	case DirectionEither:
		return "Crossing"
	default:
		return string(d)
	}
}

// CanonicalSymbol returns the index key for a ticker symbol.
func CanonicalSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Alert represents a user-defined price alert.
type Alert struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Symbol          string     `json:"symbol"`
	TargetPrice     float64    `json:"target_price"`
	Direction       Direction  `json:"direction"`
	Enabled         bool       `json:"enabled"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	Context         *string    `json:"context,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Normalize canonicalizes the symbol and lower-cases the direction.
func (a *Alert) Normalize() {
	a.Symbol = CanonicalSymbol(a.Symbol)
	a.Direction = Direction(strings.ToLower(strings.TrimSpace(string(a.Direction))))
}

// Validate checks the invariants every stored alert must satisfy.
func (a Alert) Validate() error {
	if CanonicalSymbol(a.Symbol) == "" {
		return apperrors.NewValidationError("symbol", a.Symbol, "symbol is required")
	}
	if math.IsNaN(a.TargetPrice) || math.IsInf(a.TargetPrice, 0) || a.TargetPrice <= 0 {
		return apperrors.NewValidationError("target_price", a.TargetPrice, "target price must be a positive number")
	}
	if !a.Direction.Valid() {
		return apperrors.NewValidationError("direction", a.Direction, "direction must be one of above, below, either")
	}
	return nil
}

// Clone returns a deep copy so snapshots never share pointers with the working copy.
func (a Alert) Clone() Alert {
	c := a
	if a.LastTriggeredAt != nil {
		t := *a.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	if a.Notes != nil {
		s := *a.Notes
		c.Notes = &s
	}
	if a.Context != nil {
		s := *a.Context
		c.Context = &s
	}
	return c
}

// InCooldown reports whether the alert fired less than cooldown ago.
func (a Alert) InCooldown(now time.Time, cooldown time.Duration) bool {
	if a.LastTriggeredAt == nil || cooldown <= 0 {
		return false
	}
	return now.Sub(*a.LastTriggeredAt) < cooldown
}

// AlertPatch holds the mutable fields of an update; nil fields are left untouched.
type AlertPatch struct {
	Symbol      *string    `json:"symbol,omitempty"`
	TargetPrice *float64   `json:"target_price,omitempty"`
	Direction   *Direction `json:"direction,omitempty"`
	Enabled     *bool      `json:"enabled,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
	Context     *string    `json:"context,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p AlertPatch) Empty() bool {
	return p.Symbol == nil && p.TargetPrice == nil && p.Direction == nil &&
		p.Enabled == nil && p.Notes == nil && p.Context == nil
}

// Apply copies the set fields of p onto a and normalizes the result.
func (p AlertPatch) Apply(a *Alert) {
	if p.Symbol != nil {
		a.Symbol = *p.Symbol
	}
	if p.TargetPrice != nil {
		a.TargetPrice = *p.TargetPrice
	}
	if p.Direction != nil {
		a.Direction = *p.Direction
	}
	if p.Enabled != nil {
		a.Enabled = *p.Enabled
	}
	if p.Notes != nil {
		a.Notes = nilIfEmpty(*p.Notes)
	}
	if p.Context != nil {
		a.Context = nilIfEmpty(*p.Context)
	}
	a.Normalize()
}

func nilIfEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
