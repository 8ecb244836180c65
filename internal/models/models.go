// Package models provides domain models for the price alert service.
package models

import (
	"time"
)

// Tick represents one trade observed on the upstream feed.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Volume    float64   `json:"volume"`
}

// PriceSample is the latest known state for a symbol.
type PriceSample struct {
	Price         float64   `json:"price"`
	PreviousPrice *float64  `json:"previous_price,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Volume        float64   `json:"volume"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Change returns price minus previous price, or nil before the second tick.
func (s PriceSample) Change() *float64 {
	if s.PreviousPrice == nil {
		return nil
	}
	d := s.Price - *s.PreviousPrice
	return &d
}

// ChangeType is the operation of a change event from the system of record.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is a validated change event. It is one of InsertChange,
// UpdateChange or DeleteChange.
type Change interface {
	Type() ChangeType
}

// InsertChange carries a newly created record.
type InsertChange struct {
	Record Alert
}

// UpdateChange carries the new record and the identity of the old one.
type UpdateChange struct {
	Record    Alert
	OldRecord Alert
}

// DeleteChange carries the identity of the removed record.
type DeleteChange struct {
	OldRecord Alert
}

func (InsertChange) Type() ChangeType { return ChangeInsert }
func (UpdateChange) Type() ChangeType { return ChangeUpdate }
func (DeleteChange) Type() ChangeType { return ChangeDelete }
