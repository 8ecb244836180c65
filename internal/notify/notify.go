// Package notify provides alert notification delivery.
package notify

import (
	"context"
	"time"

	"pricewatch/internal/models"
)

// Notifier delivers trigger events and operational errors.
type Notifier interface {
	// Notify sends the event to every enabled transport. Failures are
	// logged per transport and reported, never returned as an error.
	Notify(ctx context.Context, e Event) Report
	// NotifyOperational reports a system level problem, such as the feed giving up.
	NotifyOperational(ctx context.Context, title string, err error) Report
}

// Transport is one delivery channel.
type Transport interface {
	Name() string
	IsEnabled() bool
	Send(ctx context.Context, m Message) error
}

// AlertTypePrice is the alert-type label for threshold alerts.
const AlertTypePrice = "Price Alert"

// Event is a normalized trigger event built from an alert snapshot.
type Event struct {
	Alert         models.Alert
	Symbol        string
	CurrentPrice  float64
	TargetPrice   float64
	Direction     models.Direction
	TriggeredAt   time.Time
	PriceChange   *float64
	PreviousPrice *float64
	Volume        *float64
	AlertType     string
	Notes         *string
	Context       *string
	UserID        string
}

// NewEvent builds an event from an alert snapshot and the sample that fired it.
func NewEvent(alert models.Alert, sample models.PriceSample, at time.Time) Event {
	e := Event{
		Alert:         alert,
		Symbol:        alert.Symbol,
		CurrentPrice:  sample.Price,
		TargetPrice:   alert.TargetPrice,
		Direction:     alert.Direction,
		TriggeredAt:   at,
		PriceChange:   sample.Change(),
		PreviousPrice: sample.PreviousPrice,
		AlertType:     AlertTypePrice,
		Notes:         alert.Notes,
		Context:       alert.Context,
		UserID:        alert.UserID,
	}
	if sample.Volume > 0 {
		v := sample.Volume
		e.Volume = &v
	}
	return e
}

// Kind distinguishes alert messages from operational ones.
type Kind string

const (
	KindAlert       Kind = "alert"
	KindOperational Kind = "operational"
)

// Field is one labelled value of a message.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Message is the transport independent rendering of a notification.
type Message struct {
	Kind        Kind                   `json:"type"`
	Title       string                 `json:"title"`
	Description string                 `json:"message"`
	Color       int                    `json:"color"`
	Fields      []Field                `json:"fields,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Result is the outcome of one transport send.
type Result struct {
	Transport string `json:"transport"`
	Error     string `json:"error,omitempty"`
}

// Report lists the outcome for every transport that was attempted.
type Report []Result

// Delivered counts successful sends.
func (r Report) Delivered() int {
	n := 0
	for _, res := range r {
		if res.Error == "" {
			n++
		}
	}
	return n
}

// NopNotifier drops everything.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(context.Context, Event) Report { return nil }

// NotifyOperational does nothing.
func (NopNotifier) NotifyOperational(context.Context, string, error) Report { return nil }
