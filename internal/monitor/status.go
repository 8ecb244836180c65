package monitor

import (
	"pricewatch/internal/feed"
	"pricewatch/internal/models"
)

// Stats holds monitor counters.
type Stats struct {
	TicksProcessed   int64 `json:"ticks_processed"`
	Triggers         int64 `json:"triggers"`
	EvaluationErrors int64 `json:"evaluation_errors"`
	PersistFailures  int64 `json:"persist_failures"`
	Reloads          int64 `json:"reloads"`
}

// Status is a point-in-time snapshot of the monitor.
type Status struct {
	Running    bool                          `json:"running"`
	FeedState  feed.State                    `json:"feed_state"`
	Symbols    []string                      `json:"symbols"`
	AlertCount int                           `json:"alert_count"`
	Prices     map[string]models.PriceSample `json:"prices"`
	Stats      Stats                         `json:"stats"`
}

// Status returns a copy of the monitor state.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	st := Status{
		Running:    m.running,
		Symbols:    sortedKeys(m.index),
		AlertCount: len(m.byID),
		Prices:     make(map[string]models.PriceSample, len(m.prices)),
	}
	for symbol, sample := range m.prices {
		st.Prices[symbol] = copySample(sample)
	}
	m.mu.RUnlock()

	st.FeedState = m.source.State()
	st.Stats = m.Stats()
	return st
}

// Stats returns the monitor counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		TicksProcessed:   m.ticks.Load(),
		Triggers:         m.triggers.Load(),
		EvaluationErrors: m.evalErrors.Load(),
		PersistFailures:  m.persistFailures.Load(),
		Reloads:          m.reloads.Load(),
	}
}

// Price returns the cached sample for symbol.
func (m *Monitor) Price(symbol string) (models.PriceSample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sample, ok := m.prices[models.CanonicalSymbol(symbol)]
	if !ok {
		return models.PriceSample{}, false
	}
	return copySample(sample), true
}

// Alerts returns copies of the indexed alerts ordered by symbol.
func (m *Monitor) Alerts() []models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alerts := make([]models.Alert, 0, len(m.byID))
	for _, symbol := range sortedKeys(m.index) {
		for _, e := range m.index[symbol] {
			alerts = append(alerts, e.alert.Clone())
		}
	}
	return alerts
}

// Has reports whether the alert with id is indexed.
func (m *Monitor) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[id]
	return ok
}

func copySample(s models.PriceSample) models.PriceSample {
	if s.PreviousPrice != nil {
		p := *s.PreviousPrice
		s.PreviousPrice = &p
	}
	return s
}

