// Package monitor provides the in-memory alert evaluation engine.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	apperrors "pricewatch/internal/errors"
	"pricewatch/internal/feed"
	"pricewatch/internal/logging"
	"pricewatch/internal/models"
	"pricewatch/internal/notify"
)

// Store is the part of the record store the monitor reads and writes.
type Store interface {
	ListEnabled(ctx context.Context) ([]models.Alert, error)
	MarkTriggered(ctx context.Context, id string, at time.Time) error
}

// PriceSink mirrors the price cache. It receives every cache update and
// every eviction, outside the monitor lock.
type PriceSink interface {
	Publish(symbol string, sample models.PriceSample)
	Evict(symbol string)
}

// Config holds monitor configuration.
type Config struct {
	Cooldown       time.Duration
	ReloadInterval time.Duration
	PersistTimeout time.Duration
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Cooldown:       5 * time.Minute,
		ReloadInterval: 5 * time.Minute,
		PersistTimeout: 10 * time.Second,
	}
}

type entry struct {
	alert models.Alert
}

// Monitor owns the symbol to alerts index and the latest price per symbol.
//
// mutMu serializes index mutations together with their subscription calls,
// so the upstream subscription set always follows the index. mu guards the
// maps and is never held across source, notifier or store calls.
type Monitor struct {
	cfg      Config
	store    Store
	source   feed.Source
	notifier notify.Notifier
	sinks    []PriceSink
	logger   zerolog.Logger
	now      func() time.Time

	mutMu sync.Mutex

	mu      sync.RWMutex
	index   map[string][]*entry
	byID    map[string]string
	prices  map[string]models.PriceSample
	running bool

	cancel   context.CancelFunc
	loopDone chan struct{}
	bg       sync.WaitGroup

	ticks           atomic.Int64
	triggers        atomic.Int64
	evalErrors      atomic.Int64
	persistFailures atomic.Int64
	reloads         atomic.Int64
}

// New creates a stopped monitor.
func New(cfg Config, store Store, source feed.Source, notifier notify.Notifier, logger zerolog.Logger) *Monitor {
	d := DefaultConfig()
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = d.ReloadInterval
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = d.PersistTimeout
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Monitor{
		cfg:      cfg,
		store:    store,
		source:   source,
		notifier: notifier,
		logger:   logging.WithComponent(logger, "monitor"),
		now:      time.Now,
		index:    make(map[string][]*entry),
		byID:     make(map[string]string),
		prices:   make(map[string]models.PriceSample),
	}
}

// AddPriceSink adds a receiver of cache updates. Call before Start.
func (m *Monitor) AddPriceSink(sink PriceSink) {
	m.sinks = append(m.sinks, sink)
}

// SetClock replaces the time source. Call before Start.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Start loads every enabled alert, subscribes their symbols and starts the
// periodic reload. It fails when the initial load fails.
func (m *Monitor) Start(ctx context.Context) error {
	m.mutMu.Lock()
	defer m.mutMu.Unlock()

	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if running {
		return nil
	}

	alerts, err := m.store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("loading alerts: %w", err)
	}

	index, byID := m.buildIndex(alerts)

	m.mu.Lock()
	m.index = index
	m.byID = byID
	m.prices = make(map[string]models.PriceSample)
	m.running = true
	m.mu.Unlock()

	symbols := sortedKeys(index)
	for _, symbol := range symbols {
		m.source.Register(symbol, m)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.loopDone = make(chan struct{})
	go m.reloadLoop(loopCtx, m.loopDone)

	m.logger.Info().
		Int("alerts", len(byID)).
		Int("symbols", len(symbols)).
		Dur("cooldown", m.cfg.Cooldown).
		Dur("reload_interval", m.cfg.ReloadInterval).
		Msg("Alert monitor started")
	return nil
}

// Stop cancels the reload timer, unsubscribes every symbol and clears all
// in-memory state. In-flight notifications complete. It is idempotent.
func (m *Monitor) Stop() {
	m.mutMu.Lock()
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.mutMu.Unlock()
		return
	}
	m.running = false
	symbols := sortedKeys(m.index)
	m.index = make(map[string][]*entry)
	m.byID = make(map[string]string)
	m.prices = make(map[string]models.PriceSample)
	cancel, done := m.cancel, m.loopDone
	m.mu.Unlock()

	cancel()
	for _, symbol := range symbols {
		m.source.Deregister(symbol)
	}
	m.evict(symbols...)
	m.mutMu.Unlock()

	<-done
	m.logger.Info().Int("symbols", len(symbols)).Msg("Alert monitor stopped")
}

// WaitIdle blocks until pending notification and persistence work is done.
func (m *Monitor) WaitIdle() {
	m.bg.Wait()
}

// AddAlert indexes an enabled alert. An alert with a known id replaces
// the indexed one. The first alert for a symbol subscribes it upstream.
func (m *Monitor) AddAlert(a models.Alert) error {
	a = a.Clone()
	a.Normalize()
	if !a.Enabled {
		return fmt.Errorf("%w: %s", apperrors.ErrAlertDisabled, a.ID)
	}
	if err := a.Validate(); err != nil {
		return err
	}

	m.mutMu.Lock()
	defer m.mutMu.Unlock()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return apperrors.ErrMonitorStopped
	}

	var unsubscribe string
	if oldSymbol, ok := m.byID[a.ID]; ok {
		if oldSymbol == a.Symbol {
			for _, e := range m.index[a.Symbol] {
				if e.alert.ID == a.ID {
					a.LastTriggeredAt = laterOf(a.LastTriggeredAt, e.alert.LastTriggeredAt)
					e.alert = a
				}
			}
			m.mu.Unlock()
			m.logger.Debug().Str("alert_id", a.ID).Str("symbol", a.Symbol).Msg("Alert replaced")
			return nil
		}
		if m.removeLocked(a.ID) {
			unsubscribe = oldSymbol
		}
	}

	subscribe := len(m.index[a.Symbol]) == 0
	m.index[a.Symbol] = append(m.index[a.Symbol], &entry{alert: a})
	m.byID[a.ID] = a.Symbol
	m.mu.Unlock()

	if unsubscribe != "" {
		m.source.Deregister(unsubscribe)
		m.evict(unsubscribe)
	}
	if subscribe {
		m.source.Register(a.Symbol, m)
	}

	m.logger.Info().
		Str("alert_id", a.ID).
		Str("symbol", a.Symbol).
		Str("direction", string(a.Direction)).
		Float64("target", a.TargetPrice).
		Msg("Alert added")
	return nil
}

// RemoveAlert drops the alert with id. When its symbol has no alerts left
// the symbol is unsubscribed and its price evicted. It reports whether the
// alert was indexed.
func (m *Monitor) RemoveAlert(id string) bool {
	m.mutMu.Lock()
	defer m.mutMu.Unlock()

	m.mu.Lock()
	symbol, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn().Str("alert_id", id).Msg("Alert not found")
		return false
	}
	emptied := m.removeLocked(id)
	m.mu.Unlock()

	if emptied {
		m.source.Deregister(symbol)
		m.evict(symbol)
	}
	m.logger.Info().Str("alert_id", id).Str("symbol", symbol).Bool("unsubscribed", emptied).Msg("Alert removed")
	return true
}

// removeLocked removes id from the index and reports whether its bucket emptied.
func (m *Monitor) removeLocked(id string) bool {
	symbol := m.byID[id]
	delete(m.byID, id)

	bucket := m.index[symbol]
	for i, e := range bucket {
		if e.alert.ID == id {
			bucket = append(bucket[:i:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(m.index, symbol)
		delete(m.prices, symbol)
		return true
	}
	m.index[symbol] = bucket
	return false
}

// Reload replaces the index with the enabled alerts from the store.
// Prices of symbols that stay watched are preserved.
func (m *Monitor) Reload(ctx context.Context) error {
	m.mutMu.Lock()
	defer m.mutMu.Unlock()

	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return apperrors.ErrMonitorStopped
	}

	alerts, err := m.store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("reloading alerts: %w", err)
	}
	index, byID := m.buildIndex(alerts)

	m.mu.Lock()
	// Keep in-memory trigger times that the store has not caught up with
	for symbol, bucket := range index {
		for _, e := range bucket {
			if oldSymbol, ok := m.byID[e.alert.ID]; ok && oldSymbol == symbol {
				for _, old := range m.index[oldSymbol] {
					if old.alert.ID == e.alert.ID {
						e.alert.LastTriggeredAt = laterOf(e.alert.LastTriggeredAt, old.alert.LastTriggeredAt)
					}
				}
			}
		}
	}

	var removed, added []string
	for symbol := range m.index {
		if _, ok := index[symbol]; !ok {
			removed = append(removed, symbol)
			delete(m.prices, symbol)
		}
	}
	for symbol := range index {
		if _, ok := m.index[symbol]; !ok {
			added = append(added, symbol)
		}
	}
	m.index = index
	m.byID = byID
	m.mu.Unlock()

	sort.Strings(removed)
	sort.Strings(added)
	for _, symbol := range removed {
		m.source.Deregister(symbol)
	}
	m.evict(removed...)
	for _, symbol := range added {
		m.source.Register(symbol, m)
	}

	m.reloads.Add(1)
	m.logger.Info().
		Int("alerts", len(byID)).
		Int("symbols", len(index)).
		Strs("subscribed", added).
		Strs("unsubscribed", removed).
		Msg("Alerts reloaded")
	return nil
}

// HandleTick updates the price cache and evaluates the alerts on symbol.
func (m *Monitor) HandleTick(symbol string, price float64, ts time.Time, volume float64) {
	symbol = models.CanonicalSymbol(symbol)
	now := m.now()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	bucket, ok := m.index[symbol]
	if !ok {
		// Trailing tick after the last alert was removed
		m.mu.Unlock()
		return
	}

	var prev *float64
	if old, ok := m.prices[symbol]; ok {
		p := old.Price
		prev = &p
	}
	sample := models.PriceSample{
		Price:         price,
		PreviousPrice: prev,
		Timestamp:     ts,
		Volume:        volume,
		UpdatedAt:     now,
	}
	m.prices[symbol] = sample

	var fired []models.Alert
	for _, e := range bucket {
		if e.alert.InCooldown(now, m.cfg.Cooldown) {
			continue
		}
		ok, err := evaluateSafe(&e.alert, price, prev)
		if err != nil {
			m.evalErrors.Add(1)
			m.logger.Warn().Err(err).Str("alert_id", e.alert.ID).Str("symbol", symbol).Msg("Alert evaluation failed")
			continue
		}
		if !ok {
			continue
		}
		at := now
		e.alert.LastTriggeredAt = &at
		fired = append(fired, e.alert.Clone())
	}
	m.mu.Unlock()

	m.ticks.Add(1)
	for _, sink := range m.sinks {
		sink.Publish(symbol, sample)
	}

	for _, a := range fired {
		m.trigger(a, sample, now)
	}
}

func (m *Monitor) evict(symbols ...string) {
	for _, sink := range m.sinks {
		for _, symbol := range symbols {
			sink.Evict(symbol)
		}
	}
}

// trigger dispatches and persists a fired alert off the tick path.
func (m *Monitor) trigger(a models.Alert, sample models.PriceSample, at time.Time) {
	m.triggers.Add(1)
	logging.LogTrigger(m.logger, a.ID, a.Symbol, string(a.Direction), sample.Price, a.TargetPrice)

	event := notify.NewEvent(a, sample, at)
	m.bg.Add(2)
	go func() {
		defer m.bg.Done()
		m.notifier.Notify(context.Background(), event)
	}()
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
		defer cancel()
		if err := m.store.MarkTriggered(ctx, a.ID, at); err != nil {
			m.persistFailures.Add(1)
			m.logger.Warn().Err(err).Str("alert_id", a.ID).Msg("Failed to persist trigger time")
		}
	}()
}

func (m *Monitor) reloadLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Reload(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("Periodic reload failed")
			}
		}
	}
}

// buildIndex groups valid enabled alerts by canonical symbol.
func (m *Monitor) buildIndex(alerts []models.Alert) (map[string][]*entry, map[string]string) {
	index := make(map[string][]*entry)
	byID := make(map[string]string, len(alerts))
	for _, a := range alerts {
		a = a.Clone()
		a.Normalize()
		if !a.Enabled {
			continue
		}
		if err := a.Validate(); err != nil {
			m.logger.Warn().Err(err).Str("alert_id", a.ID).Msg("Skipping invalid alert")
			continue
		}
		if _, dup := byID[a.ID]; dup {
			continue
		}
		index[a.Symbol] = append(index[a.Symbol], &entry{alert: a})
		byID[a.ID] = a.Symbol
	}
	return index, byID
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
