package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	apperrors "pricewatch/internal/errors"
	"pricewatch/internal/feed"
	"pricewatch/internal/models"
	"pricewatch/internal/notify"
)

type fakeSource struct {
	mu          sync.Mutex
	handlers    map[string]feed.TickHandler
	registers   []string
	deregisters []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[string]feed.TickHandler)}
}

func (s *fakeSource) Register(symbol string, h feed.TickHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[symbol] = h
	s.registers = append(s.registers, symbol)
}

func (s *fakeSource) Deregister(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, symbol)
	s.deregisters = append(s.deregisters, symbol)
}

func (s *fakeSource) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.handlers))
	for symbol := range s.handlers {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (s *fakeSource) State() feed.State { return feed.StateConnected }

func (s *fakeSource) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registers), len(s.deregisters)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Notify(_ context.Context, e notify.Event) notify.Report {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return notify.Report{{Transport: "fake"}}
}

func (n *fakeNotifier) NotifyOperational(context.Context, string, error) notify.Report {
	return nil
}

func (n *fakeNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

type fakeStore struct {
	mu      sync.Mutex
	alerts  []models.Alert
	marked  map[string]time.Time
	listErr error
	markErr error
}

func newFakeStore(alerts ...models.Alert) *fakeStore {
	return &fakeStore{alerts: alerts, marked: make(map[string]time.Time)}
}

func (s *fakeStore) ListEnabled(context.Context) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.Alert
	for _, a := range s.alerts {
		if a.Enabled {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) MarkTriggered(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.marked[id] = at
	return nil
}

func (s *fakeStore) set(alerts ...models.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = alerts
}

type fakeSink struct {
	mu      sync.Mutex
	samples map[string]models.PriceSample
	evicted []string
}

func (s *fakeSink) Publish(symbol string, sample models.PriceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[symbol] = sample
}

func (s *fakeSink) Evict(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.samples, symbol)
	s.evicted = append(s.evicted, symbol)
}

func (s *fakeSink) has(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.samples[symbol]
	return ok
}

func (s *fakeSink) evictions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.evicted...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	m        *Monitor
	source   *fakeSource
	notifier *fakeNotifier
	store    *fakeStore
	clock    *fakeClock
	logs     *bytes.Buffer
}

func newHarness(t *testing.T, cooldown time.Duration, alerts ...models.Alert) *harness {
	t.Helper()
	h := &harness{
		source:   newFakeSource(),
		notifier: &fakeNotifier{},
		store:    newFakeStore(alerts...),
		clock:    &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		logs:     &bytes.Buffer{},
	}
	cfg := Config{Cooldown: cooldown, ReloadInterval: time.Hour, PersistTimeout: time.Second}
	h.m = New(cfg, h.store, h.source, h.notifier, zerolog.New(h.logs))
	h.m.SetClock(h.clock.Now)
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(h.m.Stop)
	return h
}

// tick feeds a price through the registered handler, like the stream would.
func (h *harness) tick(t *testing.T, symbol string, price float64) {
	t.Helper()
	h.source.mu.Lock()
	handler, ok := h.source.handlers[symbol]
	h.source.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for %s", symbol)
	}
	handler.HandleTick(symbol, price, h.clock.Now(), 1)
	h.m.WaitIdle()
}

func alert(id, symbol string, target float64, dir models.Direction) models.Alert {
	return models.Alert{
		ID:          id,
		UserID:      "user-1",
		Symbol:      symbol,
		TargetPrice: target,
		Direction:   dir,
		Enabled:     true,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestEvaluate(t *testing.T) {
	p := func(v float64) *float64 { return &v }
	tests := []struct {
		name  string
		dir   models.Direction
		price float64
		prev  *float64
		want  bool
	}{
		{"above below target", models.DirectionAbove, 99, nil, false},
		{"above at target", models.DirectionAbove, 100, nil, true},
		{"above over target", models.DirectionAbove, 101, p(50), true},
		{"below over target", models.DirectionBelow, 101, nil, false},
		{"below at target", models.DirectionBelow, 100, nil, true},
		{"either first sample", models.DirectionEither, 100, nil, false},
		{"either cross up", models.DirectionEither, 101, p(99), true},
		{"either cross down", models.DirectionEither, 99, p(101), true},
		{"either touch from below", models.DirectionEither, 100, p(99), true},
		{"either leave from target upward", models.DirectionEither, 101, p(100), false},
		{"either leave from target downward", models.DirectionEither, 99, p(100), true},
		{"either stays above", models.DirectionEither, 105, p(101), false},
		{"either stays below", models.DirectionEither, 95, p(99), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := alert("a", "X", 100, tt.dir)
			got, err := Evaluate(a, tt.price, tt.prev)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("unknown direction", func(t *testing.T) {
		a := alert("a", "X", 100, "sideways")
		fired, err := Evaluate(a, 1000, nil)
		if fired || err == nil {
			t.Fatalf("Evaluate() = %v, %v; want false with error", fired, err)
		}
	})
}

func TestMonitor_AboveWithCooldown(t *testing.T) {
	h := newHarness(t, 5*time.Minute, alert("btc-1", "BTC", 50000, models.DirectionAbove))

	h.tick(t, "BTC", 49000)
	if n := len(h.notifier.all()); n != 0 {
		t.Fatalf("expected no notification below target, got %d", n)
	}

	h.clock.Advance(time.Second)
	h.tick(t, "BTC", 50100)
	events := h.notifier.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(events))
	}
	e := events[0]
	if e.CurrentPrice != 50100 || e.TargetPrice != 50000 {
		t.Errorf("unexpected event prices: %+v", e)
	}
	if e.PreviousPrice == nil || *e.PreviousPrice != 49000 {
		t.Errorf("expected previous price 49000, got %v", e.PreviousPrice)
	}
	if e.PriceChange == nil || *e.PriceChange != 1100 {
		t.Errorf("expected change 1100, got %v", e.PriceChange)
	}
	if _, ok := h.store.marked["btc-1"]; !ok {
		t.Error("expected trigger time to be persisted")
	}

	// Within cooldown
	h.clock.Advance(time.Minute)
	h.tick(t, "BTC", 50200)
	if n := len(h.notifier.all()); n != 1 {
		t.Fatalf("expected cooldown to suppress, got %d notifications", n)
	}

	h.clock.Advance(5 * time.Minute)
	h.tick(t, "BTC", 50300)
	if n := len(h.notifier.all()); n != 2 {
		t.Fatalf("expected second notification after cooldown, got %d", n)
	}
}

func TestMonitor_BelowFiresOnFirstSample(t *testing.T) {
	h := newHarness(t, 5*time.Minute, alert("eth-1", "ETH", 3000, models.DirectionBelow))

	h.tick(t, "ETH", 2990)
	events := h.notifier.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(events))
	}
	if events[0].PreviousPrice != nil || events[0].PriceChange != nil {
		t.Error("first sample should carry no previous price or change")
	}
}

func TestMonitor_EitherNeedsPreviousSample(t *testing.T) {
	h := newHarness(t, 0, alert("sol-1", "SOL", 100, models.DirectionEither))

	h.tick(t, "SOL", 100)
	if n := len(h.notifier.all()); n != 0 {
		t.Fatalf("either must not fire on the first sample, got %d", n)
	}
	h.tick(t, "SOL", 99)
	if n := len(h.notifier.all()); n != 1 {
		t.Fatalf("expected crossing down to fire, got %d", n)
	}
	h.tick(t, "SOL", 98)
	if n := len(h.notifier.all()); n != 1 {
		t.Fatalf("staying below must not fire, got %d", n)
	}
	h.tick(t, "SOL", 102)
	if n := len(h.notifier.all()); n != 2 {
		t.Fatalf("expected crossing up to fire, got %d", n)
	}
}

func TestMonitor_ZeroCooldownFiresEveryTick(t *testing.T) {
	h := newHarness(t, 0, alert("a", "AAPL", 10, models.DirectionAbove))
	for i := 0; i < 3; i++ {
		h.tick(t, "AAPL", 11)
	}
	if n := len(h.notifier.all()); n != 3 {
		t.Fatalf("expected 3 notifications, got %d", n)
	}
}

func TestMonitor_PersistFailureKeepsCooldown(t *testing.T) {
	h := newHarness(t, time.Hour, alert("a", "AAPL", 10, models.DirectionAbove))
	h.store.markErr = errors.New("db down")

	h.tick(t, "AAPL", 11)
	h.tick(t, "AAPL", 12)

	if n := len(h.notifier.all()); n != 1 {
		t.Fatalf("expected 1 notification, got %d", n)
	}
	if got := h.m.Stats().PersistFailures; got != 1 {
		t.Errorf("PersistFailures = %d, want 1", got)
	}
}

func TestMonitor_UnknownDirectionIsIsolated(t *testing.T) {
	h := newHarness(t, 0, alert("ok", "BTC", 10, models.DirectionAbove))

	// Bypass validation to simulate a corrupt record
	h.m.mu.Lock()
	h.m.index["BTC"] = append(h.m.index["BTC"], &entry{alert: alert("bad", "BTC", 10, "sideways")})
	h.m.byID["bad"] = "BTC"
	h.m.mu.Unlock()

	h.tick(t, "BTC", 20)

	events := h.notifier.all()
	if len(events) != 1 || events[0].Alert.ID != "ok" {
		t.Fatalf("expected only the valid alert to fire, got %+v", events)
	}
	if got := h.m.Stats().EvaluationErrors; got != 1 {
		t.Errorf("EvaluationErrors = %d, want 1", got)
	}
}

func TestMonitor_AddAlert(t *testing.T) {
	h := newHarness(t, 0)

	disabled := alert("d", "BTC", 10, models.DirectionAbove)
	disabled.Enabled = false
	if err := h.m.AddAlert(disabled); !errors.Is(err, apperrors.ErrAlertDisabled) {
		t.Fatalf("expected ErrAlertDisabled, got %v", err)
	}

	invalid := alert("i", "BTC", -1, models.DirectionAbove)
	var verr *apperrors.ValidationError
	if err := h.m.AddAlert(invalid); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	if err := h.m.AddAlert(alert("a", " btc ", 10, models.DirectionAbove)); err != nil {
		t.Fatalf("AddAlert() error = %v", err)
	}
	if err := h.m.AddAlert(alert("b", "BTC", 20, models.DirectionBelow)); err != nil {
		t.Fatalf("AddAlert() error = %v", err)
	}
	if got := h.source.Symbols(); len(got) != 1 || got[0] != "BTC" {
		t.Fatalf("expected BTC subscribed once, got %v", got)
	}
	if reg, _ := h.source.counts(); reg != 1 {
		t.Errorf("expected 1 register call, got %d", reg)
	}

	// Moving an alert to another symbol releases the old one
	if err := h.m.AddAlert(alert("a", "ETH", 10, models.DirectionAbove)); err != nil {
		t.Fatalf("AddAlert() error = %v", err)
	}
	if err := h.m.AddAlert(alert("b", "ETH", 20, models.DirectionAbove)); err != nil {
		t.Fatalf("AddAlert() error = %v", err)
	}
	if got := h.source.Symbols(); len(got) != 1 || got[0] != "ETH" {
		t.Fatalf("expected only ETH subscribed, got %v", got)
	}
	if st := h.m.Status(); st.AlertCount != 2 {
		t.Errorf("AlertCount = %d, want 2", st.AlertCount)
	}

	h.m.Stop()
	if err := h.m.AddAlert(alert("c", "BTC", 10, models.DirectionAbove)); !errors.Is(err, apperrors.ErrMonitorStopped) {
		t.Fatalf("expected ErrMonitorStopped, got %v", err)
	}
}

func TestMonitor_ReplaceKeepsTriggerTime(t *testing.T) {
	h := newHarness(t, time.Hour, alert("a", "BTC", 10, models.DirectionAbove))
	h.tick(t, "BTC", 11)

	updated := alert("a", "BTC", 12, models.DirectionAbove)
	if err := h.m.AddAlert(updated); err != nil {
		t.Fatalf("AddAlert() error = %v", err)
	}
	h.tick(t, "BTC", 13)
	if n := len(h.notifier.all()); n != 1 {
		t.Fatalf("replacement must keep cooldown, got %d notifications", n)
	}
}

func TestMonitor_RemoveAlert(t *testing.T) {
	h := newHarness(t, 0,
		alert("a", "BTC", 10, models.DirectionAbove),
		alert("b", "BTC", 20, models.DirectionAbove),
	)
	h.tick(t, "BTC", 15)

	if h.m.RemoveAlert("missing") {
		t.Fatal("RemoveAlert() = true for unknown id")
	}
	if !strings.Contains(h.logs.String(), "Alert not found") {
		t.Error("expected a warning for unknown id")
	}

	if !h.m.RemoveAlert("a") {
		t.Fatal("RemoveAlert() = false for known id")
	}
	if _, ok := h.m.Price("BTC"); !ok {
		t.Fatal("price must survive while the symbol has alerts")
	}
	if _, dereg := h.source.counts(); dereg != 0 {
		t.Fatalf("expected no unsubscribe yet, got %d", dereg)
	}

	handler := h.source.handlers["BTC"]
	if !h.m.RemoveAlert("b") {
		t.Fatal("RemoveAlert() = false for known id")
	}
	if _, ok := h.m.Price("BTC"); ok {
		t.Fatal("price must be evicted with the last alert")
	}
	if got := h.source.Symbols(); len(got) != 0 {
		t.Fatalf("expected no subscriptions, got %v", got)
	}

	// A trailing tick must not repopulate the cache
	handler.HandleTick("BTC", 30, h.clock.Now(), 1)
	if _, ok := h.m.Price("BTC"); ok {
		t.Fatal("trailing tick created a cache entry")
	}
}

func TestMonitor_Reload(t *testing.T) {
	h := newHarness(t, time.Hour,
		alert("a", "BTC", 10, models.DirectionAbove),
		alert("b", "ETH", 10, models.DirectionAbove),
	)
	h.tick(t, "BTC", 11)
	h.tick(t, "ETH", 9)

	disabledETH := alert("b", "ETH", 10, models.DirectionAbove)
	disabledETH.Enabled = false
	h.store.set(
		alert("a", "BTC", 10, models.DirectionAbove),
		disabledETH,
		alert("c", "SOL", 100, models.DirectionBelow),
	)
	if err := h.m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	st := h.m.Status()
	if want := []string{"BTC", "SOL"}; fmt.Sprint(st.Symbols) != fmt.Sprint(want) {
		t.Fatalf("Symbols = %v, want %v", st.Symbols, want)
	}
	if got := h.source.Symbols(); fmt.Sprint(got) != fmt.Sprint(st.Symbols) {
		t.Fatalf("subscriptions %v do not match index %v", got, st.Symbols)
	}
	if _, ok := st.Prices["BTC"]; !ok {
		t.Error("BTC price must survive reload")
	}
	if _, ok := st.Prices["ETH"]; ok {
		t.Error("ETH price must be evicted")
	}

	// The store copy has no trigger time; the in-memory one wins
	h.tick(t, "BTC", 12)
	if n := len(h.notifier.all()); n != 1 {
		t.Fatalf("reload must keep cooldown state, got %d notifications", n)
	}
	if st.Stats.Reloads != 1 {
		t.Errorf("Reloads = %d, want 1", st.Stats.Reloads)
	}
}

func TestMonitor_StartFailsOnLoadError(t *testing.T) {
	s := newFakeStore()
	s.listErr = errors.New("boom")
	m := New(DefaultConfig(), s, newFakeSource(), nil, zerolog.Nop())
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected Start() to fail")
	}
	if m.Status().Running {
		t.Fatal("monitor must not run after a failed start")
	}
}

func TestMonitor_StopClearsState(t *testing.T) {
	h := newHarness(t, 0,
		alert("a", "BTC", 10, models.DirectionAbove),
		alert("b", "ETH", 10, models.DirectionAbove),
	)
	h.tick(t, "BTC", 11)

	h.m.Stop()
	h.m.Stop()

	st := h.m.Status()
	if st.Running || st.AlertCount != 0 || len(st.Prices) != 0 {
		t.Fatalf("expected cleared state, got %+v", st)
	}
	if _, dereg := h.source.counts(); dereg != 2 {
		t.Fatalf("expected 2 unsubscribes, got %d", dereg)
	}
	if err := h.m.Reload(context.Background()); !errors.Is(err, apperrors.ErrMonitorStopped) {
		t.Fatalf("expected ErrMonitorStopped, got %v", err)
	}
}

func TestMonitor_PriceSink(t *testing.T) {
	sink := &fakeSink{samples: make(map[string]models.PriceSample)}
	h := &harness{source: newFakeSource(), notifier: &fakeNotifier{}, clock: &fakeClock{t: time.Now()}}
	h.store = newFakeStore(alert("a", "BTC", 1e9, models.DirectionAbove))
	h.m = New(Config{ReloadInterval: time.Hour}, h.store, h.source, h.notifier, zerolog.Nop())
	h.m.AddPriceSink(sink)
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.m.Stop()

	h.tick(t, "BTC", 42)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if got := sink.samples["BTC"].Price; got != 42 {
		t.Fatalf("sink price = %v, want 42", got)
	}
}

func TestMonitor_ConcurrentTicksAndMutations(t *testing.T) {
	h := newHarness(t, 0, alert("a", "BTC", 10, models.DirectionAbove))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.m.HandleTick("BTC", float64(i), time.Now(), 1)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			id := fmt.Sprintf("x%d", i)
			_ = h.m.AddAlert(alert(id, "BTC", 5, models.DirectionAbove))
			h.m.RemoveAlert(id)
		}
	}()
	wg.Wait()
	h.m.WaitIdle()

	if got := h.source.Symbols(); len(got) != 1 || got[0] != "BTC" {
		t.Fatalf("expected BTC to stay subscribed, got %v", got)
	}
}

func TestMonitor_IndexMatchesSubscriptions(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	symbols := []string{"BTC", "ETH", "SOL"}

	properties.Property("subscription set follows the index", prop.ForAll(
		func(ops []int) bool {
			source := newFakeSource()
			m := New(Config{ReloadInterval: time.Hour}, newFakeStore(), source, nil, zerolog.Nop())
			if err := m.Start(context.Background()); err != nil {
				return false
			}
			defer m.Stop()

			live := make(map[string]string)
			for _, op := range ops {
				id := fmt.Sprintf("a%d", op%6)
				if op%2 == 0 {
					symbol := symbols[(op/2)%len(symbols)]
					if m.AddAlert(alert(id, symbol, 1, models.DirectionAbove)) != nil {
						return false
					}
					live[id] = symbol
				} else {
					_, known := live[id]
					if m.RemoveAlert(id) != known {
						return false
					}
					delete(live, id)
				}
			}

			want := make(map[string]bool)
			for _, symbol := range live {
				want[symbol] = true
			}
			expected := sortedKeys(want)
			st := m.Status()
			return fmt.Sprint(st.Symbols) == fmt.Sprint(expected) &&
				fmt.Sprint(source.Symbols()) == fmt.Sprint(expected) &&
				st.AlertCount == len(live)
		},
		gen.SliceOf(gen.IntRange(0, 40)),
	))

	properties.TestingRun(t)
}

func newSinkHarness(t *testing.T, alerts ...models.Alert) (*harness, *fakeSink) {
	t.Helper()
	sink := &fakeSink{samples: make(map[string]models.PriceSample)}
	h := &harness{
		source:   newFakeSource(),
		notifier: &fakeNotifier{},
		store:    newFakeStore(alerts...),
		clock:    &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		logs:     &bytes.Buffer{},
	}
	h.m = New(Config{ReloadInterval: time.Hour}, h.store, h.source, h.notifier, zerolog.New(h.logs))
	h.m.SetClock(h.clock.Now)
	h.m.AddPriceSink(sink)
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(h.m.Stop)
	return h, sink
}

func TestMonitor_SinkEvictedWithLastAlert(t *testing.T) {
	h, sink := newSinkHarness(t,
		alert("a", "BTC", 1e9, models.DirectionAbove),
		alert("b", "BTC", 1e9, models.DirectionAbove),
	)
	h.tick(t, "BTC", 9)

	h.m.RemoveAlert("a")
	if !sink.has("BTC") {
		t.Fatal("sink lost BTC while the symbol still has alerts")
	}

	h.m.RemoveAlert("b")
	if _, ok := h.m.Price("BTC"); ok {
		t.Fatal("monitor still caches BTC")
	}
	if sink.has("BTC") {
		t.Fatal("sink still holds BTC after its last alert was removed")
	}
	if got := sink.evictions(); len(got) != 1 || got[0] != "BTC" {
		t.Errorf("evictions = %v, want [BTC]", got)
	}
}

func TestMonitor_SinkEvictedOnMoveReloadAndStop(t *testing.T) {
	h, sink := newSinkHarness(t,
		alert("a", "BTC", 1e9, models.DirectionAbove),
		alert("b", "ETH", 1e9, models.DirectionAbove),
	)
	h.tick(t, "BTC", 9)
	h.tick(t, "ETH", 9)

	// Moving BTC's only alert to SOL evicts BTC
	if err := h.m.AddAlert(alert("a", "SOL", 1e9, models.DirectionAbove)); err != nil {
		t.Fatalf("AddAlert() error = %v", err)
	}
	if sink.has("BTC") {
		t.Fatal("sink still holds BTC after its alert moved")
	}
	h.tick(t, "SOL", 5)

	h.store.set(alert("a", "SOL", 1e9, models.DirectionAbove))
	if err := h.m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if sink.has("ETH") {
		t.Fatal("sink still holds ETH after reload dropped it")
	}
	if !sink.has("SOL") {
		t.Fatal("reload evicted a symbol that stays watched")
	}

	h.m.Stop()
	if sink.has("SOL") {
		t.Fatal("sink still holds SOL after Stop")
	}
	if got := sink.evictions(); strings.Join(got, ",") != "BTC,ETH,SOL" {
		t.Errorf("evictions = %v, want [BTC ETH SOL]", got)
	}
}

func TestMonitor_ReaddStartsWithoutPreviousPrice(t *testing.T) {
	h := newHarness(t, 0, alert("a", "BTC", 1e9, models.DirectionAbove))
	h.tick(t, "BTC", 9)

	h.m.RemoveAlert("a")
	if err := h.m.AddAlert(alert("b", "BTC", 10, models.DirectionEither)); err != nil {
		t.Fatalf("AddAlert() error = %v", err)
	}
	h.tick(t, "BTC", 11)

	if n := len(h.notifier.all()); n != 0 {
		t.Fatalf("either alert fired on the first tick after re-add, got %d notifications", n)
	}
	sample, ok := h.m.Price("BTC")
	if !ok {
		t.Fatal("expected BTC to be cached again")
	}
	if sample.PreviousPrice != nil {
		t.Errorf("previous price = %v, want none", *sample.PreviousPrice)
	}
}
