package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/rs/zerolog"

	"pricewatch/internal/config"
	"pricewatch/internal/models"
	"pricewatch/internal/monitor"
	"pricewatch/internal/notify"
	"pricewatch/internal/reconcile"
	"pricewatch/internal/store"
	"pricewatch/internal/stream"
)

type fakeMonitor struct {
	mu     sync.Mutex
	alerts map[string]models.Alert
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{alerts: make(map[string]models.Alert)}
}

func (m *fakeMonitor) AddAlert(a models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a
	return nil
}

func (m *fakeMonitor) RemoveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.alerts[id]
	delete(m.alerts, id)
	return ok
}

func (m *fakeMonitor) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.alerts[id]
	return ok
}

func (m *fakeMonitor) Reload(context.Context) error { return nil }

func (m *fakeMonitor) Status() monitor.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return monitor.Status{Running: true, AlertCount: len(m.alerts)}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Notify(_ context.Context, e notify.Event) notify.Report {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return notify.Report{{Transport: "discord"}, {Transport: "webhook", Error: "boom"}}
}

func (n *fakeNotifier) NotifyOperational(context.Context, string, error) notify.Report { return nil }

type testEnv struct {
	server   *Server
	store    store.AlertStore
	monitor  *fakeMonitor
	notifier *fakeNotifier
	hub      *stream.Hub
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.Webhook.Secret = "hook-secret"
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{
		store:    s,
		monitor:  newFakeMonitor(),
		notifier: &fakeNotifier{},
		hub:      stream.NewHub(stream.DefaultHubConfig(), zerolog.Nop()),
	}
	env.server = NewServer(*cfg, Deps{
		Store:    s,
		Monitor:  env.monitor,
		Feed:     reconcile.NewFeed(env.monitor, cfg.Webhook.Table, zerolog.Nop()),
		Notifier: env.notifier,
		Hub:      env.hub,
		Metrics:  func() map[string]int64 { return map[string]int64{"ticks_processed": 7} },
	}, zerolog.Nop())
	return env
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAlertsCRUD(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/alerts", "u1", map[string]interface{}{
		"symbol": "btc", "target_price": 50000, "direction": "above", "notes": "breakout",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decode[models.Alert](t, rec)
	if created.ID == "" || created.Symbol != "BTC" || created.UserID != "u1" || !created.Enabled {
		t.Fatalf("unexpected created alert: %+v", created)
	}
	if !env.monitor.Has(created.ID) {
		t.Fatal("created alert must be indexed")
	}

	rec = env.do(t, http.MethodGet, "/api/alerts", "u1", nil)
	if list := decode[[]models.Alert](t, rec); len(list) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(list))
	}
	rec = env.do(t, http.MethodGet, "/api/alerts", "u2", nil)
	if list := decode[[]models.Alert](t, rec); len(list) != 0 {
		t.Fatalf("other owners must not see the alert, got %d", len(list))
	}

	// Other owners get 404
	rec = env.do(t, http.MethodPut, "/api/alerts/"+created.ID, "u2", map[string]interface{}{"target_price": 1})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign update status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/alerts/"+created.ID, "u1", map[string]interface{}{"enabled": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body.String())
	}
	if env.monitor.Has(created.ID) {
		t.Fatal("disabled alert must leave the index")
	}

	rec = env.do(t, http.MethodDelete, "/api/alerts/"+created.ID, "u1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/alerts/"+created.ID, "u1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
}

func TestCreateAlertValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name  string
		body  interface{}
		field string
	}{
		{"negative target", map[string]interface{}{"symbol": "BTC", "target_price": -5, "direction": "above"}, "target_price"},
		{"bad direction", map[string]interface{}{"symbol": "BTC", "target_price": 5, "direction": "up"}, "direction"},
		{"missing symbol", map[string]interface{}{"target_price": 5, "direction": "below"}, "symbol"},
		{"malformed", `{"symbol":`, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/alerts", "u1", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			if got := decode[errorResponse](t, rec); got.Field != tt.field {
				t.Errorf("field = %q, want %q", got.Field, tt.field)
			}
		})
	}
}

func TestOwnerRequired(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/alerts", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestOwnerFromJWT(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.JWTSecret = "jwt-secret" })

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u9",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("jwt-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// The header alone is not trusted once tokens are configured
	if rec := env.do(t, http.MethodGet, "/api/alerts", "u9", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("header-only status = %d, want 401", rec.Code)
	}

	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u9"}).SignedString([]byte("wrong"))
	req = httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rec.Code)
	}
}

func TestTestAlertEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	a := models.Alert{UserID: "u1", Symbol: "ETH", TargetPrice: 3000, Direction: models.DirectionBelow, Enabled: true}
	if err := env.store.Create(context.Background(), &a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/alerts/"+a.ID+"/test", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode[testAlertResponse](t, rec)
	if resp.Delivered != 1 || len(resp.Results) != 2 {
		t.Errorf("unexpected report: %+v", resp)
	}
	if resp.Price >= 3000 {
		t.Errorf("synthetic price %v does not satisfy a below alert", resp.Price)
	}

	env.notifier.mu.Lock()
	defer env.notifier.mu.Unlock()
	if len(env.notifier.events) != 1 || env.notifier.events[0].Symbol != "ETH" {
		t.Fatalf("unexpected events: %+v", env.notifier.events)
	}
}

func TestQualifyingSampleFires(t *testing.T) {
	for _, dir := range []models.Direction{models.DirectionAbove, models.DirectionBelow, models.DirectionEither} {
		a := models.Alert{TargetPrice: 100, Direction: dir}
		s := qualifyingSample(a, time.Now())
		fired, err := monitor.Evaluate(a, s.Price, s.PreviousPrice)
		if err != nil || !fired {
			t.Errorf("%s: sample %+v does not fire", dir, s)
		}
	}
}

func TestChangeEventWebhook(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"type":"INSERT","table":"price_alerts","record":{"id":"w1","symbol":"sol","target_price":150,"direction":"either","enabled":true}}`

	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/alerts", strings.NewReader(body))
		if sig != "" {
			req.Header.Set(reconcile.SignatureHeader, sig)
		}
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	if rec := post(""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned status = %d, want 401", rec.Code)
	}
	if rec := post("sha256=" + reconcile.Sign("wrong", []byte(body))); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d, want 401", rec.Code)
	}
	if env.monitor.Has("w1") {
		t.Fatal("rejected events must not reach the monitor")
	}

	if rec := post("sha256=" + reconcile.Sign("hook-secret", []byte(body))); rec.Code != http.StatusOK {
		t.Fatalf("signed status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !env.monitor.Has("w1") {
		t.Fatal("signed insert must reach the monitor")
	}
}

func TestChangeEventWebhookSkipVerify(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Webhook.SkipVerify = true })

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/alerts",
		strings.NewReader(`{"type":"INSERT","table":"users","record":{"id":"x"}}`))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Field != "table" {
		t.Errorf("field = %q, want table", got.Field)
	}
}

func TestStatusMetricsHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/status", "", nil)
	if rec.Code != http.StatusOK || !decode[monitor.Status](t, rec).Running {
		t.Fatalf("status endpoint: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/metrics", "", nil)
	if got := decode[map[string]int64](t, rec)["ticks_processed"]; got != 7 {
		t.Errorf("ticks_processed = %d, want 7", got)
	}

	rec = env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
}

func TestInternalErrorsAreGenericInProduction(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.Production = true })
	env.store.Close()

	rec := env.do(t, http.MethodGet, "/api/alerts", "u1", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decode[errorResponse](t, rec).Error; got != "internal server error" {
		t.Errorf("error = %q, want generic message", got)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	s.Close()

	var logs bytes.Buffer
	cfg := config.Default()
	cfg.Server.Production = true
	srv := NewServer(*cfg, Deps{Store: s, Monitor: newFakeMonitor()}, zerolog.New(&logs))

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := rec.Header().Get(RequestIDHeader); got != "req-42" {
		t.Errorf("response request id = %q, want req-42", got)
	}
	if got := decode[errorResponse](t, rec).RequestID; got != "req-42" {
		t.Errorf("body request id = %q, want req-42", got)
	}
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		if !strings.Contains(line, `"request_id":"req-42"`) {
			t.Errorf("log line without request id: %s", line)
		}
	}
	if !strings.Contains(logs.String(), "Request failed") {
		t.Error("expected the failure to be logged")
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected a generated request id")
	}
}
