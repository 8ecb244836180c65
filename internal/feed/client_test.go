package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "pricewatch/internal/errors"
)

// mockWSServer creates a test WebSocket server. handler runs once per connection.
func mockWSServer(t *testing.T, handler func(n int, conn *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	var mu sync.Mutex
	count := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		handler(n, conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		URL:            url,
		ReconnectDelay: 10 * time.Millisecond,
		MaxReconnects:  3,
		PingTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
	}
}

type recordedTick struct {
	symbol string
	price  float64
	ts     time.Time
	volume float64
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestClient_DeliversTrades(t *testing.T) {
	server := mockWSServer(t, func(_ int, conn *websocket.Conn) {
		var sub controlMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"trade","data":[{"s":"`+sub.Symbol+`","p":50100.5,"t":1700000000000,"v":0.25},{"s":"OTHER","p":1,"t":1700000000000,"v":1}]}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), zerolog.Nop())
	defer client.Close()

	ticks := make(chan recordedTick, 4)
	client.Register("btc", TickHandlerFunc(func(symbol string, price float64, ts time.Time, volume float64) {
		ticks <- recordedTick{symbol, price, ts, volume}
	}))

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if client.State() != StateConnected {
		t.Fatalf("state = %s, want connected", client.State())
	}

	select {
	case tick := <-ticks:
		if tick.symbol != "BTC" || tick.price != 50100.5 || tick.volume != 0.25 {
			t.Errorf("unexpected tick %+v", tick)
		}
		if !tick.ts.Equal(time.UnixMilli(1700000000000)) {
			t.Errorf("timestamp = %v", tick.ts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}

	select {
	case tick := <-ticks:
		t.Errorf("tick for unregistered symbol delivered: %+v", tick)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_AnswersPing(t *testing.T) {
	pong := make(chan string, 1)
	server := mockWSServer(t, func(_ int, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
		var msg controlMessage
		if err := conn.ReadJSON(&msg); err == nil {
			pong <- msg.Type
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), zerolog.Nop())
	defer client.Close()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case typ := <-pong:
		if typ != "pong" {
			t.Errorf("reply type = %q, want pong", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestClient_SubscribeIsIdempotentAndReplayedOnConnect(t *testing.T) {
	var mu sync.Mutex
	var received []controlMessage
	server := mockWSServer(t, func(_ int, conn *websocket.Conn) {
		for {
			var msg controlMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
		}
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), zerolog.Nop())
	defer client.Close()

	// Recorded while disconnected
	if err := client.Subscribe("AAPL"); !errors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("Subscribe() while disconnected = %v, want ErrNotConnected", err)
	}
	if err := client.Subscribe("aapl"); err != nil {
		t.Fatalf("repeated Subscribe() = %v, want nil", err)
	}
	client.Subscribe("MSFT")
	if err := client.Unsubscribe("MSFT"); !errors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("Unsubscribe() while disconnected = %v, want ErrNotConnected", err)
	}

	if got := client.Symbols(); len(got) != 1 || got[0] != "AAPL" {
		t.Fatalf("symbols = %v, want [AAPL]", got)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	client.Subscribe("AAPL")
	if err := client.Subscribe("TSLA"); err != nil {
		t.Fatalf("Subscribe() while connected = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 2
	}, "subscribe frames")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	counts := map[string]int{}
	for _, m := range received {
		if m.Type != msgSubscribe {
			t.Errorf("unexpected frame %+v", m)
		}
		counts[m.Symbol]++
	}
	if counts["AAPL"] != 1 || counts["TSLA"] != 1 || len(counts) != 2 {
		t.Errorf("subscribe counts = %v, want AAPL and TSLA once each", counts)
	}
}

func TestClient_ReconnectResubscribesOncePerSymbol(t *testing.T) {
	var mu sync.Mutex
	perConn := map[int]map[string]int{}
	server := mockWSServer(t, func(n int, conn *websocket.Conn) {
		mu.Lock()
		perConn[n] = map[string]int{}
		mu.Unlock()
		for {
			var msg controlMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			mu.Lock()
			perConn[n][msg.Symbol]++
			done := n == 1 && len(perConn[n]) == 2
			mu.Unlock()
			if done {
				// Drop the first connection once both subscriptions arrived
				return
			}
		}
	})
	defer server.Close()

	client := NewClient(testConfig(wsURL(server)), zerolog.Nop())
	defer client.Close()

	nop := TickHandlerFunc(func(string, float64, time.Time, float64) {})
	client.Register("BTC", nop)
	client.Register("ETH", nop)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		c, ok := perConn[2]
		return ok && len(c) == 2
	}, "resubscription on second connection")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, sym := range []string{"BTC", "ETH"} {
		if perConn[2][sym] != 1 {
			t.Errorf("%s resubscribed %d times, want 1", sym, perConn[2][sym])
		}
	}
	if client.State() != StateConnected {
		t.Errorf("state = %s, want connected", client.State())
	}
	if reconnects, _ := client.Stats(); reconnects < 1 {
		t.Errorf("reconnects = %d, want >= 1", reconnects)
	}
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	server := mockWSServer(t, func(int, *websocket.Conn) {})
	url := wsURL(server)
	server.Close()

	cfg := testConfig(url)
	cfg.ReconnectDelay = 5 * time.Millisecond
	cfg.MaxReconnects = 2
	client := NewClient(cfg, zerolog.Nop())
	defer client.Close()

	gaveUp := make(chan error, 1)
	client.OnGiveUp(func(err error) { gaveUp <- err })

	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected first connect to fail")
	}

	select {
	case err := <-gaveUp:
		if !errors.Is(err, apperrors.ErrFeedGaveUp) {
			t.Errorf("give up error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never gave up")
	}
	if client.State() != StateGivenUp {
		t.Errorf("state = %s, want given-up", client.State())
	}
	if reconnects, _ := client.Stats(); reconnects != 2 {
		t.Errorf("reconnect attempts = %d, want 2", reconnects)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	client := NewClient(testConfig("ws://127.0.0.1:1"), zerolog.Nop())
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if client.State() != StateClosed {
		t.Errorf("state = %s, want closed", client.State())
	}
	if err := client.Connect(context.Background()); !errors.Is(err, apperrors.ErrFeedClosed) {
		t.Errorf("Connect after Close = %v, want ErrFeedClosed", err)
	}
}

func TestEndpointAddsToken(t *testing.T) {
	cfg := testConfig("wss://ws.example.com/stream")
	cfg.Token = "abc"
	client := NewClient(cfg, zerolog.Nop())
	defer client.Close()

	got, err := client.endpoint()
	if err != nil {
		t.Fatalf("endpoint() error = %v", err)
	}
	if got != "wss://ws.example.com/stream?token=abc" {
		t.Errorf("endpoint = %q", got)
	}
}

func TestDecodeTradeIntoTick(t *testing.T) {
	msg, err := decodeMessage([]byte(`{"type":"trade","data":[{"s":"binance:btcusdt","p":70500.5,"t":1714564800000,"v":0.25},{"s":"eth","p":3000}]}`))
	if err != nil {
		t.Fatalf("decodeMessage() error = %v", err)
	}
	if msg.Type != msgTrade || len(msg.Data) != 2 {
		t.Fatalf("unexpected message %+v", msg)
	}

	received := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	tick := msg.Data[0].tick(received)
	if tick.Symbol != "BINANCE:BTCUSDT" || tick.Price != 70500.5 || tick.Volume != 0.25 {
		t.Errorf("tick = %+v", tick)
	}
	if !tick.Timestamp.Equal(time.UnixMilli(1714564800000)) {
		t.Errorf("timestamp = %v, want the trade time", tick.Timestamp)
	}

	if got := msg.Data[1].tick(received).Timestamp; !got.Equal(received) {
		t.Errorf("missing trade time = %v, want the receive time", got)
	}
}
