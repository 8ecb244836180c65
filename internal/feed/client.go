package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "pricewatch/internal/errors"
	"pricewatch/internal/logging"
	"pricewatch/internal/models"
	"pricewatch/pkg/utils"
)

// Client is a reconnecting websocket client for a Finnhub style trade stream.
// Lock order is writeMu then mu.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	dialer *websocket.Dialer

	// Serializes socket writes and subscription set changes
	writeMu sync.Mutex

	mu         sync.RWMutex
	conn       *websocket.Conn
	state      State
	handlers   map[string]TickHandler
	subscribed map[string]struct{}
	attempts   int
	closed     bool
	timer      *time.Timer
	onGiveUp   func(error)

	ctx    context.Context
	cancel context.CancelFunc

	reconnects atomic.Int64
	ticks      atomic.Int64
}

// NewClient creates a new stream client. Call Connect to start it.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:        cfg,
		logger:     logging.WithComponent(logger, "feed"),
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		state:      StateDisconnected,
		handlers:   make(map[string]TickHandler),
		subscribed: make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnGiveUp sets the callback run once reconnection attempts are exhausted.
func (c *Client) OnGiveUp(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGiveUp = fn
}

// Connect dials the upstream stream and replays the subscription set.
// A failure is returned and a reconnect is scheduled; later failures are retried internally.
func (c *Client) Connect(ctx context.Context) error {
	err := c.connect(ctx)
	if err != nil && !errors.Is(err, apperrors.ErrFeedClosed) {
		c.scheduleReconnect(err)
	}
	return err
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.ErrFeedClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial upstream: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial upstream: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return apperrors.ErrFeedClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	symbols := c.symbolsLocked()
	c.mu.Unlock()

	c.logger.Info().Str("url", c.cfg.URL).Int("symbols", len(symbols)).Msg("Connected to tick stream")

	for _, symbol := range symbols {
		if err := c.write(conn, controlMessage{Type: msgSubscribe, Symbol: symbol}); err != nil {
			c.logger.Error().Err(err).Str("symbol", symbol).Msg("Resubscribe failed")
		}
	}

	go c.readLoop(conn)
	return nil
}

// Close stops the client and any scheduled reconnect. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	if c.timer != nil {
		c.timer.Stop()
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// Subscribe records symbol and requests it upstream when connected. While
// disconnected it returns ErrNotConnected and the symbol is sent on the
// next connect.
func (c *Client) Subscribe(symbol string) error {
	symbol = models.CanonicalSymbol(symbol)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if _, ok := c.subscribed[symbol]; ok {
		c.mu.Unlock()
		c.logger.Debug().Str("symbol", symbol).Msg("Already subscribed")
		return nil
	}
	c.subscribed[symbol] = struct{}{}
	conn, connected := c.conn, c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return apperrors.Wrapf(apperrors.ErrNotConnected, "subscribe %s", symbol)
	}
	if err := c.write(conn, controlMessage{Type: msgSubscribe, Symbol: symbol}); err != nil {
		return apperrors.Wrapf(err, "subscribe %s", symbol)
	}
	c.logger.Debug().Str("symbol", symbol).Msg("Subscribed")
	return nil
}

// Unsubscribe forgets symbol and cancels it upstream when connected. While
// disconnected it returns ErrNotConnected after forgetting the symbol.
func (c *Client) Unsubscribe(symbol string) error {
	symbol = models.CanonicalSymbol(symbol)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if _, ok := c.subscribed[symbol]; !ok {
		c.mu.Unlock()
		c.logger.Debug().Str("symbol", symbol).Msg("Not subscribed")
		return nil
	}
	delete(c.subscribed, symbol)
	conn, connected := c.conn, c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return apperrors.Wrapf(apperrors.ErrNotConnected, "unsubscribe %s", symbol)
	}
	if err := c.write(conn, controlMessage{Type: msgUnsubscribe, Symbol: symbol}); err != nil {
		return apperrors.Wrapf(err, "unsubscribe %s", symbol)
	}
	c.logger.Debug().Str("symbol", symbol).Msg("Unsubscribed")
	return nil
}

// Register sets the handler for symbol and subscribes it.
func (c *Client) Register(symbol string, handler TickHandler) {
	symbol = models.CanonicalSymbol(symbol)
	c.mu.Lock()
	c.handlers[symbol] = handler
	c.mu.Unlock()

	switch err := c.Subscribe(symbol); {
	case errors.Is(err, apperrors.ErrNotConnected):
		c.logger.Warn().Str("symbol", symbol).Msg("Not connected, subscription will be sent on connect")
	case err != nil:
		c.logger.Error().Err(err).Str("symbol", symbol).Msg("Subscribe failed")
	}
}

// Deregister removes the handler for symbol and unsubscribes it.
func (c *Client) Deregister(symbol string) {
	symbol = models.CanonicalSymbol(symbol)
	c.mu.Lock()
	delete(c.handlers, symbol)
	c.mu.Unlock()

	switch err := c.Unsubscribe(symbol); {
	case errors.Is(err, apperrors.ErrNotConnected):
		c.logger.Debug().Str("symbol", symbol).Msg("Not connected, unsubscribe recorded locally")
	case err != nil:
		c.logger.Error().Err(err).Str("symbol", symbol).Msg("Unsubscribe failed")
	}
}

// Symbols returns the recorded subscription set, sorted.
func (c *Client) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.symbolsLocked()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stats returns the reconnect count and the number of ticks delivered.
func (c *Client) Stats() (reconnects, ticks int64) {
	return c.reconnects.Load(), c.ticks.Load()
}

func (c *Client) symbolsLocked() []string {
	symbols := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("%w: feed url: %v", apperrors.ErrConfigInvalid, err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// write sends one JSON frame. Callers hold writeMu.
func (c *Client) write(conn *websocket.Conn, msg interface{}) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		msg, err := decodeMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Discarding malformed frame")
			continue
		}

		switch msg.Type {
		case msgTrade:
			for _, trade := range msg.Data {
				c.dispatch(trade)
			}
		case msgPing:
			c.writeMu.Lock()
			if err := c.write(conn, controlMessage{Type: msgPong}); err != nil {
				c.logger.Warn().Err(err).Msg("Pong failed")
			}
			c.writeMu.Unlock()
		case msgError:
			c.logger.Warn().Str("msg", msg.Msg).Msg("Upstream error frame")
		default:
			c.logger.Debug().Str("type", msg.Type).Msg("Ignoring frame")
		}
	}
}

func (c *Client) dispatch(trade tradeData) {
	tick := trade.tick(time.Now())
	symbol := tick.Symbol
	c.mu.RLock()
	handler := c.handlers[symbol]
	c.mu.RUnlock()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("symbol", symbol).Msg("Tick handler panicked")
		}
	}()
	c.ticks.Add(1)
	handler.HandleTick(symbol, tick.Price, tick.Timestamp, tick.Volume)
}

func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateReconnecting
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn().Err(cause).Msg("Tick stream disconnected")
	c.scheduleReconnect(cause)
}

// scheduleReconnect arms the next attempt with delay attempt * base,
// or moves to given-up once the attempt budget is spent.
func (c *Client) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	if attempt > c.cfg.MaxReconnects {
		c.state = StateGivenUp
		onGiveUp := c.onGiveUp
		c.mu.Unlock()

		err := fmt.Errorf("%w after %d attempts: %v", apperrors.ErrFeedGaveUp, c.cfg.MaxReconnects, cause)
		c.logger.Error().Err(err).Msg("Giving up on tick stream")
		if onGiveUp != nil {
			onGiveUp(err)
		}
		return
	}

	delay := utils.LinearBackoff(attempt, c.cfg.ReconnectDelay)
	c.state = StateReconnecting
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnect scheduled")
}

func (c *Client) reconnect() {
	if c.ctx.Err() != nil {
		return
	}
	c.reconnects.Add(1)
	if err := c.Connect(c.ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Reconnect attempt failed")
	}
}
