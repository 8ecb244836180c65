package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"pricewatch/internal/config"
	apperrors "pricewatch/internal/errors"
	"pricewatch/internal/logging"
)

// DefaultSendTimeout bounds each transport send.
const DefaultSendTimeout = 10 * time.Second

type limitedTransport struct {
	Transport
	limiter *WindowLimiter
	breaker *CircuitBreaker
}

// Dispatcher fans a message out to all enabled transports.
type Dispatcher struct {
	transports []limitedTransport
	timeout    time.Duration
	breaker    BreakerConfig
	logger     zerolog.Logger
	mu         sync.RWMutex

	sent    atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
}

// NewDispatcher creates a dispatcher without transports.
func NewDispatcher(logger zerolog.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Dispatcher{
		timeout: timeout,
		logger:  logging.WithComponent(logger, "notify"),
	}
}

// NewDispatcherFromConfig creates a dispatcher with the configured transports.
func NewDispatcherFromConfig(cfg config.NotificationConfig, logger zerolog.Logger) *Dispatcher {
	d := NewDispatcher(logger, cfg.SendTimeout)
	d.SetBreaker(BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	})
	if !cfg.Enabled {
		return d
	}

	if cfg.Discord.Enabled {
		d.AddTransport(NewDiscordTransport(cfg.Discord), cfg.Discord.RateLimit)
	}
	if cfg.Webhook.Enabled {
		d.AddTransport(NewWebhookTransport(cfg.Webhook), cfg.Webhook.RateLimit)
	}
	if cfg.Telegram.Enabled {
		d.AddTransport(NewTelegramTransport(cfg.Telegram), cfg.Telegram.RateLimit)
	}
	if cfg.Email.Enabled {
		d.AddTransport(NewEmailTransport(cfg.Email), cfg.Email.RateLimit)
	}
	return d
}

// SetBreaker configures the circuit breaker of transports added afterwards.
func (d *Dispatcher) SetBreaker(cfg BreakerConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breaker = cfg
}

// AddTransport adds a transport with its own rate limit.
func (d *Dispatcher) AddTransport(t Transport, rl config.RateLimit) {
	window := rl.Window
	if window <= 0 {
		window = time.Minute
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports = append(d.transports, limitedTransport{
		Transport: t,
		limiter:   NewWindowLimiter(rl.Requests, window),
		breaker:   NewCircuitBreaker(d.breaker),
	})
	d.logger.Info().Str("transport", t.Name()).Bool("enabled", t.IsEnabled()).Msg("Notification transport added")
}

// Transports returns the names of the enabled transports.
func (d *Dispatcher) Transports() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.transports))
	for _, t := range d.transports {
		if t.IsEnabled() {
			names = append(names, t.Name())
		}
	}
	return names
}

// Stats returns the number of successful and failed sends.
func (d *Dispatcher) Stats() (sent, failed int64) {
	return d.sent.Load(), d.failed.Load()
}

// Skipped returns the number of sends skipped by open circuits.
func (d *Dispatcher) Skipped() int64 {
	return d.skipped.Load()
}

// Circuits returns the circuit state of every transport.
func (d *Dispatcher) Circuits() map[string]CircuitState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	states := make(map[string]CircuitState, len(d.transports))
	for _, t := range d.transports {
		states[t.Name()] = t.breaker.State()
	}
	return states
}

// Notify formats the event and delivers it to every enabled transport.
func (d *Dispatcher) Notify(ctx context.Context, e Event) Report {
	return d.dispatch(ctx, BuildMessage(e), logging.WithAlertID(logging.WithSymbol(d.logger, e.Symbol), e.Alert.ID))
}

// NotifyOperational delivers a system level error.
func (d *Dispatcher) NotifyOperational(ctx context.Context, title string, err error) Report {
	return d.dispatch(ctx, BuildOperationalMessage(title, err, time.Now()), d.logger)
}

func (d *Dispatcher) dispatch(ctx context.Context, m Message, logger zerolog.Logger) Report {
	d.mu.RLock()
	transports := make([]limitedTransport, 0, len(d.transports))
	for _, t := range d.transports {
		if t.IsEnabled() {
			transports = append(transports, t)
		}
	}
	d.mu.RUnlock()

	if len(transports) == 0 {
		logger.Debug().Msg("No notification transports enabled")
		return Report{}
	}

	report := make(Report, len(transports))
	var wg conc.WaitGroup
	for i, t := range transports {
		i, t := i, t
		report[i] = Result{Transport: t.Name(), Error: "transport panicked"}
		wg.Go(func() {
			report[i] = d.send(ctx, t, m, logger)
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		d.failed.Add(1)
		logger.Error().Str("panic", r.String()).Msg("Notification transport panicked")
	}
	return report
}

func (d *Dispatcher) send(ctx context.Context, t limitedTransport, m Message, logger zerolog.Logger) Result {
	res := Result{Transport: t.Name()}
	logger = logger.With().Str("transport", t.Name()).Logger()

	// The rate limit wait does not count against the send timeout
	if err := t.limiter.Wait(ctx); err != nil {
		d.failed.Add(1)
		res.Error = logging.Redact(err.Error())
		logger.Warn().Err(err).Msg("Gave up waiting for rate limit")
		return res
	}

	if err := t.breaker.Allow(); err != nil {
		d.skipped.Add(1)
		res.Error = logging.Redact(err.Error())
		logger.Debug().Msg("Notification skipped, transport circuit open")
		return res
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := t.Send(sendCtx, m)
	if err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s: %v", apperrors.ErrTimeout, d.timeout, err)
	}
	state := t.breaker.Record(err)
	if err != nil {
		d.failed.Add(1)
		res.Error = logging.Redact(err.Error())
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Notification failed")
		if state == CircuitOpen {
			logger.Warn().Dur("open_for", t.breaker.config.OpenTimeout).Msg("Transport circuit opened")
		}
		return res
	}

	d.sent.Add(1)
	logger.Debug().Dur("duration", time.Since(start)).Msg("Notification sent")
	return res
}
