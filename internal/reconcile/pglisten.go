package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"pricewatch/internal/logging"
)

const pingInterval = 90 * time.Second

// PGListener receives change events pushed by the price_alerts trigger
// through LISTEN/NOTIFY and applies them to the feed.
type PGListener struct {
	dsn     string
	channel string
	feed    *Feed
	logger  zerolog.Logger
}

// NewPGListener creates a listener on channel.
func NewPGListener(dsn, channel string, feed *Feed, logger zerolog.Logger) *PGListener {
	return &PGListener{
		dsn:     dsn,
		channel: channel,
		feed:    feed,
		logger:  logging.WithComponent(logger, "pg-listener"),
	}
}

// Run listens until ctx is done.
func (l *PGListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, 10*time.Second, time.Minute, l.onEvent)
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		return fmt.Errorf("listening on %s: %w", l.channel, err)
	}
	l.logger.Info().Str("channel", l.channel).Msg("Listening for alert changes")

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// Events may have been lost while the connection was down
				l.logger.Info().Msg("Listener reconnected, resyncing alerts")
				if err := l.feed.Resync(ctx); err != nil {
					l.logger.Error().Err(err).Msg("Resync after reconnect failed")
				}
				continue
			}
			l.handle(ctx, n.Extra)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn().Err(err).Msg("Listener ping failed")
				}
			}()
		}
	}
}

func (l *PGListener) handle(ctx context.Context, payload string) {
	if err := l.feed.HandlePayload(ctx, []byte(payload)); err != nil {
		l.logger.Warn().Err(err).Str("payload", payload).Msg("Rejected change notification")
	}
}

func (l *PGListener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		l.logger.Debug().Msg("Listener connected")
	case pq.ListenerEventDisconnected:
		l.logger.Warn().Err(err).Msg("Listener disconnected")
	case pq.ListenerEventReconnected:
		l.logger.Info().Msg("Listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn().Err(err).Msg("Listener connection attempt failed")
	}
}
