package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pricewatch/internal/api"
	"pricewatch/internal/cache"
	"pricewatch/internal/config"
	"pricewatch/internal/feed"
	"pricewatch/internal/monitor"
	"pricewatch/internal/notify"
	"pricewatch/internal/reconcile"
	"pricewatch/internal/store"
	"pricewatch/internal/stream"
)

func newServeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the alert monitor and HTTP API",
		Long: `Start the alert monitor, connect to the trade stream and serve the HTTP API.

The process runs until interrupted. On shutdown the HTTP server drains,
the monitor unsubscribes every symbol and pending notifications finish.`,
		Example: `  pricewatch serve
  pricewatch serve --debug
  PRICEWATCH_SERVER_ADDR=:9090 pricewatch serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), app)
		},
	}
}

func runServe(parent context.Context, app *App) error {
	cfg := app.Config
	logger := app.Logger

	if err := cfg.ValidateCredentials(); err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	alertStore, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer alertStore.Close()

	dispatcher := notify.NewDispatcherFromConfig(cfg.Notifications, logger)
	logger.Info().Strs("transports", dispatcher.Transports()).Msg("Notification transports configured")

	client := feed.NewClient(feedConfig(cfg.Feed), logger)
	if cfg.Feed.NotifyOnGiveUp {
		client.OnGiveUp(func(err error) {
			dispatcher.NotifyOperational(context.Background(), "Price feed disconnected", err)
		})
	}

	mon := monitor.New(monitor.Config{
		Cooldown:       cfg.Monitor.Cooldown,
		ReloadInterval: cfg.Monitor.ReloadInterval,
		PersistTimeout: cfg.Monitor.PersistTimeout,
	}, alertStore, client, dispatcher, logger)

	var mirror *cache.RedisMirror
	if cfg.Redis.Enabled {
		mirror, err = cache.NewRedisMirror(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, running without price mirror")
			mirror = nil
		} else {
			defer mirror.Close()
			mon.AddPriceSink(mirror)
		}
	}

	var hub *stream.Hub
	if cfg.Stream.Enabled {
		hub = stream.NewHub(stream.HubConfig{
			SubscriberBufferSize:      cfg.Stream.BufferSize,
			SlowConsumerDropThreshold: cfg.Stream.DropThreshold,
		}, logger)
		mon.AddPriceSink(hub)
		dispatcher.AddTransport(hub, cfg.Stream.RateLimit)
	}

	if err := mon.Start(ctx); err != nil {
		client.Close()
		return fmt.Errorf("starting monitor: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial feed connection failed, retrying in background")
	}

	changes := reconcile.NewFeed(mon, cfg.Webhook.Table, logger)
	server := api.NewServer(*cfg, api.Deps{
		Store:    alertStore,
		Monitor:  mon,
		Feed:     changes,
		Notifier: dispatcher,
		Hub:      hub,
		Metrics:  metricsFunc(mon, client, dispatcher, changes, mirror, hub),
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		if hub != nil {
			// hijacked stream connections are not drained by Shutdown
			hub.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if mirror != nil {
		g.Go(func() error { return mirror.Run(gctx) })
	}
	if cfg.Store.ListenPush {
		listener := reconcile.NewPGListener(cfg.Store.DSN, cfg.Store.ListenChannel, changes, logger)
		g.Go(func() error { return listener.Run(gctx) })
	}

	logger.Info().Str("addr", cfg.Server.Addr).Msg("pricewatch running")
	err = g.Wait()

	mon.Stop()
	client.Close()
	mon.WaitIdle()
	logger.Info().Msg("pricewatch stopped")
	return err
}

func feedConfig(c config.FeedConfig) feed.Config {
	return feed.Config{
		URL:              c.URL,
		Token:            c.Token,
		ReconnectDelay:   c.ReconnectDelay,
		MaxReconnects:    c.MaxReconnects,
		PingTimeout:      c.PingTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
	}
}

// metricsFunc collects the process counters served on /api/metrics.
func metricsFunc(mon *monitor.Monitor, client *feed.Client, dispatcher *notify.Dispatcher,
	changes *reconcile.Feed, mirror *cache.RedisMirror, hub *stream.Hub) func() map[string]int64 {
	return func() map[string]int64 {
		st := mon.Stats()
		reconnects, ticks := client.Stats()
		sent, failed := dispatcher.Stats()
		applied, ignored, invalid := changes.Stats()

		m := map[string]int64{
			"ticks_received":        ticks,
			"ticks_processed":       st.TicksProcessed,
			"triggers":              st.Triggers,
			"evaluation_errors":     st.EvaluationErrors,
			"persist_failures":      st.PersistFailures,
			"reloads":               st.Reloads,
			"feed_reconnects":       reconnects,
			"notifications_sent":    sent,
			"notifications_failed":  failed,
			"notifications_skipped": dispatcher.Skipped(),
			"change_events_applied": applied,
			"change_events_ignored": ignored,
			"change_events_invalid": invalid,
		}
		for name, state := range dispatcher.Circuits() {
			m["circuit_"+name] = state.Level()
		}
		if mirror != nil {
			written, dropped, mirrorFailed := mirror.Stats()
			m["mirror_written"] = written
			m["mirror_dropped"] = dropped
			m["mirror_failed"] = mirrorFailed
			m["mirror_evicted"] = mirror.Evicted()
		}
		if hub != nil {
			hm := hub.GetMetrics()
			m["stream_subscribers"] = int64(hm.Subscribers)
			m["stream_delivered"] = hm.Delivered
			m["stream_dropped"] = hm.Dropped
		}
		return m
	}
}
