// Package feed provides the reconnecting upstream tick stream.
package feed

import (
	"time"
)

// State is the connection state of the upstream stream.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateGivenUp      State = "given-up"
	StateClosed       State = "closed"
)

// TickHandler receives ticks for the symbols it is registered on.
// It is called on the read goroutine, in read order.
type TickHandler interface {
	HandleTick(symbol string, price float64, ts time.Time, volume float64)
}

// TickHandlerFunc adapts a function to TickHandler.
type TickHandlerFunc func(symbol string, price float64, ts time.Time, volume float64)

// HandleTick calls f.
func (f TickHandlerFunc) HandleTick(symbol string, price float64, ts time.Time, volume float64) {
	f(symbol, price, ts, volume)
}

// Source is the subscription surface the monitor drives.
type Source interface {
	// Register sets the handler for symbol (last wins) and subscribes it.
	Register(symbol string, handler TickHandler)
	// Deregister removes the handler and unsubscribes symbol.
	Deregister(symbol string)
	// Symbols returns the recorded subscription set.
	Symbols() []string
	State() State
}

// Config holds upstream stream configuration.
type Config struct {
	URL              string
	Token            string
	ReconnectDelay   time.Duration
	MaxReconnects    int
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// DefaultConfig returns the default stream configuration.
func DefaultConfig() Config {
	return Config{
		URL:              "wss://ws.finnhub.io",
		ReconnectDelay:   5 * time.Second,
		MaxReconnects:    5,
		PingTimeout:      60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = d.MaxReconnects
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}
