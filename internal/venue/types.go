// Package venue implements the connection-lifecycle, normalization, and
// gap-detection framework every exchange adapter shares. Concrete
// venues (binance.go, okx.go, coinbase.go) supply only wire parsing and
// keep-alive framing; everything else — reconnect backoff, REST
// fallback activation, sequence-gap policy — lives here once.
package venue

import "time"

// State is the adapter's connection lifecycle:
// init -> connecting -> connected -> subscribed -> streaming; any
// failure -> reconnecting (backoff) -> connecting; exceeding the max
// reconnect attempts -> degraded (REST polling, background reconnect
// continues).
type State string

const (
	StateInit          State = "init"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateSubscribed    State = "subscribed"
	StateStreaming     State = "streaming"
	StateReconnecting  State = "reconnecting"
	StateDegraded      State = "degraded"
)

// KeepaliveMode distinguishes the two ping/pong framings in use across
// venues: a binary ping frame (Binance) versus an application-level
// text "ping"/"pong" message (OKX).
type KeepaliveMode string

const (
	KeepaliveBinaryPing KeepaliveMode = "binary_ping"
	KeepaliveTextPing   KeepaliveMode = "text_ping"
)

// ReconnectConfig tunes the exponential-backoff-with-jitter reconnect
// policy.
type ReconnectConfig struct {
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64 // fraction of the computed delay to randomize, e.g. 0.2
	MaxAttempts    int     // attempts before the adapter enters degraded
}

// DefaultReconnectConfig doubles the delay on each attempt up to a
// cap, with jitter and a max-attempts ceiling for the degraded
// transition.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
		MaxAttempts:    8,
	}
}

// KeepaliveConfig tunes the ping cadence and pong timeout. Pong timeout
// forces a transition to reconnecting.
type KeepaliveConfig struct {
	Mode         KeepaliveMode
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// GapConfig tunes the two-rule sequence-gap policy (ADR-005) and the
// REST polling interval used in degraded mode.
type GapConfig struct {
	// SilenceThreshold is the time-based gap trigger: no message for an
	// instrument within this window is reported as a gap even if
	// sequence numbers never regress. Default 5s.
	SilenceThreshold time.Duration
	// RESTPollInterval is the fallback polling cadence while degraded.
	// Default 1s.
	RESTPollInterval time.Duration
}

// DefaultGapConfig returns the documented production defaults.
func DefaultGapConfig() GapConfig {
	return GapConfig{
		SilenceThreshold: 5 * time.Second,
		RESTPollInterval: time.Second,
	}
}

// Config bundles everything one adapter instance needs.
type Config struct {
	Venue       string
	Instruments []string
	WSURL       string
	Reconnect   ReconnectConfig
	Keepalive   KeepaliveConfig
	Gap         GapConfig
}
