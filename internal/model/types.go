// Package model holds the data types shared by every stage of the
// surveillance pipeline: normalized venue snapshots, derived metrics,
// and the alert/lifecycle records the detector produces.
//
// All monetary and quantity fields use decimal.Decimal. Float arithmetic
// is never used on a price/size path that can reach an alert.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceTier distinguishes a streaming snapshot from a REST-fallback one so
// downstream consumers can exclude fallback data from latency measurements.
type SourceTier string

const (
	SourceStream SourceTier = "stream"
	SourceREST   SourceTier = "rest"
)

// Level is a single (price, quantity) order book entry.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBookSnapshot is a normalized, per-venue, per-instrument book.
//
// Invariants enforced by the venue adapter before this type is ever
// constructed: best bid < best ask, all prices and quantities > 0, and
// each side is strictly monotonic in price (bids descending, asks
// ascending).
type OrderBookSnapshot struct {
	Venue           string
	Instrument      string
	VenueTime       time.Time
	LocalTime       time.Time
	SequenceID      int64
	Bids            []Level // highest first
	Asks            []Level // lowest first
	DepthCaptured   int
	Source          SourceTier
}

// BestBid returns the top of book bid, or false if the book is empty.
func (s *OrderBookSnapshot) BestBid() (Level, bool) {
	if len(s.Bids) == 0 {
		return Level{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top of book ask, or false if the book is empty.
func (s *OrderBookSnapshot) BestAsk() (Level, bool) {
	if len(s.Asks) == 0 {
		return Level{}, false
	}
	return s.Asks[0], true
}

// TickerSnapshot carries last/mark/index price and funding information.
// MarkPrice and IndexPrice are nil outside of perpetual instruments.
type TickerSnapshot struct {
	Venue             string
	Instrument        string
	VenueTime         time.Time
	LocalTime         time.Time
	LastPrice         decimal.Decimal
	MarkPrice         *decimal.Decimal
	IndexPrice        *decimal.Decimal
	Volume24h         decimal.Decimal
	FundingRate       decimal.Decimal
	NextFundingTime   time.Time
}

// GapReason enumerates why a GapMarker was created.
type GapReason string

const (
	GapDisconnect         GapReason = "disconnect"
	GapSequenceRegression GapReason = "sequence_regression"
	GapTimeout            GapReason = "timeout"
	GapMaintenance        GapReason = "maintenance"
	GapDuplicate          GapReason = "duplicate"
)

// GapMarker records a period of missing or suspect data. GapMarkers are
// never mutated after creation.
type GapMarker struct {
	Venue           string
	Instrument      string
	GapStart        time.Time
	GapEnd          time.Time
	Duration        time.Duration
	Reason          GapReason
	SequenceBefore  int64
	SequenceAfter   int64
}

// MetricSample is one derived metric observation. ZScore is nil whenever
// the z-score engine is in warmup or guarded state — absence must be
// distinguishable from a computed zero.
type MetricSample struct {
	Metric     string
	Venue      string
	Instrument string
	Timestamp  time.Time
	Value      decimal.Decimal
	ZScore     *decimal.Decimal
}

// Comparison is the operator an AlertDefinition evaluates its threshold with.
type Comparison string

const (
	CompareGT     Comparison = "gt"
	CompareLT     Comparison = "lt"
	CompareAbsGT  Comparison = "abs_gt"
	CompareAbsLT  Comparison = "abs_lt"
)

// Priority is the severity tier attached to an alert.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// AlertDefinition is immutable configuration describing one alert type.
type AlertDefinition struct {
	AlertType          string
	Metric             string
	DefaultPriority    Priority
	DefaultSeverity    string
	Comparison         Comparison
	RequiresZScore     bool
	PersistenceSeconds time.Duration
	ThrottleSeconds    time.Duration
	EscalationSeconds  time.Duration // zero means "never escalates"
	EscalationTarget   Priority
	Enabled            bool
}

// Threshold resolves an AlertDefinition's numeric trigger levels for a
// specific instrument, or the wildcard "*" fallback. Thresholds are
// immutable for the lifetime of a run.
type Threshold struct {
	AlertType        string
	Instrument       string // "*" for the wildcard fallback
	Primary          decimal.Decimal
	ZScore           *decimal.Decimal
	PriorityOverride *Priority
	Enabled          bool
}

// ResolutionType explains how an alert left the active state.
type ResolutionType string

const (
	ResolutionAuto    ResolutionType = "auto"
	ResolutionTimeout ResolutionType = "timeout"
	ResolutionManual  ResolutionType = "manual"
)

// Alert is one condition-episode. Lifecycle: pending -> active ->
// (escalated)? -> resolved. An AlertID is stable across that episode;
// re-triggering after resolution creates a new Alert with a new ID.
type Alert struct {
	AlertID            string
	AlertType          string
	Priority           Priority
	Severity           string
	Venue              string
	Instrument         string
	TriggerMetric      string
	TriggerValue       decimal.Decimal
	TriggerThreshold   decimal.Decimal
	Comparison         Comparison
	ZScoreValue        *decimal.Decimal
	ZScoreThreshold    *decimal.Decimal
	TriggeredAt        time.Time
	AcknowledgedAt     *time.Time
	ResolvedAt         *time.Time
	DurationSeconds    float64
	PeakValue          decimal.Decimal
	PeakAt             time.Time
	Escalated          bool
	EscalatedAt        *time.Time
	OriginalPriority   *Priority
	Context            map[string]string
	ResolutionType     *ResolutionType
	ResolutionValue    *decimal.Decimal
}

// DefinitionMatch pairs an AlertDefinition with the Threshold resolved
// for it. A single metric may be tracked by more than one alert type
// (e.g. spread_warning and spread_critical both watching spread_bps),
// so a metric/instrument lookup can return more than one match.
type DefinitionMatch struct {
	Def       AlertDefinition
	Threshold Threshold
}

// ConditionKey identifies the (alert_type, venue, instrument) tuple a
// PersistenceCell and the detector's throttle/active-alert maps are keyed
// on.
type ConditionKey struct {
	AlertType  string
	Venue      string
	Instrument string
}

// PersistenceCell tracks how long a condition has held true.
type PersistenceCell struct {
	Key         ConditionKey
	FirstSeenAt time.Time
}

// HealthStatus is the venue adapter's connection state.
type HealthStatus string

const (
	HealthConnected    HealthStatus = "connected"
	HealthDegraded     HealthStatus = "degraded"
	HealthReconnecting HealthStatus = "reconnecting"
	HealthDisconnected HealthStatus = "disconnected"
)

// HealthSnapshot is the latest known health of one venue adapter.
type HealthSnapshot struct {
	Venue          string
	Status         HealthStatus
	LastMessageAt  time.Time
	MessageCount   int64
	LagMS          int64
	ReconnectCount int64
	GapsLastHour   int
}
