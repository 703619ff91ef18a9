// Package zscore implements the rolling-window z-score engine: a ring
// buffer per (metric, venue, instrument) that never emits during
// warmup, never divides by near-zero variance, and resets after data
// gaps large enough to invalidate the prior distribution.
package zscore

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config holds the tunables for one engine instance. All engines in the
// pipeline share a single Config loaded from feature flags.
type Config struct {
	WindowSize         int           // ring buffer capacity, default 300
	MinSamples         int           // warmup threshold, default 30
	MinStdDev          decimal.Decimal // flat-market guard, default 0.0001
	WarmupLogInterval  time.Duration // default e.g. 30s
	ResetOnGapThreshold time.Duration // default 5s, owned by the pipeline, not this package
}

// DefaultConfig returns the documented production defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:          300,
		MinSamples:          30,
		MinStdDev:           decimal.New(1, -4), // 0.0001
		WarmupLogInterval:   30 * time.Second,
		ResetOnGapThreshold: 5 * time.Second,
	}
}

// Status is the UI-facing projection of one series' warmup progress.
type Status struct {
	WarmedUp       bool
	SampleCount    int
	MinSamples     int
	ProgressPercent float64
}

// Series is the ring-buffer state for a single (metric, venue, instrument).
// A Series is owned by exactly one goroutine (the engine that created it);
// it is not safe to share across goroutines without the Engine's lock.
type Series struct {
	metric     string
	cfg        Config
	buf        []decimal.Decimal
	head       int
	count      int
	warmedUp   bool
	lastWarmupLog time.Time
	logger     zerolog.Logger
}

func newSeries(metric string, cfg Config, logger zerolog.Logger) *Series {
	return &Series{
		metric: metric,
		cfg:    cfg,
		buf:    make([]decimal.Decimal, cfg.WindowSize),
		logger: logger,
	}
}

// Add appends value at timestamp and returns the z-score, or (nil) while
// the series is in warmup or variance-guarded.
//
// Invariants:
//  1. For fewer than MinSamples calls, the return is always nil.
//  2. If every sample in the window is identical, the return is nil.
//  3. Immediately after Reset, the first MinSamples-1 calls return nil.
func (s *Series) Add(value decimal.Decimal, now time.Time) *decimal.Decimal {
	s.buf[s.head] = value
	s.head = (s.head + 1) % len(s.buf)
	if s.count < len(s.buf) {
		s.count++
	}

	if s.count < s.cfg.MinSamples {
		if now.Sub(s.lastWarmupLog) >= s.cfg.WarmupLogInterval {
			s.logger.Debug().
				Str("metric", s.metric).
				Int("count", s.count).
				Int("min_samples", s.cfg.MinSamples).
				Msg("zscore warming up")
			s.lastWarmupLog = now
		}
		return nil
	}

	mean, stdev := s.meanStdDev()
	if stdev.LessThan(s.cfg.MinStdDev) {
		return nil
	}

	if !s.warmedUp {
		s.warmedUp = true
		s.logger.Info().Str("metric", s.metric).Msg("zscore series warmed up")
	}

	z := value.Sub(mean).Div(stdev).Round(4)
	return &z
}

// meanStdDev recomputes mean and sample standard deviation over the
// currently populated window. O(n) with n = WindowSize (300 by
// default) — trivial; optimize only if profiling demands it.
func (s *Series) meanStdDev() (decimal.Decimal, decimal.Decimal) {
	n := s.count
	values := s.populated()

	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	mean := sum.Div(decimal.NewFromInt(int64(n)))

	if n < 2 {
		return mean, decimal.Zero
	}

	var sumSq decimal.Decimal
	for _, v := range values {
		d := v.Sub(mean)
		sumSq = sumSq.Add(d.Mul(d))
	}
	variance := sumSq.Div(decimal.NewFromInt(int64(n - 1)))
	variance64, _ := variance.Float64()
	stdev := decimal.NewFromFloat(math.Sqrt(math.Max(variance64, 0)))
	return mean, stdev
}

func (s *Series) populated() []decimal.Decimal {
	if s.count < len(s.buf) {
		return s.buf[:s.count]
	}
	out := make([]decimal.Decimal, len(s.buf))
	copy(out, s.buf[s.head:])
	copy(out[len(s.buf)-s.head:], s.buf[:s.head])
	return out
}

// Reset empties the buffer and clears warmed-up state. Called by the
// pipeline only when a GapMarker with duration >= ResetOnGapThreshold
// arrives for the corresponding (venue, instrument).
func (s *Series) Reset(reason string) {
	s.head = 0
	s.count = 0
	s.warmedUp = false
	s.lastWarmupLog = time.Time{}
	s.logger.Info().Str("metric", s.metric).Str("reason", reason).Msg("zscore series reset")
}

// Status reports warmup progress for the UI.
func (s *Series) Status() Status {
	progress := 100.0
	if s.cfg.MinSamples > 0 {
		progress = math.Min(100.0, float64(s.count)/float64(s.cfg.MinSamples)*100.0)
	}
	return Status{
		WarmedUp:        s.warmedUp,
		SampleCount:     s.count,
		MinSamples:      s.cfg.MinSamples,
		ProgressPercent: progress,
	}
}

// seriesKey identifies one ring buffer: (metric, venue, instrument).
type seriesKey struct {
	metric     string
	venue      string
	instrument string
}

// Engine owns every Series keyed by (metric, venue, instrument). It is
// the single task responsible for this state — callers must not share
// an Engine's Series across goroutines; route all access through the
// Engine itself.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	series map[seriesKey]*Series
}

// NewEngine creates a z-score engine. A zero Config is replaced with
// DefaultConfig().
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	if cfg.WindowSize == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		series: make(map[seriesKey]*Series),
	}
}

// Add appends a sample for (metric, venue, instrument), creating the
// series lazily on first use.
func (e *Engine) Add(metric, venue, instrument string, value decimal.Decimal, now time.Time) *decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := seriesKey{metric, venue, instrument}
	s, ok := e.series[key]
	if !ok {
		s = newSeries(metric, e.cfg, e.logger)
		e.series[key] = s
	}
	return s.Add(value, now)
}

// ResetInstrument resets every metric series tracked for (venue,
// instrument) — called when a qualifying GapMarker arrives.
func (e *Engine) ResetInstrument(venue, instrument, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, s := range e.series {
		if key.venue == venue && key.instrument == instrument {
			s.Reset(reason)
		}
	}
}

// Unsubscribe destroys all series state for (venue, instrument), e.g. on
// adapter shutdown.
func (e *Engine) Unsubscribe(venue, instrument string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.series {
		if key.venue == venue && key.instrument == instrument {
			delete(e.series, key)
		}
	}
}

// Status returns the warmup projection for one series, if it exists.
func (e *Engine) Status(metric, venue, instrument string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.series[seriesKey{metric, venue, instrument}]
	if !ok {
		return Status{}, false
	}
	return s.Status(), true
}
