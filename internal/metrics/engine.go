// Package metrics derives microstructure metrics from normalized venue
// snapshots: spread, depth-at-N-bps, imbalance, basis, cross-venue
// divergence, and mark-index deviation. Every computation here is
// synchronous, decimal-precise, and allocation-light — this package
// must never suspend.
package metrics

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
	"github.com/omiiii21/crypto-market-microstructure/internal/zscore"
)

var (
	ten000 = decimal.NewFromInt(10000)
	two    = decimal.NewFromInt(2)
)

// DepthBps are the basis-point windows depth-at-N is computed for.
// Defaults: 5, 10, 25.
var DepthBps = []int{5, 10, 25}

// PairConfig names a perp/spot pair (or a cross-venue pair) the engine
// should compute basis/divergence for once both sides have reported.
type PairConfig struct {
	Name           string
	VenueA         string // perp venue, or the "left" venue for divergence
	VenueB         string // spot venue, or the "right" venue for divergence
	Instrument     string
	StalenessBound time.Duration
}

// Config bundles the paired-metric configuration and which per-snapshot
// metrics should feed the z-score engine.
type Config struct {
	BasisPairs      []PairConfig
	DivergencePairs []PairConfig
	ZTrackedMetrics map[string]bool // metric name -> tracked
}

// Engine computes per-snapshot and paired metrics and attaches z-scores.
// It owns the "latest snapshot per side" state needed for paired outputs;
// like the z-score engine, it is meant to be driven by a single task.
type Engine struct {
	cfg    Config
	zs     *zscore.Engine
	logger zerolog.Logger

	latestPerp map[string]*model.OrderBookSnapshot // keyed by pair name
	latestSpot map[string]*model.OrderBookSnapshot

	latestA map[string]*model.OrderBookSnapshot // divergence pairs, keyed by pair name
	latestB map[string]*model.OrderBookSnapshot
}

// NewEngine creates a metrics engine bound to a z-score engine that
// supplies statistical tracking for marked metrics.
func NewEngine(cfg Config, zs *zscore.Engine, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		zs:         zs,
		logger:     logger,
		latestPerp: make(map[string]*model.OrderBookSnapshot),
		latestSpot: make(map[string]*model.OrderBookSnapshot),
		latestA:    make(map[string]*model.OrderBookSnapshot),
		latestB:    make(map[string]*model.OrderBookSnapshot),
	}
}

// PerSnapshot computes spread, depth-at-N-bps, and imbalance for a single
// book. Samples with a z-score-tracked metric name are passed through the
// z-score engine; everything else is z-free.
func (e *Engine) PerSnapshot(book *model.OrderBookSnapshot) []model.MetricSample {
	now := time.Now()
	var out []model.MetricSample

	bestBid, hasBid := book.BestBid()
	bestAsk, hasAsk := book.BestAsk()
	if !hasBid || !hasAsk {
		return out
	}

	mid := bestBid.Price.Add(bestAsk.Price).Div(two)
	spreadAbs := bestAsk.Price.Sub(bestBid.Price)
	spreadBps := spreadAbs.Div(mid).Mul(ten000)

	out = append(out, e.sample("spread_bps", book, spreadBps, now))

	for _, n := range DepthBps {
		bidDepth, askDepth := depthAtBps(book, mid, n)
		total := bidDepth.Add(askDepth)
		out = append(out,
			e.sample(depthMetricName("bid", n), book, bidDepth, now),
			e.sample(depthMetricName("ask", n), book, askDepth, now),
			e.sample(depthMetricName("total", n), book, total, now),
		)

		if n == 10 {
			denom := bidDepth.Add(askDepth)
			if !denom.IsZero() {
				imbalance := bidDepth.Sub(askDepth).Div(denom)
				out = append(out, e.sample("imbalance_10bps", book, imbalance, now))
			}
		}
	}

	e.updateLatest(book)
	out = append(out, e.pairedMetrics(book, now)...)
	out = append(out, e.divergenceMetrics(book, now)...)
	return out
}

// depthAtBps sums price*quantity for levels within n/10000 of mid on each
// side. Inclusion is bid_price >= bid_threshold, ask_price <= ask_threshold.
func depthAtBps(book *model.OrderBookSnapshot, mid decimal.Decimal, n int) (bidDepth, askDepth decimal.Decimal) {
	window := decimal.NewFromInt(int64(n)).Div(ten000)
	bidThreshold := mid.Mul(decimal.NewFromInt(1).Sub(window))
	askThreshold := mid.Mul(decimal.NewFromInt(1).Add(window))

	bidDepth = decimal.Zero
	for _, lvl := range book.Bids {
		if lvl.Price.GreaterThanOrEqual(bidThreshold) {
			bidDepth = bidDepth.Add(lvl.Price.Mul(lvl.Quantity))
		}
	}
	askDepth = decimal.Zero
	for _, lvl := range book.Asks {
		if lvl.Price.LessThanOrEqual(askThreshold) {
			askDepth = askDepth.Add(lvl.Price.Mul(lvl.Quantity))
		}
	}
	return bidDepth, askDepth
}

func depthMetricName(side string, n int) string {
	switch n {
	case 5:
		return "depth_" + side + "_5bps"
	case 10:
		return "depth_" + side + "_10bps"
	case 25:
		return "depth_" + side + "_25bps"
	default:
		return "depth_" + side + "_custom"
	}
}

// updateLatest records book as the freshest snapshot for whichever
// configured pairs it belongs to.
func (e *Engine) updateLatest(book *model.OrderBookSnapshot) {
	for _, p := range e.cfg.BasisPairs {
		if p.Instrument != book.Instrument {
			continue
		}
		if book.Venue == p.VenueA {
			e.latestPerp[p.Name] = book
		} else if book.Venue == p.VenueB {
			e.latestSpot[p.Name] = book
		}
	}
	for _, p := range e.cfg.DivergencePairs {
		if p.Instrument != book.Instrument {
			continue
		}
		if book.Venue == p.VenueA {
			e.latestA[p.Name] = book
		} else if book.Venue == p.VenueB {
			e.latestB[p.Name] = book
		}
	}
}

// divergenceMetrics emits the cross-venue mid-price divergence (bps)
// for every configured DivergencePairs entry once both venues have
// reported a fresh-enough snapshot.
func (e *Engine) divergenceMetrics(book *model.OrderBookSnapshot, now time.Time) []model.MetricSample {
	var out []model.MetricSample

	for _, p := range e.cfg.DivergencePairs {
		if p.Instrument != book.Instrument {
			continue
		}
		if book.Venue != p.VenueA && book.Venue != p.VenueB {
			continue
		}
		a, b := e.latestA[p.Name], e.latestB[p.Name]
		if a == nil || b == nil {
			continue
		}
		if now.Sub(a.LocalTime) > p.StalenessBound || now.Sub(b.LocalTime) > p.StalenessBound {
			continue
		}
		midA, ok1 := midOf(a)
		midB, ok2 := midOf(b)
		if !ok1 || !ok2 || midB.IsZero() {
			continue
		}
		divergenceBps := midA.Sub(midB).Div(midB).Mul(ten000)
		out = append(out, e.samplePair("cross_venue_divergence_bps", p.VenueA+"_"+p.VenueB, p.Instrument, divergenceBps, now))
	}

	return out
}

// pairedMetrics emits basis whenever both sides of a configured basis
// pair are fresh enough; cross-venue divergence is computed separately.
func (e *Engine) pairedMetrics(book *model.OrderBookSnapshot, now time.Time) []model.MetricSample {
	var out []model.MetricSample

	for _, p := range e.cfg.BasisPairs {
		if p.Instrument != book.Instrument {
			continue
		}
		if book.Venue != p.VenueA && book.Venue != p.VenueB {
			continue
		}
		perp, spot := e.latestPerp[p.Name], e.latestSpot[p.Name]
		if perp == nil || spot == nil {
			continue
		}
		if now.Sub(perp.LocalTime) > p.StalenessBound || now.Sub(spot.LocalTime) > p.StalenessBound {
			continue
		}
		perpMid, ok1 := midOf(perp)
		spotMid, ok2 := midOf(spot)
		if !ok1 || !ok2 || spotMid.IsZero() {
			continue
		}
		basisAbs := perpMid.Sub(spotMid)
		basisBps := basisAbs.Div(spotMid).Mul(ten000)

		out = append(out,
			e.samplePair("basis_abs", p.Name, p.Instrument, basisAbs, now),
			e.samplePair("basis_bps", p.Name, p.Instrument, basisBps, now),
		)
	}

	return out
}

func midOf(book *model.OrderBookSnapshot) (decimal.Decimal, bool) {
	bid, ok1 := book.BestBid()
	ask, ok2 := book.BestAsk()
	if !ok1 || !ok2 {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(two), true
}

// MarkIndexDeviation computes mark-index deviation in bps for a ticker
// carrying both a mark and an index price. Returns false when either side
// is absent (spot instruments never carry these fields).
func (e *Engine) MarkIndexDeviation(t *model.TickerSnapshot) (model.MetricSample, bool) {
	if t.MarkPrice == nil || t.IndexPrice == nil || t.IndexPrice.IsZero() {
		return model.MetricSample{}, false
	}
	dev := t.MarkPrice.Sub(*t.IndexPrice).Div(*t.IndexPrice).Mul(ten000)
	return e.sampleTicker("mark_index_deviation_bps", t, dev, time.Now()), true
}

func (e *Engine) sample(metric string, book *model.OrderBookSnapshot, value decimal.Decimal, now time.Time) model.MetricSample {
	s := model.MetricSample{
		Metric:     metric,
		Venue:      book.Venue,
		Instrument: book.Instrument,
		Timestamp:  now,
		Value:      value,
	}
	e.attachZScore(&s)
	return s
}

func (e *Engine) samplePair(metric, venue, instrument string, value decimal.Decimal, now time.Time) model.MetricSample {
	s := model.MetricSample{
		Metric:     metric,
		Venue:      venue,
		Instrument: instrument,
		Timestamp:  now,
		Value:      value,
	}
	e.attachZScore(&s)
	return s
}

func (e *Engine) sampleTicker(metric string, t *model.TickerSnapshot, value decimal.Decimal, now time.Time) model.MetricSample {
	s := model.MetricSample{
		Metric:     metric,
		Venue:      t.Venue,
		Instrument: t.Instrument,
		Timestamp:  now,
		Value:      value,
	}
	e.attachZScore(&s)
	return s
}

// attachZScore appends the sample to the corresponding ZScoreState and
// attaches the returned z-score, but only for metrics explicitly marked
// as statistically tracked — the engine never computes z-scores
// synchronously for unrelated metrics.
func (e *Engine) attachZScore(s *model.MetricSample) {
	if e.zs == nil || !e.cfg.ZTrackedMetrics[s.Metric] {
		return
	}
	s.ZScore = e.zs.Add(s.Metric, s.Venue, s.Instrument, s.Value, s.Timestamp)
}
