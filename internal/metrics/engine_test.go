package metrics

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
	"github.com/omiiii21/crypto-market-microstructure/internal/zscore"
)

func lvl(price, qty string) model.Level {
	return model.Level{Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty)}
}

func book(venue, instrument string, bids, asks []model.Level) *model.OrderBookSnapshot {
	return &model.OrderBookSnapshot{
		Venue:      venue,
		Instrument: instrument,
		LocalTime:  time.Now(),
		Bids:       bids,
		Asks:       asks,
	}
}

func TestPerSnapshot_EmptyBookYieldsNoMetrics(t *testing.T) {
	e := NewEngine(Config{}, nil, zerolog.Nop())
	out := e.PerSnapshot(book("binance", "BTC-USD", nil, nil))
	assert.Empty(t, out)
}

func TestPerSnapshot_SpreadAndMid(t *testing.T) {
	e := NewEngine(Config{}, nil, zerolog.Nop())
	b := book("binance", "BTC-USD",
		[]model.Level{lvl("100", "1")},
		[]model.Level{lvl("101", "1")},
	)
	out := e.PerSnapshot(b)

	var spread *model.MetricSample
	for i := range out {
		if out[i].Metric == "spread_bps" {
			spread = &out[i]
		}
	}
	require.NotNil(t, spread)
	// spread_abs=1, mid=100.5, bps = 1/100.5*10000 ~= 99.50...
	expected := decimal.NewFromInt(1).Div(decimal.RequireFromString("100.5")).Mul(decimal.NewFromInt(10000))
	assert.True(t, spread.Value.Sub(expected).Abs().LessThan(decimal.RequireFromString("0.0001")))
}

func TestPerSnapshot_DepthAtBps(t *testing.T) {
	e := NewEngine(Config{}, nil, zerolog.Nop())
	b := book("binance", "BTC-USD",
		[]model.Level{lvl("100", "1"), lvl("90", "1")},
		[]model.Level{lvl("101", "1"), lvl("120", "1")},
	)
	out := e.PerSnapshot(b)

	var bidDepth5 *model.MetricSample
	for i := range out {
		if out[i].Metric == "depth_bid_5bps" {
			bidDepth5 = &out[i]
		}
	}
	require.NotNil(t, bidDepth5)
	// mid = 100.5, 5bps window -> bidThreshold = 100.5*0.9995 ~= 100.449...
	// both bid levels (100 and 90) are below that, so depth should be zero.
	assert.True(t, bidDepth5.Value.IsZero())
}

func TestPerSnapshot_ImbalanceUndefinedWhenZeroDepth(t *testing.T) {
	e := NewEngine(Config{}, nil, zerolog.Nop())
	b := book("binance", "BTC-USD",
		[]model.Level{lvl("100", "1")},
		[]model.Level{lvl("200", "1")},
	)
	out := e.PerSnapshot(b)
	for _, s := range out {
		assert.NotEqual(t, "imbalance_10bps", s.Metric, "imbalance must be absent when depth is zero on both sides")
	}
}

func TestPerSnapshot_ZScoreAttachedOnlyForTrackedMetrics(t *testing.T) {
	zs := zscore.NewEngine(zscore.DefaultConfig(), zerolog.Nop())
	e := NewEngine(Config{ZTrackedMetrics: map[string]bool{"spread_bps": true}}, zs, zerolog.Nop())

	// Alternate the ask so the spread series is not flat: a flat series
	// has zero stdev and never gets a z-score.
	var out []model.MetricSample
	for i := 0; i < 30; i++ {
		ask := "101"
		if i%2 == 1 {
			ask = "102"
		}
		b := book("binance", "BTC-USD",
			[]model.Level{lvl("100", "1")},
			[]model.Level{lvl(ask, "1")},
		)
		out = e.PerSnapshot(b)
	}

	for _, s := range out {
		if s.Metric == "spread_bps" {
			assert.NotNil(t, s.ZScore)
		} else {
			assert.Nil(t, s.ZScore)
		}
	}
}

func bookAt(venue, instrument string, bids, asks []model.Level, at time.Time) *model.OrderBookSnapshot {
	b := book(venue, instrument, bids, asks)
	b.LocalTime = at
	return b
}

func basisPairConfig() PairConfig {
	return PairConfig{
		Name:           "btc_perp_spot",
		VenueA:         "binance-perp",
		VenueB:         "binance-spot",
		Instrument:     "BTC-USD",
		StalenessBound: 2 * time.Second,
	}
}

func divergencePairConfig() PairConfig {
	return PairConfig{
		Name:           "btc_binance_okx",
		VenueA:         "binance",
		VenueB:         "okx",
		Instrument:     "BTC-USD",
		StalenessBound: 2 * time.Second,
	}
}

func findMetrics(samples []model.MetricSample, names ...string) map[string]model.MetricSample {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make(map[string]model.MetricSample)
	for _, s := range samples {
		if want[s.Metric] {
			out[s.Metric] = s
		}
	}
	return out
}

func TestPairedMetrics_EmittedWhenBothSidesFresh(t *testing.T) {
	e := NewEngine(Config{BasisPairs: []PairConfig{basisPairConfig()}}, nil, zerolog.Nop())
	now := time.Now()

	perp := bookAt("binance-perp", "BTC-USD", []model.Level{lvl("101", "1")}, []model.Level{lvl("102", "1")}, now)
	e.updateLatest(perp)
	spot := bookAt("binance-spot", "BTC-USD", []model.Level{lvl("99", "1")}, []model.Level{lvl("100", "1")}, now)
	e.updateLatest(spot)

	out := e.pairedMetrics(spot, now)
	found := findMetrics(out, "basis_abs", "basis_bps")
	require.Contains(t, found, "basis_abs")
	require.Contains(t, found, "basis_bps")

	// perpMid=101.5, spotMid=99.5, basisAbs=2.
	assert.Equal(t, "2", found["basis_abs"].Value.Truncate(0).String())
}

func TestPairedMetrics_SuppressedWhenOneSideStale(t *testing.T) {
	e := NewEngine(Config{BasisPairs: []PairConfig{basisPairConfig()}}, nil, zerolog.Nop())
	now := time.Now()

	perp := bookAt("binance-perp", "BTC-USD", []model.Level{lvl("101", "1")}, []model.Level{lvl("102", "1")}, now.Add(-10*time.Second))
	e.updateLatest(perp)
	spot := bookAt("binance-spot", "BTC-USD", []model.Level{lvl("99", "1")}, []model.Level{lvl("100", "1")}, now)
	e.updateLatest(spot)

	out := e.pairedMetrics(spot, now)
	assert.Empty(t, findMetrics(out, "basis_abs", "basis_bps"), "a stale perp side must suppress both basis outputs")
}

func TestPairedMetrics_SuppressedWhenSpotMidIsZero(t *testing.T) {
	e := NewEngine(Config{BasisPairs: []PairConfig{basisPairConfig()}}, nil, zerolog.Nop())
	now := time.Now()

	perp := bookAt("binance-perp", "BTC-USD", []model.Level{lvl("101", "1")}, []model.Level{lvl("102", "1")}, now)
	e.updateLatest(perp)
	zeroSpot := bookAt("binance-spot", "BTC-USD", []model.Level{lvl("0", "1")}, []model.Level{lvl("0", "1")}, now)
	e.updateLatest(zeroSpot)

	out := e.pairedMetrics(zeroSpot, now)
	assert.Empty(t, findMetrics(out, "basis_abs", "basis_bps"), "a zero spot mid must never divide-by-zero into an emitted sample")
}

func TestDivergenceMetrics_EmittedWhenBothSidesFresh(t *testing.T) {
	e := NewEngine(Config{DivergencePairs: []PairConfig{divergencePairConfig()}}, nil, zerolog.Nop())
	now := time.Now()

	a := bookAt("binance", "BTC-USD", []model.Level{lvl("100", "1")}, []model.Level{lvl("101", "1")}, now)
	e.updateLatest(a)
	b := bookAt("okx", "BTC-USD", []model.Level{lvl("99", "1")}, []model.Level{lvl("100", "1")}, now)
	e.updateLatest(b)

	out := e.divergenceMetrics(b, now)
	found := findMetrics(out, "cross_venue_divergence_bps")
	require.Contains(t, found, "cross_venue_divergence_bps")
	assert.Equal(t, "binance_okx", found["cross_venue_divergence_bps"].Venue)
}

func TestDivergenceMetrics_SuppressedWhenOneSideStale(t *testing.T) {
	e := NewEngine(Config{DivergencePairs: []PairConfig{divergencePairConfig()}}, nil, zerolog.Nop())
	now := time.Now()

	a := bookAt("binance", "BTC-USD", []model.Level{lvl("100", "1")}, []model.Level{lvl("101", "1")}, now.Add(-10*time.Second))
	e.updateLatest(a)
	b := bookAt("okx", "BTC-USD", []model.Level{lvl("99", "1")}, []model.Level{lvl("100", "1")}, now)
	e.updateLatest(b)

	out := e.divergenceMetrics(b, now)
	assert.Empty(t, findMetrics(out, "cross_venue_divergence_bps"), "a stale venue-A side must suppress divergence")
}

func TestDivergenceMetrics_SuppressedWhenVenueBMidIsZero(t *testing.T) {
	e := NewEngine(Config{DivergencePairs: []PairConfig{divergencePairConfig()}}, nil, zerolog.Nop())
	now := time.Now()

	a := bookAt("binance", "BTC-USD", []model.Level{lvl("100", "1")}, []model.Level{lvl("101", "1")}, now)
	e.updateLatest(a)
	zeroB := bookAt("okx", "BTC-USD", []model.Level{lvl("0", "1")}, []model.Level{lvl("0", "1")}, now)
	e.updateLatest(zeroB)

	out := e.divergenceMetrics(zeroB, now)
	assert.Empty(t, findMetrics(out, "cross_venue_divergence_bps"), "a zero venue-B mid must never divide-by-zero into an emitted sample")
}

func TestMarkIndexDeviation_AbsentForSpot(t *testing.T) {
	e := NewEngine(Config{}, nil, zerolog.Nop())
	t1 := &model.TickerSnapshot{Venue: "binance", Instrument: "BTC-USD"}
	_, ok := e.MarkIndexDeviation(t1)
	assert.False(t, ok)
}

func TestMarkIndexDeviation_ComputesBps(t *testing.T) {
	e := NewEngine(Config{}, nil, zerolog.Nop())
	mark := decimal.RequireFromString("101")
	index := decimal.RequireFromString("100")
	t1 := &model.TickerSnapshot{Venue: "binance", Instrument: "BTC-USD-PERP", MarkPrice: &mark, IndexPrice: &index}
	sample, ok := e.MarkIndexDeviation(t1)
	require.True(t, ok)
	assert.Equal(t, "100", sample.Value.Truncate(0).String())
}
