// Package pipeline wires the leaf components — venue adapters, the
// metrics engine, the z-score engine, the anomaly detector, and the
// two storage sinks — into a concurrent, shared-nothing composition:
// one long-running task per stage, connected by typed bounded
// channels, with a fixed backpressure policy per channel and a
// graceful, deadline-bounded shutdown drain.
package pipeline

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/config"
	"github.com/omiiii21/crypto-market-microstructure/internal/detector"
	"github.com/omiiii21/crypto-market-microstructure/internal/metrics"
	"github.com/omiiii21/crypto-market-microstructure/internal/model"
	"github.com/omiiii21/crypto-market-microstructure/internal/notify"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/cold"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/hot"
	"github.com/omiiii21/crypto-market-microstructure/internal/venue"
	"github.com/omiiii21/crypto-market-microstructure/internal/zscore"
)

// Channel capacities sized for typical snapshot/alert fan-out.
const (
	bookChanCapacity   = 1024
	tickerChanCapacity = 1024
	gapChanCapacity    = 1024
	sampleChanCapacity = 1024
	alertChanCapacity  = 4096
)

// ShutdownDrainDeadline is the hard deadline for graceful shutdown:
// pending snapshots drain through metrics and the detector into the
// cold store, then writers flush, within this bound.
const ShutdownDrainDeadline = 30 * time.Second

var decimalTwo = decimal.NewFromInt(2)

// VenueAdapter is the subset of *venue.Adapter the pipeline depends on,
// narrowed so tests can substitute a fake adapter.
type VenueAdapter interface {
	Run(ctx context.Context)
	Snapshots() <-chan model.OrderBookSnapshot
	Tickers() <-chan model.TickerSnapshot
	Gaps() <-chan model.GapMarker
	Health() model.HealthSnapshot
	Close() error
}

// Pipeline owns every long-running stage and the channels connecting
// them.
type Pipeline struct {
	cfg        *config.Config
	registry   *config.Registry
	adapters   map[string]VenueAdapter // keyed by venue name
	metricsEng *metrics.Engine
	zscoreEng  *zscore.Engine
	quality    *metrics.QualityGate
	det        *detector.Detector
	hotStore   *hot.Store
	coldStore  *cold.Writer
	dispatcher *notify.Dispatcher
	log        zerolog.Logger
	health     *Aggregator

	books   chan model.OrderBookSnapshot
	tickers chan model.TickerSnapshot
	gaps    chan model.GapMarker
	samples chan model.MetricSample

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// New assembles a Pipeline from already-constructed components. The
// caller (cmd/surveild) is responsible for building each dependency
// from the frozen config.Config — Pipeline itself never parses config.
func New(
	cfg *config.Config,
	registry *config.Registry,
	adapters map[string]VenueAdapter,
	metricsEng *metrics.Engine,
	zscoreEng *zscore.Engine,
	quality *metrics.QualityGate,
	det *detector.Detector,
	hotStore *hot.Store,
	coldStore *cold.Writer,
	dispatcher *notify.Dispatcher,
	log zerolog.Logger,
) *Pipeline {
	p := &Pipeline{
		cfg:        cfg,
		registry:   registry,
		adapters:   adapters,
		metricsEng: metricsEng,
		zscoreEng:  zscoreEng,
		quality:    quality,
		det:        det,
		hotStore:   hotStore,
		coldStore:  coldStore,
		dispatcher: dispatcher,
		log:        log,
		books:      make(chan model.OrderBookSnapshot, bookChanCapacity),
		tickers:    make(chan model.TickerSnapshot, tickerChanCapacity),
		gaps:       make(chan model.GapMarker, gapChanCapacity),
		samples:    make(chan model.MetricSample, sampleChanCapacity),
		stop:       make(chan struct{}),
	}
	p.health = NewAggregator(adapters, hotStore, coldStore)
	return p
}

// Run starts every adapter and every downstream stage, then blocks
// until ctx is canceled or Shutdown is called.
func (p *Pipeline) Run(ctx context.Context) {
	for name, a := range p.adapters {
		a := a
		name := name
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			a.Run(ctx)
		}()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.forwardAdapter(ctx, name, a)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runMetricsStage(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runGapStage(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runDetectorStage(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.det.RunEscalationLoop(p.stop)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.coldStore.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-p.stop:
	}
}

// forwardAdapter fans one adapter's three output sequences into the
// pipeline's shared channels, preserving per-(venue,instrument) FIFO
// ordering since each adapter is read by exactly one forwarder
// goroutine.
func (p *Pipeline) forwardAdapter(ctx context.Context, name string, a VenueAdapter) {
	snapshots := a.Snapshots()
	tickers := a.Tickers()
	gapsCh := a.Gaps()
	for snapshots != nil || tickers != nil || gapsCh != nil {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			p.hotStore.WriteOrderBook(ctx, &b)
			select {
			case p.books <- b:
			case <-ctx.Done():
				return
			}
		case t, ok := <-tickers:
			if !ok {
				tickers = nil
				continue
			}
			select {
			case p.tickers <- t:
			case <-ctx.Done():
				return
			}
		case g, ok := <-gapsCh:
			if !ok {
				gapsCh = nil
				continue
			}
			p.hotStore.WriteGapMarker(ctx, g)
			p.coldStore.WriteGapMarker(g)
			select {
			case p.gaps <- g:
			case <-ctx.Done():
				return
			}
		}
	}
	_ = name
}

// runGapStage resets the z-score engine for any (venue, instrument)
// whose gap exceeds the reset threshold.
func (p *Pipeline) runGapStage(ctx context.Context) {
	threshold := time.Duration(p.cfg.Features.ResetOnGapThresholdSeconds) * time.Second
	if threshold <= 0 {
		threshold = zscore.DefaultConfig().ResetOnGapThreshold
	}
	for {
		select {
		case <-ctx.Done():
			return
		case g, ok := <-p.gaps:
			if !ok {
				return
			}
			if g.Duration >= threshold {
				p.zscoreEng.ResetInstrument(g.Venue, g.Instrument, string(g.Reason))
			}
		}
	}
}

// runMetricsStage runs the quality gate and metrics engine over every
// incoming book/ticker, forwarding resulting samples to the detector
// stage and the cold store. A book the gate flags with a blocking event
// is still written to the cold store but does not reach the metrics
// engine. This stage must stay synchronous and
// allocation-light — the only suspension here is the bounded channel
// sends to downstream stages.
func (p *Pipeline) runMetricsStage(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-p.books:
			if !ok {
				return
			}
			blocked := false
			if bid, hasBid := b.BestBid(); hasBid {
				if ask, hasAsk := b.BestAsk(); hasAsk {
					mid := bid.Price.Add(ask.Price).Div(decimalTwo)
					for _, ev := range p.quality.Check(b.Venue, b.Instrument, mid, b.LocalTime) {
						if ev.Blocking {
							blocked = true
							p.log.Warn().Str("venue", b.Venue).Str("instrument", b.Instrument).Str("type", string(ev.Type)).Msg(ev.Message)
						}
					}
				}
			}
			p.coldStore.WriteOrderBook(b)
			if blocked {
				continue
			}
			for _, s := range p.metricsEng.PerSnapshot(&b) {
				p.emitSample(ctx, s)
			}
		case t, ok := <-p.tickers:
			if !ok {
				return
			}
			p.coldStore.WriteTicker(t)
			if s, ok := p.metricsEng.MarkIndexDeviation(&t); ok {
				p.emitSample(ctx, s)
			}
		}
	}
}

func (p *Pipeline) emitSample(ctx context.Context, s model.MetricSample) {
	p.hotStore.WriteZScore(ctx, s)
	p.coldStore.WriteMetric(s)
	select {
	case p.samples <- s:
	case <-ctx.Done():
	}
}

// runDetectorStage is the sole consumer of p.samples.
func (p *Pipeline) runDetectorStage(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-p.samples:
			if !ok {
				return
			}
			p.det.Process(s)
		}
	}
}

// OnAlert is the detector's lifecycle callback, wired by the caller
// (cmd/surveild) via detector.New so every transition reaches hot
// storage, cold storage, and — for new fires and escalations — the
// notification dispatcher.
func (p *Pipeline) OnAlert(ctx context.Context, channels []string) func(model.Alert) {
	notified := make(map[string]string) // alert id -> last phase dispatched
	return func(a model.Alert) {
		p.hotStore.WriteAlert(ctx, a)
		phase := "active"
		switch {
		case a.ResolvedAt != nil:
			phase = "resolved"
		case a.Escalated:
			phase = "escalated"
		}
		p.coldStore.WriteAlertEvent(phase, a, time.Now())
		if phase == "resolved" {
			delete(notified, a.AlertID)
			return
		}
		if notified[a.AlertID] != phase {
			notified[a.AlertID] = phase
			p.dispatcher.Dispatch(ctx, a, channels)
		}
	}
}

// HealthHandler returns the /healthz handler bound to this pipeline's
// adapters and storage sinks.
func (p *Pipeline) HealthHandler() http.HandlerFunc {
	return p.health.ServeHTTP
}

// Shutdown signals every adapter to close and waits, up to
// ShutdownDrainDeadline, for all stages to drain and stop.
func (p *Pipeline) Shutdown() {
	p.stopOnce.Do(func() { close(p.stop) })
	for _, a := range p.adapters {
		a.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownDrainDeadline):
		p.log.Warn().Msg("shutdown drain deadline exceeded, forcing exit")
	}
	p.coldStore.Close()
}
