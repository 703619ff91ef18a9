// Package cold implements the append-only time-series writer that is
// the system's record of truth: every MetricSample and every Alert
// lifecycle event, plus gap markers, ticker snapshots, order-book
// snapshots, and health snapshots, batched to Postgres via
// sqlx/lib-pq, with a gobreaker circuit wrapping retryable failures.
package cold

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	cb "github.com/sony/gobreaker"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// Config tunes batch size and flush cadence. Defaults: 30 rows or 1s,
// whichever comes first.
type Config struct {
	BatchSize         int
	FlushInterval     time.Duration
	InsertTimeout     time.Duration
	FallbackQueuePath string
	MaxRetries        int
}

// DefaultConfig returns the documented production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:         30,
		FlushInterval:     time.Second,
		InsertTimeout:     5 * time.Second,
		FallbackQueuePath: "cold_store_fallback.jsonl",
		MaxRetries:        3,
	}
}

// Writer batches writes to each of the cold-store tables and flushes on
// whichever of (batch size, flush interval) is hit first. A single
// Writer is meant to be driven by one task — one writer per sink; all
// public methods are safe to call concurrently since they only append
// to an internally locked buffer.
type Writer struct {
	db      *sqlx.DB
	cfg     Config
	log     zerolog.Logger
	breaker *cb.CircuitBreaker
	queue   *FallbackQueue

	mu        sync.Mutex
	metrics   []model.MetricSample
	alerts    []alertEvent
	gaps      []model.GapMarker
	tickers   []model.TickerSnapshot
	books     []model.OrderBookSnapshot
	healths   []model.HealthSnapshot
}

// alertEvent pairs an Alert with the lifecycle phase it was captured
// at, since the cold store is append-only and the same AlertID is
// written multiple times across its lifecycle (active, escalated,
// resolved), each with its own event timestamp.
type alertEvent struct {
	phase string
	alert model.Alert
	at    time.Time
}

// New creates a Writer bound to an existing *sqlx.DB (dialect: postgres
// via lib/pq).
func New(db *sqlx.DB, cfg Config, log zerolog.Logger) (*Writer, error) {
	queue, err := OpenFallbackQueue(cfg.FallbackQueuePath)
	if err != nil {
		return nil, fmt.Errorf("open cold store fallback queue: %w", err)
	}

	settings := cb.Settings{
		Name:    "cold_store_flush",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxRetries)
		},
	}

	return &Writer{
		db:      db,
		cfg:     cfg,
		log:     log,
		breaker: cb.NewCircuitBreaker(settings),
		queue:   queue,
	}, nil
}

// WriteMetric buffers a MetricSample for the metrics table.
func (w *Writer) WriteMetric(s model.MetricSample) {
	w.mu.Lock()
	w.metrics = append(w.metrics, s)
	ready := len(w.metrics) >= w.cfg.BatchSize
	w.mu.Unlock()
	if ready {
		w.flushMetrics(context.Background())
	}
}

// WriteAlertEvent buffers one lifecycle event (active/escalated/
// resolved) for an alert.
func (w *Writer) WriteAlertEvent(phase string, a model.Alert, at time.Time) {
	w.mu.Lock()
	w.alerts = append(w.alerts, alertEvent{phase: phase, alert: a, at: at})
	ready := len(w.alerts) >= w.cfg.BatchSize
	w.mu.Unlock()
	if ready {
		w.flushAlerts(context.Background())
	}
}

// WriteGapMarker buffers a GapMarker for the gaps table.
func (w *Writer) WriteGapMarker(g model.GapMarker) {
	w.mu.Lock()
	w.gaps = append(w.gaps, g)
	ready := len(w.gaps) >= w.cfg.BatchSize
	w.mu.Unlock()
	if ready {
		w.flushGaps(context.Background())
	}
}

// WriteTicker buffers a TickerSnapshot.
func (w *Writer) WriteTicker(t model.TickerSnapshot) {
	w.mu.Lock()
	w.tickers = append(w.tickers, t)
	ready := len(w.tickers) >= w.cfg.BatchSize
	w.mu.Unlock()
	if ready {
		w.flushTickers(context.Background())
	}
}

// WriteOrderBook buffers an OrderBookSnapshot.
func (w *Writer) WriteOrderBook(b model.OrderBookSnapshot) {
	w.mu.Lock()
	w.books = append(w.books, b)
	ready := len(w.books) >= w.cfg.BatchSize
	w.mu.Unlock()
	if ready {
		w.flushBooks(context.Background())
	}
}

// WriteHealth buffers a HealthSnapshot.
func (w *Writer) WriteHealth(h model.HealthSnapshot) {
	w.mu.Lock()
	w.healths = append(w.healths, h)
	ready := len(w.healths) >= w.cfg.BatchSize
	w.mu.Unlock()
	if ready {
		w.flushHealth(context.Background())
	}
}

// Run drains buffers every cfg.FlushInterval until ctx is done, then
// performs one final flush — the drain step of the pipeline's graceful
// shutdown.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flushAll(context.Background())
			return
		case <-ticker.C:
			w.flushAll(ctx)
		}
	}
}

func (w *Writer) flushAll(ctx context.Context) {
	w.flushMetrics(ctx)
	w.flushAlerts(ctx)
	w.flushGaps(ctx)
	w.flushTickers(ctx)
	w.flushBooks(ctx)
	w.flushHealth(ctx)
}

// QueueDepth reports how many batches have fallen through to the
// on-disk queue, for the health projection's "queue depth" signal.
func (w *Writer) QueueDepth() int64 {
	return w.queue.Depth()
}

// Close flushes everything remaining and closes the fallback queue.
func (w *Writer) Close() error {
	w.flushAll(context.Background())
	return w.queue.Close()
}

func (w *Writer) flushMetrics(ctx context.Context) {
	w.mu.Lock()
	batch := w.metrics
	w.metrics = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.insertMetrics(ctx, batch)
	})
	if err != nil {
		w.log.Warn().Err(err).Int("rows", len(batch)).Msg("cold store metrics flush failed, queuing fallback")
		if qErr := w.queue.Enqueue("metric_samples", batch); qErr != nil {
			w.log.Error().Err(qErr).Msg("fallback queue enqueue failed")
		}
	}
}

func (w *Writer) insertMetrics(ctx context.Context, batch []model.MetricSample) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.InsertTimeout)
	defer cancel()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metrics tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metric_samples (ts, metric, venue, instrument, value, zscore)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("prepare metrics insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range batch {
		var zscore *string
		if s.ZScore != nil {
			v := s.ZScore.String()
			zscore = &v
		}
		if _, err := stmt.ExecContext(ctx, s.Timestamp, s.Metric, s.Venue, s.Instrument, s.Value.String(), zscore); err != nil {
			return fmt.Errorf("insert metric sample: %w", err)
		}
	}
	return tx.Commit()
}

func (w *Writer) flushAlerts(ctx context.Context) {
	w.mu.Lock()
	batch := w.alerts
	w.alerts = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.insertAlerts(ctx, batch)
	})
	if err != nil {
		w.log.Warn().Err(err).Int("rows", len(batch)).Msg("cold store alerts flush failed, queuing fallback")
		if qErr := w.queue.Enqueue("alert_events", batch); qErr != nil {
			w.log.Error().Err(qErr).Msg("fallback queue enqueue failed")
		}
	}
}

func (w *Writer) insertAlerts(ctx context.Context, batch []alertEvent) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.InsertTimeout)
	defer cancel()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin alerts tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO alert_events (ts, phase, alert_id, alert_type, priority, venue,
			instrument, trigger_metric, trigger_value, trigger_threshold, escalated,
			resolved_at, duration_seconds, resolution_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`)
	if err != nil {
		return fmt.Errorf("prepare alerts insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		a := e.alert
		var resolvedAt *time.Time
		var resolutionType *string
		if a.ResolvedAt != nil {
			resolvedAt = a.ResolvedAt
		}
		if a.ResolutionType != nil {
			v := string(*a.ResolutionType)
			resolutionType = &v
		}
		if _, err := stmt.ExecContext(ctx, e.at, e.phase, a.AlertID, a.AlertType, string(a.Priority),
			a.Venue, a.Instrument, a.TriggerMetric, a.TriggerValue.String(), a.TriggerThreshold.String(),
			a.Escalated, resolvedAt, a.DurationSeconds, resolutionType); err != nil {
			return fmt.Errorf("insert alert event: %w", err)
		}
	}
	return tx.Commit()
}

func (w *Writer) flushGaps(ctx context.Context) {
	w.mu.Lock()
	batch := w.gaps
	w.gaps = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.insertGaps(ctx, batch)
	})
	if err != nil {
		w.log.Warn().Err(err).Int("rows", len(batch)).Msg("cold store gaps flush failed, queuing fallback")
		if qErr := w.queue.Enqueue("data_gaps", batch); qErr != nil {
			w.log.Error().Err(qErr).Msg("fallback queue enqueue failed")
		}
	}
}

func (w *Writer) insertGaps(ctx context.Context, batch []model.GapMarker) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.InsertTimeout)
	defer cancel()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin gaps tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO data_gaps (venue, instrument, gap_start, gap_end, duration_ms, reason, sequence_before, sequence_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("prepare gaps insert: %w", err)
	}
	defer stmt.Close()

	for _, g := range batch {
		if _, err := stmt.ExecContext(ctx, g.Venue, g.Instrument, g.GapStart, g.GapEnd,
			g.Duration.Milliseconds(), string(g.Reason), g.SequenceBefore, g.SequenceAfter); err != nil {
			return fmt.Errorf("insert data gap: %w", err)
		}
	}
	return tx.Commit()
}

func (w *Writer) flushTickers(ctx context.Context) {
	w.mu.Lock()
	batch := w.tickers
	w.tickers = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.insertTickers(ctx, batch)
	})
	if err != nil {
		w.log.Warn().Err(err).Int("rows", len(batch)).Msg("cold store tickers flush failed, queuing fallback")
		if qErr := w.queue.Enqueue("ticker_snapshots", batch); qErr != nil {
			w.log.Error().Err(qErr).Msg("fallback queue enqueue failed")
		}
	}
}

func (w *Writer) insertTickers(ctx context.Context, batch []model.TickerSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.InsertTimeout)
	defer cancel()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tickers tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticker_snapshots (ts, venue, instrument, last_price, mark_price, index_price, volume_24h, funding_rate, next_funding_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return fmt.Errorf("prepare tickers insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range batch {
		var mark, index *string
		if t.MarkPrice != nil {
			v := t.MarkPrice.String()
			mark = &v
		}
		if t.IndexPrice != nil {
			v := t.IndexPrice.String()
			index = &v
		}
		if _, err := stmt.ExecContext(ctx, t.LocalTime, t.Venue, t.Instrument, t.LastPrice.String(),
			mark, index, t.Volume24h.String(), t.FundingRate.String(), t.NextFundingTime); err != nil {
			return fmt.Errorf("insert ticker snapshot: %w", err)
		}
	}
	return tx.Commit()
}

func (w *Writer) flushBooks(ctx context.Context) {
	w.mu.Lock()
	batch := w.books
	w.books = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.insertBooks(ctx, batch)
	})
	if err != nil {
		w.log.Warn().Err(err).Int("rows", len(batch)).Msg("cold store books flush failed, queuing fallback")
		if qErr := w.queue.Enqueue("orderbook_snapshots", batch); qErr != nil {
			w.log.Error().Err(qErr).Msg("fallback queue enqueue failed")
		}
	}
}

func (w *Writer) insertBooks(ctx context.Context, batch []model.OrderBookSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.InsertTimeout)
	defer cancel()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin books tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO orderbook_snapshots (ts, venue, instrument, sequence_id, depth_captured, source, best_bid, best_ask)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("prepare books insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range batch {
		var bestBid, bestAsk *string
		if bid, ok := b.BestBid(); ok {
			v := bid.Price.String()
			bestBid = &v
		}
		if ask, ok := b.BestAsk(); ok {
			v := ask.Price.String()
			bestAsk = &v
		}
		if _, err := stmt.ExecContext(ctx, b.LocalTime, b.Venue, b.Instrument, b.SequenceID,
			b.DepthCaptured, string(b.Source), bestBid, bestAsk); err != nil {
			return fmt.Errorf("insert orderbook snapshot: %w", err)
		}
	}
	return tx.Commit()
}

func (w *Writer) flushHealth(ctx context.Context) {
	w.mu.Lock()
	batch := w.healths
	w.healths = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.insertHealth(ctx, batch)
	})
	if err != nil {
		w.log.Warn().Err(err).Int("rows", len(batch)).Msg("cold store health flush failed, queuing fallback")
		if qErr := w.queue.Enqueue("health_snapshots", batch); qErr != nil {
			w.log.Error().Err(qErr).Msg("fallback queue enqueue failed")
		}
	}
}

func (w *Writer) insertHealth(ctx context.Context, batch []model.HealthSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.InsertTimeout)
	defer cancel()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin health tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO health_snapshots (ts, venue, status, message_count, lag_ms, reconnect_count, gaps_last_hour)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("prepare health insert: %w", err)
	}
	defer stmt.Close()

	for _, h := range batch {
		if _, err := stmt.ExecContext(ctx, h.LastMessageAt, h.Venue, string(h.Status),
			h.MessageCount, h.LagMS, h.ReconnectCount, h.GapsLastHour); err != nil {
			return fmt.Errorf("insert health snapshot: %w", err)
		}
	}
	return tx.Commit()
}
