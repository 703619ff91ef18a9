// Package hot implements the real-time key-value projection: an
// overwrite-wins view of the latest book, z-scores, active alerts, and
// venue health, served to the external UI over Redis. Writes are
// best-effort — a failure records the failed key in a bounded
// in-memory buffer (the write itself is not kept or retried), drops
// the oldest entry on overflow, and raises the hot_store_degraded
// health signal.
package hot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// Key layout is part of the external contract and must stay bit-exact
// for UI compatibility.
const (
	keyOrderBook     = "orderbook:%s:%s"
	keyZScoreSeries  = "zscore:%s:%s:%s"
	keyZScoreCurrent = "zscore:current:%s:%s"
	keyAlertActive   = "alerts:active:%s"
	keyAlertsByInst  = "alerts:by_instrument:%s"
	keyAlertsByPrio  = "alerts:by_priority:%s"
	keyAlertDedup    = "alerts:dedup:%s:%s:%s"
	keyHealth        = "health:%s"

	invalidationChannel = "hot_store:invalidations"
)

// Config tunes the in-memory overflow buffer and Redis timeouts.
type Config struct {
	WriteTimeout   time.Duration
	BufferCapacity int // bounded in-memory queue before dropping oldest
}

// DefaultConfig uses a 500ms Redis call timeout, with a buffer sized
// for a few seconds of writes at typical snapshot rates.
func DefaultConfig() Config {
	return Config{WriteTimeout: 500 * time.Millisecond, BufferCapacity: 4096}
}

// pendingWrite records a write that failed and was dropped, for the
// degraded-state buffer that health reporting inspects. It is purely
// observational: nothing ever replays or retries an entry from it.
type pendingWrite struct {
	key      string
	failedAt time.Time
}

// Store is the single writer task for the hot projection. All methods
// are safe to call from multiple goroutines; every Redis call runs
// synchronously and inline on the calling goroutine — there is no
// background worker or write queue. A failed call is not retried: it
// is logged, recorded in a bounded drop-oldest buffer for observability,
// and the error is returned to the caller.
type Store struct {
	client *redis.Client
	cfg    Config
	log    zerolog.Logger

	mu       sync.Mutex
	buffer   []pendingWrite
	degraded bool
}

// New creates a Store bound to an existing Redis client.
func New(client *redis.Client, cfg Config, log zerolog.Logger) *Store {
	return &Store{
		client: client,
		cfg:    cfg,
		log:    log,
	}
}

// Degraded reports whether any write has failed since the Store was
// created; once set, the flag is never cleared.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// WriteOrderBook overwrites the latest-book projection for a
// (venue, instrument).
func (s *Store) WriteOrderBook(ctx context.Context, book *model.OrderBookSnapshot) error {
	key := fmt.Sprintf(keyOrderBook, book.Venue, book.Instrument)
	fields := map[string]interface{}{
		"venue_time":     book.VenueTime.UnixMilli(),
		"local_time":     book.LocalTime.UnixMilli(),
		"sequence_id":    book.SequenceID,
		"depth_captured": book.DepthCaptured,
		"source":         string(book.Source),
		"bids":           marshalLevels(book.Bids),
		"asks":           marshalLevels(book.Asks),
	}
	return s.writeHashAndPublish(ctx, key, fields, book.Instrument)
}

// WriteZScore appends a z-score observation to the metric's series list
// and overwrites the per-instrument "current z-scores" map. The series
// list is not trimmed, so it grows with every observation.
func (s *Store) WriteZScore(ctx context.Context, sample model.MetricSample) error {
	if sample.ZScore == nil {
		return nil
	}
	seriesKey := fmt.Sprintf(keyZScoreSeries, sample.Venue, sample.Instrument, sample.Metric)
	entry, _ := json.Marshal(map[string]interface{}{
		"value":     sample.Value.String(),
		"zscore":    sample.ZScore.String(),
		"timestamp": sample.Timestamp.UnixMilli(),
	})

	if err := s.tryExec(ctx, seriesKey, func(ctx context.Context) error {
		return s.client.RPush(ctx, seriesKey, entry).Err()
	}); err != nil {
		return err
	}

	currentKey := fmt.Sprintf(keyZScoreCurrent, sample.Venue, sample.Instrument)
	fields := map[string]interface{}{sample.Metric: sample.ZScore.String()}
	return s.writeHashAndPublish(ctx, currentKey, fields, sample.Instrument)
}

// WriteAlert projects an alert's current state and maintains the
// by-instrument and by-priority reverse indexes and the dedup/throttle
// marker.
func (s *Store) WriteAlert(ctx context.Context, alert model.Alert) error {
	key := fmt.Sprintf(keyAlertActive, alert.AlertID)
	fields := map[string]interface{}{
		"alert_type":     alert.AlertType,
		"priority":       string(alert.Priority),
		"severity":       alert.Severity,
		"venue":          alert.Venue,
		"instrument":     alert.Instrument,
		"trigger_metric": alert.TriggerMetric,
		"trigger_value":  alert.TriggerValue.String(),
		"triggered_at":   alert.TriggeredAt.UnixMilli(),
		"peak_value":     alert.PeakValue.String(),
		"escalated":      alert.Escalated,
	}
	if err := s.writeHashAndPublish(ctx, key, fields, alert.Instrument); err != nil {
		return err
	}

	instSetKey := fmt.Sprintf(keyAlertsByInst, alert.Instrument)
	if err := s.tryExec(ctx, instSetKey, func(ctx context.Context) error {
		return s.client.SAdd(ctx, instSetKey, alert.AlertID).Err()
	}); err != nil {
		return err
	}
	prioSetKey := fmt.Sprintf(keyAlertsByPrio, alert.Priority)
	if err := s.tryExec(ctx, prioSetKey, func(ctx context.Context) error {
		return s.client.SAdd(ctx, prioSetKey, alert.AlertID).Err()
	}); err != nil {
		return err
	}

	if alert.ResolvedAt != nil {
		if err := s.tryExec(ctx, instSetKey, func(ctx context.Context) error {
			return s.client.SRem(ctx, instSetKey, alert.AlertID).Err()
		}); err != nil {
			return err
		}
		if err := s.tryExec(ctx, prioSetKey, func(ctx context.Context) error {
			return s.client.SRem(ctx, prioSetKey, alert.AlertID).Err()
		}); err != nil {
			return err
		}
		dedupKey := fmt.Sprintf(keyAlertDedup, alert.AlertType, alert.Venue, alert.Instrument)
		return s.tryExec(ctx, dedupKey, func(ctx context.Context) error {
			return s.client.Set(ctx, dedupKey, alert.AlertID, 0).Err()
		})
	}

	return nil
}

// WriteHealth overwrites the per-venue health projection.
func (s *Store) WriteHealth(ctx context.Context, health model.HealthSnapshot) error {
	key := fmt.Sprintf(keyHealth, health.Venue)
	fields := map[string]interface{}{
		"status":          string(health.Status),
		"last_message_at": health.LastMessageAt.UnixMilli(),
		"message_count":   health.MessageCount,
		"lag_ms":          health.LagMS,
		"reconnect_count": health.ReconnectCount,
		"gaps_last_hour":  health.GapsLastHour,
	}
	return s.writeHashAndPublish(ctx, key, fields, "")
}

// WriteGapMarker overwrites the last_gap field of the venue's health
// projection, so only the most recent gap per venue (across all its
// instruments) is kept. Gap markers are also written to the
// cold store by the caller — this is only the hot-state mirror.
func (s *Store) WriteGapMarker(ctx context.Context, gap model.GapMarker) error {
	key := fmt.Sprintf(keyHealth, gap.Venue)
	entry, _ := json.Marshal(map[string]interface{}{
		"instrument": gap.Instrument,
		"reason":     string(gap.Reason),
		"duration_ms": gap.Duration.Milliseconds(),
		"gap_end":    gap.GapEnd.UnixMilli(),
	})
	return s.tryExec(ctx, key, func(ctx context.Context) error {
		return s.client.HSet(ctx, key, "last_gap", entry).Err()
	})
}

func (s *Store) writeHashAndPublish(ctx context.Context, key string, fields map[string]interface{}, instrument string) error {
	if err := s.tryExec(ctx, key, func(ctx context.Context) error {
		return s.client.HSet(ctx, key, fields).Err()
	}); err != nil {
		return err
	}
	return s.tryExec(ctx, invalidationChannel, func(ctx context.Context) error {
		return s.client.Publish(ctx, invalidationChannel, key).Err()
	})
}

// tryExec runs fn, scoped to the configured write timeout, synchronously
// on the calling goroutine. On failure it records key in the bounded
// drop-oldest buffer (for observability only — hot-state writes are
// not retried; losing a stale projection entry is acceptable here) and
// flips the degraded flag.
func (s *Store) tryExec(ctx context.Context, key string, fn func(context.Context) error) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	err := fn(writeCtx)
	if err == nil {
		return nil
	}

	s.log.Warn().Err(err).Str("key", key).Msg("hot store write failed, buffering")
	s.mu.Lock()
	s.degraded = true
	if len(s.buffer) >= s.cfg.BufferCapacity {
		s.buffer = s.buffer[1:]
	}
	s.buffer = append(s.buffer, pendingWrite{key: key, failedAt: time.Now()})
	s.mu.Unlock()
	return err
}

// Subscribe returns a PubSub subscribed to the invalidation channel so
// the external UI's presentation layer can push updates on change.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, invalidationChannel)
}

func marshalLevels(levels []model.Level) string {
	out := make([]map[string]string, len(levels))
	for i, l := range levels {
		out[i] = map[string]string{"price": l.Price.String(), "quantity": l.Quantity.String()}
	}
	b, _ := json.Marshal(out)
	return string(b)
}
