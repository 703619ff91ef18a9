package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// QualityEventType classifies a detected data-quality issue. Quality
// events are a pipeline health signal, not an alert: a quality event
// narrows trust in a reading, it does not itself fire an alert.
type QualityEventType string

const (
	QualityPriceOutlier QualityEventType = "price_outlier"
	QualityStaleData    QualityEventType = "stale_data"
	QualityCrossVenue   QualityEventType = "cross_venue_mismatch"
)

// QualityEvent describes one detected issue.
type QualityEvent struct {
	Type       QualityEventType
	Venue      string
	Instrument string
	Message    string
	Blocking   bool
	Timestamp  time.Time
}

// QualityConfig tunes the pre-filter thresholds.
type QualityConfig struct {
	PriceChangeThresholdPct decimal.Decimal // reject moves larger than this within the window
	PriceChangeWindow       time.Duration
	StaleDataThreshold      time.Duration
	CrossVenueMaxSpreadPct  decimal.Decimal
}

// DefaultQualityConfig mirrors the thresholds this check was grounded on.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		PriceChangeThresholdPct: decimal.NewFromInt(50),
		PriceChangeWindow:       time.Minute,
		StaleDataThreshold:      60 * time.Second,
		CrossVenueMaxSpreadPct:  decimal.NewFromInt(5),
	}
}

type priceObservation struct {
	price     decimal.Decimal
	timestamp time.Time
}

// QualityGate is a pre-filter ahead of the metrics engine: it flags price
// outliers, stale feeds, and cross-venue mismatches so a venue glitch
// cannot silently distort a z-score baseline. It does not replace the
// adapter's crossed-book rejection — it catches what survives
// normalization but still looks wrong in context.
type QualityGate struct {
	cfg    QualityConfig
	logger zerolog.Logger

	mu             sync.Mutex
	lastPrice      map[string]priceObservation // key: venue|instrument
	lastSeen       map[string]time.Time
	crossVenue     map[string]map[string]decimal.Decimal // instrument -> venue -> price
}

// NewQualityGate creates a gate with the given configuration.
func NewQualityGate(cfg QualityConfig, logger zerolog.Logger) *QualityGate {
	return &QualityGate{
		cfg:        cfg,
		logger:     logger,
		lastPrice:  make(map[string]priceObservation),
		lastSeen:   make(map[string]time.Time),
		crossVenue: make(map[string]map[string]decimal.Decimal),
	}
}

// Check runs every filter against one (venue, instrument) mid-price
// reading and returns any events raised. Blocking events mean the caller
// should not feed this reading into the metrics/z-score path.
func (q *QualityGate) Check(venue, instrument string, price decimal.Decimal, now time.Time) []QualityEvent {
	var events []QualityEvent
	key := venue + "|" + instrument

	q.mu.Lock()
	prev, hadPrev := q.lastPrice[key]
	lastSeen, hadSeen := q.lastSeen[key]
	q.mu.Unlock()

	if hadPrev && now.Sub(prev.timestamp) <= q.cfg.PriceChangeWindow && !prev.price.IsZero() {
		change := price.Sub(prev.price).Div(prev.price).Abs().Mul(decimal.NewFromInt(100))
		if change.GreaterThan(q.cfg.PriceChangeThresholdPct) {
			events = append(events, QualityEvent{
				Type:       QualityPriceOutlier,
				Venue:      venue,
				Instrument: instrument,
				Message:    fmt.Sprintf("price change %s%% exceeds threshold %s%%", change.StringFixed(2), q.cfg.PriceChangeThresholdPct.String()),
				Blocking:   true,
				Timestamp:  now,
			})
			q.logger.Warn().Str("venue", venue).Str("instrument", instrument).Str("change_pct", change.String()).Msg("price outlier detected")
		}
	}

	if hadSeen {
		if age := now.Sub(lastSeen); age > q.cfg.StaleDataThreshold {
			events = append(events, QualityEvent{
				Type:       QualityStaleData,
				Venue:      venue,
				Instrument: instrument,
				Message:    fmt.Sprintf("no update for %s (threshold %s)", age, q.cfg.StaleDataThreshold),
				Blocking:   true,
				Timestamp:  now,
			})
		}
	}

	q.mu.Lock()
	q.lastPrice[key] = priceObservation{price: price, timestamp: now}
	q.lastSeen[key] = now
	if q.crossVenue[instrument] == nil {
		q.crossVenue[instrument] = make(map[string]decimal.Decimal)
	}
	q.crossVenue[instrument][venue] = price
	venuePrices := q.crossVenue[instrument]
	q.mu.Unlock()

	events = append(events, q.checkCrossVenue(instrument, venuePrices, now)...)
	return events
}

func (q *QualityGate) checkCrossVenue(instrument string, prices map[string]decimal.Decimal, now time.Time) []QualityEvent {
	if len(prices) < 2 {
		return nil
	}
	var events []QualityEvent
	venues := make([]string, 0, len(prices))
	for v := range prices {
		venues = append(venues, v)
	}
	for i := 0; i < len(venues); i++ {
		for j := i + 1; j < len(venues); j++ {
			a, b := prices[venues[i]], prices[venues[j]]
			if a.IsZero() || b.IsZero() {
				continue
			}
			spread := a.Sub(b).Div(a).Abs().Mul(decimal.NewFromInt(100))
			if spread.GreaterThan(q.cfg.CrossVenueMaxSpreadPct) {
				events = append(events, QualityEvent{
					Type:       QualityCrossVenue,
					Venue:      venues[i] + " vs " + venues[j],
					Instrument: instrument,
					Message:    fmt.Sprintf("cross-venue spread %s%% exceeds %s%%", spread.StringFixed(2), q.cfg.CrossVenueMaxSpreadPct.String()),
					Blocking:   false,
					Timestamp:  now,
				})
			}
		}
	}
	return events
}
