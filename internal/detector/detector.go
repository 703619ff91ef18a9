// Package detector implements the dual-condition alert engine: the
// heart of the system, where threshold and z-score conditions are
// combined into a pending -> active -> (escalated)? -> resolved
// lifecycle with persistence and throttle guards.
package detector

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// DefinitionSource resolves the AlertDefinitions and Thresholds that
// apply to a given metric/instrument pair. Definitions and thresholds
// are config-driven (internal/config), so the detector depends only on
// this narrow lookup interface rather than the config package directly.
type DefinitionSource interface {
	// Lookup returns every AlertDefinition tracking metric (enabled or
	// not; Process skips disabled definitions and thresholds), each
	// paired with its Threshold resolved for instrument (falling back
	// to the "*" wildcard). More than one alert type may track the same
	// metric (spread_warning and spread_critical both on spread_bps is
	// the canonical example), so every match must be evaluated
	// independently rather than just the first one found.
	Lookup(metric, instrument string) []model.DefinitionMatch

	// DefinitionByType returns the AlertDefinition for a known alert
	// type. Used by the escalation scan, which already knows an active
	// alert's committed alert type and must resolve that exact
	// definition rather than re-running a metric lookup that could now
	// return several.
	DefinitionByType(alertType string) (model.AlertDefinition, bool)
}

type throttleEntry struct {
	lastResolvedAt time.Time
}

// Config tunes detector-wide behavior not captured per-alert-definition.
type Config struct {
	// EscalationScanInterval is how often the single periodic scan looks
	// for active alerts that have exceeded their EscalationSeconds.
	// Escalation is never driven by a per-alert timer.
	EscalationScanInterval time.Duration
}

// DefaultConfig returns the documented 1Hz escalation cadence.
func DefaultConfig() Config {
	return Config{EscalationScanInterval: time.Second}
}

// Detector owns the full alert lifecycle for every (alert_type, venue,
// instrument) condition it observes. A single Detector is meant to be
// driven by one task; all exported methods are additionally
// mutex-protected so the periodic escalation scan can run concurrently
// with Process calls.
type Detector struct {
	cfg   Config
	defs  DefinitionSource
	clock Clock
	log   zerolog.Logger

	mu               sync.Mutex
	persistenceCells map[model.ConditionKey]*model.PersistenceCell
	activeAlerts     map[model.ConditionKey]*model.Alert
	throttle         map[model.ConditionKey]throttleEntry

	onAlert func(model.Alert) // invoked on every lifecycle transition
}

// New creates a Detector. onAlert is called synchronously for every
// lifecycle transition (new, updated peak, escalated, resolved) — the
// caller is expected to forward it to storage/notify without blocking
// long, since it runs under the detector's lock during Process.
func New(cfg Config, defs DefinitionSource, clock Clock, log zerolog.Logger, onAlert func(model.Alert)) *Detector {
	if onAlert == nil {
		onAlert = func(model.Alert) {}
	}
	return &Detector{
		cfg:              cfg,
		defs:             defs,
		clock:            clock,
		log:              log,
		persistenceCells: make(map[model.ConditionKey]*model.PersistenceCell),
		activeAlerts:     make(map[model.ConditionKey]*model.Alert),
		throttle:         make(map[model.ConditionKey]throttleEntry),
		onAlert:          onAlert,
	}
}

// Process evaluates one metric sample against every AlertDefinition that
// tracks it and drives the lifecycle state machine for each one's
// condition key independently. It is the sole entry point other
// pipeline stages call.
func (d *Detector) Process(sample model.MetricSample) {
	matches := d.defs.Lookup(sample.Metric, sample.Instrument)
	if len(matches) == 0 {
		return
	}

	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, m := range matches {
		if !m.Def.Enabled || !m.Threshold.Enabled {
			continue
		}
		d.processMatchLocked(m.Def, m.Threshold, sample, now)
	}
}

// processMatchLocked runs the full evaluate/fire/resolve sequence for
// one (AlertDefinition, Threshold) pair against sample. Caller must
// hold d.mu.
func (d *Detector) processMatchLocked(def model.AlertDefinition, threshold model.Threshold, sample model.MetricSample, now time.Time) {
	key := model.ConditionKey{AlertType: def.AlertType, Venue: sample.Venue, Instrument: sample.Instrument}

	cell := d.persistenceCells[key]
	result := evaluateCondition(sample, def, threshold, cell, now)

	switch {
	case result.ClearPersistence:
		delete(d.persistenceCells, key)
	case result.StartPersistence:
		d.persistenceCells[key] = &model.PersistenceCell{Key: key, FirstSeenAt: now}
	}

	if !result.Triggered {
		// The condition is no longer true: an active alert resolves.
		if result.ClearPersistence {
			d.resolveLocked(key, now, model.ResolutionAuto, sample.Value)
		}
		return
	}

	if active, ok := d.activeAlerts[key]; ok {
		d.updatePeakLocked(active, def.Comparison, sample.Value, now)
		return
	}

	if entry, ok := d.throttle[key]; ok && now.Sub(entry.lastResolvedAt) < def.ThrottleSeconds {
		return
	}

	d.fireLocked(key, def, threshold, sample, now)
}

// fireLocked creates a new active alert. Caller must hold d.mu.
func (d *Detector) fireLocked(key model.ConditionKey, def model.AlertDefinition, threshold model.Threshold, sample model.MetricSample, now time.Time) {
	priority := def.DefaultPriority
	if threshold.PriorityOverride != nil {
		priority = *threshold.PriorityOverride
	}

	alert := model.Alert{
		AlertID:          fmt.Sprintf("%s-%s-%s-%s", def.AlertType, sample.Venue, sample.Instrument, uuid.New().String()[:8]),
		AlertType:        def.AlertType,
		Priority:         priority,
		Severity:         def.DefaultSeverity,
		Venue:            sample.Venue,
		Instrument:       sample.Instrument,
		TriggerMetric:    sample.Metric,
		TriggerValue:     sample.Value,
		TriggerThreshold: threshold.Primary,
		Comparison:       def.Comparison,
		ZScoreValue:      sample.ZScore,
		ZScoreThreshold:  threshold.ZScore,
		TriggeredAt:      now,
		PeakValue:        sample.Value,
		PeakAt:           now,
	}

	d.activeAlerts[key] = &alert
	d.log.Info().
		Str("alert_id", alert.AlertID).
		Str("alert_type", alert.AlertType).
		Str("venue", alert.Venue).
		Str("instrument", alert.Instrument).
		Str("priority", string(alert.Priority)).
		Msg("alert triggered")
	d.onAlert(alert)
}

// updatePeakLocked records a more extreme reading on an already-active
// alert. It does not re-notify unless the peak itself changed, to avoid
// flooding downstream consumers on every sample.
func (d *Detector) updatePeakLocked(alert *model.Alert, cmp model.Comparison, value decimal.Decimal, now time.Time) {
	if isWorse(cmp, value, alert.PeakValue) {
		alert.PeakValue = value
		alert.PeakAt = now
		d.onAlert(*alert)
	}
}

// resolveLocked transitions an active alert to resolved, if one exists
// for key. Caller must hold d.mu.
func (d *Detector) resolveLocked(key model.ConditionKey, now time.Time, rt model.ResolutionType, resolutionValue decimal.Decimal) {
	alert, ok := d.activeAlerts[key]
	if !ok {
		return
	}
	delete(d.activeAlerts, key)

	resolvedAt := now
	alert.ResolvedAt = &resolvedAt
	alert.DurationSeconds = resolvedAt.Sub(alert.TriggeredAt).Seconds()
	alert.ResolutionType = &rt
	rv := resolutionValue
	alert.ResolutionValue = &rv

	d.throttle[key] = throttleEntry{lastResolvedAt: now}

	d.log.Info().
		Str("alert_id", alert.AlertID).
		Float64("duration_seconds", alert.DurationSeconds).
		Str("resolution_type", string(rt)).
		Msg("alert resolved")
	d.onAlert(*alert)
}

// ScanEscalations checks every active alert against its definition's
// EscalationSeconds and escalates any that have held long enough. This
// single periodic scan — not a per-alert timer — is the only thing
// that ever escalates an alert.
func (d *Detector) ScanEscalations() {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, alert := range d.activeAlerts {
		if alert.Escalated {
			continue
		}
		def, ok := d.defs.DefinitionByType(alert.AlertType)
		if !ok || def.EscalationSeconds <= 0 {
			continue
		}
		if now.Sub(alert.TriggeredAt) < def.EscalationSeconds {
			continue
		}

		original := alert.Priority
		alert.OriginalPriority = &original
		alert.Priority = def.EscalationTarget
		alert.Escalated = true
		escalatedAt := now
		alert.EscalatedAt = &escalatedAt

		d.log.Warn().
			Str("alert_id", alert.AlertID).
			Str("from_priority", string(original)).
			Str("to_priority", string(alert.Priority)).
			Msg("alert escalated")
		d.onAlert(*alert)
		_ = key
	}
}

// RunEscalationLoop blocks, calling ScanEscalations on cfg.EscalationScanInterval
// until stop is closed. The caller runs this in its own goroutine.
func (d *Detector) RunEscalationLoop(stop <-chan struct{}) {
	interval := d.cfg.EscalationScanInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.ScanEscalations()
		}
	}
}

// ResolveManual force-resolves an active alert, e.g. from an operator
// action. It is a no-op if no alert is active for key.
func (d *Detector) ResolveManual(key model.ConditionKey) {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if alert, ok := d.activeAlerts[key]; ok {
		d.resolveLocked(key, now, model.ResolutionManual, alert.TriggerValue)
	}
}

// ActiveCount reports how many alerts are currently active, for health
// reporting.
func (d *Detector) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.activeAlerts)
}
