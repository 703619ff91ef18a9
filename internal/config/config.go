// Package config defines the four immutable configuration documents the
// pipeline consumes: venues, instruments, alert definitions plus
// per-instrument thresholds, and feature flags. The core never watches
// these files — it is handed a frozen Config value at startup;
// reloading is a deliberate restart.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// VenueConfig describes one exchange connection.
type VenueConfig struct {
	Name        string   `yaml:"name"`
	WSURL       string   `yaml:"ws_url"`
	RESTURL     string   `yaml:"rest_url"`
	Instruments []string `yaml:"instruments"`

	PingIntervalSeconds int `yaml:"ping_interval_seconds"`
	PongTimeoutSeconds  int `yaml:"pong_timeout_seconds"`

	ReconnectInitialDelayMS int     `yaml:"reconnect_initial_delay_ms"`
	ReconnectMaxDelaySeconds int    `yaml:"reconnect_max_delay_seconds"`
	ReconnectMultiplier     float64 `yaml:"reconnect_multiplier"`
	ReconnectJitterFraction float64 `yaml:"reconnect_jitter_fraction"`
	ReconnectMaxAttempts    int     `yaml:"reconnect_max_attempts"`

	GapSilenceSeconds   int `yaml:"gap_silence_seconds"`
	RESTPollIntervalSec int `yaml:"rest_poll_interval_seconds"`

	RateLimitPerSecond int `yaml:"rate_limit_per_second"`
}

// VenuesDocument is the top-level venues.yaml shape.
type VenuesDocument struct {
	Venues []VenueConfig `yaml:"venues"`
}

// InstrumentConfig maps a normalized instrument id to each venue's
// native symbol/stream names and capture depth.
type InstrumentConfig struct {
	NormalizedID  string            `yaml:"id"`
	VenueSymbols  map[string]string `yaml:"venue_symbols"`
	DepthCaptured int               `yaml:"depth_captured"`
	IsPerp        bool              `yaml:"is_perp"`
	SpotPairName  string            `yaml:"spot_pair_name"` // for basis pairing, optional
}

// InstrumentsDocument is the top-level instruments.yaml shape.
type InstrumentsDocument struct {
	Instruments []InstrumentConfig `yaml:"instruments"`
}

// AlertDefinitionConfig is the yaml-decoded form of model.AlertDefinition.
type AlertDefinitionConfig struct {
	AlertType          string  `yaml:"alert_type"`
	Metric             string  `yaml:"metric"`
	DefaultPriority    string  `yaml:"default_priority"`
	DefaultSeverity    string  `yaml:"default_severity"`
	Comparison         string  `yaml:"comparison"`
	RequiresZScore     bool    `yaml:"requires_zscore"`
	PersistenceSeconds float64 `yaml:"persistence_seconds"`
	ThrottleSeconds    float64 `yaml:"throttle_seconds"`
	EscalationSeconds  float64 `yaml:"escalation_seconds"`
	EscalationTarget   string  `yaml:"escalation_target"`
	Enabled            bool    `yaml:"enabled"`
}

// ThresholdConfig is the yaml-decoded form of model.Threshold.
type ThresholdConfig struct {
	AlertType        string   `yaml:"alert_type"`
	Instrument       string   `yaml:"instrument"` // "*" for wildcard
	Primary          string   `yaml:"primary"`
	ZScore           *string  `yaml:"zscore"`
	PriorityOverride *string  `yaml:"priority_override"`
	Enabled          bool     `yaml:"enabled"`
}

// AlertsDocument is the top-level alerts.yaml shape: definitions plus
// their per-instrument threshold overrides.
type AlertsDocument struct {
	Definitions []AlertDefinitionConfig `yaml:"definitions"`
	Thresholds  []ThresholdConfig       `yaml:"thresholds"`
}

// FeatureFlags tunes the z-score and gap-detection defaults — the one
// "feature flags" document.
type FeatureFlags struct {
	ZScoreWindowSize          int     `yaml:"zscore_window_size"`
	ZScoreMinSamples          int     `yaml:"zscore_min_samples"`
	ZScoreMinStdDev           string  `yaml:"zscore_min_std_dev"`
	ZScoreWarmupLogSeconds    int     `yaml:"zscore_warmup_log_seconds"`
	ResetOnGapThresholdSeconds int    `yaml:"reset_on_gap_threshold_seconds"`
	DepthBpsWindows           []int   `yaml:"depth_bps_windows"`
	ZTrackedMetrics           []string `yaml:"ztracked_metrics"`
}

// FeatureFlagsDocument is the top-level feature_flags.yaml shape.
type FeatureFlagsDocument struct {
	Features FeatureFlags `yaml:"features"`
}

// Config is the single frozen value the core is handed at startup: the
// four immutable documents, decoded and validated.
type Config struct {
	Venues      []VenueConfig
	Instruments []InstrumentConfig
	Definitions []model.AlertDefinition
	Thresholds  []model.Threshold
	Features    FeatureFlags
}

// Load reads and decodes all four documents from disk and validates
// them. A config-invalid error here is the caller's cue to exit 1;
// Load itself only returns the error.
func Load(venuesPath, instrumentsPath, alertsPath, flagsPath string) (*Config, error) {
	venuesDoc, err := loadYAML[VenuesDocument](venuesPath)
	if err != nil {
		return nil, fmt.Errorf("load venues config: %w", err)
	}
	instrumentsDoc, err := loadYAML[InstrumentsDocument](instrumentsPath)
	if err != nil {
		return nil, fmt.Errorf("load instruments config: %w", err)
	}
	alertsDoc, err := loadYAML[AlertsDocument](alertsPath)
	if err != nil {
		return nil, fmt.Errorf("load alerts config: %w", err)
	}
	flagsDoc, err := loadYAML[FeatureFlagsDocument](flagsPath)
	if err != nil {
		return nil, fmt.Errorf("load feature flags config: %w", err)
	}

	defs, err := convertDefinitions(alertsDoc.Definitions)
	if err != nil {
		return nil, fmt.Errorf("invalid alert definitions: %w", err)
	}
	thresholds, err := convertThresholds(alertsDoc.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}

	cfg := &Config{
		Venues:      venuesDoc.Venues,
		Instruments: instrumentsDoc.Instruments,
		Definitions: defs,
		Thresholds:  thresholds,
		Features:    flagsDoc.Features,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadYAML[T any](path string) (T, error) {
	var out T
	b, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

func convertDefinitions(in []AlertDefinitionConfig) ([]model.AlertDefinition, error) {
	out := make([]model.AlertDefinition, 0, len(in))
	for _, d := range in {
		cmp, err := parseComparison(d.Comparison)
		if err != nil {
			return nil, fmt.Errorf("alert_type %s: %w", d.AlertType, err)
		}
		prio, err := parsePriority(d.DefaultPriority)
		if err != nil {
			return nil, fmt.Errorf("alert_type %s: %w", d.AlertType, err)
		}
		var escTarget model.Priority
		if d.EscalationSeconds > 0 {
			escTarget, err = parsePriority(d.EscalationTarget)
			if err != nil {
				return nil, fmt.Errorf("alert_type %s escalation_target: %w", d.AlertType, err)
			}
		}
		out = append(out, model.AlertDefinition{
			AlertType:          d.AlertType,
			Metric:             d.Metric,
			DefaultPriority:    prio,
			DefaultSeverity:    d.DefaultSeverity,
			Comparison:         cmp,
			RequiresZScore:     d.RequiresZScore,
			PersistenceSeconds: time.Duration(d.PersistenceSeconds * float64(time.Second)),
			ThrottleSeconds:    time.Duration(d.ThrottleSeconds * float64(time.Second)),
			EscalationSeconds:  time.Duration(d.EscalationSeconds * float64(time.Second)),
			EscalationTarget:   escTarget,
			Enabled:            d.Enabled,
		})
	}
	return out, nil
}

func convertThresholds(in []ThresholdConfig) ([]model.Threshold, error) {
	out := make([]model.Threshold, 0, len(in))
	for _, t := range in {
		primary, err := decimal.NewFromString(t.Primary)
		if err != nil {
			return nil, fmt.Errorf("threshold %s/%s: bad primary %q: %w", t.AlertType, t.Instrument, t.Primary, err)
		}
		var zscore *decimal.Decimal
		if t.ZScore != nil {
			z, err := decimal.NewFromString(*t.ZScore)
			if err != nil {
				return nil, fmt.Errorf("threshold %s/%s: bad zscore %q: %w", t.AlertType, t.Instrument, *t.ZScore, err)
			}
			zscore = &z
		}
		var override *model.Priority
		if t.PriorityOverride != nil {
			p, err := parsePriority(*t.PriorityOverride)
			if err != nil {
				return nil, fmt.Errorf("threshold %s/%s: %w", t.AlertType, t.Instrument, err)
			}
			override = &p
		}
		out = append(out, model.Threshold{
			AlertType:        t.AlertType,
			Instrument:       t.Instrument,
			Primary:          primary,
			ZScore:           zscore,
			PriorityOverride: override,
			Enabled:          t.Enabled,
		})
	}
	return out, nil
}

func parseComparison(s string) (model.Comparison, error) {
	switch model.Comparison(s) {
	case model.CompareGT, model.CompareLT, model.CompareAbsGT, model.CompareAbsLT:
		return model.Comparison(s), nil
	default:
		return "", fmt.Errorf("unknown comparison %q", s)
	}
}

func parsePriority(s string) (model.Priority, error) {
	switch model.Priority(s) {
	case model.PriorityP1, model.PriorityP2, model.PriorityP3:
		return model.Priority(s), nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Validate rejects a config the core cannot safely run with: an unknown
// alert type referenced by a threshold. Unparseable primary values are
// caught earlier, in convertThresholds, and are not checked here.
func (c *Config) Validate() error {
	known := make(map[string]bool, len(c.Definitions))
	for _, d := range c.Definitions {
		known[d.AlertType] = true
	}
	for _, t := range c.Thresholds {
		if !known[t.AlertType] {
			return fmt.Errorf("threshold references unknown alert_type %q", t.AlertType)
		}
	}
	return nil
}
