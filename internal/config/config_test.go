package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const venuesYAML = `
venues:
  - name: binance
    ws_url: wss://stream.binance.com:9443/ws
    instruments: [BTCUSDT]
`

const instrumentsYAML = `
instruments:
  - id: BTC-USD
    venue_symbols:
      binance: BTCUSDT
`

const alertsYAML = `
definitions:
  - alert_type: wide_spread
    metric: spread_bps
    default_priority: P2
    default_severity: warning
    comparison: gt
    requires_zscore: false
    persistence_seconds: 10
    throttle_seconds: 60
    escalation_seconds: 0
    enabled: true
thresholds:
  - alert_type: wide_spread
    instrument: "*"
    primary: "50"
    enabled: true
`

const flagsYAML = `
features:
  zscore_window_size: 300
  zscore_min_samples: 30
  zscore_min_std_dev: "0.0001"
  ztracked_metrics: [spread_bps]
`

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidDocuments(t *testing.T) {
	dir := t.TempDir()
	venuesPath := writeTemp(t, dir, "venues.yaml", venuesYAML)
	instrumentsPath := writeTemp(t, dir, "instruments.yaml", instrumentsYAML)
	alertsPath := writeTemp(t, dir, "alerts.yaml", alertsYAML)
	flagsPath := writeTemp(t, dir, "feature_flags.yaml", flagsYAML)

	cfg, err := Load(venuesPath, instrumentsPath, alertsPath, flagsPath)
	require.NoError(t, err)

	require.Len(t, cfg.Venues, 1)
	assert.Equal(t, "binance", cfg.Venues[0].Name)
	require.Len(t, cfg.Definitions, 1)
	assert.Equal(t, "wide_spread", cfg.Definitions[0].AlertType)
	require.Len(t, cfg.Thresholds, 1)
	assert.Equal(t, "*", cfg.Thresholds[0].Instrument)
	assert.Equal(t, []string{"spread_bps"}, cfg.Features.ZTrackedMetrics)
}

func TestLoad_ThresholdReferencesUnknownAlertType(t *testing.T) {
	dir := t.TempDir()
	venuesPath := writeTemp(t, dir, "venues.yaml", venuesYAML)
	instrumentsPath := writeTemp(t, dir, "instruments.yaml", instrumentsYAML)
	badAlerts := `
definitions: []
thresholds:
  - alert_type: nonexistent
    instrument: "*"
    primary: "1"
    enabled: true
`
	alertsPath := writeTemp(t, dir, "alerts.yaml", badAlerts)
	flagsPath := writeTemp(t, dir, "feature_flags.yaml", flagsYAML)

	_, err := Load(venuesPath, instrumentsPath, alertsPath, flagsPath)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/venues.yaml", "/nonexistent/instruments.yaml", "/nonexistent/alerts.yaml", "/nonexistent/feature_flags.yaml")
	assert.Error(t, err)
}

func TestRegistry_LookupExactThenWildcard(t *testing.T) {
	dir := t.TempDir()
	venuesPath := writeTemp(t, dir, "venues.yaml", venuesYAML)
	instrumentsPath := writeTemp(t, dir, "instruments.yaml", instrumentsYAML)
	alertsPath := writeTemp(t, dir, "alerts.yaml", `
definitions:
  - alert_type: wide_spread
    metric: spread_bps
    default_priority: P2
    default_severity: warning
    comparison: gt
    requires_zscore: false
    persistence_seconds: 10
    throttle_seconds: 60
    escalation_seconds: 0
    enabled: true
thresholds:
  - alert_type: wide_spread
    instrument: "*"
    primary: "50"
    enabled: true
  - alert_type: wide_spread
    instrument: "BTC-USD"
    primary: "30"
    enabled: true
`)
	flagsPath := writeTemp(t, dir, "feature_flags.yaml", flagsYAML)

	cfg, err := Load(venuesPath, instrumentsPath, alertsPath, flagsPath)
	require.NoError(t, err)
	reg := NewRegistry(cfg)

	matches := reg.Lookup("spread_bps", "BTC-USD")
	require.Len(t, matches, 1)
	assert.Equal(t, "wide_spread", matches[0].Def.AlertType)
	assert.Equal(t, "30", matches[0].Threshold.Primary.String())

	matches = reg.Lookup("spread_bps", "ETH-USD")
	require.Len(t, matches, 1)
	assert.Equal(t, "50", matches[0].Threshold.Primary.String())

	assert.Empty(t, reg.Lookup("unknown_metric", "BTC-USD"))
}

// Two alert types tracking the same metric must both be returned by
// Lookup, not just whichever was declared last.
func TestRegistry_LookupReturnsEveryAlertTypeForSharedMetric(t *testing.T) {
	dir := t.TempDir()
	venuesPath := writeTemp(t, dir, "venues.yaml", venuesYAML)
	instrumentsPath := writeTemp(t, dir, "instruments.yaml", instrumentsYAML)
	alertsPath := writeTemp(t, dir, "alerts.yaml", `
definitions:
  - alert_type: spread_warning
    metric: spread_bps
    default_priority: P3
    default_severity: warning
    comparison: gt
    requires_zscore: false
    persistence_seconds: 0
    throttle_seconds: 60
    escalation_seconds: 0
    enabled: true
  - alert_type: spread_critical
    metric: spread_bps
    default_priority: P1
    default_severity: critical
    comparison: gt
    requires_zscore: false
    persistence_seconds: 0
    throttle_seconds: 60
    escalation_seconds: 0
    enabled: true
thresholds:
  - alert_type: spread_warning
    instrument: "*"
    primary: "3"
    enabled: true
  - alert_type: spread_critical
    instrument: "*"
    primary: "8"
    enabled: true
`)
	flagsPath := writeTemp(t, dir, "feature_flags.yaml", flagsYAML)

	cfg, err := Load(venuesPath, instrumentsPath, alertsPath, flagsPath)
	require.NoError(t, err)
	reg := NewRegistry(cfg)

	matches := reg.Lookup("spread_bps", "BTC-USD")
	require.Len(t, matches, 2)
	types := []string{matches[0].Def.AlertType, matches[1].Def.AlertType}
	assert.ElementsMatch(t, []string{"spread_warning", "spread_critical"}, types)
}
