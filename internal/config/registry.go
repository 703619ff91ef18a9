package config

import (
	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// Registry is the in-memory lookup structure the detector consumes: it
// satisfies detector.DefinitionSource without internal/detector needing
// to import internal/config, keeping the dependency direction config ->
// detector rather than the reverse.
type Registry struct {
	defsByMetric map[string][]model.AlertDefinition // metric -> every definition tracking it
	defsByType   map[string]model.AlertDefinition
	thresholds   map[string]map[string]model.Threshold // alert_type -> instrument -> threshold
}

// NewRegistry indexes a Config's definitions and thresholds for O(1)
// lookup. Thresholds resolve exact instrument first, "*" wildcard
// fallback. A metric may be tracked by more than one alert type (e.g.
// spread_warning and spread_critical both on spread_bps); all of them
// are kept, in cfg.Definitions order.
func NewRegistry(cfg *Config) *Registry {
	r := &Registry{
		defsByMetric: make(map[string][]model.AlertDefinition),
		defsByType:   make(map[string]model.AlertDefinition),
		thresholds:   make(map[string]map[string]model.Threshold),
	}
	for _, d := range cfg.Definitions {
		r.defsByMetric[d.Metric] = append(r.defsByMetric[d.Metric], d)
		r.defsByType[d.AlertType] = d
	}
	for _, t := range cfg.Thresholds {
		if r.thresholds[t.AlertType] == nil {
			r.thresholds[t.AlertType] = make(map[string]model.Threshold)
		}
		r.thresholds[t.AlertType][t.Instrument] = t
	}
	return r
}

// Lookup implements detector.DefinitionSource. It returns one match per
// AlertDefinition tracking metric that also has a resolvable threshold
// for instrument; a definition with no matching threshold is silently
// skipped rather than dropping the others. Enabled flags are not
// checked here.
func (r *Registry) Lookup(metric, instrument string) []model.DefinitionMatch {
	defs, ok := r.defsByMetric[metric]
	if !ok {
		return nil
	}
	var matches []model.DefinitionMatch
	for _, def := range defs {
		byInstrument, ok := r.thresholds[def.AlertType]
		if !ok {
			continue
		}
		if t, ok := byInstrument[instrument]; ok {
			matches = append(matches, model.DefinitionMatch{Def: def, Threshold: t})
			continue
		}
		if t, ok := byInstrument["*"]; ok {
			matches = append(matches, model.DefinitionMatch{Def: def, Threshold: t})
		}
	}
	return matches
}

// DefinitionByType returns the AlertDefinition for an alert type, used
// by the detector's escalation scan, which looks the definition up
// again by each active alert's type.
func (r *Registry) DefinitionByType(alertType string) (model.AlertDefinition, bool) {
	d, ok := r.defsByType[alertType]
	return d, ok
}
