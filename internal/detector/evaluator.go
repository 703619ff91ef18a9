package detector

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// SkipReason explains why an evaluation did not fire, for observability
// and for the detector's own tests.
type SkipReason string

const (
	SkipNone                SkipReason = ""
	SkipZScoreWarmup        SkipReason = "zscore_warmup"
	SkipZScoreBelow         SkipReason = "zscore_below"
	SkipPersistenceStarting SkipReason = "persistence_starting"
	SkipPersistenceNotMet   SkipReason = "persistence_not_met"
	SkipThrottled           SkipReason = "throttled"
	SkipEvaluationError     SkipReason = "evaluation_error"
)

// EvalResult is the pure outcome of evaluating one sample against one
// AlertDefinition/Threshold. It never mutates detector state by
// itself — callers (Detector.Process) apply it to the lifecycle state
// machine.
type EvalResult struct {
	Triggered bool
	Skip      SkipReason
	// ClearPersistence tells the caller to drop any PersistenceCell for
	// this condition-key — the underlying condition is no longer true.
	ClearPersistence bool
	// StartPersistence tells the caller to set a PersistenceCell's
	// first-seen-at to now, because the condition just became true.
	StartPersistence bool
}

// evaluateCondition runs the comparison test, the z-score gate, and
// the persistence gate in sequence. It does not know about active
// alerts or throttling — that is Detector.Process's job, since it
// requires the shared maps this function must stay pure of.
func evaluateCondition(sample model.MetricSample, def model.AlertDefinition, threshold model.Threshold, cell *model.PersistenceCell, now time.Time) EvalResult {
	if !compare(def.Comparison, sample.Value, threshold.Primary) {
		return EvalResult{Triggered: false, ClearPersistence: true}
	}

	if def.RequiresZScore {
		if sample.ZScore == nil {
			return EvalResult{Triggered: false, Skip: SkipZScoreWarmup}
		}
		if threshold.ZScore == nil {
			return EvalResult{Triggered: false, Skip: SkipEvaluationError}
		}
		if sample.ZScore.Abs().LessThan(*threshold.ZScore) {
			return EvalResult{Triggered: false, Skip: SkipZScoreBelow}
		}
	}

	if def.PersistenceSeconds > 0 {
		if cell == nil {
			return EvalResult{Triggered: false, Skip: SkipPersistenceStarting, StartPersistence: true}
		}
		if now.Sub(cell.FirstSeenAt) < def.PersistenceSeconds {
			return EvalResult{Triggered: false, Skip: SkipPersistenceNotMet}
		}
	}

	return EvalResult{Triggered: true}
}

// compare applies one of the four documented comparison operators.
// abs_gt and abs_lt use strict inequality uniformly rather than mixed
// inclusive/exclusive forms.
func compare(cmp model.Comparison, value, threshold decimal.Decimal) bool {
	switch cmp {
	case model.CompareGT:
		return value.GreaterThan(threshold)
	case model.CompareLT:
		return value.LessThan(threshold)
	case model.CompareAbsGT:
		return value.Abs().GreaterThan(threshold)
	case model.CompareAbsLT:
		return value.Abs().LessThan(threshold)
	default:
		return false
	}
}

// isWorse reports whether candidate is a more extreme reading than
// current under the given comparison's "bad direction", used to update
// an active alert's peak value.
func isWorse(cmp model.Comparison, candidate, current decimal.Decimal) bool {
	switch cmp {
	case model.CompareGT, model.CompareAbsGT:
		return candidateAbsOrRaw(cmp, candidate).GreaterThan(candidateAbsOrRaw(cmp, current))
	case model.CompareLT, model.CompareAbsLT:
		return candidateAbsOrRaw(cmp, candidate).LessThan(candidateAbsOrRaw(cmp, current))
	default:
		return false
	}
}

func candidateAbsOrRaw(cmp model.Comparison, v decimal.Decimal) decimal.Decimal {
	if cmp == model.CompareAbsGT || cmp == model.CompareAbsLT {
		return v.Abs()
	}
	return v
}
