package venue

import (
	"time"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// GapTracker implements the two-rule sequence-gap policy (ADR-005):
// forward sequence jumps are normal and never reported.
// A gap fires only when (a) a new sequence number is less than or equal
// to the previous one, or (b) no message for the instrument arrives
// within SilenceThreshold. A strict monotonic check is deliberately not
// used — it would misreport the normal sparse-sequence gaps venues
// produce thousands of times an hour.
type GapTracker struct {
	cfg GapConfig

	instruments map[string]*instrumentState
}

type instrumentState struct {
	lastSequence int64
	haveSequence bool
	lastMsgAt    time.Time
	haveMsg      bool
}

// NewGapTracker creates a tracker for one venue's instruments.
func NewGapTracker(cfg GapConfig) *GapTracker {
	return &GapTracker{cfg: cfg, instruments: make(map[string]*instrumentState)}
}

// Observe records a message's sequence number and arrival time, and
// returns a GapMarker if the backwards/duplicate rule fires.
func (g *GapTracker) Observe(venue, instrument string, sequence int64, now time.Time) (*model.GapMarker, bool) {
	st := g.stateFor(instrument)

	var marker *model.GapMarker
	if st.haveSequence && sequence <= st.lastSequence {
		marker = &model.GapMarker{
			Venue:          venue,
			Instrument:     instrument,
			GapStart:       st.lastMsgAt,
			GapEnd:         now,
			Duration:       now.Sub(st.lastMsgAt),
			Reason:         gapReason(sequence, st.lastSequence),
			SequenceBefore: st.lastSequence,
			SequenceAfter:  sequence,
		}
	}

	st.lastSequence = sequence
	st.haveSequence = true
	st.lastMsgAt = now
	st.haveMsg = true

	return marker, marker != nil
}

func gapReason(newSeq, prevSeq int64) model.GapReason {
	if newSeq == prevSeq {
		return model.GapDuplicate
	}
	return model.GapSequenceRegression
}

// CheckSilence scans every tracked instrument for time-based silence and
// returns a GapMarker for any that have exceeded SilenceThreshold since
// their last message. The caller is expected to invoke this
// periodically (e.g. once per second) rather than per-message.
func (g *GapTracker) CheckSilence(venueName string, now time.Time) []model.GapMarker {
	var out []model.GapMarker
	for instrument, st := range g.instruments {
		if !st.haveMsg {
			continue
		}
		if age := now.Sub(st.lastMsgAt); age >= g.cfg.SilenceThreshold {
			out = append(out, model.GapMarker{
				Venue:      venueName,
				Instrument: instrument,
				GapStart:   st.lastMsgAt,
				GapEnd:     now,
				Duration:   age,
				Reason:     model.GapTimeout,
			})
			// Reset so the same silence window is not reported on every
			// subsequent scan until a new message arrives.
			st.lastMsgAt = now
		}
	}
	return out
}

// Disconnect records a disconnect-caused gap spanning from the last
// known message to the reconnect time, then clears tracked state for
// a clean restart.
func (g *GapTracker) Disconnect(venueName, instrument string, reconnectedAt time.Time) *model.GapMarker {
	st := g.instruments[instrument]
	if st == nil || !st.haveMsg {
		return nil
	}
	marker := &model.GapMarker{
		Venue:      venueName,
		Instrument: instrument,
		GapStart:   st.lastMsgAt,
		GapEnd:     reconnectedAt,
		Duration:   reconnectedAt.Sub(st.lastMsgAt),
		Reason:     model.GapDisconnect,
	}
	delete(g.instruments, instrument)
	return marker
}

func (g *GapTracker) stateFor(instrument string) *instrumentState {
	st, ok := g.instruments[instrument]
	if !ok {
		st = &instrumentState{}
		g.instruments[instrument] = st
	}
	return st
}
