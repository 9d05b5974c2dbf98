package moderate

import "github.com/vietvoicelabs/speechguard/pkg/types"

// Asymmetric debounce thresholds. Toxic alerts are raised eagerly (low
// false-negative tolerance) and cleared conservatively (low false-positive
// clearing tolerance), so a single noisy classification cannot flap the
// session's moderation state.
const (
	// toxicTripCount is the number of consecutive non-clean detections
	// required to enter the TOXIC state.
	toxicTripCount = 2

	// cleanClearCount is the number of consecutive clean detections required
	// to leave it.
	cleanClearCount = 3
)

// hysteresis tracks the debounced moderation state of one session. It is not
// safe for concurrent use; the owning session serialises access.
type hysteresis struct {
	toxicCount int
	cleanCount int
	toxic      bool
}

// observe feeds one batch verdict into the counters. A batch with no
// detection, or an unknown label, counts as clean. It returns the new alert
// state and whether the state flipped on this verdict.
func (h *hysteresis) observe(det types.Detection, present bool) (types.AlertState, bool) {
	if !present || det.Label.IsClean() {
		h.cleanCount++
		h.toxicCount = 0
		if h.toxic && h.cleanCount >= cleanClearCount {
			h.toxic = false
			return types.AlertClean, true
		}
	} else {
		h.toxicCount++
		h.cleanCount = 0
		if !h.toxic && h.toxicCount >= toxicTripCount {
			h.toxic = true
			return types.AlertToxic, true
		}
	}
	if h.toxic {
		return types.AlertToxic, false
	}
	return types.AlertClean, false
}
