// Package types defines the shared types used across all SpeechGuard packages.
//
// These types form the lingua franca between the WebSocket ingress, the audio
// aggregator, and the upstream inference client. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// AudioChunk is a single buffer of captured speech flowing into the gateway.
// The capture pipeline delivers mono 16 kHz PCM tagged with a session ID and
// a monotonically increasing sequence number; no ordering guarantee exists
// beyond arrival order per session.
type AudioChunk struct {
	// SessionID identifies the live session this chunk belongs to.
	SessionID string

	// Seq is the capture-side sequence number, increasing per session.
	Seq uint64

	// PCM is raw 16-bit little-endian mono audio at 16 kHz.
	PCM []byte

	// ReceivedAt marks when the gateway accepted the chunk.
	ReceivedAt time.Time
}

// Label classifies a moderation verdict for one audio batch.
type Label string

const (
	// LabelClean means no problematic speech was detected.
	LabelClean Label = "CLEAN"

	// LabelOffensive flags profanity or insults.
	LabelOffensive Label = "OFFENSIVE"

	// LabelHate flags hate speech, the most severe class.
	LabelHate Label = "HATE"
)

// IsValid reports whether l is a recognised moderation label.
func (l Label) IsValid() bool {
	switch l {
	case LabelClean, LabelOffensive, LabelHate:
		return true
	}
	return false
}

// IsClean reports whether l is the clean label. Unknown labels are treated as
// clean so that a misbehaving upstream cannot latch a session into TOXIC.
func (l Label) IsClean() bool {
	return l != LabelOffensive && l != LabelHate
}

// Detection is one moderation verdict attached to an inference result.
type Detection struct {
	// Label is the verdict class.
	Label Label `json:"label"`

	// Score is the classifier confidence (0.0–1.0).
	Score float64 `json:"score"`
}

// Transcript is the speech-to-text output for one forwarded batch. Both
// partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string `json:"text"`

	// Words contains per-word detail when the upstream reports it. May be nil.
	Words []string `json:"words,omitempty"`
}

// InferenceResult is the structured response from the inference service for
// one forwarded audio batch.
type InferenceResult struct {
	// Status is "ok" on success; anything else is treated as a local error.
	Status string `json:"status"`

	// Partial is the interim transcript, if any.
	Partial *Transcript `json:"partial,omitempty"`

	// Final is the authoritative transcript, if any.
	Final *Transcript `json:"final,omitempty"`

	// Detections holds zero or more moderation verdicts. Only the first
	// (primary) detection drives the session hysteresis.
	Detections []Detection `json:"detections,omitempty"`
}

// Primary returns the first detection, or a zero Detection and false when the
// batch carried none.
func (r *InferenceResult) Primary() (Detection, bool) {
	if len(r.Detections) == 0 {
		return Detection{}, false
	}
	return r.Detections[0], true
}

// AlertState is the debounced per-session moderation state.
type AlertState string

const (
	// AlertClean is the default session state.
	AlertClean AlertState = "CLEAN"

	// AlertToxic is raised after consecutive non-clean detections.
	AlertToxic AlertState = "TOXIC"
)

// Alert is emitted to a session when its hysteresis state flips.
type Alert struct {
	// SessionID identifies the affected session.
	SessionID string

	// State is the new moderation state.
	State AlertState

	// Detection is the verdict that caused the flip.
	Detection Detection

	// At is when the flip happened.
	At time.Time
}
