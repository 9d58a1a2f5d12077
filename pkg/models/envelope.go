package models

import "encoding/json"

// EnvelopeKind discriminates the units of the merged output stream.
type EnvelopeKind string

const (
	KindToken        EnvelopeKind = "token"
	KindDone         EnvelopeKind = "done"
	KindError        EnvelopeKind = "error"
	KindSkipped      EnvelopeKind = "skipped"
	KindHeartbeat    EnvelopeKind = "heartbeat"
	KindTurnComplete EnvelopeKind = "turn-complete"
)

// Terminal reports whether the kind ends a source's stream.
func (k EnvelopeKind) Terminal() bool {
	return k == KindDone || k == KindError || k == KindSkipped
}

// Sequenced reports whether envelopes of this kind carry a source sequence.
func (k EnvelopeKind) Sequenced() bool {
	return k == KindToken || k.Terminal()
}

// Cause categories attached to error and skipped envelopes.
const (
	CauseRateLimited       = "rate_limited"
	CauseInvalidResponse   = "invalid_response"
	CauseTimeout           = "timeout"
	CauseUpstreamError     = "upstream_error"
	CauseCancelled         = "cancelled"
	CauseBudget            = "budget"
	CauseFinalizationFault = "finalization_fault"
)

// Envelope is one unit of a turn's merged output. Seq is monotonic and
// gap-free per source within one round; heartbeats and the turn-complete
// envelope carry no source sequence.
type Envelope struct {
	Source string       `json:"source,omitempty"`
	Seq    int          `json:"seq"`
	Kind   EnvelopeKind `json:"kind"`
	Text   string       `json:"text,omitempty"`
	Usage  *Usage       `json:"usage,omitempty"`
	Cause  string       `json:"cause,omitempty"`

	// Set only on turn-complete.
	TurnID         string     `json:"turn_id,omitempty"`
	Status         TurnStatus `json:"status,omitempty"`
	CreditsCharged int64      `json:"credits_charged,omitempty"`
}

// MarshalJSON omits seq on heartbeats and turn-complete, and always writes
// credits_charged on turn-complete, zero included.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := struct {
		Source         string       `json:"source,omitempty"`
		Seq            *int         `json:"seq,omitempty"`
		Kind           EnvelopeKind `json:"kind"`
		Text           string       `json:"text,omitempty"`
		Usage          *Usage       `json:"usage,omitempty"`
		Cause          string       `json:"cause,omitempty"`
		TurnID         string       `json:"turn_id,omitempty"`
		Status         TurnStatus   `json:"status,omitempty"`
		CreditsCharged *int64       `json:"credits_charged,omitempty"`
	}{
		Source: e.Source,
		Kind:   e.Kind,
		Text:   e.Text,
		Usage:  e.Usage,
		Cause:  e.Cause,
		TurnID: e.TurnID,
		Status: e.Status,
	}
	if e.Kind.Sequenced() {
		seq := e.Seq
		w.Seq = &seq
	}
	if e.Kind == KindTurnComplete {
		charged := e.CreditsCharged
		w.CreditsCharged = &charged
	}
	return json.Marshal(w)
}
