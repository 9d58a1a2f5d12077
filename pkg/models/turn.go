package models

import "time"

// TurnStatus is the terminal status of a turn.
type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnCompleted TurnStatus = "complete"
	TurnPartial   TurnStatus = "partial"
	TurnFailed    TurnStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s TurnStatus) Terminal() bool {
	return s != TurnPending && s != ""
}

// CallRole is a provider call's part in a turn.
type CallRole string

const (
	RoleInitial    CallRole = "initial"
	RoleReconsider CallRole = "reconsider"
	RoleFollowup   CallRole = "followup"
)

// Outcome is the terminal result of one provider call.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeSkipped   Outcome = "skipped"
)

// Turn is one user prompt-and-response cycle.
type Turn struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Tier           Tier       `json:"tier"`
	Mode           Mode       `json:"mode"`
	Prompt         string     `json:"prompt"`
	ReconsiderOf   string     `json:"reconsider_of,omitempty"`
	Status         TurnStatus `json:"status"`
	CreditsCharged int64      `json:"credits_charged"`
	EntryID        string     `json:"entry_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FinishedAt     time.Time  `json:"finished_at"`

	Calls []ProviderCall `json:"calls,omitempty"`
}

// Succeeded returns the calls that ended with OutcomeSuccess.
func (t *Turn) Succeeded() []ProviderCall {
	var out []ProviderCall
	for _, c := range t.Calls {
		if c.Outcome == OutcomeSuccess {
			out = append(out, c)
		}
	}
	return out
}

// ProviderCall is one provider's participation in a turn.
type ProviderCall struct {
	TurnID     string    `json:"turn_id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model,omitempty"`
	Role       CallRole  `json:"role"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Increments int       `json:"increments"`
	Usage      Usage     `json:"usage"`
	Outcome    Outcome   `json:"outcome"`
	Cause      string    `json:"cause,omitempty"`
	Text       string    `json:"text,omitempty"`
}
