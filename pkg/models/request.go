package models

// Tier is the cost class a turn is billed under.
type Tier string

const (
	TierStandard Tier = "standard"
	TierExpert   Tier = "expert"
)

// Mode selects which cost row of a tier applies.
type Mode string

const (
	ModeInitial    Mode = "initial"
	ModeFollowup   Mode = "followup"
	ModeReconsider Mode = "reconsider"
)

// TurnRequest is the input accepted by the orchestrator for one user turn.
// A non-empty ReconsiderOf makes the request the explicit trigger for a
// reconsider round over an earlier turn.
type TurnRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Tier           Tier   `json:"tier"`
	Prompt         string `json:"prompt"`
	Mode           Mode   `json:"mode"`
	ReconsiderOf   string `json:"reconsider_of,omitempty"`
}

// CostKey returns the cost table key for a tier and mode, e.g. "standard-initial".
func CostKey(tier Tier, mode Mode) string {
	return string(tier) + "-" + string(mode)
}
