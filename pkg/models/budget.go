package models

// BudgetDecision is the guard's verdict on a pending call.
type BudgetDecision string

const (
	BudgetOK       BudgetDecision = "ok"
	BudgetTruncate BudgetDecision = "truncate"
	BudgetReject   BudgetDecision = "reject"
)

// TokenBudget is the per-call estimate computed by the guard. It is never persisted.
type TokenBudget struct {
	Provider     string         `json:"provider"`
	ContextLimit int            `json:"context_limit"`
	SafetyMargin int            `json:"safety_margin"`
	PromptTokens int            `json:"prompt_tokens"`
	PeerTokens   int            `json:"peer_tokens"`
	Decision     BudgetDecision `json:"decision"`
	// Retain is the number of peer tokens to keep when Decision is truncate.
	Retain int `json:"retain,omitempty"`
}
