package models

import "time"

// Fault is a ledger finalization that could not be completed and needs
// manual reconciliation.
type Fault struct {
	ID         string     `json:"id"`
	TurnID     string     `json:"turn_id"`
	EntryID    string     `json:"entry_id"`
	UserID     string     `json:"user_id"`
	Operation  string     `json:"operation"`
	Amount     int64      `json:"amount"`
	Error      string     `json:"error"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// FaultQuery specifies filters for listing faults.
type FaultQuery struct {
	UserID     string
	TurnID     string
	Since      time.Time
	Unresolved bool
	Limit      int
}

// FaultStat holds fault counts for an operation/day combination.
type FaultStat struct {
	Operation string
	Day       string
	Count     int
	Open      int
}
