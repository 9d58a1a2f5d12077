package models

import "time"

// EntryState is the two-phase state of a ledger entry.
type EntryState string

const (
	EntryPending   EntryState = "pending"
	EntryConfirmed EntryState = "confirmed"
	EntryReversed  EntryState = "reversed"
)

// EntryKind distinguishes turn reservations from external credits.
type EntryKind string

const (
	EntryReservation EntryKind = "reservation"
	EntryTopUp       EntryKind = "topup"
	EntryAdjustment  EntryKind = "adjustment"
)

// LedgerEntry is one billing transaction. ID doubles as the idempotency key.
// Amount is negative for debits.
type LedgerEntry struct {
	ID          string     `json:"entry_id"`
	UserID      string     `json:"user_id"`
	Amount      int64      `json:"amount"`
	Kind        EntryKind  `json:"kind"`
	State       EntryState `json:"state"`
	TurnID      string     `json:"turn_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}
