package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrIllegalTransition is returned when a turn is asked to move to a state
// not reachable from its current one.
var ErrIllegalTransition = errors.New("illegal turn state transition")

// State is a turn's position in its lifecycle.
type State string

const (
	StateInit                State = "init"
	StateAwaitingReconsider  State = "awaiting_reconsider_trigger"
	StateReserving           State = "reserving"
	StateStreamingInitial    State = "streaming_initial"
	StateStreamingReconsider State = "streaming_reconsider"
	StateFinalizing          State = "finalizing"
	StateComplete            State = "complete"
	StatePartial             State = "partial"
	StateFailed              State = "failed"
)

// A reconsider turn enters through StateAwaitingReconsider once the turn it
// references has been validated. It skips StateReserving only when every
// provider was rejected by the guard and nothing is billed.
var transitions = map[State][]State{
	StateInit:                {StateReserving, StateAwaitingReconsider},
	StateAwaitingReconsider:  {StateReserving, StateFinalizing},
	StateReserving:           {StateStreamingInitial, StateStreamingReconsider, StateFailed},
	StateStreamingInitial:    {StateFinalizing},
	StateStreamingReconsider: {StateFinalizing},
	StateFinalizing:          {StateComplete, StatePartial, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine tracks one turn's state. It is owned by a single goroutine.
type machine struct {
	turnID string
	state  State
	logger *slog.Logger
}

func newMachine(turnID string, logger *slog.Logger) *machine {
	return &machine{turnID: turnID, state: StateInit, logger: logger}
}

func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("turn %s: %s -> %s: %w", m.turnID, m.state, next, ErrIllegalTransition)
	}
	m.logger.Debug("turn state", "turn_id", m.turnID, "from", m.state, "to", next)
	m.state = next
	return nil
}
