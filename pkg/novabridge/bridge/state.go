package bridge

import (
	"fmt"
	"log/slog"
)

// TurnState is a step of the turn state machine.
type TurnState string

const (
	StateReceived             TurnState = "received"
	StateScanned              TurnState = "scanned"
	StateAwaitingConfirmation TurnState = "awaiting_confirmation"
	StateConfirmed            TurnState = "confirmed"
	StateAbandoned            TurnState = "abandoned"
	StateExecuted             TurnState = "executed"
	StateSanitized            TurnState = "sanitized"
	StateDelivered            TurnState = "delivered"
	StateFailed               TurnState = "failed"
)

// transitions lists the allowed successors of each state. A confirmed turn
// may pause again when a later step (fetched content) raises new findings.
var transitions = map[TurnState][]TurnState{
	StateReceived:             {StateScanned, StateFailed},
	StateScanned:              {StateAwaitingConfirmation, StateExecuted, StateFailed},
	StateAwaitingConfirmation: {StateConfirmed, StateAbandoned},
	StateConfirmed:            {StateAwaitingConfirmation, StateExecuted, StateFailed},
	StateExecuted:             {StateSanitized, StateFailed},
	StateSanitized:            {StateDelivered, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s TurnState) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to TurnState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateMachine tracks one turn's state and logs every transition. The
// logger is expected to carry the turn ID already.
type stateMachine struct {
	turnID string
	state  TurnState
	logger *slog.Logger
}

func newStateMachine(turnID string, logger *slog.Logger) *stateMachine {
	return &stateMachine{turnID: turnID, state: StateReceived, logger: logger}
}

// to moves to next. An illegal transition is a programming error and is
// reported without changing the state.
func (m *stateMachine) to(next TurnState) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("turn %s: illegal transition %s -> %s", m.turnID, m.state, next)
	}
	m.logger.Info("turn transition", "from", m.state, "to", next)
	m.state = next
	return nil
}

// fail moves to failed from any non-terminal state.
func (m *stateMachine) fail() {
	if m.state.Terminal() {
		return
	}
	if !CanTransition(m.state, StateFailed) {
		// awaiting_confirmation cannot fail directly; it is abandoned.
		m.logger.Info("turn transition", "from", m.state, "to", StateAbandoned)
		m.state = StateAbandoned
		return
	}
	m.logger.Info("turn transition", "from", m.state, "to", StateFailed)
	m.state = StateFailed
}
