package bridge

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to TurnState
		want     bool
	}{
		{StateReceived, StateScanned, true},
		{StateScanned, StateExecuted, true},
		{StateScanned, StateAwaitingConfirmation, true},
		{StateAwaitingConfirmation, StateConfirmed, true},
		{StateAwaitingConfirmation, StateAbandoned, true},
		{StateConfirmed, StateExecuted, true},
		{StateConfirmed, StateAwaitingConfirmation, true},
		{StateExecuted, StateSanitized, true},
		{StateSanitized, StateDelivered, true},

		{StateReceived, StateExecuted, false},
		{StateScanned, StateDelivered, false},
		{StateAwaitingConfirmation, StateExecuted, false},
		{StateAwaitingConfirmation, StateFailed, false},
		{StateExecuted, StateDelivered, false},
		{StateDelivered, StateFailed, false},
		{StateAbandoned, StateConfirmed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTurnState_Terminal(t *testing.T) {
	t.Parallel()
	for _, s := range []TurnState{StateDelivered, StateFailed, StateAbandoned} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []TurnState{StateReceived, StateScanned, StateAwaitingConfirmation, StateConfirmed, StateExecuted, StateSanitized} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}

func TestStateMachine(t *testing.T) {
	t.Parallel()

	m := newStateMachine("t1", slog.Default())
	if err := m.to(StateExecuted); err == nil {
		t.Error("received -> executed succeeded")
	}
	if m.state != StateReceived {
		t.Errorf("state = %s after illegal transition", m.state)
	}

	for _, s := range []TurnState{StateScanned, StateAwaitingConfirmation} {
		if err := m.to(s); err != nil {
			t.Fatalf("to(%s): %v", s, err)
		}
	}
	m.fail()
	if m.state != StateAbandoned {
		t.Errorf("fail() while awaiting = %s, want %s", m.state, StateAbandoned)
	}

	m2 := newStateMachine("t2", slog.Default())
	_ = m2.to(StateScanned)
	_ = m2.to(StateExecuted)
	m2.fail()
	if m2.state != StateFailed {
		t.Errorf("fail() = %s, want %s", m2.state, StateFailed)
	}
	m2.fail()
	if m2.state != StateFailed {
		t.Errorf("fail() on terminal state changed it to %s", m2.state)
	}
}

func TestStateMachine_LogsTurnIDOnce(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil)).With("turn_id", "t3")

	m := newStateMachine("t3", logger)
	_ = m.to(StateScanned)
	_ = m.to(StateExecuted)
	m.fail()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("logged %d lines, want 3:\n%s", len(lines), buf.String())
	}
	for _, l := range lines {
		if n := strings.Count(l, "turn_id="); n != 1 {
			t.Errorf("turn_id appears %d times in %q", n, l)
		}
	}
}
