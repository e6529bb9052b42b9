package core

import (
	"testing"

	"github.com/spillwaylabs/spillway/pkg/api"
)

func sessionSpec() api.JobSpec {
	return api.JobSpec{Command: "true", CorrelationID: "sess-1"}.Normalize()
}

func TestSessionForwardOnly(t *testing.T) {
	s := NewSession(sessionSpec())
	for _, st := range []State{StateStaging, StateRunning, StateAwaitingCompletion, StateCollecting} {
		if err := s.Advance(st); err != nil {
			t.Fatalf("Advance(%s) failed: %v", st, err)
		}
	}
	if err := s.Advance(StateStaging); err == nil {
		t.Error("backward transition must be rejected")
	}
	if err := s.Advance(StateCollecting); err == nil {
		t.Error("re-entering the current state must be rejected")
	}
}

func TestSessionStreamingAndAwaitingAreAlternatives(t *testing.T) {
	s := NewSession(sessionSpec())
	if err := s.Advance(StateStaging); err != nil {
		t.Fatal(err)
	}
	if err := s.Advance(StateRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.Advance(StateStreaming); err != nil {
		t.Fatal(err)
	}
	if err := s.Advance(StateAwaitingCompletion); err == nil {
		t.Error("switching between streaming and awaiting must be rejected")
	}
}

func TestSessionAbortFromAnyNonTerminalState(t *testing.T) {
	for _, stop := range []State{StateProvisioning, StateStaging, StateRunning, StateCollecting} {
		s := NewSession(sessionSpec())
		if stop != StateProvisioning {
			for _, st := range []State{StateStaging, StateRunning, StateAwaitingCompletion, StateCollecting} {
				if stateRank[st] > stateRank[stop] {
					break
				}
				if err := s.Advance(st); err != nil {
					t.Fatal(err)
				}
			}
		}
		if err := s.MarkTerminal(api.StatusAborted); err != nil {
			t.Errorf("abort from %s failed: %v", stop, err)
		}
		if s.TerminalStatus() != api.StatusAborted {
			t.Errorf("terminal status not recorded from %s", stop)
		}
	}
}

func TestSessionTerminalIsFinal(t *testing.T) {
	s := NewSession(sessionSpec())
	if err := s.MarkTerminal(api.StatusFailed); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkTerminal(api.StatusSucceeded); err == nil {
		t.Error("terminal status must not be overwritten")
	}
	if err := s.Advance(StateStaging); err == nil {
		t.Error("no transitions after terminal")
	}
}

func TestSessionTornDownOnlyFromTerminal(t *testing.T) {
	s := NewSession(sessionSpec())
	if err := s.MarkTornDown(); err == nil {
		t.Error("torn down before terminal must be rejected")
	}
	if err := s.MarkTerminal(api.StatusSucceeded); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkTornDown(); err != nil {
		t.Errorf("torn down from terminal failed: %v", err)
	}
	if s.State() != StateTornDown {
		t.Errorf("unexpected state %s", s.State())
	}
}

func TestSessionTransitionsRecorded(t *testing.T) {
	s := NewSession(sessionSpec())
	if err := s.Advance(StateStaging); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkTerminal(api.StatusSucceeded); err != nil {
		t.Fatal(err)
	}
	trs := s.Transitions()
	if len(trs) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(trs))
	}
	if trs[0].From != StateProvisioning || trs[0].To != StateStaging {
		t.Errorf("unexpected first transition: %+v", trs[0])
	}
	if trs[1].To != StateTerminal || trs[1].At.Before(trs[0].At) {
		t.Errorf("unexpected second transition: %+v", trs[1])
	}
}

func TestSessionCursorAdvances(t *testing.T) {
	s := NewSession(sessionSpec())
	if got := s.AdvanceCursor(10); got != 10 {
		t.Errorf("cursor = %d, want 10", got)
	}
	if got := s.AdvanceCursor(5); got != 15 {
		t.Errorf("cursor = %d, want 15", got)
	}
	if s.Cursor() != 15 {
		t.Errorf("cursor read = %d, want 15", s.Cursor())
	}
}
