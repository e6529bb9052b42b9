package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/spillwaylabs/spillway/internal/providers"
	"github.com/spillwaylabs/spillway/pkg/api"
)

// State is one step of the execution session lifecycle. Transitions are
// strictly forward; no state is ever revisited.
type State string

const (
	StateProvisioning       State = "provisioning"
	StateStaging            State = "staging"
	StateRunning            State = "running"
	StateStreaming          State = "streaming"
	StateAwaitingCompletion State = "awaiting_completion"
	StateCollecting         State = "collecting"
	StateTerminal           State = "terminal"
	StateTornDown           State = "torn_down"
)

// stateRank orders states for the forward-only check. Streaming and
// AwaitingCompletion are alternatives at the same depth.
var stateRank = map[State]int{
	StateProvisioning:       0,
	StateStaging:            1,
	StateRunning:            2,
	StateStreaming:          3,
	StateAwaitingCompletion: 3,
	StateCollecting:         4,
	StateTerminal:           5,
	StateTornDown:           6,
}

// Transition records one lifecycle step with its timestamp.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Session binds one JobSpec to one ProvisionedNode and tracks the attempt's
// lifecycle. It governs a single attempt only; retrying a failed job is the
// caller's concern.
type Session struct {
	mu sync.Mutex

	spec        api.JobSpec
	node        *providers.Node
	state       State
	terminal    api.JobStatus
	transitions []Transition
	cursor      int64 // last streamed byte offset
}

func NewSession(spec api.JobSpec) *Session {
	return &Session{spec: spec, state: StateProvisioning}
}

func (s *Session) Spec() api.JobSpec { return s.spec }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BindNode records the node this session owns exclusively.
func (s *Session) BindNode(node *providers.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.node = node
}

func (s *Session) Node() *providers.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

// Advance moves the session forward to the given state. Moving backward or
// sideways is a programming error and is rejected.
func (s *Session) Advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	toRank, ok := stateRank[to]
	if !ok {
		return fmt.Errorf("session %s: unknown state %q", s.spec.CorrelationID, to)
	}
	if toRank <= stateRank[s.state] {
		return fmt.Errorf("session %s: invalid transition %s -> %s", s.spec.CorrelationID, s.state, to)
	}
	s.transitions = append(s.transitions, Transition{From: s.state, To: to, At: time.Now().UTC()})
	s.state = to
	return nil
}

// MarkTerminal enters the Terminal state with the given status. Aborted is
// reachable from any non-terminal state; reaching Terminal twice is rejected.
func (s *Session) MarkTerminal(status api.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stateRank[s.state] >= stateRank[StateTerminal] {
		return fmt.Errorf("session %s: already terminal (%s)", s.spec.CorrelationID, s.terminal)
	}
	s.transitions = append(s.transitions, Transition{From: s.state, To: StateTerminal, At: time.Now().UTC()})
	s.state = StateTerminal
	s.terminal = status
	return nil
}

// MarkTornDown records that the node release completed. Only from here is the
// session considered fully released.
func (s *Session) MarkTornDown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTerminal {
		return fmt.Errorf("session %s: torn down from %s, want terminal", s.spec.CorrelationID, s.state)
	}
	s.transitions = append(s.transitions, Transition{From: s.state, To: StateTornDown, At: time.Now().UTC()})
	s.state = StateTornDown
	return nil
}

// TerminalStatus returns the terminal job status, empty until terminal.
func (s *Session) TerminalStatus() api.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Transitions returns a copy of the recorded lifecycle steps.
func (s *Session) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// AdvanceCursor moves the streaming output cursor forward by n bytes and
// returns the new offset.
func (s *Session) AdvanceCursor(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor += n
	return s.cursor
}

// Cursor returns the last known streamed byte offset.
func (s *Session) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
