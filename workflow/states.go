package workflow

import (
	"fmt"
	"sync"
	"time"
)

// State is a stage of one composite invocation.
type State string

const (
	StateStart             State = "start"
	StatePluginsRegistered State = "plugins_registered"
	StatePlanReady         State = "plan_ready"
	StateExecuted          State = "executed"
	StateSucceeded         State = "succeeded"
	StateFallbackText      State = "fallback_text"
)

// next lists the forward transitions. FallbackText is reachable from every
// non-terminal state and is handled separately.
var next = map[State]State{
	StateStart:             StatePluginsRegistered,
	StatePluginsRegistered: StatePlanReady,
	StatePlanReady:         StateExecuted,
	StateExecuted:          StateSucceeded,
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFallbackText
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Tracker records the state history of one run and rejects illegal transitions.
type Tracker struct {
	mu      sync.Mutex
	current State
	history []Transition
}

// NewTracker creates a tracker in StateStart.
func NewTracker() *Tracker {
	return &Tracker{current: StateStart}
}

// Advance moves to the given state.
func (t *Tracker) Advance(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current.Terminal() {
		return fmt.Errorf("run already finished in state %s", t.current)
	}
	if to != StateFallbackText && next[t.current] != to {
		return fmt.Errorf("illegal transition %s -> %s", t.current, to)
	}
	t.history = append(t.history, Transition{From: t.current, To: to, At: time.Now()})
	t.current = to
	return nil
}

// Current returns the current state.
func (t *Tracker) Current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// History returns every transition so far.
func (t *Tracker) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transition(nil), t.history...)
}

// Path returns the visited states, starting with StateStart.
func (t *Tracker) Path() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := []State{StateStart}
	for _, tr := range t.history {
		out = append(out, tr.To)
	}
	return out
}
