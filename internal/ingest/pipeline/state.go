// Package pipeline runs the capture, normalize and annotate stage workers.
package pipeline

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// State represents the lifecycle state of a stage worker.
type State int

const (
	StateStarting State = iota // declaring its queue
	StateRunning               // consuming
	StateStopping              // draining after cancellation
	StateStopped
	StateFailed // stopped on a fatal error
)

var stateNames = [...]string{"starting", "running", "stopping", "stopped", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var validTransitions = map[State][]State{
	StateStarting: {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting, StateStopped},
}

// StateMachine manages worker state transitions.
type StateMachine struct {
	mu        sync.RWMutex
	state     State
	listeners []StateChangeListener
}

// StateChangeListener is called when state changes.
type StateChangeListener func(from, to State)

// NewStateMachine creates a new state machine starting in StateStarting.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateStarting}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Transition moves to target, or returns an error if the move is not allowed.
// Listeners run after the lock is released.
func (sm *StateMachine) Transition(target State) error {
	sm.mu.Lock()
	from := sm.state
	if !slices.Contains(validTransitions[from], target) {
		sm.mu.Unlock()
		return fmt.Errorf("invalid state transition from %s to %s", from, target)
	}
	sm.state = target
	listeners := slices.Clone(sm.listeners)
	sm.mu.Unlock()

	for _, listener := range listeners {
		listener(from, target)
	}
	return nil
}

// AddListener adds a state change listener.
func (sm *StateMachine) AddListener(listener StateChangeListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, listener)
}

// IsRunning returns true if the worker is consuming.
func (sm *StateMachine) IsRunning() bool {
	return sm.State() == StateRunning
}

// IsTerminal returns true if the worker has stopped or failed.
func (sm *StateMachine) IsTerminal() bool {
	s := sm.State()
	return s == StateStopped || s == StateFailed
}

// Step is the progress of one message through a stage.
type Step int

const (
	// StepReceived means the message was delivered to the stage.
	StepReceived Step = iota
	// StepTransformed means the stage computed its output.
	StepTransformed
	// StepPersisted means the stage artifact is durably written.
	StepPersisted
	// StepForwarded means the message was published to the next queue.
	StepForwarded
	// StepFinalized means the checkpoint advancer accepted the item.
	StepFinalized
	// StepAcked means the delivery was acknowledged.
	StepAcked
)

var stepNames = [...]string{"received", "transformed", "persisted", "forwarded", "finalized", "acked"}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return "unknown"
	}
	return stepNames[s]
}

// Progress records how far a message got. Steps only move forward.
type Progress struct {
	step   Step
	logger *slog.Logger
}

func newProgress(logger *slog.Logger) *Progress {
	return &Progress{step: StepReceived, logger: logger}
}

// Mark records that the message reached step.
func (p *Progress) Mark(step Step) {
	if step <= p.step {
		return
	}
	p.step = step
	if p.logger != nil {
		p.logger.Debug("message step", "step", step.String())
	}
}

// Step returns the furthest step reached.
func (p *Progress) Step() Step {
	return p.step
}

// Settled reports whether the stage finished its work and may acknowledge.
func (p *Progress) Settled() bool {
	return p.step >= StepForwarded
}
