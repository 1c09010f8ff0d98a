package core

import (
	"fmt"
	"time"
)

// PipelineState is one stage of a vitalization attempt.
type PipelineState string

const (
	StateIdle           PipelineState = "idle"
	StateFaceScanning   PipelineState = "face_scanning"
	StateFaceVerified   PipelineState = "face_verified"
	StateDeviceBinding  PipelineState = "device_binding"
	StateHashGeneration PipelineState = "hash_generation"
	StateCompleted      PipelineState = "completed"
	StateError          PipelineState = "error"
)

var nextState = map[PipelineState]PipelineState{
	StateIdle:           StateFaceScanning,
	StateFaceScanning:   StateFaceVerified,
	StateFaceVerified:   StateDeviceBinding,
	StateDeviceBinding:  StateHashGeneration,
	StateHashGeneration: StateCompleted,
}

// IsActiveState reports whether s is one of the four in-flight stages.
func IsActiveState(s PipelineState) bool {
	switch s {
	case StateFaceScanning, StateFaceVerified, StateDeviceBinding, StateHashGeneration:
		return true
	}
	return false
}

// IsTerminalState reports whether s ends the attempt.
func IsTerminalState(s PipelineState) bool {
	return s == StateCompleted || s == StateError
}

// Transition records one state change.
type Transition struct {
	From PipelineState
	To   PipelineState
	At   time.Time
}

// IdentitySession is the state machine of a single vitalization attempt.
// It is not safe for concurrent use; one attempt is driven by one goroutine.
type IdentitySession struct {
	ID          string
	IdentityKey string

	state   PipelineState
	failure error
	history []Transition
	now     func() time.Time
}

// NewIdentitySession returns a session in StateIdle.
func NewIdentitySession(id, identityKey string) *IdentitySession {
	return &IdentitySession{
		ID:          id,
		IdentityKey: identityKey,
		state:       StateIdle,
		now:         time.Now,
	}
}

// State returns the current state.
func (s *IdentitySession) State() PipelineState {
	return s.state
}

// Err returns the failure that moved the session to StateError, if any.
func (s *IdentitySession) Err() error {
	return s.failure
}

// History returns a copy of the transitions taken so far.
func (s *IdentitySession) History() []Transition {
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

// Advance moves to the next stage. Only the immediate successor of the
// current state is accepted.
func (s *IdentitySession) Advance(to PipelineState) error {
	want, ok := nextState[s.state]
	if !ok || want != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.move(to)
	return nil
}

// Fail moves a non-terminal session to StateError and records cause.
func (s *IdentitySession) Fail(cause error) error {
	if IsTerminalState(s.state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateError)
	}
	s.failure = cause
	s.move(StateError)
	return nil
}

// Reset starts a new attempt from StateIdle.
func (s *IdentitySession) Reset() {
	s.failure = nil
	s.move(StateIdle)
}

func (s *IdentitySession) move(to PipelineState) {
	s.history = append(s.history, Transition{From: s.state, To: to, At: s.now()})
	s.state = to
}
