// Package session implements the per-user interaction state machine.
//
// Every command must be legal in the user's current state. Legal moves are
// listed in a fixed transition table; persistence goes through a
// compare-and-set so two concurrent writers cannot both move the same user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/session-engine/internal/model"
)

// ErrInvalidTransition is matched by every *InvalidTransitionError.
var ErrInvalidTransition = errors.New("session: invalid transition")

// InvalidTransitionError reports a move that is not in the transition table.
type InvalidTransitionError struct {
	From model.SessionState
	To   model.SessionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session: invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

var transitions = map[model.SessionState][]model.SessionState{
	model.StateIdle:                {model.StateSelectingInstrument, model.StateBlocked},
	model.StateSelectingInstrument: {model.StateOpening},
	model.StateOpening:             {model.StateOpen},
	model.StateOpen:                {model.StateClosing},
	model.StateClosing:             {model.StateComplete},
	model.StateComplete:            {model.StateIdle, model.StateSelectingInstrument},
	model.StateBlocked:             {model.StateIdle},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to model.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidatePath checks that every consecutive edge of from, path... is legal.
func ValidatePath(from model.SessionState, path ...model.SessionState) error {
	cur := from
	for _, next := range path {
		if !CanTransition(cur, next) {
			return &InvalidTransitionError{From: cur, To: next}
		}
		cur = next
	}
	return nil
}

// StateStore persists user states. SetState must fail without writing when
// the stored state differs from `from`.
type StateStore interface {
	GetState(ctx context.Context, userID string) (model.SessionState, error)
	SetState(ctx context.Context, userID string, from, to model.SessionState) error
}

// Machine applies transitions against a StateStore.
type Machine struct {
	store StateStore
	log   *slog.Logger
}

// NewMachine creates a state machine backed by store. A nil logger falls back
// to slog.Default().
func NewMachine(store StateStore, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, log: logger.With(slog.String("component", "session"))}
}

// Current returns the persisted state for userID.
func (m *Machine) Current(ctx context.Context, userID string) (model.SessionState, error) {
	return m.store.GetState(ctx, userID)
}

// Transition moves userID to `to`. On an illegal edge nothing is written.
func (m *Machine) Transition(ctx context.Context, userID string, to model.SessionState) (model.SessionState, error) {
	return m.Advance(ctx, userID, to)
}

// Advance validates the whole path from the current state and commits only
// the final state. Either every edge is legal and the final state is stored,
// or nothing changes.
func (m *Machine) Advance(ctx context.Context, userID string, path ...model.SessionState) (model.SessionState, error) {
	if len(path) == 0 {
		return m.Current(ctx, userID)
	}
	from, err := m.store.GetState(ctx, userID)
	if err != nil {
		return "", err
	}
	if err := ValidatePath(from, path...); err != nil {
		return from, err
	}
	to := path[len(path)-1]
	if err := m.store.SetState(ctx, userID, from, to); err != nil {
		return from, fmt.Errorf("session: set state %s -> %s: %w", from, to, err)
	}
	m.log.Debug("state changed", "user", userID, "from", from, "to", to)
	return to, nil
}

// Cancel is the single route back to Idle from a non-terminal state. It is a
// no-op from Idle and refuses to run while a position is Open or Closing.
func (m *Machine) Cancel(ctx context.Context, userID string) (model.SessionState, error) {
	from, err := m.store.GetState(ctx, userID)
	if err != nil {
		return "", err
	}
	switch from {
	case model.StateIdle:
		return from, nil
	case model.StateOpen, model.StateClosing:
		return from, &InvalidTransitionError{From: from, To: model.StateIdle}
	}
	if err := m.store.SetState(ctx, userID, from, model.StateIdle); err != nil {
		return from, fmt.Errorf("session: cancel from %s: %w", from, err)
	}
	m.log.Debug("session cancelled", "user", userID, "from", from)
	return model.StateIdle, nil
}
