package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/atmx/session-engine/internal/model"
	"github.com/atmx/session-engine/internal/session"
)

type mapStore struct {
	mu     sync.Mutex
	states map[string]model.SessionState
}

var errConflict = errors.New("conflict")

func newMapStore() *mapStore {
	return &mapStore{states: make(map[string]model.SessionState)}
}

func (s *mapStore) GetState(_ context.Context, userID string) (model.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[userID]
	if !ok {
		return model.StateIdle, nil
	}
	return st, nil
}

func (s *mapStore) SetState(_ context.Context, userID string, from, to model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[userID]
	if !ok {
		cur = model.StateIdle
	}
	if cur != from {
		return errConflict
	}
	s.states[userID] = to
	return nil
}

var allStates = []model.SessionState{
	model.StateIdle, model.StateSelectingInstrument, model.StateOpening,
	model.StateOpen, model.StateClosing, model.StateComplete, model.StateBlocked,
}

func TestCanTransition_Table(t *testing.T) {
	legal := []struct{ from, to model.SessionState }{
		{model.StateIdle, model.StateSelectingInstrument},
		{model.StateSelectingInstrument, model.StateOpening},
		{model.StateOpening, model.StateOpen},
		{model.StateOpen, model.StateClosing},
		{model.StateClosing, model.StateComplete},
		{model.StateComplete, model.StateIdle},
		{model.StateComplete, model.StateSelectingInstrument},
		{model.StateIdle, model.StateBlocked},
		{model.StateBlocked, model.StateIdle},
	}
	for _, e := range legal {
		if !session.CanTransition(e.from, e.to) {
			t.Errorf("expected %s -> %s to be legal", e.from, e.to)
		}
	}

	illegal := []struct{ from, to model.SessionState }{
		{model.StateIdle, model.StateOpen},
		{model.StateOpen, model.StateIdle},
		{model.StateOpen, model.StateComplete},
		{model.StateBlocked, model.StateSelectingInstrument},
		{model.StateClosing, model.StateOpen},
	}
	for _, e := range illegal {
		if session.CanTransition(e.from, e.to) {
			t.Errorf("expected %s -> %s to be illegal", e.from, e.to)
		}
	}
}

func TestTransition_InvalidLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	st := newMapStore()
	m := session.NewMachine(st, nil)

	_, err := m.Transition(ctx, "u1", model.StateOpen)
	var ite *session.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != model.StateIdle || ite.To != model.StateOpen {
		t.Errorf("unexpected error fields: %+v", ite)
	}
	if !errors.Is(err, session.ErrInvalidTransition) {
		t.Error("expected errors.Is(err, ErrInvalidTransition)")
	}
	cur, _ := m.Current(ctx, "u1")
	if cur != model.StateIdle {
		t.Errorf("expected idle after rejected transition, got %s", cur)
	}
}

func TestAdvance_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	st := newMapStore()
	m := session.NewMachine(st, nil)

	if _, err := m.Advance(ctx, "u1", model.StateSelectingInstrument, model.StateOpening); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Second edge is illegal: Open -> Complete.
	_, err := m.Advance(ctx, "u1", model.StateOpen, model.StateComplete)
	if !errors.Is(err, session.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	cur, _ := m.Current(ctx, "u1")
	if cur != model.StateOpening {
		t.Errorf("expected opening to be kept, got %s", cur)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	st := newMapStore()
	m := session.NewMachine(st, nil)

	if s, err := m.Cancel(ctx, "u1"); err != nil || s != model.StateIdle {
		t.Fatalf("cancel from idle: state=%s err=%v", s, err)
	}

	st.states["u1"] = model.StateSelectingInstrument
	if s, err := m.Cancel(ctx, "u1"); err != nil || s != model.StateIdle {
		t.Fatalf("cancel from selecting: state=%s err=%v", s, err)
	}

	st.states["u1"] = model.StateOpen
	if _, err := m.Cancel(ctx, "u1"); !errors.Is(err, session.ErrInvalidTransition) {
		t.Fatalf("expected cancel from open to be rejected, got %v", err)
	}
	if st.states["u1"] != model.StateOpen {
		t.Errorf("open state must be untouched, got %s", st.states["u1"])
	}
}

func TestAvailableActions(t *testing.T) {
	acts := session.AvailableActions(model.StateOpen)
	if len(acts) == 0 || acts[0].ID != session.ActionHook {
		t.Errorf("expected hook to be offered while open, got %+v", acts)
	}
	if len(session.AvailableActions(model.StateClosing)) != 0 {
		t.Error("closing must offer no actions")
	}
}

// Any random walk of requested transitions only ever moves along table edges.
func TestMachine_WalkFollowsTable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		st := newMapStore()
		m := session.NewMachine(st, nil)

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			before, _ := m.Current(ctx, "u")
			to := rapid.SampledFrom(allStates).Draw(t, "to")
			after, err := m.Transition(ctx, "u", to)
			if err != nil {
				if after != before {
					t.Fatalf("rejected transition changed state %s -> %s", before, after)
				}
				if session.CanTransition(before, to) {
					t.Fatalf("legal edge %s -> %s was rejected: %v", before, to, err)
				}
				continue
			}
			if !session.CanTransition(before, after) {
				t.Fatalf("illegal edge committed: %s -> %s", before, after)
			}
		}
	})
}
