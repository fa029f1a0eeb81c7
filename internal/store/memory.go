package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	positions map[string]*model.Position
	ledger    []model.LedgerEntry
	rewards   map[string]model.Reward
	now       func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		positions: make(map[string]*model.Position),
		rewards:   make(map[string]model.Reward),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) GetOrCreateUser(_ context.Context, id, username string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		u = NewUser(id, username)
		u.CreatedAt = s.now()
		s.users[id] = u
	} else if username != "" && u.Username != username {
		u.Username = username
	}
	return copyUser(u), nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	return copyUser(u), nil
}

func (s *MemoryStore) GetState(_ context.Context, userID string) (model.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return "", fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	return u.State, nil
}

func (s *MemoryStore) SetState(_ context.Context, userID string, from, to model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	if u.State != from {
		return model.ErrStateConflict
	}
	u.State = to
	return nil
}

func (s *MemoryStore) SetPreference(_ context.Context, userID, instrument string, leverage decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	u.Instrument = instrument
	u.Leverage = leverage
	return nil
}

func (s *MemoryStore) CreditTokens(_ context.Context, userID string, amount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return 0, fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	u.Tokens += amount
	return u.Tokens, nil
}

func (s *MemoryStore) OpenPosition(_ context.Context, pos *model.Position, from model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[pos.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", pos.UserID, model.ErrNotFound)
	}
	if u.State != from {
		return model.ErrStateConflict
	}
	if u.OpenPositionID != nil {
		return model.ErrAlreadyOpen
	}
	if u.Tokens <= 0 {
		return model.ErrInsufficientResource
	}

	cp := *pos
	s.positions[pos.ID] = &cp
	u.Tokens--
	id := pos.ID
	u.OpenPositionID = &id
	u.State = model.StateOpen
	return nil
}

func (s *MemoryStore) GetOpenPosition(_ context.Context, userID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok || u.OpenPositionID == nil {
		return nil, model.ErrNotFound
	}
	p, ok := s.positions[*u.OpenPositionID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyPosition(p), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	return copyPosition(p), nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string, limit int) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, *copyPosition(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EntryAt.After(result[j].EntryAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ClosePosition(_ context.Context, c model.PositionClose, experience int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[c.PositionID]
	if !ok {
		return fmt.Errorf("position %s: %w", c.PositionID, model.ErrNotFound)
	}
	if !p.IsOpen() {
		return model.ErrAlreadyClosed
	}
	u, ok := s.users[p.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", p.UserID, model.ErrNotFound)
	}

	exitPrice, pnl, exitAt, rewardID := c.ExitPrice, c.PnLPercent, c.ExitAt, c.RewardID
	p.ExitPrice = &exitPrice
	p.PnLPercent = &pnl
	p.ExitAt = &exitAt
	p.RewardID = &rewardID

	if u.OpenPositionID != nil && *u.OpenPositionID == p.ID {
		u.OpenPositionID = nil
	}
	u.Experience += experience
	u.Level = model.LevelFor(u.Experience)
	return nil
}

func (s *MemoryStore) AppendLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[e.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", e.UserID, model.ErrNotFound)
	}
	for _, existing := range s.ledger {
		if existing.PositionID == e.PositionID {
			return model.ErrDuplicateLedgerEntry
		}
	}

	u.Balance = u.Balance.Add(e.Delta)
	e.BalanceAfter = u.Balance
	s.ledger = append(s.ledger, *e)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListRewards(_ context.Context) ([]model.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rewards := make([]model.Reward, 0, len(s.rewards))
	for _, r := range s.rewards {
		rewards = append(rewards, r)
	}
	sort.Slice(rewards, func(i, j int) bool {
		if rewards[i].Tier != rewards[j].Tier {
			return rewards[i].Tier < rewards[j].Tier
		}
		return rewards[i].ID < rewards[j].ID
	})
	return rewards, nil
}

func (s *MemoryStore) UpsertRewards(_ context.Context, rewards []model.Reward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rewards {
		s.rewards[r.ID] = r
	}
	return nil
}

func copyUser(u *model.User) *model.User {
	cp := *u
	if u.OpenPositionID != nil {
		id := *u.OpenPositionID
		cp.OpenPositionID = &id
	}
	return &cp
}

func copyPosition(p *model.Position) *model.Position {
	cp := *p
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		cp.ExitPrice = &v
	}
	if p.ExitAt != nil {
		v := *p.ExitAt
		cp.ExitAt = &v
	}
	if p.PnLPercent != nil {
		v := *p.PnLPercent
		cp.PnLPercent = &v
	}
	if p.RewardID != nil {
		v := *p.RewardID
		cp.RewardID = &v
	}
	return &cp
}
