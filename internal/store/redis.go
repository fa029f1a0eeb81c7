package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only user profiles and the reward catalog are cached. Session state,
// open positions and the ledger always hit the primary, since the
// compare-and-set paths need its view.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

var _ Store = (*CachedStore)(nil)

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) GetOrCreateUser(ctx context.Context, id, username string) (*model.User, error) {
	u, err := s.primary.GetOrCreateUser(ctx, id, username)
	if err != nil {
		return nil, err
	}
	s.cacheUser(ctx, u)
	return u, nil
}

func (s *CachedStore) SetState(ctx context.Context, userID string, from, to model.SessionState) error {
	defer s.invalidateUser(ctx, userID)
	return s.primary.SetState(ctx, userID, from, to)
}

func (s *CachedStore) SetPreference(ctx context.Context, userID, instrument string, leverage decimal.Decimal) error {
	defer s.invalidateUser(ctx, userID)
	return s.primary.SetPreference(ctx, userID, instrument, leverage)
}

func (s *CachedStore) CreditTokens(ctx context.Context, userID string, amount int) (int, error) {
	defer s.invalidateUser(ctx, userID)
	return s.primary.CreditTokens(ctx, userID, amount)
}

func (s *CachedStore) OpenPosition(ctx context.Context, pos *model.Position, from model.SessionState) error {
	defer s.invalidateUser(ctx, pos.UserID)
	return s.primary.OpenPosition(ctx, pos, from)
}

func (s *CachedStore) ClosePosition(ctx context.Context, c model.PositionClose, experience int) error {
	defer s.invalidateUser(ctx, c.UserID)
	return s.primary.ClosePosition(ctx, c, experience)
}

func (s *CachedStore) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	defer s.invalidateUser(ctx, e.UserID)
	return s.primary.AppendLedgerEntry(ctx, e)
}

func (s *CachedStore) UpsertRewards(ctx context.Context, rewards []model.Reward) error {
	if err := s.primary.UpsertRewards(ctx, rewards); err != nil {
		return err
	}
	s.rdb.Del(ctx, rewardsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheUser(ctx, u)
	return u, nil
}

func (s *CachedStore) ListRewards(ctx context.Context) ([]model.Reward, error) {
	data, err := s.rdb.Get(ctx, rewardsKey).Bytes()
	if err == nil {
		var rewards []model.Reward
		if json.Unmarshal(data, &rewards) == nil {
			return rewards, nil
		}
	}

	rewards, err := s.primary.ListRewards(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rewards); err == nil {
		s.rdb.Set(ctx, rewardsKey, data, s.ttl)
	}
	return rewards, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetState(ctx context.Context, userID string) (model.SessionState, error) {
	return s.primary.GetState(ctx, userID)
}

func (s *CachedStore) GetOpenPosition(ctx context.Context, userID string) (*model.Position, error) {
	return s.primary.GetOpenPosition(ctx, userID)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string, limit int) ([]model.Position, error) {
	return s.primary.ListPositionsByUser(ctx, userID, limit)
}

func (s *CachedStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheUser(ctx context.Context, u *model.User) {
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(u.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidateUser(ctx context.Context, id string) {
	s.rdb.Del(ctx, userKey(id))
}

const rewardsKey = "rewards:catalog"

func userKey(id string) string { return fmt.Sprintf("user:%s", id) }
