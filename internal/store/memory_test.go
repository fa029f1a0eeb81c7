package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/session-engine/internal/model"
	"github.com/atmx/session-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newPosition(userID string) *model.Position {
	return &model.Position{
		ID:         uuid.New().String(),
		UserID:     userID,
		Instrument: "ETH/USDT",
		Leverage:   d(2),
		EntryPrice: d(100),
		EntryAt:    time.Now().UTC(),
	}
}

func TestMemoryStore_NewUserDefaults(t *testing.T) {
	st := store.NewMemoryStore()
	u, err := st.GetOrCreateUser(context.Background(), "u1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Tokens != model.DefaultTokens || u.Level != 1 || u.State != model.StateIdle {
		t.Errorf("unexpected defaults: %+v", u)
	}
	if !u.Balance.Equal(model.InitialBalance) {
		t.Errorf("expected initial balance %s, got %s", model.InitialBalance, u.Balance)
	}

	if _, err := st.GetUser(context.Background(), "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_SetStateIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.GetOrCreateUser(ctx, "u1", "")

	if err := st.SetState(ctx, "u1", model.StateIdle, model.StateSelectingInstrument); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.SetState(ctx, "u1", model.StateIdle, model.StateBlocked); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	s, _ := st.GetState(ctx, "u1")
	if s != model.StateSelectingInstrument {
		t.Errorf("expected selecting_instrument, got %s", s)
	}
}

func TestMemoryStore_OpenPosition(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.GetOrCreateUser(ctx, "u1", "")

	p := newPosition("u1")
	if err := st.OpenPosition(ctx, p, model.StateIdle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, _ := st.GetUser(ctx, "u1")
	if u.Tokens != model.DefaultTokens-1 {
		t.Errorf("expected one token debited, got %d", u.Tokens)
	}
	if u.OpenPositionID == nil || *u.OpenPositionID != p.ID {
		t.Errorf("expected open position id %s, got %v", p.ID, u.OpenPositionID)
	}
	if u.State != model.StateOpen {
		t.Errorf("expected state open, got %s", u.State)
	}

	// Second open: rejected, nothing debited.
	if err := st.OpenPosition(ctx, newPosition("u1"), model.StateOpen); !errors.Is(err, model.ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}
	u, _ = st.GetUser(ctx, "u1")
	if u.Tokens != model.DefaultTokens-1 {
		t.Errorf("rejected open must not debit, tokens=%d", u.Tokens)
	}
	all, _ := st.ListPositionsByUser(ctx, "u1", 0)
	if len(all) != 1 {
		t.Errorf("expected exactly one position, got %d", len(all))
	}
}

func TestMemoryStore_OpenPositionWithoutTokens(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.GetOrCreateUser(ctx, "u1", "")
	st.CreditTokens(ctx, "u1", -model.DefaultTokens)

	if err := st.OpenPosition(ctx, newPosition("u1"), model.StateIdle); !errors.Is(err, model.ErrInsufficientResource) {
		t.Fatalf("expected ErrInsufficientResource, got %v", err)
	}
	if _, err := st.GetOpenPosition(ctx, "u1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected no open position, got %v", err)
	}
}

func TestMemoryStore_OpenPositionStateMismatchWritesNothing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.GetOrCreateUser(ctx, "u1", "")

	// The user was cancelled back to idle while the caller expected opening.
	if err := st.OpenPosition(ctx, newPosition("u1"), model.StateOpening); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	u, _ := st.GetUser(ctx, "u1")
	if u.Tokens != model.DefaultTokens {
		t.Errorf("mismatched open must not debit, tokens=%d", u.Tokens)
	}
	if u.OpenPositionID != nil || u.State != model.StateIdle {
		t.Errorf("mismatched open must not change the user, got %v / %s", u.OpenPositionID, u.State)
	}
	all, _ := st.ListPositionsByUser(ctx, "u1", 0)
	if len(all) != 0 {
		t.Errorf("expected no positions, got %d", len(all))
	}
}

func TestMemoryStore_ConcurrentOpensExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.GetOrCreateUser(ctx, "u1", "")

	var wins, rejects atomic.Int32
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			err := st.OpenPosition(ctx, newPosition("u1"), model.StateIdle)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, model.ErrStateConflict):
				rejects.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wins.Load() != 1 || rejects.Load() != 31 {
		t.Errorf("expected 1 win / 31 rejects, got %d / %d", wins.Load(), rejects.Load())
	}
}

func TestMemoryStore_ClosePositionOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.GetOrCreateUser(ctx, "u1", "")
	p := newPosition("u1")
	st.OpenPosition(ctx, p, model.StateIdle)

	c := model.PositionClose{
		PositionID: p.ID, UserID: "u1",
		ExitPrice: d(103), ExitAt: time.Now().UTC(), PnLPercent: d(6), RewardID: "salmon",
	}

	var mu sync.Mutex
	results := make([]error, 0, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.ClosePosition(ctx, c, 30)
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		} else if !errors.Is(err, model.ErrAlreadyClosed) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("expected exactly one successful close, got %d", ok)
	}

	u, _ := st.GetUser(ctx, "u1")
	if u.OpenPositionID != nil {
		t.Error("open position id must be cleared")
	}
	if u.Experience != 30 {
		t.Errorf("experience granted once, got %d", u.Experience)
	}
	got, _ := st.GetPosition(ctx, p.ID)
	if got.IsOpen() || !got.PnLPercent.Equal(d(6)) || *got.RewardID != "salmon" {
		t.Errorf("unexpected closed position: %+v", got)
	}
}

func TestMemoryStore_LedgerAppend(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.GetOrCreateUser(ctx, "u1", "")

	e := &model.LedgerEntry{ID: "e1", UserID: "u1", PositionID: "p1", PnLPercent: d(6), Delta: d(60)}
	if err := st.AppendLedgerEntry(ctx, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !e.BalanceAfter.Equal(d(10060)) {
		t.Errorf("expected balance_after=10060, got %s", e.BalanceAfter)
	}

	dup := &model.LedgerEntry{ID: "e2", UserID: "u1", PositionID: "p1", Delta: d(60)}
	if err := st.AppendLedgerEntry(ctx, dup); !errors.Is(err, model.ErrDuplicateLedgerEntry) {
		t.Fatalf("expected ErrDuplicateLedgerEntry, got %v", err)
	}
	u, _ := st.GetUser(ctx, "u1")
	if !u.Balance.Equal(d(10060)) {
		t.Errorf("duplicate must not change balance, got %s", u.Balance)
	}
}

func TestMemoryStore_Rewards(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.UpsertRewards(ctx, []model.Reward{
		{ID: "koi", Tier: model.TierLegendary},
		{ID: "boot", Tier: model.TierTrash},
	})
	st.UpsertRewards(ctx, []model.Reward{{ID: "boot", Name: "Boot", Tier: model.TierTrash}})

	got, _ := st.ListRewards(ctx)
	if len(got) != 2 || got[0].ID != "boot" || got[0].Name != "Boot" {
		t.Errorf("unexpected rewards: %+v", got)
	}
}
