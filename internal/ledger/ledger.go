// Package ledger applies realized P&L to user balances.
//
// Every closed position produces exactly one immutable entry, and the cached
// balance always equals the initial balance plus the sum of entry deltas.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/metrics"
	"github.com/atmx/session-engine/internal/model"
)

// ErrBalanceDrift is returned by Verify when the cached balance does not match
// the entry history.
var ErrBalanceDrift = errors.New("ledger: cached balance does not match entries")

// Store is the persistence surface the ledger needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)
	ListPositionsByUser(ctx context.Context, userID string, limit int) ([]model.Position, error)
}

var hundred = decimal.NewFromInt(100)

// Ledger records balance changes.
type Ledger struct {
	store     Store
	stakeUnit decimal.Decimal
	initial   decimal.Decimal
	now       func() time.Time
	log       *slog.Logger
}

// New creates a ledger. Zero stake or initial balance fall back to the model
// defaults.
func New(store Store, stakeUnit, initial decimal.Decimal, logger *slog.Logger) *Ledger {
	if stakeUnit.IsZero() {
		stakeUnit = model.StakeUnit
	}
	if initial.IsZero() {
		initial = model.InitialBalance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:     store,
		stakeUnit: stakeUnit,
		initial:   initial,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.With(slog.String("component", "ledger")),
	}
}

// Delta converts a P&L percentage into a balance change.
func (l *Ledger) Delta(pnl decimal.Decimal) decimal.Decimal {
	return l.stakeUnit.Mul(pnl).Div(hundred).Round(8)
}

// Apply records the result of positionID and returns the new balance.
// A second Apply for the same position fails with
// model.ErrDuplicateLedgerEntry and leaves the balance unchanged.
func (l *Ledger) Apply(ctx context.Context, userID, positionID string, pnl decimal.Decimal) (decimal.Decimal, error) {
	e := &model.LedgerEntry{
		ID:         uuid.New().String(),
		UserID:     userID,
		PositionID: positionID,
		PnLPercent: pnl,
		Delta:      l.Delta(pnl),
		CreatedAt:  l.now(),
	}
	if err := l.store.AppendLedgerEntry(ctx, e); err != nil {
		return decimal.Zero, fmt.Errorf("ledger: apply %s: %w", positionID, err)
	}
	metrics.LedgerBalanceDelta.Observe(e.Delta.InexactFloat64())
	l.log.Info("balance updated",
		"user", userID,
		"position", positionID,
		"pnl", pnl.String(),
		"delta", e.Delta.String(),
		"balance", e.BalanceAfter.String(),
	)
	return e.BalanceAfter, nil
}

// Entries returns a user's history, oldest first.
func (l *Ledger) Entries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return l.store.GetLedgerEntriesByUser(ctx, userID)
}

// Expected recomputes initial + Σ deltas.
func (l *Ledger) Expected(ctx context.Context, userID string) (decimal.Decimal, error) {
	entries, err := l.store.GetLedgerEntriesByUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	sum := l.initial
	for _, e := range entries {
		sum = sum.Add(e.Delta)
	}
	return sum, nil
}

// Verify checks the cached balance against the entry history.
func (l *Ledger) Verify(ctx context.Context, userID string) error {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	want, err := l.Expected(ctx, userID)
	if err != nil {
		return err
	}
	if !u.Balance.Equal(want) {
		return fmt.Errorf("%w: user %s has %s, entries give %s", ErrBalanceDrift, userID, u.Balance, want)
	}
	return nil
}

// Reconcile applies entries for closed positions that have none, e.g. after a
// crash between the close and the ledger write. It returns how many were
// applied.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (int, error) {
	entries, err := l.store.GetLedgerEntriesByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	recorded := make(map[string]bool, len(entries))
	for _, e := range entries {
		recorded[e.PositionID] = true
	}

	positions, err := l.store.ListPositionsByUser(ctx, userID, 0)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, p := range positions {
		if p.IsOpen() || p.PnLPercent == nil || recorded[p.ID] {
			continue
		}
		if _, err := l.Apply(ctx, userID, p.ID, *p.PnLPercent); err != nil {
			if errors.Is(err, model.ErrDuplicateLedgerEntry) {
				continue
			}
			return applied, err
		}
		applied++
	}
	if applied > 0 {
		l.log.Warn("reconciled missing ledger entries", "user", userID, "count", applied)
	}
	return applied, nil
}
