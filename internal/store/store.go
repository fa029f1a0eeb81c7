// Package store defines the persistence interface for the session engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every multi-record mutation (open, close, ledger append) is atomic in each
// implementation: either all of its writes land or none do.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Users ---

	// GetOrCreateUser returns the user, creating it with default values on
	// first contact.
	GetOrCreateUser(ctx context.Context, id, username string) (*model.User, error)

	// GetUser retrieves a user by ID. Returns model.ErrNotFound if missing.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetState returns the persisted session state.
	GetState(ctx context.Context, userID string) (model.SessionState, error)

	// SetState moves the user from `from` to `to`. Returns
	// model.ErrStateConflict without writing when the stored state is not `from`.
	SetState(ctx context.Context, userID string, from, to model.SessionState) error

	// SetPreference stores the default instrument and leverage.
	SetPreference(ctx context.Context, userID, instrument string, leverage decimal.Decimal) error

	// CreditTokens adds amount resource tokens and returns the new count.
	CreditTokens(ctx context.Context, userID string, amount int) (int, error)

	// --- Positions ---

	// OpenPosition debits one token, inserts pos, marks it as the user's open
	// position and moves the session state from `from` to open, all in one
	// step. Returns model.ErrStateConflict, model.ErrAlreadyOpen or
	// model.ErrInsufficientResource without writing anything.
	OpenPosition(ctx context.Context, pos *model.Position, from model.SessionState) error

	// GetOpenPosition returns the user's open position or model.ErrNotFound.
	GetOpenPosition(ctx context.Context, userID string) (*model.Position, error)

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositionsByUser returns the most recent positions first.
	ListPositionsByUser(ctx context.Context, userID string, limit int) ([]model.Position, error)

	// ClosePosition writes the close fields, clears the user's open position,
	// and grants experience. Returns model.ErrAlreadyClosed if the position
	// was closed concurrently.
	ClosePosition(ctx context.Context, c model.PositionClose, experience int) error

	// --- Immutable ledger ---

	// AppendLedgerEntry records e and adds e.Delta to the cached balance in
	// one step, filling e.BalanceAfter. Returns
	// model.ErrDuplicateLedgerEntry when the position already has an entry.
	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	// GetLedgerEntriesByUser returns all entries for a user, oldest first.
	GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// --- Reward catalog ---

	// ListRewards returns the persisted reward catalog.
	ListRewards(ctx context.Context) ([]model.Reward, error)

	// UpsertRewards inserts or replaces catalog entries by ID.
	UpsertRewards(ctx context.Context, rewards []model.Reward) error
}

// NewUser returns a user populated with the starting defaults.
func NewUser(id, username string) *model.User {
	return &model.User{
		ID:         id,
		Username:   username,
		Level:      model.DefaultLevel,
		Tokens:     model.DefaultTokens,
		Balance:    model.InitialBalance,
		Instrument: model.DefaultInstrument,
		Leverage:   decimal.NewFromInt(model.DefaultLeverageInt),
		State:      model.StateIdle,
	}
}
