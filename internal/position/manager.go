// Package position manages the open/close lifecycle of wager positions.
//
// All monetary values use shopspring/decimal, never float64.
// Commands for one user are serialized; different users proceed in parallel.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/antispam"
	"github.com/atmx/session-engine/internal/instrument"
	"github.com/atmx/session-engine/internal/metrics"
	"github.com/atmx/session-engine/internal/model"
	"github.com/atmx/session-engine/internal/oracle"
	"github.com/atmx/session-engine/internal/reward"
	"github.com/atmx/session-engine/internal/session"
)

// Store is the persistence surface the manager needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetOpenPosition(ctx context.Context, userID string) (*model.Position, error)
	OpenPosition(ctx context.Context, pos *model.Position, from model.SessionState) error
	ClosePosition(ctx context.Context, c model.PositionClose, experience int) error
}

// RewardSelector picks the reward for a closed position.
type RewardSelector interface {
	Select(ctx context.Context, c reward.Criteria) model.Reward
}

// BalanceLedger records realized P&L.
type BalanceLedger interface {
	Apply(ctx context.Context, userID, positionID string, pnl decimal.Decimal) (decimal.Decimal, error)
}

// Locker provides a cross-process per-user lock. Acquire returns an unlock
// function or an error if the lock is held elsewhere.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Deps wires a Manager.
type Deps struct {
	Store   Store
	Machine *session.Machine
	Oracle  oracle.Oracle
	Gate    antispam.Gate
	Rewards RewardSelector
	Ledger  BalanceLedger
	Locker  Locker // optional
	Logger  *slog.Logger
	Now     func() time.Time
}

// Manager opens and closes positions.
type Manager struct {
	store   Store
	machine *session.Machine
	oracle  oracle.Oracle
	gate    antispam.Gate
	rewards RewardSelector
	ledger  BalanceLedger
	locker  Locker
	log     *slog.Logger
	now     func() time.Time
	locks   *keyedMutex
}

// NewManager creates a position manager.
func NewManager(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:   d.Store,
		machine: d.Machine,
		oracle:  d.Oracle,
		gate:    d.Gate,
		rewards: d.Rewards,
		ledger:  d.Ledger,
		locker:  d.Locker,
		log:     d.Logger.With(slog.String("component", "position")),
		now:     d.Now,
		locks:   newKeyedMutex(),
	}
}

// Closed is the outcome of a successful close.
type Closed struct {
	Position   model.Position  `json:"position"`
	Reward     model.Reward    `json:"reward"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
	Elapsed    time.Duration   `json:"elapsed_ns"`
	Balance    decimal.Decimal `json:"balance"`
	Level      int             `json:"level"`
	LevelUp    bool            `json:"level_up"`
}

// Quote is a read-only view of an open position at the current price.
type Quote struct {
	Position   model.Position  `json:"position"`
	Price      decimal.Decimal `json:"price"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
	Elapsed    time.Duration   `json:"elapsed_ns"`
	CanClose   bool            `json:"can_close"`
	Remaining  time.Duration   `json:"remaining_ns"`
}

const lockTTL = 30 * time.Second

var hundred = decimal.NewFromInt(100)

// PnLPercent returns leverage × (exit − entry) / entry × 100.
func PnLPercent(entry, exit, leverage decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	return exit.Sub(entry).Mul(leverage).Mul(hundred).Div(entry).Round(8)
}

func (m *Manager) lock(ctx context.Context, userID string) (func(), error) {
	release := m.locks.Lock(userID)
	if m.locker == nil {
		return release, nil
	}
	unlock, err := m.locker.Acquire(ctx, "user:"+userID, lockTTL)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return func() {
		unlock()
		release()
	}, nil
}

// Open starts a position for userID. The user must have no open position and
// be selecting an instrument, already opening, or starting over from a
// completed session. Every precondition is checked before anything is
// written; the store then debits one token, records the position and moves
// the state to Open in one step, so a concurrent state change makes the whole
// open fail with model.ErrStateConflict.
func (m *Manager) Open(ctx context.Context, userID, symbol string, leverage decimal.Decimal) (*model.Position, error) {
	pair, err := instrument.Parse(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := instrument.ValidateLeverage(leverage); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	unlock, err := m.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if user.OpenPositionID != nil {
		metrics.OpenRejections.WithLabelValues("already_open").Inc()
		return nil, ErrAlreadyOpen
	}
	if err := session.ValidatePath(user.State, openPath(user.State)...); err != nil {
		metrics.OpenRejections.WithLabelValues("state").Inc()
		return nil, err
	}
	if user.Tokens <= 0 {
		metrics.OpenRejections.WithLabelValues("no_tokens").Inc()
		return nil, ErrInsufficientResource
	}

	price, err := m.oracle.Price(ctx, pair.Symbol)
	if err != nil {
		metrics.OpenRejections.WithLabelValues("price").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	pos := &model.Position{
		ID:         uuid.New().String(),
		UserID:     userID,
		Instrument: pair.Symbol,
		Leverage:   leverage,
		EntryPrice: price,
		EntryAt:    m.now(),
	}
	if err := m.store.OpenPosition(ctx, pos, user.State); err != nil {
		switch {
		case errors.Is(err, model.ErrAlreadyOpen):
			metrics.OpenRejections.WithLabelValues("already_open").Inc()
		case errors.Is(err, model.ErrStateConflict):
			metrics.OpenRejections.WithLabelValues("state").Inc()
		}
		return nil, err
	}

	metrics.PositionsOpened.WithLabelValues(instrument.Direction(leverage)).Inc()
	m.log.Info("position opened",
		"user", userID,
		"position", pos.ID,
		"instrument", pos.Instrument,
		"leverage", leverage.String(),
		"entry_price", price.String(),
		"from", user.State,
	)
	return pos, nil
}

// openPath is the chain of states an open walks through from `from`.
func openPath(from model.SessionState) []model.SessionState {
	switch from {
	case model.StateComplete:
		return []model.SessionState{model.StateSelectingInstrument, model.StateOpening, model.StateOpen}
	case model.StateSelectingInstrument:
		return []model.SessionState{model.StateOpening, model.StateOpen}
	case model.StateOpening:
		return []model.SessionState{model.StateOpen}
	}
	return []model.SessionState{model.StateOpening}
}

// Cancel returns userID to Idle under the same per-user lock as Open and
// Close, so it can never land between an open's checks and its write.
func (m *Manager) Cancel(ctx context.Context, userID string) (model.SessionState, error) {
	unlock, err := m.lock(ctx, userID)
	if err != nil {
		return "", err
	}
	defer unlock()
	return m.machine.Cancel(ctx, userID)
}

// Close realizes the user's open position. Rejections (no position, price
// failure, anti-spam) leave the position and balance untouched.
func (m *Manager) Close(ctx context.Context, userID string) (*Closed, error) {
	unlock, err := m.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pos, err := m.store.GetOpenPosition(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			metrics.CloseRejections.WithLabelValues("no_position").Inc()
			return nil, ErrNoOpenPosition
		}
		return nil, err
	}
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := session.ValidatePath(user.State, model.StateClosing, model.StateComplete); err != nil {
		metrics.CloseRejections.WithLabelValues("state").Inc()
		return nil, err
	}

	exit, err := m.oracle.Price(ctx, pos.Instrument)
	if err != nil {
		metrics.CloseRejections.WithLabelValues("price").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	now := m.now()
	elapsed := now.Sub(pos.EntryAt)
	pnl := PnLPercent(pos.EntryPrice, exit, pos.Leverage)

	if !m.gate.AllowClose(elapsed, pnl) {
		metrics.CloseRejections.WithLabelValues("too_soon").Inc()
		return nil, &TooSoonError{
			Elapsed:   elapsed,
			Required:  m.gate.MinDwell,
			Remaining: m.gate.Remaining(elapsed),
		}
	}

	rw := m.rewards.Select(ctx, reward.Criteria{
		PnL:           pnl,
		Level:         user.Level,
		Instrument:    pos.Instrument,
		LeverageClass: instrument.LeverageClass(pos.Leverage),
	})
	xp := 0
	if rw.ID != model.NoCatchRewardID {
		xp = model.ExperienceFor(rw.Tier)
	}

	c := model.PositionClose{
		PositionID: pos.ID,
		UserID:     userID,
		ExitPrice:  exit,
		ExitAt:     now,
		PnLPercent: pnl,
		RewardID:   rw.ID,
	}
	if err := m.store.ClosePosition(ctx, c, xp); err != nil {
		if errors.Is(err, model.ErrAlreadyClosed) {
			return nil, ErrNoOpenPosition
		}
		return nil, err
	}

	balance, err := m.ledger.Apply(ctx, userID, pos.ID, pnl)
	if err != nil {
		// The position is closed; the ledger can be reconciled later.
		m.log.Error("ledger apply failed", "user", userID, "position", pos.ID, "err", err)
		balance = user.Balance
	}

	if _, err := m.machine.Advance(ctx, userID, model.StateClosing, model.StateComplete); err != nil {
		m.log.Error("position closed but state not advanced", "user", userID, "position", pos.ID, "err", err)
	}

	pos.ExitPrice = &c.ExitPrice
	pos.ExitAt = &c.ExitAt
	pos.PnLPercent = &c.PnLPercent
	pos.RewardID = &c.RewardID

	level := model.LevelFor(user.Experience + xp)
	metrics.PositionsClosed.Inc()
	m.log.Info("position closed",
		"user", userID,
		"position", pos.ID,
		"exit_price", exit.String(),
		"pnl", pnl.String(),
		"elapsed", elapsed.Truncate(time.Second).String(),
		"reward", rw.ID,
		"tier", rw.Tier.String(),
	)
	return &Closed{
		Position:   *pos,
		Reward:     rw,
		PnLPercent: pnl,
		Elapsed:    elapsed,
		Balance:    balance,
		Level:      level,
		LevelUp:    level > user.Level,
	}, nil
}

// Quote prices the open position without changing anything.
func (m *Manager) Quote(ctx context.Context, userID string) (*Quote, error) {
	pos, err := m.store.GetOpenPosition(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, ErrNoOpenPosition
		}
		return nil, err
	}
	price, err := m.oracle.Price(ctx, pos.Instrument)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	elapsed := m.now().Sub(pos.EntryAt)
	pnl := PnLPercent(pos.EntryPrice, price, pos.Leverage)
	return &Quote{
		Position:   *pos,
		Price:      price,
		PnLPercent: pnl,
		Elapsed:    elapsed,
		CanClose:   m.gate.AllowClose(elapsed, pnl),
		Remaining:  m.gate.Remaining(elapsed),
	}, nil
}
