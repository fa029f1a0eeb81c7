// Package model defines the core domain types shared across the session engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Defaults applied to newly created users.
const (
	DefaultLevel       = 1
	DefaultTokens      = 10
	DefaultInstrument  = "ETH/USDT"
	DefaultLeverageInt = 1
)

var (
	// InitialBalance is the balance every user starts from. The ledger sum
	// law is expressed relative to it.
	InitialBalance = decimal.NewFromInt(10000)

	// StakeUnit is the notional committed by one position.
	StakeUnit = decimal.NewFromInt(1000)
)

// SessionState is the per-user interaction state.
type SessionState string

const (
	StateIdle                SessionState = "idle"
	StateSelectingInstrument SessionState = "selecting_instrument"
	StateOpening             SessionState = "opening"
	StateOpen                SessionState = "open"
	StateClosing             SessionState = "closing"
	StateComplete            SessionState = "complete"
	StateBlocked             SessionState = "blocked" // no resource token left
)

// Valid reports whether s is one of the known states.
func (s SessionState) Valid() bool {
	switch s {
	case StateIdle, StateSelectingInstrument, StateOpening, StateOpen,
		StateClosing, StateComplete, StateBlocked:
		return true
	}
	return false
}

func (s SessionState) String() string { return string(s) }

// User is the per-player record. OpenPositionID is nil or names a position
// whose ClosedAt is nil.
type User struct {
	ID             string          `json:"id" db:"id"`
	Username       string          `json:"username" db:"username"`
	Level          int             `json:"level" db:"level"`
	Experience     int             `json:"experience" db:"experience"`
	Tokens         int             `json:"tokens" db:"tokens"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	Instrument     string          `json:"instrument" db:"instrument"`
	Leverage       decimal.Decimal `json:"leverage" db:"leverage"`
	State          SessionState    `json:"state" db:"state"`
	OpenPositionID *string         `json:"open_position_id,omitempty" db:"open_position_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Position is a single wager. It is created by an open, mutated exactly once
// by a close, and never deleted.
type Position struct {
	ID         string           `json:"id" db:"id"`
	UserID     string           `json:"user_id" db:"user_id"`
	Instrument string           `json:"instrument" db:"instrument"`
	Leverage   decimal.Decimal  `json:"leverage" db:"leverage"` // signed: negative = short
	EntryPrice decimal.Decimal  `json:"entry_price" db:"entry_price"`
	EntryAt    time.Time        `json:"entry_at" db:"entry_at"`
	ExitPrice  *decimal.Decimal `json:"exit_price,omitempty" db:"exit_price"`
	ExitAt     *time.Time       `json:"exit_at,omitempty" db:"exit_at"`
	PnLPercent *decimal.Decimal `json:"pnl_percent,omitempty" db:"pnl_percent"`
	RewardID   *string          `json:"reward_id,omitempty" db:"reward_id"`
}

// IsOpen reports whether the position has not been closed yet.
func (p *Position) IsOpen() bool { return p.ExitAt == nil }

// PositionClose carries the fields written by the single close update.
type PositionClose struct {
	PositionID string
	UserID     string
	ExitPrice  decimal.Decimal
	ExitAt     time.Time
	PnLPercent decimal.Decimal
	RewardID   string
}

// LedgerEntry is an immutable record of a realized position result.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	PositionID   string          `json:"position_id" db:"position_id"`
	PnLPercent   decimal.Decimal `json:"pnl_percent" db:"pnl_percent"`
	Delta        decimal.Decimal `json:"delta" db:"delta"`
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Tier orders rewards by rarity.
type Tier int

const (
	TierTrash Tier = iota
	TierCommon
	TierRare
	TierEpic
	TierLegendary
)

var tierNames = [...]string{"trash", "common", "rare", "epic", "legendary"}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return "unknown"
	}
	return tierNames[t]
}

// ParseTier maps a tier name to its Tier. ok is false for unknown names.
func ParseTier(name string) (Tier, bool) {
	for i, n := range tierNames {
		if n == name {
			return Tier(i), true
		}
	}
	return TierTrash, false
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, ok := ParseTier(string(b))
	if !ok {
		return &UnknownTierError{Name: string(b)}
	}
	*t = parsed
	return nil
}

// UnknownTierError is returned when decoding an unrecognized tier name.
type UnknownTierError struct{ Name string }

func (e *UnknownTierError) Error() string { return "model: unknown tier " + e.Name }

// Reward is a catalog entry. Empty Instruments / LeverageClasses mean "all".
type Reward struct {
	ID              string          `json:"id" yaml:"id" db:"id"`
	Name            string          `json:"name" yaml:"name" db:"name"`
	Emoji           string          `json:"emoji,omitempty" yaml:"emoji" db:"emoji"`
	Description     string          `json:"description,omitempty" yaml:"description" db:"description"`
	Tier            Tier            `json:"tier" yaml:"tier" db:"tier"`
	MinPnL          decimal.Decimal `json:"min_pnl" yaml:"min_pnl" db:"min_pnl"`
	MaxPnL          decimal.Decimal `json:"max_pnl" yaml:"max_pnl" db:"max_pnl"`
	MinLevel        int             `json:"min_level" yaml:"min_level" db:"min_level"`
	Instruments     []string        `json:"instruments,omitempty" yaml:"instruments" db:"instruments"`
	LeverageClasses []string        `json:"leverage_classes,omitempty" yaml:"leverage_classes" db:"leverage_classes"`
}

// NoCatchRewardID identifies the default reward returned when nothing matched.
const NoCatchRewardID = "no-catch"

// NoCatch is the fallback reward used when no catalog entry is eligible.
func NoCatch() Reward {
	return Reward{
		ID:          NoCatchRewardID,
		Name:        "Something strange",
		Emoji:       "❓",
		Description: "Nothing in the catalog matched this result.",
		Tier:        TierTrash,
	}
}

// SurfaceKind classifies a user-visible message block.
type SurfaceKind string

const (
	SurfaceActionPrompt      SurfaceKind = "action_prompt"
	SurfaceInformational     SurfaceKind = "informational"
	SurfaceErrorWithRecovery SurfaceKind = "error_with_recovery"
)

// Actionable reports whether surfaces of this kind carry live actions and are
// therefore subject to the single-active-surface rule.
func (k SurfaceKind) Actionable() bool {
	return k == SurfaceActionPrompt || k == SurfaceErrorWithRecovery
}

// Action is a single user-selectable control on a surface.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Surface is one rendered message block.
type Surface struct {
	Kind    SurfaceKind `json:"kind"`
	Header  string      `json:"header,omitempty"`
	Body    string      `json:"body"`
	Footer  string      `json:"footer,omitempty"`
	Actions []Action    `json:"actions,omitempty"`
}

// SurfaceRef is an opaque handle returned by a presenter.
type SurfaceRef string
