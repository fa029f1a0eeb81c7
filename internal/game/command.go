// Package game routes user commands through the session state machine, the
// position manager and the view controller. Every handled command renders
// exactly one surface.
package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/session"
)

// Command is one user intent. The set is closed: only the types in this file
// implement it.
type Command interface {
	Name() string
	command()
}

// Cast starts a new session.
type Cast struct{}

// SelectInstrument opens a position. Empty fields fall back to the user's
// stored preference.
type SelectInstrument struct {
	Instrument string
	Leverage   decimal.Decimal
}

// Hook closes the open position.
type Hook struct{}

// Cancel abandons the session and returns to Idle.
type Cancel struct{}

// Status shows the user's current standing.
type Status struct{}

// CreditTokens adds resource tokens, e.g. after a purchase.
type CreditTokens struct {
	Amount int
}

func (Cast) Name() string             { return "cast" }
func (SelectInstrument) Name() string { return "select_instrument" }
func (Hook) Name() string             { return "hook" }
func (Cancel) Name() string           { return "cancel" }
func (Status) Name() string           { return "status" }
func (CreditTokens) Name() string     { return "credit_tokens" }

func (Cast) command()             {}
func (SelectInstrument) command() {}
func (Hook) command()             {}
func (Cancel) command()           {}
func (Status) command()           {}
func (CreditTokens) command()     {}

// ErrUnknownCommand is returned for unrecognised command names or actions.
var ErrUnknownCommand = errors.New("game: unknown command")

// selectPrefix carries an explicit instrument in an action ID, e.g.
// "select_instrument:BTC/USDT".
const selectPrefix = session.ActionSelect + ":"

// FromAction maps a surface action ID to its command.
func FromAction(actionID string) (Command, error) {
	switch actionID {
	case session.ActionCast:
		return Cast{}, nil
	case session.ActionSelect, session.ActionCastAgain:
		return SelectInstrument{}, nil
	case session.ActionHook:
		return Hook{}, nil
	case session.ActionCancel, session.ActionBackToStart:
		return Cancel{}, nil
	case session.ActionStatus, session.ActionBuyTokens:
		return Status{}, nil
	}
	if inst, ok := strings.CutPrefix(actionID, selectPrefix); ok && inst != "" {
		return SelectInstrument{Instrument: inst}, nil
	}
	return nil, fmt.Errorf("%w: action %q", ErrUnknownCommand, actionID)
}

// Request is the wire form of a command.
type Request struct {
	Command    string          `json:"command"`
	Instrument string          `json:"instrument,omitempty"`
	Leverage   decimal.Decimal `json:"leverage,omitempty"`
	Amount     int             `json:"amount,omitempty"`
}

// Decode parses a JSON command request.
func Decode(raw []byte) (Command, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("game: decode command: %w", err)
	}
	return req.ToCommand()
}

// ToCommand converts the request to its Command.
func (r Request) ToCommand() (Command, error) {
	switch r.Command {
	case "cast":
		return Cast{}, nil
	case "select_instrument":
		return SelectInstrument{Instrument: r.Instrument, Leverage: r.Leverage}, nil
	case "hook":
		return Hook{}, nil
	case "cancel":
		return Cancel{}, nil
	case "status":
		return Status{}, nil
	case "credit_tokens":
		return CreditTokens{Amount: r.Amount}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, r.Command)
}
