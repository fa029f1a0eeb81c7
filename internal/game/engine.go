package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/metrics"
	"github.com/atmx/session-engine/internal/model"
	"github.com/atmx/session-engine/internal/position"
	"github.com/atmx/session-engine/internal/ratelimit"
	"github.com/atmx/session-engine/internal/session"
)

// ErrRateLimited is returned when a user sends commands too fast.
var ErrRateLimited = errors.New("game: rate limited")

// Store is the user-level persistence the engine needs.
type Store interface {
	GetOrCreateUser(ctx context.Context, id, username string) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	SetPreference(ctx context.Context, userID, instrument string, leverage decimal.Decimal) error
	CreditTokens(ctx context.Context, userID string, amount int) (int, error)
}

// Positions is the subset of the position manager the engine drives.
type Positions interface {
	Open(ctx context.Context, userID, instrument string, leverage decimal.Decimal) (*model.Position, error)
	Close(ctx context.Context, userID string) (*position.Closed, error)
	Quote(ctx context.Context, userID string) (*position.Quote, error)
	Cancel(ctx context.Context, userID string) (model.SessionState, error)
}

// View renders surfaces with the single-active-surface guarantee.
type View interface {
	Present(ctx context.Context, userID string, s model.Surface) (model.SurfaceRef, error)
}

// Limits caps command rates. A zero Rule disables that bucket.
type Limits struct {
	General ratelimit.Rule
	Hook    ratelimit.Rule
}

// DefaultLimits matches the bot's historical limits.
var DefaultLimits = Limits{
	General: ratelimit.Rule{Limit: 30, Window: time.Minute},
	Hook:    ratelimit.Rule{Limit: 3, Window: time.Minute},
}

// Deps wires an Engine.
type Deps struct {
	Store     Store
	Machine   *session.Machine
	Positions Positions
	View      View
	Limiter   ratelimit.Limiter // optional
	Limits    Limits
	Logger    *slog.Logger
}

// Engine handles commands.
type Engine struct {
	store     Store
	machine   *session.Machine
	positions Positions
	view      View
	limiter   ratelimit.Limiter
	limits    Limits
	log       *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Engine{
		store:     d.Store,
		machine:   d.Machine,
		positions: d.Positions,
		view:      d.View,
		limiter:   d.Limiter,
		limits:    d.Limits,
		log:       d.Logger.With(slog.String("component", "game")),
	}
}

// Outcome describes what a command did.
type Outcome struct {
	State    model.SessionState `json:"state"`
	Surface  model.Surface      `json:"surface"`
	Ref      model.SurfaceRef   `json:"ref,omitempty"`
	Position *model.Position    `json:"position,omitempty"`
	Closed   *position.Closed   `json:"closed,omitempty"`
	Quote    *position.Quote    `json:"quote,omitempty"`
	Tokens   int                `json:"tokens"`
}

// Handle runs cmd for userID, creating the user on first contact. Domain
// failures are rendered as error surfaces and also returned so callers can map
// them; the Outcome is populated in both cases.
func (e *Engine) Handle(ctx context.Context, userID, username string, cmd Command) (Outcome, error) {
	if err := e.allow(ctx, userID, cmd); err != nil {
		metrics.Commands.WithLabelValues(cmd.Name(), "rate_limited").Inc()
		return Outcome{}, err
	}

	user, err := e.store.GetOrCreateUser(ctx, userID, username)
	if err != nil {
		return Outcome{}, fmt.Errorf("game: load user: %w", err)
	}

	var out Outcome
	var cmdErr error
	switch c := cmd.(type) {
	case Cast:
		out, cmdErr = e.cast(ctx, user)
	case SelectInstrument:
		out, cmdErr = e.selectInstrument(ctx, user, c)
	case Hook:
		out, cmdErr = e.hook(ctx, user)
	case Cancel:
		out, cmdErr = e.cancel(ctx, user)
	case Status:
		out, cmdErr = e.status(ctx, user)
	case CreditTokens:
		out, cmdErr = e.credit(ctx, user, c.Amount)
	default:
		return Outcome{}, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}

	if cmdErr != nil && !isDomainError(cmdErr) {
		metrics.Commands.WithLabelValues(cmd.Name(), "error").Inc()
		e.log.Error("command failed", "user", userID, "command", cmd.Name(), "err", cmdErr)
		return Outcome{}, cmdErr
	}

	// Reload so the outcome reflects what actually persisted.
	if fresh, err := e.store.GetUser(ctx, userID); err == nil {
		user = fresh
	}
	if cmdErr != nil {
		out = Outcome{Surface: errorSurface(cmdErr, user)}
		metrics.Commands.WithLabelValues(cmd.Name(), "rejected").Inc()
		e.log.Info("command rejected", "user", userID, "command", cmd.Name(), "reason", cmdErr)
	} else {
		metrics.Commands.WithLabelValues(cmd.Name(), "ok").Inc()
	}
	out.State = user.State
	out.Tokens = user.Tokens

	ref, err := e.view.Present(ctx, userID, out.Surface)
	if err != nil {
		// The command already took effect; a lost render must not mask it.
		e.log.Warn("surface not delivered", "user", userID, "command", cmd.Name(), "err", err)
	}
	out.Ref = ref
	return out, cmdErr
}

// Dispatch handles a pressed surface action. It satisfies present.Dispatcher.
func (e *Engine) Dispatch(ctx context.Context, userID, actionID string) error {
	cmd, err := FromAction(actionID)
	if err != nil {
		return err
	}
	_, err = e.Handle(ctx, userID, "", cmd)
	return err
}

func (e *Engine) allow(ctx context.Context, userID string, cmd Command) error {
	if e.limiter == nil {
		return nil
	}
	check := func(bucket string, r ratelimit.Rule) error {
		if r.Limit <= 0 {
			return nil
		}
		ok, err := e.limiter.Allow(ctx, bucket+":"+userID, r.Limit, r.Window)
		if err != nil {
			// Fail open: a limiter outage must not lock players out.
			e.log.Warn("rate limiter unavailable", "user", userID, "err", err)
			return nil
		}
		if !ok {
			metrics.RateLimited.WithLabelValues(bucket).Inc()
			return ErrRateLimited
		}
		return nil
	}
	if err := check("cmd", e.limits.General); err != nil {
		return err
	}
	if _, ok := cmd.(Hook); ok {
		return check("hook", e.limits.Hook)
	}
	return nil
}

// block moves a user without tokens to Blocked.
func (e *Engine) block(ctx context.Context, user *model.User) (Outcome, error) {
	var path []model.SessionState
	switch user.State {
	case model.StateBlocked:
	case model.StateComplete:
		path = []model.SessionState{model.StateIdle, model.StateBlocked}
	default:
		path = []model.SessionState{model.StateBlocked}
	}
	state, err := e.machine.Advance(ctx, user.ID, path...)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{State: state, Surface: blockedSurface(user)}, nil
}

func (e *Engine) cast(ctx context.Context, user *model.User) (Outcome, error) {
	switch user.State {
	case model.StateIdle, model.StateComplete, model.StateBlocked:
	default:
		return Outcome{}, &session.InvalidTransitionError{From: user.State, To: model.StateSelectingInstrument}
	}
	if user.Tokens <= 0 {
		return e.block(ctx, user)
	}
	if user.State == model.StateBlocked {
		// Tokens arrived some other way; leave Blocked first.
		if _, err := e.machine.Advance(ctx, user.ID, model.StateIdle, model.StateSelectingInstrument); err != nil {
			return Outcome{}, err
		}
	} else if _, err := e.machine.Transition(ctx, user.ID, model.StateSelectingInstrument); err != nil {
		return Outcome{}, err
	}
	return Outcome{State: model.StateSelectingInstrument, Surface: selectSurface(user)}, nil
}

func (e *Engine) selectInstrument(ctx context.Context, user *model.User, c SelectInstrument) (Outcome, error) {
	inst, lev := c.Instrument, c.Leverage
	if inst == "" {
		inst = user.Instrument
	}
	if lev.IsZero() {
		lev = user.Leverage
	}

	// Casting again straight from a finished session; the open itself walks
	// Complete through SelectingInstrument.
	if user.State == model.StateComplete && user.Tokens <= 0 {
		return e.block(ctx, user)
	}

	pos, err := e.positions.Open(ctx, user.ID, inst, lev)
	if err != nil {
		return Outcome{}, err
	}
	if pos.Instrument != user.Instrument || !pos.Leverage.Equal(user.Leverage) {
		if err := e.store.SetPreference(ctx, user.ID, pos.Instrument, pos.Leverage); err != nil {
			e.log.Warn("failed to store preference", "user", user.ID, "err", err)
		}
	}
	return Outcome{
		State:    model.StateOpen,
		Surface:  openSurface(pos),
		Position: pos,
	}, nil
}

func (e *Engine) hook(ctx context.Context, user *model.User) (Outcome, error) {
	closed, err := e.positions.Close(ctx, user.ID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		State:   model.StateComplete,
		Surface: closedSurface(closed),
		Closed:  closed,
	}, nil
}

func (e *Engine) cancel(ctx context.Context, user *model.User) (Outcome, error) {
	state, err := e.positions.Cancel(ctx, user.ID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{State: state, Surface: idleSurface(user)}, nil
}

func (e *Engine) status(ctx context.Context, user *model.User) (Outcome, error) {
	out := Outcome{State: user.State}
	if user.OpenPositionID != nil {
		q, err := e.positions.Quote(ctx, user.ID)
		switch {
		case err == nil:
			out.Quote = q
		case errors.Is(err, position.ErrPriceUnavailable):
			// Status still renders without a live price.
		default:
			return Outcome{}, err
		}
	}
	out.Surface = statusSurface(user, out.Quote)
	return out, nil
}

func (e *Engine) credit(ctx context.Context, user *model.User, amount int) (Outcome, error) {
	if amount <= 0 {
		return Outcome{}, fmt.Errorf("%w: amount must be positive", position.ErrInvalidRequest)
	}
	tokens, err := e.store.CreditTokens(ctx, user.ID, amount)
	if err != nil {
		return Outcome{}, fmt.Errorf("game: credit tokens: %w", err)
	}
	user.Tokens = tokens
	state := user.State
	if state == model.StateBlocked {
		if state, err = e.machine.Transition(ctx, user.ID, model.StateIdle); err != nil {
			return Outcome{}, err
		}
	}
	e.log.Info("tokens credited", "user", user.ID, "amount", amount, "tokens", tokens)
	return Outcome{State: state, Surface: creditedSurface(user, amount, state)}, nil
}

// isDomainError reports whether err is an expected, user-facing rejection.
func isDomainError(err error) bool {
	var tooSoon *position.TooSoonError
	switch {
	case errors.As(err, &tooSoon),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, position.ErrAlreadyOpen),
		errors.Is(err, position.ErrNoOpenPosition),
		errors.Is(err, position.ErrInsufficientResource),
		errors.Is(err, position.ErrPriceUnavailable),
		errors.Is(err, position.ErrInvalidRequest),
		errors.Is(err, position.ErrBusy),
		errors.Is(err, model.ErrStateConflict):
		return true
	}
	return false
}
