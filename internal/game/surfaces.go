package game

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/instrument"
	"github.com/atmx/session-engine/internal/model"
	"github.com/atmx/session-engine/internal/position"
	"github.com/atmx/session-engine/internal/session"
)

// quickPicks are offered next to the user's preferred market.
var quickPicks = []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}

func signed(d decimal.Decimal) string {
	s := d.StringFixed(2)
	if d.IsPositive() {
		return "+" + s
	}
	return s
}

func leverageLabel(lev decimal.Decimal) string {
	return "x" + lev.String()
}

func footer(u *model.User) string {
	return fmt.Sprintf("🪱 %d bait · 💰 %s · ⭐ level %d", u.Tokens, u.Balance.StringFixed(2), u.Level)
}

func idleSurface(u *model.User) model.Surface {
	return model.Surface{
		Kind:    model.SurfaceActionPrompt,
		Header:  "🌊 " + session.Describe(model.StateIdle),
		Body:    "The water is calm. Cast a line when you are ready.",
		Footer:  footer(u),
		Actions: session.AvailableActions(model.StateIdle),
	}
}

func selectSurface(u *model.User) model.Surface {
	actions := []model.Action{{
		ID:    session.ActionSelect,
		Label: fmt.Sprintf("🎯 %s %s", u.Instrument, leverageLabel(u.Leverage)),
	}}
	for _, sym := range quickPicks {
		if sym == u.Instrument {
			continue
		}
		actions = append(actions, model.Action{ID: selectPrefix + sym, Label: sym})
	}
	actions = append(actions, session.Lookup(session.ActionCancel))
	return model.Surface{
		Kind:    model.SurfaceActionPrompt,
		Header:  "📊 " + session.Describe(model.StateSelectingInstrument),
		Body:    "Where do you want to fish? Your last spot is first.",
		Footer:  footer(u),
		Actions: actions,
	}
}

func openSurface(p *model.Position) model.Surface {
	return model.Surface{
		Kind:   model.SurfaceActionPrompt,
		Header: "🎣 " + session.Describe(model.StateOpen),
		Body: fmt.Sprintf("%s %s %s at %s.\nWait for a bite, then hook it.",
			p.Instrument, instrument.Direction(p.Leverage), leverageLabel(p.Leverage.Abs()), p.EntryPrice.String()),
		Actions: session.AvailableActions(model.StateOpen),
	}
}

func closedSurface(c *position.Closed) model.Surface {
	var b strings.Builder
	if c.Reward.ID == model.NoCatchRewardID {
		fmt.Fprintf(&b, "%s Nothing on the hook this time.\n", c.Reward.Emoji)
	} else {
		fmt.Fprintf(&b, "%s You caught a %s! (%s)\n", c.Reward.Emoji, c.Reward.Name, c.Reward.Tier)
	}
	exit := "?"
	if c.Position.ExitPrice != nil {
		exit = c.Position.ExitPrice.String()
	}
	fmt.Fprintf(&b, "%s: %s → %s, %s%% in %s\n",
		c.Position.Instrument, c.Position.EntryPrice.String(), exit,
		signed(c.PnLPercent), c.Elapsed.Truncate(time.Second))
	fmt.Fprintf(&b, "Balance: %s", c.Balance.StringFixed(2))
	if c.LevelUp {
		fmt.Fprintf(&b, "\n⭐ Level up! You are now level %d.", c.Level)
	}
	return model.Surface{
		Kind:    model.SurfaceActionPrompt,
		Header:  "🐟 " + session.Describe(model.StateComplete),
		Body:    b.String(),
		Actions: session.AvailableActions(model.StateComplete),
	}
}

func statusSurface(u *model.User, q *position.Quote) model.Surface {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", session.Describe(u.State))
	fmt.Fprintf(&b, "Market: %s %s", u.Instrument, leverageLabel(u.Leverage))
	if q != nil {
		fmt.Fprintf(&b, "\nLine out on %s for %s: %s%% now",
			q.Position.Instrument, q.Elapsed.Truncate(time.Second), signed(q.PnLPercent))
		if !q.CanClose {
			fmt.Fprintf(&b, " (hook in %s)", q.Remaining)
		}
	}
	if u.State == model.StateBlocked {
		b.WriteString("\nOut of bait. Buy more in the shop to keep fishing.")
	}
	return model.Surface{
		Kind:   model.SurfaceInformational,
		Header: "ℹ Status",
		Body:   b.String(),
		Footer: footer(u),
	}
}

func blockedSurface(u *model.User) model.Surface {
	return model.Surface{
		Kind:    model.SurfaceErrorWithRecovery,
		Header:  "🪱 " + session.Describe(model.StateBlocked),
		Body:    "You need bait to cast. Buy more in the shop, then come back.",
		Footer:  footer(u),
		Actions: session.AvailableActions(model.StateBlocked),
	}
}

func creditedSurface(u *model.User, amount int, state model.SessionState) model.Surface {
	s := model.Surface{
		Kind:   model.SurfaceActionPrompt,
		Header: "🪱 Bait added",
		Body:   fmt.Sprintf("%d bait added. You now have %d.", amount, u.Tokens),
		Footer: footer(u),
	}
	s.Actions = session.AvailableActions(state)
	if len(s.Actions) == 0 {
		s.Kind = model.SurfaceInformational
	}
	return s
}

// errorSurface renders a rejection with the actions that can recover from it.
func errorSurface(err error, u *model.User) model.Surface {
	s := model.Surface{
		Kind:    model.SurfaceErrorWithRecovery,
		Header:  "⚠ Not now",
		Footer:  footer(u),
		Actions: session.AvailableActions(u.State),
	}
	var tooSoon *position.TooSoonError
	switch {
	case errors.As(err, &tooSoon):
		s.Header = "⏳ Too early"
		s.Body = fmt.Sprintf("The fish is not hooked yet. Try again in %s.", tooSoon.Remaining)
	case errors.Is(err, position.ErrInsufficientResource):
		s.Header = "🪱 Out of bait"
		s.Body = "You need bait to cast. Buy more in the shop."
		s.Actions = []model.Action{session.Lookup(session.ActionBuyTokens), session.Lookup(session.ActionCancel)}
	case errors.Is(err, position.ErrPriceUnavailable):
		s.Header = "📡 No signal"
		s.Body = "Could not read the market price. Try again in a moment."
	case errors.Is(err, position.ErrAlreadyOpen):
		s.Body = "Your line is already in the water."
	case errors.Is(err, position.ErrNoOpenPosition):
		s.Body = "There is nothing on the line. Cast first."
	case errors.Is(err, position.ErrInvalidRequest):
		s.Body = "That market or leverage is not available."
	case errors.Is(err, position.ErrBusy):
		s.Body = "Still working on your last action."
	default:
		s.Body = fmt.Sprintf("You cannot do that while %s.", strings.ToLower(session.Describe(u.State)))
	}
	if len(s.Actions) == 0 {
		s.Actions = []model.Action{session.Lookup(session.ActionStatus)}
	}
	return s
}
