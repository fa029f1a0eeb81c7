package session

import "github.com/atmx/session-engine/internal/model"

// Action identifiers offered to users.
const (
	ActionCast        = "cast"
	ActionSelect      = "select_instrument"
	ActionHook        = "hook"
	ActionCancel      = "cancel"
	ActionStatus      = "status"
	ActionBuyTokens   = "buy_tokens"
	ActionCastAgain   = "cast_again"
	ActionBackToStart = "back"
)

var actionLabels = map[string]string{
	ActionCast:        "🎣 Cast",
	ActionSelect:      "📊 Pick market",
	ActionHook:        "🪝 Hook",
	ActionCancel:      "✖ Cancel",
	ActionStatus:      "ℹ Status",
	ActionBuyTokens:   "🪱 Get bait",
	ActionCastAgain:   "🎣 Cast again",
	ActionBackToStart: "⬅ Back",
}

var stateActions = map[model.SessionState][]string{
	model.StateIdle:                {ActionCast, ActionStatus},
	model.StateSelectingInstrument: {ActionSelect, ActionCancel},
	model.StateOpening:             {ActionCancel},
	model.StateOpen:                {ActionHook, ActionStatus},
	model.StateClosing:             nil,
	model.StateComplete:            {ActionCastAgain, ActionStatus},
	model.StateBlocked:             {ActionBuyTokens, ActionBackToStart},
}

var stateDescriptions = map[model.SessionState]string{
	model.StateIdle:                "Ready to cast",
	model.StateSelectingInstrument: "Choosing a market",
	model.StateOpening:             "Casting",
	model.StateOpen:                "Line in the water",
	model.StateClosing:             "Reeling in",
	model.StateComplete:            "Catch landed",
	model.StateBlocked:             "Out of bait",
}

// AvailableActions returns the actions a user may take in state s.
func AvailableActions(s model.SessionState) []model.Action {
	ids := stateActions[s]
	out := make([]model.Action, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Action{ID: id, Label: actionLabels[id]})
	}
	return out
}

// Lookup returns the labelled action for id.
func Lookup(id string) model.Action {
	if label, ok := actionLabels[id]; ok {
		return model.Action{ID: id, Label: label}
	}
	return model.Action{ID: id, Label: id}
}

// Describe returns a short human label for s.
func Describe(s model.SessionState) string {
	if d, ok := stateDescriptions[s]; ok {
		return d
	}
	return string(s)
}
