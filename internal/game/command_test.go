package game_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/session-engine/internal/game"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		raw  string
		want game.Command
	}{
		{`{"command":"cast"}`, game.Cast{}},
		{`{"command":"hook"}`, game.Hook{}},
		{`{"command":"cancel"}`, game.Cancel{}},
		{`{"command":"status"}`, game.Status{}},
		{`{"command":"credit_tokens","amount":5}`, game.CreditTokens{Amount: 5}},
	}
	for _, tt := range tests {
		got, err := game.Decode([]byte(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	cmd, err := game.Decode([]byte(`{"command":"select_instrument","instrument":"SOL/USDT","leverage":"-3"}`))
	require.NoError(t, err)
	sel, ok := cmd.(game.SelectInstrument)
	require.True(t, ok)
	assert.Equal(t, "SOL/USDT", sel.Instrument)
	assert.True(t, sel.Leverage.Equal(d(-3)))

	_, err = game.Decode([]byte(`{"command":"teleport"}`))
	assert.ErrorIs(t, err, game.ErrUnknownCommand)

	_, err = game.Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestFromAction(t *testing.T) {
	tests := map[string]game.Command{
		"cast":                       game.Cast{},
		"select_instrument":          game.SelectInstrument{},
		"cast_again":                 game.SelectInstrument{},
		"select_instrument:ETH/USDT": game.SelectInstrument{Instrument: "ETH/USDT"},
		"hook":                       game.Hook{},
		"cancel":                     game.Cancel{},
		"back":                       game.Cancel{},
		"status":                     game.Status{},
		"buy_tokens":                 game.Status{},
	}
	for id, want := range tests {
		got, err := game.FromAction(id)
		require.NoError(t, err, id)
		assert.Equal(t, want, got, id)
	}

	_, err := game.FromAction("select_instrument:")
	assert.ErrorIs(t, err, game.ErrUnknownCommand)
}
