package comm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGameID(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{`12`, 12, true},
		{`"12"`, 12, true},
		{`{"gameId": 7}`, 7, true},
		{`{"gameId": "7"}`, 7, true},
		{` 3 `, 3, true},
		{``, 0, false},
		{`null`, 0, false},
		{`{}`, 0, false},
		{`0`, 0, false},
		{`-4`, 0, false},
		{`"abc"`, 0, false},
		{`[1]`, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			id, err := ParseGameID(json.RawMessage(tc.raw))
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, id)
		})
	}
}

func TestMoveRequestDecoding(t *testing.T) {
	var req MoveRequest
	require.NoError(t, json.Unmarshal([]byte(`{"gameId":"5","row":0,"col":2,"piece":"X"}`), &req))
	assert.Equal(t, FlexID(5), req.GameID)
	require.NotNil(t, req.Row)
	assert.Equal(t, 0, *req.Row)
	assert.Equal(t, 2, *req.Col)
	assert.Equal(t, "X", req.Piece)
}

func TestNewMessage(t *testing.T) {
	b, err := NewMessage(GameTurnChange, TurnChangePayload{GameID: 1, CurrentTurn: 2, Reason: "timeout"})
	require.NoError(t, err)

	var msg WSMessage
	require.NoError(t, json.Unmarshal(b, &msg))
	assert.Equal(t, GameTurnChange, msg.Type)

	var p TurnChangePayload
	require.NoError(t, json.Unmarshal(msg.Data, &p))
	assert.Equal(t, int64(2), p.CurrentTurn)
	assert.Equal(t, "timeout", p.Reason)
}
