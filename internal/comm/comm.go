package comm

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

type WSMessage struct {
	Type     string          `json:"type"` // e.g. "lobby:join", "game:make_move"
	Data     json.RawMessage `json:"data,omitempty"`
	SocketId string          `json:"socketid,omitempty"`
}

// client -> server
const (
	LobbyJoin             = "lobby:join"
	LobbyJoinRequest      = "lobby:join_request"
	LobbyForceJoinRequest = "lobby:force_join_request"
	LobbyApproveJoin      = "lobby:approve_join"
	LobbyRejectJoin       = "lobby:reject_join"
	LobbyHostLeave        = "lobby:host_leave"
	LobbyGuestLeave       = "lobby:guest_leave"
	GameStart             = "game:start"
	GameMakeMove          = "game:make_move"
	GameTurnExpired       = "game:turn_expired"
	GameRequestState      = "game:request_state"
)

// server -> client
const (
	LobbyPlayerJoined  = "lobby:player_joined"
	LobbyJoinApproved  = "lobby:join_approved"
	LobbyJoinRejected  = "lobby:join_rejected"
	LobbyGuestLeft     = "lobby:guest_left"
	LobbyGameDeleted   = "lobby:game_deleted"
	LobbyState         = "lobby:state"
	LobbyRedirectHome  = "lobby:redirect_home"
	LobbyError         = "lobby:error"
	GameStarted        = "game:started"
	GameMoveMade       = "game:move_made"
	GameTurnChange     = "game:turn_change"
	GameTurnTimerStart = "game:turn_timer_start"
	GameEnded          = "game:ended"
	GameStateSync      = "game:state_sync"
	GameError          = "game:error"
	UsersUpdate        = "users:update"
)

// NATS subjects and lifecycle event names
const (
	TopicGameEvents  = "game.events"
	TopicActiveGames = "game.active"

	EventGameCreated   = "game.created"
	EventGameStarted   = "game.started"
	EventGameEnded     = "game.ended"
	EventGameDeleted   = "game.deleted"
	EventGameGuestLeft = "game.guest_left"
)

var ErrMissingGameID = errors.New("missing game id")

// NewMessage encodes an outbound envelope.
func NewMessage(msgType string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{Type: msgType, Data: raw})
}

// ParseGameID accepts a bare number (or numeric string) or an object with a
// gameId field.
func ParseGameID(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, ErrMissingGameID
	}

	var ref GameRef
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &ref); err != nil {
			return 0, err
		}
	} else if err := json.Unmarshal(raw, &ref.GameID); err != nil {
		return 0, err
	}
	if ref.GameID <= 0 {
		return 0, ErrMissingGameID
	}
	return int64(ref.GameID), nil
}

// FlexID decodes an id sent either as a JSON number or a numeric string.
type FlexID int64

func (f *FlexID) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(bytes.Trim(b, `"`), &n); err != nil {
		return err
	}
	v, err := n.Int64()
	if err != nil {
		return err
	}
	*f = FlexID(v)
	return nil
}

type GameRef struct {
	GameID FlexID `json:"gameId"`
}

type JoinDecision struct {
	GameID FlexID `json:"gameId" validate:"gt=0"`
	UserID FlexID `json:"userId" validate:"gt=0"`
}

// MoveRequest is a placement at Row/Col. Piece is what the client believes
// its symbol is; the server only uses it to catch a desynced client.
type MoveRequest struct {
	GameID FlexID `json:"gameId" validate:"gt=0"`
	Row    *int   `json:"row" validate:"required,gte=0"`
	Col    *int   `json:"col" validate:"required,gte=0"`
	Piece  string `json:"piece,omitempty" validate:"omitempty,max=8"`
}

type CreateGameRequest struct {
	BoardSize           int  `json:"boardSize" validate:"oneof=3 5"`
	TurnTimeLimit       int  `json:"turnTimeLimit" validate:"min=10,max=120"`
	AllowCustomSettings bool `json:"allowCustomSettings"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type LobbyStatePayload struct {
	Game           interface{} `json:"game"`
	ConnectedUsers int         `json:"connectedUsers"`
}

type JoinRequestPayload struct {
	GameID int64       `json:"gameId"`
	User   interface{} `json:"user"`
}

type PlayerJoinedPayload struct {
	GameID int64       `json:"gameId"`
	Guest  interface{} `json:"guest"`
}

type JoinDecisionPayload struct {
	GameID int64 `json:"gameId"`
	UserID int64 `json:"userId"`
}

type GuestLeftPayload struct {
	GameID        int64 `json:"gameId"`
	UserID        int64 `json:"userId"`
	WasInProgress bool  `json:"wasInProgress"`
}

type GameDeletedPayload struct {
	GameID int64  `json:"gameId"`
	Reason string `json:"reason"`
}

type GameStartedPayload struct {
	GameState     interface{} `json:"gameState"`
	Host          interface{} `json:"host"`
	Guest         interface{} `json:"guest"`
	TurnTimeLimit int         `json:"turnTimeLimit"`
}

type MoveMadePayload struct {
	GameState interface{} `json:"gameState"`
	Move      interface{} `json:"move"`
}

type TurnChangePayload struct {
	GameID      int64     `json:"gameId"`
	CurrentTurn int64     `json:"currentTurn"`
	Reason      string    `json:"reason"` // "move" or "timeout"
	At          time.Time `json:"at"`
}

type TurnTimerPayload struct {
	GameID        int64 `json:"gameId"`
	CurrentTurn   int64 `json:"currentTurn"`
	TurnTimeLimit int   `json:"turnTimeLimit"`
	TimeRemaining int   `json:"timeRemaining"`
}

type GameEndedPayload struct {
	GameState  interface{}   `json:"gameState"`
	Winner     int64         `json:"winner,omitempty"`
	WinnerName string        `json:"winnerName,omitempty"`
	IsDraw     bool          `json:"isDraw"`
	Ratings    map[int64]int `json:"ratings,omitempty"`
}

type OnlineUser struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Rating      int    `json:"rating"`
	CurrentGame int64  `json:"currentGame,omitempty"`
}

// GameEvent is published on the lifecycle subject.
type GameEvent struct {
	Event    string      `json:"event"`
	GameID   int64       `json:"gameId"`
	UserID   int64       `json:"userId,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
	Instance string      `json:"instance"`
	At       time.Time   `json:"at"`
}
