package models

import "time"

type GameStatus string

const (
	StatusWaiting    GameStatus = "waiting"
	StatusReady      GameStatus = "ready"
	StatusInProgress GameStatus = "in_progress"
	StatusCompleted  GameStatus = "completed"
	StatusDraw       GameStatus = "draw"
)

// Active reports whether a game in this status still occupies its players.
func (s GameStatus) Active() bool {
	switch s {
	case StatusWaiting, StatusReady, StatusInProgress:
		return true
	}
	return false
}

func (s GameStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDraw
}

const (
	MinTurnTimeLimit     = 10  // seconds
	MaxTurnTimeLimit     = 120 // seconds
	DefaultTurnTimeLimit = 30

	DefaultHostPiece  = "X"
	DefaultGuestPiece = "O"
)

func ValidBoardSize(size int) bool {
	return size == 3 || size == 5
}

func ValidTurnTimeLimit(seconds int) bool {
	return seconds >= MinTurnTimeLimit && seconds <= MaxTurnTimeLimit
}

type Game struct {
	ID                  int64      `json:"id"`
	HostID              int64      `json:"host_id"`
	GuestID             *int64     `json:"guest_id"`
	BoardSize           int        `json:"board_size"`
	Status              GameStatus `json:"status"`
	TurnTimeLimit       int        `json:"turn_time_limit"` // seconds
	CurrentTurn         *int64     `json:"current_turn"`
	LastMoveTime        *time.Time `json:"last_move_time"`
	WinnerID            *int64     `json:"winner_id"`
	AllowCustomSettings bool       `json:"allow_custom_settings"`
	HostPiece           string     `json:"host_piece"`
	GuestPiece          string     `json:"guest_piece"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (g *Game) HasGuest() bool {
	return g.GuestID != nil
}

// Guest returns the guest id or 0 when the seat is empty.
func (g *Game) Guest() int64 {
	if g.GuestID == nil {
		return 0
	}
	return *g.GuestID
}

func (g *Game) IsHost(userID int64) bool {
	return g.HostID == userID
}

func (g *Game) IsGuest(userID int64) bool {
	return g.GuestID != nil && *g.GuestID == userID
}

func (g *Game) IsParticipant(userID int64) bool {
	return g.IsHost(userID) || g.IsGuest(userID)
}

// Clone returns a deep copy so callers can hand games out without sharing pointers.
func (g *Game) Clone() *Game {
	if g == nil {
		return nil
	}
	c := *g
	c.GuestID = cloneID(g.GuestID)
	c.CurrentTurn = cloneID(g.CurrentTurn)
	c.WinnerID = cloneID(g.WinnerID)
	if g.LastMoveTime != nil {
		t := *g.LastMoveTime
		c.LastMoveTime = &t
	}
	return &c
}

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// IDPtr returns a pointer to a copy of id, handy for the nullable columns.
func IDPtr(id int64) *int64 {
	return &id
}
