package engine

import (
	"time"

	"github.com/avvvet/ttt-services/internal/gamesvc/models"
)

// Board holds piece symbols indexed [row][col]; "" marks an empty cell.
type Board [][]string

func NewBoard(size int) Board {
	b := make(Board, size)
	for i := range b {
		b[i] = make([]string, size)
	}
	return b
}

func (b Board) Size() int {
	return len(b)
}

func (b Board) InBounds(row, col int) bool {
	return row >= 0 && col >= 0 && row < len(b) && col < len(b)
}

func (b Board) Empty(row, col int) bool {
	return b[row][col] == ""
}

func (b Board) Clone() Board {
	c := make(Board, len(b))
	for i := range b {
		c[i] = append([]string(nil), b[i]...)
	}
	return c
}

// State is the authoritative in-memory view of one game. It is owned by a
// room and must only be touched with that room's lock held.
type State struct {
	GameID        int64
	BoardSize     int
	Board         Board
	Status        models.GameStatus
	HostID        int64
	GuestID       int64
	CurrentTurn   int64
	TurnTimeLimit int // seconds
	LastMoveTime  time.Time
	MoveCount     int
	Pieces        map[int64]string
	WinnerID      int64
}

// NewState builds an empty-board state from a game row.
func NewState(game *models.Game) *State {
	st := &State{
		GameID:        game.ID,
		BoardSize:     game.BoardSize,
		Board:         NewBoard(game.BoardSize),
		Status:        game.Status,
		HostID:        game.HostID,
		GuestID:       game.Guest(),
		TurnTimeLimit: game.TurnTimeLimit,
		Pieces:        make(map[int64]string, 2),
	}
	if game.CurrentTurn != nil {
		st.CurrentTurn = *game.CurrentTurn
	}
	if game.LastMoveTime != nil {
		st.LastMoveTime = *game.LastMoveTime
	}
	if game.WinnerID != nil {
		st.WinnerID = *game.WinnerID
	}

	hostPiece, guestPiece := game.HostPiece, game.GuestPiece
	if hostPiece == "" {
		hostPiece = models.DefaultHostPiece
	}
	if guestPiece == "" || guestPiece == hostPiece {
		guestPiece = otherPiece(hostPiece)
	}
	st.Pieces[st.HostID] = hostPiece
	if st.GuestID != 0 {
		st.Pieces[st.GuestID] = guestPiece
	}
	return st
}

func (s *State) PieceFor(userID int64) string {
	return s.Pieces[userID]
}

func (s *State) IsParticipant(userID int64) bool {
	return userID != 0 && (userID == s.HostID || userID == s.GuestID)
}

// Deadline is when the current turn expires given the unit one second of
// turn limit stands for.
func (s *State) Deadline(unit time.Duration) time.Time {
	return s.LastMoveTime.Add(time.Duration(s.TurnTimeLimit) * unit)
}

// Remaining returns the time left on the current turn, never negative.
func (s *State) Remaining(now time.Time, unit time.Duration) time.Duration {
	left := s.Deadline(unit).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

type Snapshot struct {
	GameID        int64             `json:"gameId"`
	BoardSize     int               `json:"boardSize"`
	Board         Board             `json:"board"`
	Status        models.GameStatus `json:"status"`
	HostID        int64             `json:"hostId"`
	GuestID       int64             `json:"guestId,omitempty"`
	CurrentTurn   int64             `json:"currentTurn,omitempty"`
	TurnTimeLimit int               `json:"turnTimeLimit"`
	LastMoveTime  time.Time         `json:"lastMoveTime"`
	TimeRemaining int               `json:"timeRemaining"`
	MoveCount     int               `json:"moveCount"`
	Pieces        map[int64]string  `json:"pieces"`
	WinnerID      int64             `json:"winnerId,omitempty"`
}

// Snapshot copies the state for sending to clients. timeRemaining is in
// whole turn-limit units (seconds in production).
func (s *State) Snapshot(timeRemaining int) Snapshot {
	pieces := make(map[int64]string, len(s.Pieces))
	for id, p := range s.Pieces {
		pieces[id] = p
	}
	return Snapshot{
		GameID:        s.GameID,
		BoardSize:     s.BoardSize,
		Board:         s.Board.Clone(),
		Status:        s.Status,
		HostID:        s.HostID,
		GuestID:       s.GuestID,
		CurrentTurn:   s.CurrentTurn,
		TurnTimeLimit: s.TurnTimeLimit,
		LastMoveTime:  s.LastMoveTime,
		TimeRemaining: timeRemaining,
		MoveCount:     s.MoveCount,
		Pieces:        pieces,
		WinnerID:      s.WinnerID,
	}
}

func otherPiece(p string) string {
	if p == models.DefaultGuestPiece {
		return models.DefaultHostPiece
	}
	return models.DefaultGuestPiece
}
