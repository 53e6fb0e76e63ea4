// Package engine holds the pure turn rules: move validation, win and draw
// detection, turn handoff, rating changes and state reconstruction from the
// move log. Nothing here does I/O or locking.
package engine

import (
	"errors"
	"fmt"

	"github.com/avvvet/ttt-services/internal/gamesvc/models"
)

var (
	ErrNotInProgress = errors.New("game is not in progress")
	ErrNotYourTurn   = errors.New("not your turn")
	ErrOutOfBounds   = errors.New("position is off the board")
	ErrPositionTaken = errors.New("position already taken")
)

const RatingStep = 10

type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeWin
	OutcomeDraw
)

// ValidateMove returns nil when requester may place a piece at (row, col).
func ValidateMove(st *State, requester int64, row, col int) error {
	if st.Status != models.StatusInProgress {
		return ErrNotInProgress
	}
	if requester == 0 || requester != st.CurrentTurn {
		return ErrNotYourTurn
	}
	if !st.Board.InBounds(row, col) {
		return ErrOutOfBounds
	}
	if !st.Board.Empty(row, col) {
		return ErrPositionTaken
	}
	return nil
}

// ApplyMove places piece and bumps the move counter. It must follow a
// successful ValidateMove under the same lock.
func ApplyMove(st *State, row, col int, piece string) {
	st.Board[row][col] = piece
	st.MoveCount++
}

// CheckWin reports whether the piece just placed at (row, col) completes a
// full row, column or diagonal. Diagonals are only checked when the cell
// lies on them.
func CheckWin(b Board, row, col int, piece string) bool {
	n := b.Size()
	if piece == "" || !b.InBounds(row, col) {
		return false
	}
	full := func(cell func(i int) string) bool {
		for i := 0; i < n; i++ {
			if cell(i) != piece {
				return false
			}
		}
		return true
	}

	if full(func(i int) string { return b[row][i] }) {
		return true
	}
	if full(func(i int) string { return b[i][col] }) {
		return true
	}
	if row == col && full(func(i int) string { return b[i][i] }) {
		return true
	}
	if row+col == n-1 && full(func(i int) string { return b[i][n-1-i] }) {
		return true
	}
	return false
}

// CheckDraw reports a full board. Callers check for a win first.
func CheckDraw(b Board) bool {
	for _, r := range b {
		for _, cell := range r {
			if cell == "" {
				return false
			}
		}
	}
	return true
}

func Evaluate(b Board, row, col int, piece string) Outcome {
	if CheckWin(b, row, col, piece) {
		return OutcomeWin
	}
	if CheckDraw(b) {
		return OutcomeDraw
	}
	return OutcomeNone
}

func NextTurn(mover, host, guest int64) int64 {
	if mover == host {
		return guest
	}
	return host
}

// RatingDelta returns the new ratings of the winner and loser.
func RatingDelta(winner, loser int) (int, int) {
	loser -= RatingStep
	if loser < 0 {
		loser = 0
	}
	return winner + RatingStep, loser
}

// AssignPieces picks the pieces fixed on a game at start. Profile pieces
// are honoured only when the host allows custom settings and the two
// players would not end up with the same symbol.
func AssignPieces(host, guest *models.User, allowCustom bool) (string, string) {
	if !allowCustom || host == nil || guest == nil {
		return models.DefaultHostPiece, models.DefaultGuestPiece
	}
	hp, gp := host.GamePiece, guest.GamePiece
	if hp == "" {
		hp = models.DefaultHostPiece
	}
	if gp == "" || gp == hp {
		gp = otherPiece(hp)
	}
	return hp, gp
}

// RebuildState replays an ordered move log on top of a game row. The log
// must be gap free, start at move 1 and only touch empty in-bounds cells.
func RebuildState(game *models.Game, moves []*models.Move) (*State, error) {
	st := NewState(game)
	for i, m := range moves {
		if m.GameID != game.ID {
			return nil, fmt.Errorf("move %d belongs to game %d, not %d", m.MoveNumber, m.GameID, game.ID)
		}
		if m.MoveNumber != i+1 {
			return nil, fmt.Errorf("move log out of sequence: expected move %d, got %d", i+1, m.MoveNumber)
		}
		row, col := m.Row(), m.Col()
		if !st.Board.InBounds(row, col) {
			return nil, fmt.Errorf("move %d at (%d,%d): %w", m.MoveNumber, row, col, ErrOutOfBounds)
		}
		if !st.Board.Empty(row, col) {
			return nil, fmt.Errorf("move %d at (%d,%d): %w", m.MoveNumber, row, col, ErrPositionTaken)
		}
		piece := m.Piece
		if piece == "" {
			piece = st.PieceFor(m.UserID)
		}
		ApplyMove(st, row, col, piece)
	}
	return st, nil
}
