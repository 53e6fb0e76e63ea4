package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/avvvet/ttt-services/internal/gamesvc/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MoveStore struct {
	db *pgxpool.Pool
}

func NewMoveStore(db *pgxpool.Pool) *MoveStore {
	return &MoveStore{db: db}
}

func (s *MoveStore) InsertMove(ctx context.Context, move *models.Move) (*models.Move, error) {
	query := `
		INSERT INTO moves (game_id, user_id, position_x, position_y, move_number, piece)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	m := *move
	err := s.db.QueryRow(ctx, query,
		m.GameID, m.UserID, m.PositionX, m.PositionY, m.MoveNumber, m.Piece,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateMove
		}
		return nil, fmt.Errorf("failed to insert move %d of game %d: %w", m.MoveNumber, m.GameID, err)
	}
	return &m, nil
}

// GetMovesByGameID returns the move log ordered by move number.
func (s *MoveStore) GetMovesByGameID(ctx context.Context, gameID int64) ([]*models.Move, error) {
	query := `
		SELECT id, game_id, user_id, position_x, position_y, move_number, piece, created_at
		FROM moves
		WHERE game_id = $1
		ORDER BY move_number ASC`

	rows, err := s.db.Query(ctx, query, gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to get moves of game %d: %w", gameID, err)
	}
	defer rows.Close()

	var moves []*models.Move
	for rows.Next() {
		var m models.Move
		err := rows.Scan(
			&m.ID,
			&m.GameID,
			&m.UserID,
			&m.PositionX,
			&m.PositionY,
			&m.MoveNumber,
			&m.Piece,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		moves = append(moves, &m)
	}
	return moves, rows.Err()
}
