package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/avvvet/ttt-services/internal/gamesvc/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserStore struct {
	db *pgxpool.Pool
}

func NewUserStore(db *pgxpool.Pool) *UserStore {
	return &UserStore{db: db}
}

// GetByID returns nil, nil when the user does not exist.
func (r *UserStore) GetByID(ctx context.Context, id int64) (*models.User, error) {
	row := r.db.QueryRow(ctx, `
        SELECT id, username, COALESCE(nickname, ''), COALESCE(avatar_url, ''), rating,
               COALESCE(game_piece, ''), COALESCE(board_color, ''), created_at, updated_at
        FROM users
        WHERE id = $1
    `, id)

	u := &models.User{}
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Nickname,
		&u.AvatarURL,
		&u.Rating,
		&u.GamePiece,
		&u.BoardColor,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not get user %d: %w", id, err)
	}
	return u, nil
}

// UpdateRatings writes both players' new ratings in one statement.
func (r *UserStore) UpdateRatings(ctx context.Context, winnerID int64, winnerRating int, loserID int64, loserRating int) error {
	query := `
        UPDATE users
        SET rating = CASE WHEN id = $1 THEN $2::int ELSE $4::int END,
            updated_at = NOW()
        WHERE id IN ($1, $3)
    `
	tag, err := r.db.Exec(ctx, query, winnerID, winnerRating, loserID, loserRating)
	if err != nil {
		return fmt.Errorf("could not update ratings: %w", err)
	}
	if tag.RowsAffected() != 2 {
		return fmt.Errorf("could not update ratings: %d of 2 users updated", tag.RowsAffected())
	}
	return nil
}
