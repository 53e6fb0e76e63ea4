package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/ttt-services/internal/gamesvc/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const gameColumns = `id, host_id, guest_id, board_size, status, turn_time_limit, current_turn,
	last_move_time, winner_id, allow_custom_settings, host_piece, guest_piece, created_at, updated_at`

type GameStore struct {
	db *pgxpool.Pool
}

func NewGameStore(db *pgxpool.Pool) *GameStore {
	return &GameStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*models.Game, error) {
	var status string
	game := &models.Game{}
	err := row.Scan(
		&game.ID,
		&game.HostID,
		&game.GuestID,
		&game.BoardSize,
		&status,
		&game.TurnTimeLimit,
		&game.CurrentTurn,
		&game.LastMoveTime,
		&game.WinnerID,
		&game.AllowCustomSettings,
		&game.HostPiece,
		&game.GuestPiece,
		&game.CreatedAt,
		&game.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	game.Status = models.GameStatus(status)
	return game, nil
}

func (s *GameStore) CreateGame(ctx context.Context, game *models.Game) (*models.Game, error) {
	query := `
		INSERT INTO games (host_id, board_size, status, turn_time_limit, allow_custom_settings)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + gameColumns

	created, err := scanGame(s.db.QueryRow(ctx, query,
		game.HostID,
		game.BoardSize,
		string(models.StatusWaiting),
		game.TurnTimeLimit,
		game.AllowCustomSettings,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create game: %w", err)
	}
	return created, nil
}

func (s *GameStore) GetGameByID(ctx context.Context, gameID int64) (*models.Game, error) {
	query := `SELECT ` + gameColumns + ` FROM games WHERE id = $1`

	game, err := scanGame(s.db.QueryRow(ctx, query, gameID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Game not found
		}
		return nil, fmt.Errorf("failed to get game by ID: %w", err)
	}
	return game, nil
}

// FindActiveGameForUser returns the non-terminal game the user hosts or
// plays in, or nil.
func (s *GameStore) FindActiveGameForUser(ctx context.Context, userID int64) (*models.Game, error) {
	query := `
		SELECT ` + gameColumns + `
		FROM games
		WHERE (host_id = $1 OR guest_id = $1) AND status IN ` + activeStatuses + `
		ORDER BY created_at DESC
		LIMIT 1`

	game, err := scanGame(s.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active game for user %d: %w", userID, err)
	}
	return game, nil
}

func (s *GameStore) ListActiveGames(ctx context.Context) ([]*models.Game, error) {
	query := `
		SELECT ` + gameColumns + `
		FROM games
		WHERE status IN ` + activeStatuses + `
		ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active games: %w", err)
	}
	defer rows.Close()

	var games []*models.Game
	for rows.Next() {
		game, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan game: %w", err)
		}
		games = append(games, game)
	}
	return games, rows.Err()
}

// DeleteGame removes the game and its move log.
func (s *GameStore) DeleteGame(ctx context.Context, gameID int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM moves WHERE game_id = $1`, gameID); err != nil {
		return fmt.Errorf("failed to delete moves of game %d: %w", gameID, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM games WHERE id = $1`, gameID)
	if err != nil {
		return fmt.Errorf("failed to delete game %d: %w", gameID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGameNotFound
	}
	return tx.Commit(ctx)
}

// SetGuest seats guestID in a waiting game and moves it to ready. The game
// row is locked for the check so two approvals can not both succeed.
func (s *GameStore) SetGuest(ctx context.Context, gameID, guestID int64) (*models.Game, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status string
		guest  *int64
	)
	err = tx.QueryRow(ctx, `SELECT status, guest_id FROM games WHERE id = $1 FOR UPDATE`, gameID).Scan(&status, &guest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGameNotFound
		}
		return nil, fmt.Errorf("failed to lock game %d: %w", gameID, err)
	}
	if guest != nil {
		return nil, ErrGameFull
	}
	if models.GameStatus(status) != models.StatusWaiting {
		return nil, ErrNotWaiting
	}

	query := `
		UPDATE games
		SET guest_id = $2, status = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + gameColumns

	game, err := scanGame(tx.QueryRow(ctx, query, gameID, guestID, string(models.StatusReady)))
	if err != nil {
		return nil, fmt.Errorf("failed to set guest on game %d: %w", gameID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit guest on game %d: %w", gameID, err)
	}
	return game, nil
}

// RemoveGuest empties the guest seat and resets the game to waiting. When
// discardMoves is set the move log is dropped in the same transaction.
func (s *GameStore) RemoveGuest(ctx context.Context, gameID int64, discardMoves bool) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if discardMoves {
		if _, err := tx.Exec(ctx, `DELETE FROM moves WHERE game_id = $1`, gameID); err != nil {
			return fmt.Errorf("failed to discard moves of game %d: %w", gameID, err)
		}
	}

	query := `
		UPDATE games
		SET guest_id = NULL, status = $2, current_turn = NULL, last_move_time = NULL,
			winner_id = NULL, host_piece = '', guest_piece = '', updated_at = NOW()
		WHERE id = $1`

	tag, err := tx.Exec(ctx, query, gameID, string(models.StatusWaiting))
	if err != nil {
		return fmt.Errorf("failed to remove guest from game %d: %w", gameID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGameNotFound
	}
	return tx.Commit(ctx)
}

func (s *GameStore) StartGame(ctx context.Context, gameID, firstTurn int64, hostPiece, guestPiece string, at time.Time) (*models.Game, error) {
	query := `
		UPDATE games
		SET status = $2, current_turn = $3, last_move_time = $4,
			host_piece = $5, guest_piece = $6, updated_at = NOW()
		WHERE id = $1 AND guest_id IS NOT NULL AND status IN ('waiting', 'ready')
		RETURNING ` + gameColumns

	game, err := scanGame(s.db.QueryRow(ctx, query,
		gameID, string(models.StatusInProgress), firstTurn, at, hostPiece, guestPiece))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("failed to start game %d: %w", gameID, err)
	}
	return game, nil
}

func (s *GameStore) UpdateTurn(ctx context.Context, gameID, nextTurn int64, at time.Time) error {
	query := `
		UPDATE games
		SET current_turn = $2, last_move_time = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`

	tag, err := s.db.Exec(ctx, query, gameID, nextTurn, at, string(models.StatusInProgress))
	if err != nil {
		return fmt.Errorf("failed to update turn of game %d: %w", gameID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// FinishGame records a terminal status. winnerID is nil for a draw.
func (s *GameStore) FinishGame(ctx context.Context, gameID int64, status models.GameStatus, winnerID *int64) error {
	query := `
		UPDATE games
		SET status = $2, winner_id = $3, current_turn = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4`

	tag, err := s.db.Exec(ctx, query, gameID, string(status), winnerID, string(models.StatusInProgress))
	if err != nil {
		return fmt.Errorf("failed to finish game %d: %w", gameID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}
