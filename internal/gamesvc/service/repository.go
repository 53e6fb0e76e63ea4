package service

import (
	"context"
	"time"

	"github.com/avvvet/ttt-services/internal/gamesvc/models"
)

// Lookups return nil, nil when the row does not exist. Conditional updates
// report the store package sentinel errors.

type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	UpdateRatings(ctx context.Context, winnerID int64, winnerRating int, loserID int64, loserRating int) error
}

type GameRepository interface {
	CreateGame(ctx context.Context, game *models.Game) (*models.Game, error)
	GetGameByID(ctx context.Context, gameID int64) (*models.Game, error)
	FindActiveGameForUser(ctx context.Context, userID int64) (*models.Game, error)
	ListActiveGames(ctx context.Context) ([]*models.Game, error)
	DeleteGame(ctx context.Context, gameID int64) error
	SetGuest(ctx context.Context, gameID, guestID int64) (*models.Game, error)
	RemoveGuest(ctx context.Context, gameID int64, discardMoves bool) error
	StartGame(ctx context.Context, gameID, firstTurn int64, hostPiece, guestPiece string, at time.Time) (*models.Game, error)
	UpdateTurn(ctx context.Context, gameID, nextTurn int64, at time.Time) error
	FinishGame(ctx context.Context, gameID int64, status models.GameStatus, winnerID *int64) error
}

type MoveRepository interface {
	InsertMove(ctx context.Context, move *models.Move) (*models.Move, error)
	GetMovesByGameID(ctx context.Context, gameID int64) ([]*models.Move, error)
}

type ArchiveRepository interface {
	SaveRecord(ctx context.Context, record *models.GameRecord) error
	GetRecord(ctx context.Context, gameID int64) (*models.GameRecord, error)
}
