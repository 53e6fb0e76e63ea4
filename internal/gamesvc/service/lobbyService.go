package service

import (
	"context"
	"errors"
	"time"

	"github.com/avvvet/ttt-services/internal/gamesvc/apperr"
	"github.com/avvvet/ttt-services/internal/gamesvc/engine"
	"github.com/avvvet/ttt-services/internal/gamesvc/models"
	"github.com/avvvet/ttt-services/internal/gamesvc/store"
	log "github.com/sirupsen/logrus"
)

// LobbyService owns the pre-game lifecycle: hosting, join requests, host
// approval, start and leaving. Checks that span users (one non-terminal
// game per user) run under a per-user lock and are re-checked in the store.
type LobbyService struct {
	gameStore GameRepository
	userStore UserRepository
	userLocks *keyedMutex
	now       func() time.Time
}

func NewLobbyService(gameStore GameRepository, userStore UserRepository) *LobbyService {
	return &LobbyService{
		gameStore: gameStore,
		userStore: userStore,
		userLocks: newKeyedMutex(),
		now:       time.Now,
	}
}

type CreateGameInput struct {
	BoardSize           int
	TurnTimeLimit       int
	AllowCustomSettings bool
}

type StartedGame struct {
	Game  *models.Game
	Host  *models.User
	Guest *models.User
}

func (s *LobbyService) CreateGame(ctx context.Context, hostID int64, in CreateGameInput) (*models.Game, error) {
	if !models.ValidBoardSize(in.BoardSize) {
		return nil, apperr.New(apperr.Validation, "board size must be 3 or 5")
	}
	if !models.ValidTurnTimeLimit(in.TurnTimeLimit) {
		return nil, apperr.New(apperr.Validation, "turn time limit must be between 10 and 120 seconds")
	}

	unlock := s.userLocks.Lock(hostID)
	defer unlock()

	if err := s.ensureFree(ctx, hostID, 0); err != nil {
		return nil, err
	}

	game, err := s.gameStore.CreateGame(ctx, &models.Game{
		HostID:              hostID,
		BoardSize:           in.BoardSize,
		TurnTimeLimit:       in.TurnTimeLimit,
		AllowCustomSettings: in.AllowCustomSettings,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to create game")
	}

	log.WithFields(log.Fields{"game_id": game.ID, "user_id": hostID}).Info("game created")
	return game, nil
}

// ActiveGame returns the caller's non-terminal game or nil.
func (s *LobbyService) ActiveGame(ctx context.Context, userID int64) (*models.Game, error) {
	game, err := s.gameStore.FindActiveGameForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to look up current game")
	}
	return game, nil
}

// RequestJoin checks that userID may ask to join gameID and returns the
// game and the requester's profile for the host notification. Nothing is
// persisted until the host approves.
func (s *LobbyService) RequestJoin(ctx context.Context, userID, gameID int64) (*models.Game, *models.User, error) {
	if err := s.ensureFree(ctx, userID, gameID); err != nil {
		return nil, nil, err
	}

	game, err := s.loadGame(ctx, gameID)
	if err != nil {
		return nil, nil, err
	}
	if game.IsHost(userID) {
		return nil, nil, apperr.WithCode(apperr.Conflict, apperr.CodeIsHost, "you are the host of this game")
	}
	if game.HasGuest() {
		return nil, nil, apperr.WithCode(apperr.Conflict, apperr.CodeGameFull, "game already has a guest")
	}
	if game.Status != models.StatusWaiting {
		return nil, nil, apperr.WithCode(apperr.Conflict, apperr.CodeNotWaiting, "game is not accepting players")
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return game, user, nil
}

// ApproveJoin seats candidateID as guest. Only the host may approve.
func (s *LobbyService) ApproveJoin(ctx context.Context, hostID, gameID, candidateID int64) (*models.Game, *models.User, error) {
	game, err := s.loadGame(ctx, gameID)
	if err != nil {
		return nil, nil, err
	}
	if !game.IsHost(hostID) {
		return nil, nil, apperr.New(apperr.Unauthorized, "only the host can approve join requests")
	}
	if candidateID == hostID {
		return nil, nil, apperr.WithCode(apperr.Conflict, apperr.CodeIsHost, "host can not join as guest")
	}

	guest, err := s.loadUser(ctx, candidateID)
	if err != nil {
		return nil, nil, err
	}

	unlock := s.userLocks.Lock(candidateID)
	defer unlock()

	if err := s.ensureFree(ctx, candidateID, gameID); err != nil {
		return nil, nil, err
	}

	updated, err := s.gameStore.SetGuest(ctx, gameID, candidateID)
	if err != nil {
		return nil, nil, mapStoreError(err, "failed to approve join")
	}

	log.WithFields(log.Fields{"game_id": gameID, "user_id": candidateID}).Info("guest approved")
	return updated, guest, nil
}

// RejectJoin only checks authority; a rejection changes nothing stored.
func (s *LobbyService) RejectJoin(ctx context.Context, hostID, gameID, candidateID int64) (*models.Game, error) {
	game, err := s.loadGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !game.IsHost(hostID) {
		return nil, apperr.New(apperr.Unauthorized, "only the host can reject join requests")
	}
	log.WithFields(log.Fields{"game_id": gameID, "user_id": candidateID}).Info("join request rejected")
	return game, nil
}

// StartGame moves a game with a seated guest to in_progress. The host takes
// the first turn and the pieces are fixed on the game row.
func (s *LobbyService) StartGame(ctx context.Context, hostID, gameID int64) (*StartedGame, error) {
	game, err := s.loadGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !game.IsHost(hostID) {
		return nil, apperr.New(apperr.Unauthorized, "only the host can start the game")
	}
	if !game.HasGuest() {
		return nil, apperr.New(apperr.InvalidState, "waiting for a guest to join")
	}
	if game.Status != models.StatusWaiting && game.Status != models.StatusReady {
		return nil, apperr.New(apperr.InvalidState, "game has already started")
	}

	host, err := s.loadUser(ctx, game.HostID)
	if err != nil {
		return nil, err
	}
	guest, err := s.loadUser(ctx, game.Guest())
	if err != nil {
		return nil, err
	}

	hostPiece, guestPiece := engine.AssignPieces(host, guest, game.AllowCustomSettings)
	started, err := s.gameStore.StartGame(ctx, gameID, game.HostID, hostPiece, guestPiece, s.now())
	if err != nil {
		return nil, mapStoreError(err, "failed to start game")
	}

	log.WithFields(log.Fields{"game_id": gameID, "user_id": hostID}).Info("game started")
	return &StartedGame{Game: started, Host: host, Guest: guest}, nil
}

// LeaveAsHost deletes the game whatever its status.
func (s *LobbyService) LeaveAsHost(ctx context.Context, hostID, gameID int64) (*models.Game, error) {
	game, err := s.loadGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !game.IsHost(hostID) {
		return nil, apperr.New(apperr.Unauthorized, "only the host can close the game")
	}
	if err := s.gameStore.DeleteGame(ctx, gameID); err != nil {
		return nil, mapStoreError(err, "failed to delete game")
	}

	log.WithFields(log.Fields{"game_id": gameID, "user_id": hostID}).Info("host left, game deleted")
	return game, nil
}

// LeaveAsGuest frees the guest seat and resets the game to waiting. Moves
// are discarded when the game was being played. Finished games are left
// untouched.
func (s *LobbyService) LeaveAsGuest(ctx context.Context, guestID, gameID int64) (bool, error) {
	game, err := s.loadGame(ctx, gameID)
	if err != nil {
		return false, err
	}
	if !game.IsGuest(guestID) {
		return false, apperr.New(apperr.Unauthorized, "you are not the guest of this game")
	}
	if game.Status.Terminal() {
		return false, apperr.New(apperr.InvalidState, "game already finished")
	}

	wasInProgress := game.Status == models.StatusInProgress
	if err := s.gameStore.RemoveGuest(ctx, gameID, wasInProgress); err != nil {
		return false, mapStoreError(err, "failed to leave game")
	}

	log.WithFields(log.Fields{"game_id": gameID, "user_id": guestID, "was_in_progress": wasInProgress}).Info("guest left")
	return wasInProgress, nil
}

// ensureFree fails with existing_game when userID is busy in a non-terminal
// game other than except.
func (s *LobbyService) ensureFree(ctx context.Context, userID, except int64) error {
	active, err := s.gameStore.FindActiveGameForUser(ctx, userID)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, err, "failed to look up current game")
	}
	if active != nil && active.ID != except {
		return apperr.WithCode(apperr.Conflict, apperr.CodeExistingGame, "you already have an active game")
	}
	return nil
}

func (s *LobbyService) loadGame(ctx context.Context, gameID int64) (*models.Game, error) {
	game, err := s.gameStore.GetGameByID(ctx, gameID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to load game")
	}
	if game == nil {
		return nil, apperr.New(apperr.NotFound, "game not found")
	}
	return game, nil
}

func (s *LobbyService) loadUser(ctx context.Context, userID int64) (*models.User, error) {
	u, err := s.userStore.GetByID(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to load user")
	}
	if u == nil {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	return u, nil
}

func mapStoreError(err error, msg string) error {
	switch {
	case errors.Is(err, store.ErrGameNotFound):
		return apperr.New(apperr.NotFound, "game not found")
	case errors.Is(err, store.ErrGameFull):
		return apperr.WithCode(apperr.Conflict, apperr.CodeGameFull, "game already has a guest")
	case errors.Is(err, store.ErrNotWaiting):
		return apperr.WithCode(apperr.Conflict, apperr.CodeNotWaiting, "game is not accepting players")
	case errors.Is(err, store.ErrInvalidTransition):
		return apperr.New(apperr.InvalidState, "game state changed, please refresh")
	default:
		return apperr.Wrap(apperr.Persistence, err, msg)
	}
}
