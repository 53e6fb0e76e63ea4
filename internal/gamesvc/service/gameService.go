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

// GameService persists what happens during play and serves read models
// (game details, active list, replays).
type GameService struct {
	gameStore GameRepository
	moveStore MoveRepository
	userStore UserRepository
	archive   ArchiveRepository // optional
	now       func() time.Time
}

func NewGameService(gameStore GameRepository, moveStore MoveRepository, userStore UserRepository, archive ArchiveRepository) *GameService {
	return &GameService{
		gameStore: gameStore,
		moveStore: moveStore,
		userStore: userStore,
		archive:   archive,
		now:       time.Now,
	}
}

type PlayerInfo struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Rating    int    `json:"rating"`
}

func NewPlayerInfo(u *models.User) *PlayerInfo {
	if u == nil {
		return nil
	}
	return &PlayerInfo{
		ID:        u.ID,
		Username:  u.Username,
		Nickname:  u.Nickname,
		AvatarURL: u.AvatarURL,
		Rating:    u.Rating,
	}
}

type GameDetails struct {
	Game  *models.Game `json:"game"`
	Host  *PlayerInfo  `json:"host"`
	Guest *PlayerInfo  `json:"guest,omitempty"`
}

type GameResult struct {
	GameID     int64             `json:"gameId"`
	Status     models.GameStatus `json:"status"`
	WinnerID   int64             `json:"winnerId,omitempty"`
	WinnerName string            `json:"winnerName,omitempty"`
	IsDraw     bool              `json:"isDraw"`
	Ratings    map[int64]int     `json:"ratings,omitempty"`
}

func (s *GameService) GetGame(ctx context.Context, gameID int64) (*models.Game, error) {
	game, err := s.gameStore.GetGameByID(ctx, gameID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to load game")
	}
	if game == nil {
		return nil, apperr.New(apperr.NotFound, "game not found")
	}
	return game, nil
}

func (s *GameService) GetGameDetails(ctx context.Context, gameID int64) (*GameDetails, error) {
	game, err := s.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return s.details(ctx, game)
}

func (s *GameService) ActiveGames(ctx context.Context) ([]*GameDetails, error) {
	games, err := s.gameStore.ListActiveGames(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to list games")
	}
	list := make([]*GameDetails, 0, len(games))
	for _, g := range games {
		d, err := s.details(ctx, g)
		if err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, nil
}

// CurrentGame returns the user's non-terminal game or nil.
func (s *GameService) CurrentGame(ctx context.Context, userID int64) (*GameDetails, error) {
	game, err := s.gameStore.FindActiveGameForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to look up current game")
	}
	if game == nil {
		return nil, nil
	}
	return s.details(ctx, game)
}

// LoadState rebuilds the in-memory state of a game from its row and move
// log.
func (s *GameService) LoadState(ctx context.Context, gameID int64) (*engine.State, error) {
	game, err := s.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	moves, err := s.moveStore.GetMovesByGameID(ctx, gameID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to load moves")
	}
	st, err := engine.RebuildState(game, moves)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "move log is inconsistent")
	}
	return st, nil
}

// RecordMove appends move to the log. A move number that is already taken
// means an earlier attempt at this insert landed, so the move counts as
// saved.
func (s *GameService) RecordMove(ctx context.Context, move *models.Move) (*models.Move, error) {
	saved, err := s.moveStore.InsertMove(ctx, move)
	if errors.Is(err, store.ErrDuplicateMove) {
		c := *move
		return &c, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to record move")
	}
	return saved, nil
}

func (s *GameService) AdvanceTurn(ctx context.Context, gameID, nextTurn int64, at time.Time) error {
	if err := s.gameStore.UpdateTurn(ctx, gameID, nextTurn, at); err != nil {
		return apperr.Wrap(apperr.Persistence, err, "failed to record turn change")
	}
	return nil
}

// NewGameResult is the outcome held in st, before any rating change.
func NewGameResult(st *engine.State) *GameResult {
	return &GameResult{
		GameID:   st.GameID,
		Status:   st.Status,
		WinnerID: st.WinnerID,
		IsDraw:   st.Status == models.StatusDraw,
	}
}

// FinishGame persists the terminal status held in st, applies the rating
// change for a win and archives the game. The result is always returned so
// the caller can announce the outcome even when persisting it failed.
//
// A call that failed may be repeated: a row already carrying the same
// terminal status is accepted and the remaining steps run again.
func (s *GameService) FinishGame(ctx context.Context, st *engine.State) (*GameResult, error) {
	result := NewGameResult(st)

	var winner *int64
	if st.WinnerID != 0 {
		winner = models.IDPtr(st.WinnerID)
	}
	if err := s.gameStore.FinishGame(ctx, st.GameID, st.Status, winner); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) || !s.alreadyFinished(ctx, st) {
			return result, apperr.Wrap(apperr.Persistence, err, "failed to record game result")
		}
	}

	host, err := s.userStore.GetByID(ctx, st.HostID)
	if err != nil {
		return result, apperr.Wrap(apperr.Persistence, err, "failed to load host")
	}
	guest, err := s.userStore.GetByID(ctx, st.GuestID)
	if err != nil {
		return result, apperr.Wrap(apperr.Persistence, err, "failed to load guest")
	}

	if st.WinnerID != 0 && host != nil && guest != nil {
		w, l := host, guest
		if st.WinnerID == guest.ID {
			w, l = guest, host
		}
		result.WinnerName = w.DisplayName()
		wr, lr := engine.RatingDelta(w.Rating, l.Rating)
		if err := s.userStore.UpdateRatings(ctx, w.ID, wr, l.ID, lr); err != nil {
			return result, apperr.Wrap(apperr.Persistence, err, "failed to update ratings")
		}
		result.Ratings = map[int64]int{w.ID: wr, l.ID: lr}
	}

	s.archiveGame(ctx, st, host, guest)
	return result, nil
}

func (s *GameService) alreadyFinished(ctx context.Context, st *engine.State) bool {
	game, err := s.gameStore.GetGameByID(ctx, st.GameID)
	return err == nil && game != nil && game.Status == st.Status
}

// Replay returns the archived record of a finished game, rebuilding it from
// the move log when the archive has none.
func (s *GameService) Replay(ctx context.Context, gameID int64) (*models.GameRecord, error) {
	if s.archive != nil {
		record, err := s.archive.GetRecord(ctx, gameID)
		if err != nil {
			log.WithField("game_id", gameID).Warnf("archive lookup failed, rebuilding from move log: %v", err)
		} else if record != nil {
			return record, nil
		}
	}

	game, err := s.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !game.Status.Terminal() {
		return nil, apperr.New(apperr.InvalidState, "game has not finished yet")
	}
	moves, err := s.moveStore.GetMovesByGameID(ctx, gameID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to load moves")
	}
	st, err := engine.RebuildState(game, moves)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "move log is inconsistent")
	}

	host, err := s.userStore.GetByID(ctx, game.HostID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to load host")
	}
	guest, err := s.userStore.GetByID(ctx, game.Guest())
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to load guest")
	}
	return s.record(st, moves, host, guest, game.UpdatedAt), nil
}

func (s *GameService) archiveGame(ctx context.Context, st *engine.State, host, guest *models.User) {
	if s.archive == nil {
		return
	}
	moves, err := s.moveStore.GetMovesByGameID(ctx, st.GameID)
	if err != nil {
		log.WithField("game_id", st.GameID).Errorf("failed to load moves for archive: %v", err)
		return
	}
	if err := s.archive.SaveRecord(ctx, s.record(st, moves, host, guest, s.now())); err != nil {
		log.WithField("game_id", st.GameID).Errorf("failed to archive game: %v", err)
	}
}

func (s *GameService) record(st *engine.State, moves []*models.Move, host, guest *models.User, finishedAt time.Time) *models.GameRecord {
	r := &models.GameRecord{
		GameID:     st.GameID,
		BoardSize:  st.BoardSize,
		Status:     st.Status,
		HostID:     st.HostID,
		GuestID:    st.GuestID,
		WinnerID:   st.WinnerID,
		Moves:      moves,
		Board:      st.Board.Clone(),
		FinishedAt: finishedAt,
	}
	if host != nil {
		r.HostName = host.DisplayName()
	}
	if guest != nil {
		r.GuestName = guest.DisplayName()
	}
	return r
}

func (s *GameService) details(ctx context.Context, game *models.Game) (*GameDetails, error) {
	d := &GameDetails{Game: game}
	host, err := s.userStore.GetByID(ctx, game.HostID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, err, "failed to load host")
	}
	d.Host = NewPlayerInfo(host)
	if game.HasGuest() {
		guest, err := s.userStore.GetByID(ctx, game.Guest())
		if err != nil {
			return nil, apperr.Wrap(apperr.Persistence, err, "failed to load guest")
		}
		d.Guest = NewPlayerInfo(guest)
	}
	return d, nil
}
