// Package memstore is an in-memory implementation of the game service
// repositories. It mirrors the conditional behaviour of the Postgres stores
// and is used by tests.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/avvvet/ttt-services/internal/gamesvc/models"
	"github.com/avvvet/ttt-services/internal/gamesvc/store"
)

var ErrInjected = errors.New("memstore: injected failure")

type Store struct {
	mu         sync.Mutex
	nextGameID int64
	nextMoveID int64
	games      map[int64]*models.Game
	moves      map[int64][]*models.Move
	users      map[int64]*models.User
	records    map[int64]*models.GameRecord

	failMoves bool
	failTurns bool
	failUsers bool
}

func New() *Store {
	return &Store{
		games:   make(map[int64]*models.Game),
		moves:   make(map[int64][]*models.Move),
		users:   make(map[int64]*models.User),
		records: make(map[int64]*models.GameRecord),
	}
}

func (s *Store) AddUser(u models.User) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Rating == 0 {
		u.Rating = models.DefaultRating
	}
	s.users[u.ID] = &u
	c := u
	return &c
}

// FailMoves makes InsertMove return ErrInjected until turned off.
func (s *Store) FailMoves(fail bool) {
	s.mu.Lock()
	s.failMoves = fail
	s.mu.Unlock()
}

// FailTurns makes UpdateTurn return ErrInjected until turned off.
func (s *Store) FailTurns(fail bool) {
	s.mu.Lock()
	s.failTurns = fail
	s.mu.Unlock()
}

// FailUsers makes GetByID return ErrInjected until turned off.
func (s *Store) FailUsers(fail bool) {
	s.mu.Lock()
	s.failUsers = fail
	s.mu.Unlock()
}

// PutGame stores a game row as is, for seeding tests.
func (s *Store) PutGame(g *models.Game) *models.Game {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == 0 {
		s.nextGameID++
		g.ID = s.nextGameID
	} else if g.ID > s.nextGameID {
		s.nextGameID = g.ID
	}
	s.games[g.ID] = g.Clone()
	return g.Clone()
}

// PutMoves replaces the move log of a game, for seeding tests.
func (s *Store) PutMoves(gameID int64, moves []*models.Move) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var log []*models.Move
	for _, m := range moves {
		c := *m
		s.nextMoveID++
		c.ID = s.nextMoveID
		log = append(log, &c)
	}
	s.moves[gameID] = log
}

func (s *Store) GetByID(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUsers {
		return nil, ErrInjected
	}
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (s *Store) UpdateRatings(_ context.Context, winnerID int64, winnerRating int, loserID int64, loserRating int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok1 := s.users[winnerID]
	l, ok2 := s.users[loserID]
	if !ok1 || !ok2 {
		return errors.New("memstore: unknown user")
	}
	w.Rating = winnerRating
	l.Rating = loserRating
	return nil
}

func (s *Store) CreateGame(_ context.Context, game *models.Game) (*models.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextGameID++
	now := time.Now()
	g := &models.Game{
		ID:                  s.nextGameID,
		HostID:              game.HostID,
		BoardSize:           game.BoardSize,
		Status:              models.StatusWaiting,
		TurnTimeLimit:       game.TurnTimeLimit,
		AllowCustomSettings: game.AllowCustomSettings,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	s.games[g.ID] = g
	return g.Clone(), nil
}

func (s *Store) GetGameByID(_ context.Context, gameID int64) (*models.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.games[gameID].Clone(), nil
}

func (s *Store) FindActiveGameForUser(_ context.Context, userID int64) (*models.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Game
	for _, g := range s.games {
		if g.Status.Active() && g.IsParticipant(userID) {
			if found == nil || g.CreatedAt.After(found.CreatedAt) {
				found = g
			}
		}
	}
	return found.Clone(), nil
}

func (s *Store) ListActiveGames(_ context.Context) ([]*models.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var games []*models.Game
	for _, g := range s.games {
		if g.Status.Active() {
			games = append(games, g.Clone())
		}
	}
	sort.Slice(games, func(i, j int) bool { return games[i].ID > games[j].ID })
	return games, nil
}

func (s *Store) DeleteGame(_ context.Context, gameID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.games[gameID]; !ok {
		return store.ErrGameNotFound
	}
	delete(s.games, gameID)
	delete(s.moves, gameID)
	return nil
}

func (s *Store) SetGuest(_ context.Context, gameID, guestID int64) (*models.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return nil, store.ErrGameNotFound
	}
	if g.GuestID != nil {
		return nil, store.ErrGameFull
	}
	if g.Status != models.StatusWaiting {
		return nil, store.ErrNotWaiting
	}
	g.GuestID = models.IDPtr(guestID)
	g.Status = models.StatusReady
	g.UpdatedAt = time.Now()
	return g.Clone(), nil
}

func (s *Store) RemoveGuest(_ context.Context, gameID int64, discardMoves bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return store.ErrGameNotFound
	}
	if discardMoves {
		delete(s.moves, gameID)
	}
	g.GuestID = nil
	g.Status = models.StatusWaiting
	g.CurrentTurn = nil
	g.LastMoveTime = nil
	g.WinnerID = nil
	g.HostPiece, g.GuestPiece = "", ""
	g.UpdatedAt = time.Now()
	return nil
}

func (s *Store) StartGame(_ context.Context, gameID, firstTurn int64, hostPiece, guestPiece string, at time.Time) (*models.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok || g.GuestID == nil || (g.Status != models.StatusWaiting && g.Status != models.StatusReady) {
		return nil, store.ErrInvalidTransition
	}
	g.Status = models.StatusInProgress
	g.CurrentTurn = models.IDPtr(firstTurn)
	g.LastMoveTime = &at
	g.HostPiece, g.GuestPiece = hostPiece, guestPiece
	g.UpdatedAt = time.Now()
	return g.Clone(), nil
}

func (s *Store) UpdateTurn(_ context.Context, gameID, nextTurn int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTurns {
		return ErrInjected
	}
	g, ok := s.games[gameID]
	if !ok || g.Status != models.StatusInProgress {
		return store.ErrInvalidTransition
	}
	g.CurrentTurn = models.IDPtr(nextTurn)
	g.LastMoveTime = &at
	return nil
}

func (s *Store) FinishGame(_ context.Context, gameID int64, status models.GameStatus, winnerID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok || g.Status != models.StatusInProgress {
		return store.ErrInvalidTransition
	}
	g.Status = status
	g.WinnerID = winnerID
	g.CurrentTurn = nil
	return nil
}

func (s *Store) InsertMove(_ context.Context, move *models.Move) (*models.Move, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMoves {
		return nil, ErrInjected
	}
	for _, m := range s.moves[move.GameID] {
		if m.MoveNumber == move.MoveNumber {
			return nil, store.ErrDuplicateMove
		}
	}
	c := *move
	s.nextMoveID++
	c.ID = s.nextMoveID
	c.CreatedAt = time.Now()
	s.moves[move.GameID] = append(s.moves[move.GameID], &c)
	out := c
	return &out, nil
}

func (s *Store) GetMovesByGameID(_ context.Context, gameID int64) ([]*models.Move, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var moves []*models.Move
	for _, m := range s.moves[gameID] {
		c := *m
		moves = append(moves, &c)
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].MoveNumber < moves[j].MoveNumber })
	return moves, nil
}

func (s *Store) SaveRecord(_ context.Context, record *models.GameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *record
	s.records[record.GameID] = &c
	return nil
}

func (s *Store) GetRecord(_ context.Context, gameID int64) (*models.GameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[gameID]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}
