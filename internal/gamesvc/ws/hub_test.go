package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/avvvet/ttt-services/internal/comm"
	"github.com/avvvet/ttt-services/internal/gamesvc/apperr"
	"github.com/avvvet/ttt-services/internal/gamesvc/engine"
	"github.com/avvvet/ttt-services/internal/gamesvc/models"
	"github.com/avvvet/ttt-services/internal/gamesvc/service"
	"github.com/avvvet/ttt-services/internal/gamesvc/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostID      int64 = 1
	guestID     int64 = 2
	spectatorID int64 = 3
	outsiderID  int64 = 4
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) PublishGameEvent(event string, gameID, userID int64, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	t      *testing.T
	hub    *Hub
	store  *memstore.Store
	lobby  *service.LobbyService
	events *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := memstore.New()
	ms.AddUser(models.User{ID: hostID, Username: "host"})
	ms.AddUser(models.User{ID: guestID, Username: "guest"})
	ms.AddUser(models.User{ID: spectatorID, Username: "watcher"})
	ms.AddUser(models.User{ID: outsiderID, Username: "outsider"})

	lobby := service.NewLobbyService(ms, ms)
	games := service.NewGameService(ms, ms, ms, ms)
	pub := &recordingPublisher{}
	h := NewHub(lobby, games, pub)
	h.writeBackoff = time.Millisecond
	t.Cleanup(h.Shutdown)

	return &fixture{t: t, hub: h, store: ms, lobby: lobby, events: pub}
}

// restart swaps in a fresh hub on the same store, leaving nothing in memory
// but what the database holds.
func (f *fixture) restart() {
	f.hub.Shutdown()
	games := service.NewGameService(f.store, f.store, f.store, f.store)
	h := NewHub(f.lobby, games, f.events)
	h.writeBackoff = time.Millisecond
	f.t.Cleanup(h.Shutdown)
	f.hub = h
}

func (f *fixture) storedMoves(gameID int64) []*models.Move {
	moves, err := f.store.GetMovesByGameID(context.Background(), gameID)
	require.NoError(f.t, err)
	return moves
}

func (f *fixture) connect(userID int64) *Client {
	u, err := f.store.GetByID(context.Background(), userID)
	require.NoError(f.t, err)
	c := NewClient(nil, u, nil)
	f.hub.Register(c)
	return c
}

// emit is safe to call from any goroutine.
func (f *fixture) emit(c *Client, msgType string, data interface{}) {
	raw, _ := json.Marshal(data)
	f.hub.HandleMessage(c, &comm.WSMessage{Type: msgType, Data: raw, SocketId: c.ID})
}

func (f *fixture) move(c *Client, gameID int64, row, col int) {
	f.emit(c, comm.GameMakeMove, map[string]interface{}{"gameId": gameID, "row": row, "col": col})
}

func (f *fixture) createGame(host int64, limit int) int64 {
	game, err := f.lobby.CreateGame(context.Background(), host, service.CreateGameInput{BoardSize: 3, TurnTimeLimit: limit})
	require.NoError(f.t, err)
	return game.ID
}

// readyGame puts every client in a new room, has the guest ask to join and
// the host approve.
func (f *fixture) readyGame(host, guest *Client, others ...*Client) int64 {
	return f.readyGameWithLimit(30, host, guest, others...)
}

func (f *fixture) readyGameWithLimit(limit int, host, guest *Client, others ...*Client) int64 {
	id := f.createGame(host.UserID(), limit)
	for _, c := range append([]*Client{host, guest}, others...) {
		f.emit(c, comm.LobbyJoin, id)
	}
	f.emit(guest, comm.LobbyJoinRequest, id)
	f.emit(host, comm.LobbyApproveJoin, comm.JoinDecision{GameID: comm.FlexID(id), UserID: comm.FlexID(guest.UserID())})
	return id
}

func (f *fixture) startedGame(host, guest *Client, others ...*Client) int64 {
	id := f.readyGame(host, guest, others...)
	f.emit(host, comm.GameStart, id)
	return id
}

func waitFor(t *testing.T, c *Client, msgType string) comm.WSMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", msgType)
			}
			var msg comm.WSMessage
			require.NoError(t, json.Unmarshal(b, &msg))
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

func drain(c *Client) []comm.WSMessage {
	var out []comm.WSMessage
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return out
			}
			var msg comm.WSMessage
			if json.Unmarshal(b, &msg) == nil {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

func count(msgs []comm.WSMessage, msgType string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func decode(t *testing.T, msg comm.WSMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(msg.Data, v))
}

func errorCode(t *testing.T, msg comm.WSMessage) string {
	t.Helper()
	var p comm.ErrorPayload
	decode(t, msg, &p)
	return p.Code
}

func TestJoinRequestReachesOnlyHost(t *testing.T) {
	f := newFixture(t)
	host, guest, watcher := f.connect(hostID), f.connect(guestID), f.connect(spectatorID)

	id := f.createGame(hostID, 30)
	for _, c := range []*Client{host, guest, watcher} {
		f.emit(c, comm.LobbyJoin, id)
	}
	drain(host)
	drain(guest)
	drain(watcher)

	f.emit(guest, comm.LobbyJoinRequest, map[string]interface{}{"gameId": id})

	var req struct {
		GameID int64              `json:"gameId"`
		User   service.PlayerInfo `json:"user"`
	}
	decode(t, waitFor(t, host, comm.LobbyJoinRequest), &req)
	assert.Equal(t, id, req.GameID)
	assert.Equal(t, guestID, req.User.ID)
	assert.Zero(t, count(drain(watcher), comm.LobbyJoinRequest))
	assert.Zero(t, count(drain(guest), comm.LobbyJoinRequest))

	f.emit(host, comm.LobbyApproveJoin, comm.JoinDecision{GameID: comm.FlexID(id), UserID: comm.FlexID(guestID)})
	waitFor(t, watcher, comm.LobbyPlayerJoined)
	waitFor(t, guest, comm.LobbyJoinApproved)

	var state struct {
		Game           service.GameDetails `json:"game"`
		ConnectedUsers int                 `json:"connectedUsers"`
	}
	decode(t, waitFor(t, host, comm.LobbyState), &state)
	assert.Equal(t, models.StatusReady, state.Game.Game.Status)
	require.NotNil(t, state.Game.Guest)
	assert.Equal(t, "guest", state.Game.Guest.Username)
	assert.Equal(t, 3, state.ConnectedUsers)
}

func TestRejectIsBroadcastToRoom(t *testing.T) {
	f := newFixture(t)
	host, guest, watcher := f.connect(hostID), f.connect(guestID), f.connect(spectatorID)
	id := f.createGame(hostID, 30)
	for _, c := range []*Client{host, guest, watcher} {
		f.emit(c, comm.LobbyJoin, id)
	}
	f.emit(guest, comm.LobbyJoinRequest, id)

	f.emit(guest, comm.LobbyRejectJoin, comm.JoinDecision{GameID: comm.FlexID(id), UserID: comm.FlexID(guestID)})
	assert.Equal(t, string(apperr.Unauthorized), errorCode(t, waitFor(t, guest, comm.LobbyError)))

	f.emit(host, comm.LobbyRejectJoin, comm.JoinDecision{GameID: comm.FlexID(id), UserID: comm.FlexID(guestID)})
	for _, c := range []*Client{host, guest, watcher} {
		var p comm.JoinDecisionPayload
		decode(t, waitFor(t, c, comm.LobbyJoinRejected), &p)
		assert.Equal(t, id, p.GameID)
		assert.Equal(t, guestID, p.UserID)
	}

	f.emit(host, comm.LobbyApproveJoin, comm.JoinDecision{GameID: comm.FlexID(id), UserID: comm.FlexID(guestID)})
	assert.Equal(t, apperr.CodeNoJoinRequest, errorCode(t, waitFor(t, host, comm.LobbyError)), "a rejected request can not be approved")
}

func TestApproveNeedsPendingRequest(t *testing.T) {
	f := newFixture(t)
	host, guest, watcher := f.connect(hostID), f.connect(guestID), f.connect(spectatorID)
	id := f.createGame(hostID, 30)
	for _, c := range []*Client{host, guest, watcher} {
		f.emit(c, comm.LobbyJoin, id)
	}

	f.emit(host, comm.LobbyApproveJoin, comm.JoinDecision{GameID: comm.FlexID(id), UserID: comm.FlexID(spectatorID)})
	assert.Equal(t, apperr.CodeNoJoinRequest, errorCode(t, waitFor(t, host, comm.LobbyError)))

	game, _ := f.store.GetGameByID(context.Background(), id)
	assert.Nil(t, game.GuestID)

	f.emit(guest, comm.LobbyJoinRequest, id)
	f.emit(host, comm.LobbyApproveJoin, comm.JoinDecision{GameID: comm.FlexID(id), UserID: comm.FlexID(guestID)})
	waitFor(t, watcher, comm.LobbyJoinApproved)

	game, _ = f.store.GetGameByID(context.Background(), id)
	require.NotNil(t, game.GuestID)
	assert.Equal(t, guestID, *game.GuestID)
}

func TestJoinRequestWithHostAway(t *testing.T) {
	f := newFixture(t)
	guest := f.connect(guestID)
	id := f.createGame(hostID, 30)
	f.emit(guest, comm.LobbyJoin, id)

	f.emit(guest, comm.LobbyJoinRequest, id)
	assert.Equal(t, apperr.CodeHostOffline, errorCode(t, waitFor(t, guest, comm.LobbyError)))
}

func TestStartAndPlayToWin(t *testing.T) {
	f := newFixture(t)
	host, guest, watcher := f.connect(hostID), f.connect(guestID), f.connect(spectatorID)
	id := f.startedGame(host, guest, watcher)

	var started struct {
		GameState     engine.Snapshot    `json:"gameState"`
		Host          service.PlayerInfo `json:"host"`
		TurnTimeLimit int                `json:"turnTimeLimit"`
	}
	decode(t, waitFor(t, watcher, comm.GameStarted), &started)
	snap := started.GameState
	assert.Equal(t, "host", started.Host.Username)
	assert.Equal(t, models.StatusInProgress, snap.Status)
	assert.Equal(t, hostID, snap.CurrentTurn)
	assert.Equal(t, "X", snap.Pieces[hostID])
	assert.Equal(t, 30, started.TurnTimeLimit)
	waitFor(t, watcher, comm.GameTurnTimerStart)
	drain(watcher)

	f.move(host, id, 0, 0)
	f.move(guest, id, 1, 0)
	f.move(host, id, 0, 1)
	f.move(guest, id, 1, 1)
	f.move(host, id, 0, 2)

	msgs := drain(watcher)
	assert.Equal(t, 5, count(msgs, comm.GameMoveMade), "spectators see every move")
	assert.Equal(t, 4, count(msgs, comm.GameTurnChange))
	require.Equal(t, 1, count(msgs, comm.GameEnded))

	var ended struct {
		GameState  engine.Snapshot `json:"gameState"`
		Winner     int64           `json:"winner"`
		WinnerName string          `json:"winnerName"`
		IsDraw     bool            `json:"isDraw"`
	}
	decode(t, msgs[len(msgs)-1], &ended)
	assert.Equal(t, hostID, ended.Winner)
	assert.Equal(t, "host", ended.WinnerName)
	assert.False(t, ended.IsDraw)
	assert.Equal(t, models.StatusCompleted, ended.GameState.Status)
	assert.Equal(t, "X", ended.GameState.Board[0][2])

	ctx := context.Background()
	game, _ := f.store.GetGameByID(ctx, id)
	assert.Equal(t, models.StatusCompleted, game.Status)
	require.NotNil(t, game.WinnerID)
	assert.Equal(t, hostID, *game.WinnerID)

	winner, _ := f.store.GetByID(ctx, hostID)
	loser, _ := f.store.GetByID(ctx, guestID)
	assert.Equal(t, models.DefaultRating+10, winner.Rating)
	assert.Equal(t, models.DefaultRating-10, loser.Rating)

	record, _ := f.store.GetRecord(ctx, id)
	require.NotNil(t, record)
	assert.Len(t, record.Moves, 5)

	assert.True(t, f.events.published(comm.EventGameStarted))
	assert.True(t, f.events.published(comm.EventGameEnded))

	r := f.hub.lockExistingRoom(id)
	require.NotNil(t, r)
	assert.Nil(t, r.timer, "no timer after the game ended")
	r.mu.Unlock()

	f.move(guest, id, 2, 2)
	var gameErr comm.ErrorPayload
	decode(t, waitFor(t, guest, comm.GameError), &gameErr)
	assert.Equal(t, string(apperr.InvalidMove), gameErr.Code)
}

func TestDrawEndsGame(t *testing.T) {
	f := newFixture(t)
	host, guest := f.connect(hostID), f.connect(guestID)
	id := f.startedGame(host, guest)

	seq := []struct {
		c        *Client
		row, col int
	}{
		{host, 0, 0}, {guest, 0, 1}, {host, 0, 2},
		{guest, 1, 1}, {host, 1, 0}, {guest, 2, 0},
		{host, 2, 1}, {guest, 1, 2}, {host, 2, 2},
	}
	for _, m := range seq {
		f.move(m.c, id, m.row, m.col)
	}

	var ended comm.GameEndedPayload
	decode(t, waitFor(t, guest, comm.GameEnded), &ended)
	assert.True(t, ended.IsDraw)
	assert.Zero(t, ended.Winner)

	game, _ := f.store.GetGameByID(context.Background(), id)
	assert.Equal(t, models.StatusDraw, game.Status)
	host1, _ := f.store.GetByID(context.Background(), hostID)
	assert.Equal(t, models.DefaultRating, host1.Rating)
}

func TestConcurrentSameCellMoves(t *testing.T) {
	f := newFixture(t)
	tab1, tab2, guest := f.connect(hostID), f.connect(hostID), f.connect(guestID)
	id := f.startedGame(tab1, guest, tab2)
	drain(tab1)
	drain(tab2)

	var wg sync.WaitGroup
	for _, c := range []*Client{tab1, tab2} {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			f.move(c, id, 1, 1)
		}(c)
	}
	wg.Wait()

	moves, err := f.store.GetMovesByGameID(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, moves, 1)

	var errs []comm.WSMessage
	for _, c := range []*Client{tab1, tab2} {
		for _, m := range drain(c) {
			if m.Type == comm.GameError {
				errs = append(errs, m)
			}
		}
	}
	require.Len(t, errs, 1)
	assert.Equal(t, string(apperr.InvalidMove), errorCode(t, errs[0]))
}

func TestInvalidMovesAreRejected(t *testing.T) {
	f := newFixture(t)
	host, guest, watcher := f.connect(hostID), f.connect(guestID), f.connect(spectatorID)
	id := f.startedGame(host, guest, watcher)

	var p comm.ErrorPayload

	f.move(guest, id, 0, 0)
	decode(t, waitFor(t, guest, comm.GameError), &p)
	assert.Equal(t, string(apperr.InvalidMove), p.Code)
	assert.Equal(t, engine.ErrNotYourTurn.Error(), p.Message)

	f.move(watcher, id, 0, 0)
	assert.Equal(t, string(apperr.InvalidMove), errorCode(t, waitFor(t, watcher, comm.GameError)))

	f.move(host, id, 3, 3)
	decode(t, waitFor(t, host, comm.GameError), &p)
	assert.Equal(t, engine.ErrOutOfBounds.Error(), p.Message)

	f.emit(host, comm.GameMakeMove, map[string]interface{}{"gameId": id, "row": 0, "col": 0, "piece": "O"})
	assert.Equal(t, string(apperr.InvalidMove), errorCode(t, waitFor(t, host, comm.GameError)))
	waitFor(t, host, comm.GameStateSync)

	f.emit(host, comm.GameMakeMove, map[string]interface{}{"gameId": id, "row": -1, "col": 0})
	assert.Equal(t, string(apperr.Validation), errorCode(t, waitFor(t, host, comm.GameError)))

	f.emit(host, comm.GameMakeMove, map[string]interface{}{"gameId": id})
	assert.Equal(t, string(apperr.Validation), errorCode(t, waitFor(t, host, comm.GameError)))

	moves, _ := f.store.GetMovesByGameID(context.Background(), id)
	assert.Empty(t, moves)
}

func TestTimeoutFlipsTurnAndRearms(t *testing.T) {
	f := newFixture(t)
	f.hub.turnUnit = time.Millisecond
	host, guest := f.connect(hostID), f.connect(guestID)
	f.readyGameWithLimit(models.MinTurnTimeLimit, host, guest)
	id := f.hub.roomOf(host)
	f.emit(host, comm.GameStart, id)

	var change comm.TurnChangePayload
	decode(t, waitFor(t, guest, comm.GameTurnChange), &change)
	assert.Equal(t, "timeout", change.Reason)
	assert.Equal(t, guestID, change.CurrentTurn)

	var timer comm.TurnTimerPayload
	decode(t, waitFor(t, guest, comm.GameTurnTimerStart), &timer)
	assert.Equal(t, guestID, timer.CurrentTurn)
	assert.Equal(t, models.MinTurnTimeLimit, timer.TurnTimeLimit, "re-armed with the full limit")

	decode(t, waitFor(t, guest, comm.GameTurnChange), &change)
	assert.Equal(t, "timeout", change.Reason)
	assert.Equal(t, hostID, change.CurrentTurn)
}

func TestStaleTimerIsIgnored(t *testing.T) {
	f := newFixture(t)
	host, guest := f.connect(hostID), f.connect(guestID)
	id := f.startedGame(host, guest)

	r := f.hub.lockExistingRoom(id)
	require.NotNil(t, r)
	stale := r.timerGen
	r.mu.Unlock()

	f.move(host, id, 0, 0)
	drain(host)

	f.hub.turnTimeout(r, stale)
	assert.Zero(t, count(drain(host), comm.GameTurnChange))

	r.mu.Lock()
	assert.Equal(t, guestID, r.state.CurrentTurn)
	r.mu.Unlock()
}

func TestHostLeaveEvictsEveryone(t *testing.T) {
	f := newFixture(t)
	host, guest, watcher := f.connect(hostID), f.connect(guestID), f.connect(spectatorID)
	id := f.startedGame(host, guest, watcher)

	f.emit(host, comm.LobbyHostLeave, id)

	for _, c := range []*Client{host, guest, watcher} {
		var p comm.GameDeletedPayload
		decode(t, waitFor(t, c, comm.LobbyGameDeleted), &p)
		assert.Equal(t, id, p.GameID)
		assert.Zero(t, f.hub.roomOf(c))
	}
	assert.Zero(t, f.hub.ActiveRooms())

	game, _ := f.store.GetGameByID(context.Background(), id)
	assert.Nil(t, game)
	assert.True(t, f.events.published(comm.EventGameDeleted))

	f.emit(guest, comm.LobbyHostLeave, id)
	assert.Equal(t, string(apperr.NotFound), errorCode(t, waitFor(t, guest, comm.LobbyError)))
}

func TestGuestLeaveDuringPlay(t *testing.T) {
	f := newFixture(t)
	host, guest, watcher := f.connect(hostID), f.connect(guestID), f.connect(spectatorID)
	id := f.startedGame(host, guest, watcher)
	f.move(host, id, 0, 0)

	f.emit(guest, comm.LobbyGuestLeave, id)

	var left comm.GuestLeftPayload
	decode(t, waitFor(t, host, comm.LobbyGuestLeft), &left)
	assert.True(t, left.WasInProgress)
	waitFor(t, guest, comm.LobbyRedirectHome)

	assert.Zero(t, f.hub.roomOf(guest))
	assert.Equal(t, id, f.hub.roomOf(host))

	ctx := context.Background()
	game, _ := f.store.GetGameByID(ctx, id)
	assert.Equal(t, models.StatusWaiting, game.Status)
	assert.Nil(t, game.GuestID)
	moves, _ := f.store.GetMovesByGameID(ctx, id)
	assert.Empty(t, moves)

	r := f.hub.lockExistingRoom(id)
	require.NotNil(t, r)
	assert.Nil(t, r.state)
	assert.Nil(t, r.timer)
	r.mu.Unlock()
}

func TestGuestLeaveBeforeStart(t *testing.T) {
	f := newFixture(t)
	host, guest := f.connect(hostID), f.connect(guestID)
	id := f.readyGame(host, guest)

	f.emit(guest, comm.LobbyGuestLeave, id)

	var left comm.GuestLeftPayload
	decode(t, waitFor(t, host, comm.LobbyGuestLeft), &left)
	assert.False(t, left.WasInProgress)

	game, _ := f.store.GetGameByID(context.Background(), id)
	assert.Equal(t, models.StatusWaiting, game.Status)
}

func TestStateRebuiltAfterRestart(t *testing.T) {
	f := newFixture(t)
	host, guest := f.connect(hostID), f.connect(guestID)
	id := f.startedGame(host, guest)
	f.move(host, id, 1, 1)
	f.move(guest, id, 0, 0)

	f.restart()
	assert.Zero(t, f.hub.ActiveRooms())

	watcher := f.connect(spectatorID)
	f.emit(watcher, comm.LobbyJoin, id)

	var snap engine.Snapshot
	decode(t, waitFor(t, watcher, comm.GameStateSync), &snap)
	assert.Equal(t, "X", snap.Board[1][1])
	assert.Equal(t, "O", snap.Board[0][0])
	assert.Equal(t, 2, snap.MoveCount)
	assert.Equal(t, hostID, snap.CurrentTurn)
	assert.Greater(t, snap.TimeRemaining, 0)
	assert.LessOrEqual(t, snap.TimeRemaining, 30)

	back := f.connect(hostID)
	f.emit(back, comm.LobbyJoin, id)
	f.move(back, id, 2, 2)

	var made struct {
		GameState engine.Snapshot `json:"gameState"`
		Move      models.Move     `json:"move"`
	}
	decode(t, waitFor(t, watcher, comm.GameMoveMade), &made)
	assert.Equal(t, 3, made.Move.MoveNumber)
	assert.Equal(t, guestID, made.GameState.CurrentTurn)
}

func TestGameInProgressOutlivesItsMembers(t *testing.T) {
	f := newFixture(t)
	f.hub.turnUnit = time.Millisecond
	host, guest := f.connect(hostID), f.connect(guestID)
	id := f.readyGameWithLimit(models.MinTurnTimeLimit, host, guest)
	f.emit(host, comm.GameStart, id)

	ctx := context.Background()
	started, _ := f.store.GetGameByID(ctx, id)
	require.NotNil(t, started.LastMoveTime)

	f.hub.Unregister(host)
	f.hub.Unregister(guest)
	assert.Equal(t, 1, f.hub.ActiveRooms(), "the room stays while the game is played")

	assert.Eventually(t, func() bool {
		game, err := f.store.GetGameByID(ctx, id)
		return err == nil && game.LastMoveTime != nil && game.LastMoveTime.After(*started.LastMoveTime)
	}, 2*time.Second, 5*time.Millisecond, "the turn timer keeps running with nobody connected")
}

func TestFinishedRoomIsReclaimed(t *testing.T) {
	f := newFixture(t)
	host, guest := f.connect(hostID), f.connect(guestID)
	id := f.startedGame(host, guest)
	f.move(host, id, 0, 0)
	f.move(guest, id, 1, 0)
	f.move(host, id, 0, 1)
	f.move(guest, id, 1, 1)
	f.move(host, id, 0, 2)
	waitFor(t, guest, comm.GameEnded)

	f.hub.Unregister(host)
	f.hub.Unregister(guest)
	assert.Zero(t, f.hub.ActiveRooms())
}

func TestTurnExpiredOnlyResyncs(t *testing.T) {
	f := newFixture(t)
	host, guest := f.connect(hostID), f.connect(guestID)
	id := f.startedGame(host, guest)
	drain(guest)

	f.emit(guest, comm.GameTurnExpired, id)

	var snap engine.Snapshot
	decode(t, waitFor(t, guest, comm.GameStateSync), &snap)
	assert.Equal(t, hostID, snap.CurrentTurn)
	assert.Zero(t, count(drain(host), comm.GameTurnChange))
}

func TestRequestStateBeforeStart(t *testing.T) {
	f := newFixture(t)
	host, guest := f.connect(hostID), f.connect(guestID)
	id := f.readyGame(host, guest)
	drain(guest)

	f.emit(guest, comm.GameRequestState, id)
	waitFor(t, guest, comm.LobbyState)
}

func TestPersistenceFailureKeepsMove(t *testing.T) {
	f := newFixture(t)
	host, guest, watcher := f.connect(hostID), f.connect(guestID), f.connect(spectatorID)
	id := f.startedGame(host, guest, watcher)
	drain(watcher)

	f.store.FailMoves(true)
	f.move(host, id, 0, 0)
	f.store.FailMoves(false)

	assert.Equal(t, string(apperr.Persistence), errorCode(t, waitFor(t, host, comm.GameError)))

	var made struct {
		GameState engine.Snapshot `json:"gameState"`
	}
	decode(t, waitFor(t, watcher, comm.GameMoveMade), &made)
	assert.Equal(t, "X", made.GameState.Board[0][0])
	assert.Equal(t, guestID, made.GameState.CurrentTurn)
	assert.Empty(t, f.storedMoves(id))

	f.move(guest, id, 1, 1)
	moves := f.storedMoves(id)
	require.Len(t, moves, 2, "the queued move is written before the next one")
	assert.Equal(t, 1, moves[0].MoveNumber)
	assert.Equal(t, hostID, moves[0].UserID)
	assert.Equal(t, 2, moves[1].MoveNumber)
	assert.Equal(t, guestID, moves[1].UserID)
}

func TestUnsavedMoveSurvivesEmptyRoomAndRestart(t *testing.T) {
	f := newFixture(t)
	host, guest := f.connect(hostID), f.connect(guestID)
	id := f.startedGame(host, guest)

	f.store.FailMoves(true)
	f.move(host, id, 0, 0)
	f.move(guest, id, 1, 1)
	assert.Empty(t, f.storedMoves(id))

	f.hub.Unregister(host)
	f.hub.Unregister(guest)
	assert.Equal(t, 1, f.hub.ActiveRooms(), "a room with unsaved moves is kept")

	f.store.FailMoves(false)
	f.restart()
	require.Len(t, f.storedMoves(id), 2, "shutdown writes what the room still owed")

	back := f.connect(hostID)
	f.emit(back, comm.LobbyJoin, id)
	var snap engine.Snapshot
	decode(t, waitFor(t, back, comm.GameStateSync), &snap)
	assert.Equal(t, 2, snap.MoveCount)
	assert.Equal(t, hostID, snap.CurrentTurn)

	f.move(back, id, 2, 2)
	var made struct {
		Move models.Move `json:"move"`
	}
	decode(t, waitFor(t, back, comm.GameMoveMade), &made)
	assert.Equal(t, 3, made.Move.MoveNumber)
	assert.Len(t, f.storedMoves(id), 3)
}

func TestUnsavedMoveWrittenWhenSomeoneRejoins(t *testing.T) {
	f := newFixture(t)
	host, guest := f.connect(hostID), f.connect(guestID)
	id := f.startedGame(host, guest)

	f.store.FailMoves(true)
	f.move(host, id, 0, 0)
	f.hub.Unregister(host)
	f.hub.Unregister(guest)
	f.store.FailMoves(false)

	back := f.connect(guestID)
	f.emit(back, comm.LobbyJoin, id)
	waitFor(t, back, comm.GameStateSync)

	moves := f.storedMoves(id)
	require.Len(t, moves, 1)
	assert.Equal(t, 1, moves[0].MoveNumber)

	game, _ := f.store.GetGameByID(context.Background(), id)
	require.NotNil(t, game.CurrentTurn)
	assert.Equal(t, guestID, *game.CurrentTurn)
}

func TestTurnWriteRetriedAfterFailure(t *testing.T) {
	f := newFixture(t)
	host, guest := f.connect(hostID), f.connect(guestID)
	id := f.startedGame(host, guest)
	ctx := context.Background()

	f.store.FailTurns(true)
	f.move(host, id, 0, 0)
	assert.Equal(t, string(apperr.Persistence), errorCode(t, waitFor(t, host, comm.GameError)))
	game, _ := f.store.GetGameByID(ctx, id)
	assert.Equal(t, hostID, *game.CurrentTurn)
	f.store.FailTurns(false)

	f.emit(guest, comm.GameRequestState, id)
	waitFor(t, guest, comm.GameStateSync)
	game, _ = f.store.GetGameByID(ctx, id)
	assert.Equal(t, guestID, *game.CurrentTurn)

	f.restart()
	back := f.connect(hostID)
	f.emit(back, comm.LobbyJoin, id)
	f.move(back, id, 2, 2)

	var p comm.ErrorPayload
	decode(t, waitFor(t, back, comm.GameError), &p)
	assert.Equal(t, engine.ErrNotYourTurn.Error(), p.Message)
	assert.Len(t, f.storedMoves(id), 1)
}

func TestTimeoutSurvivesTurnPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	host, guest := f.connect(hostID), f.connect(guestID)
	id := f.startedGame(host, guest)

	f.store.FailTurns(true)
	r := f.hub.lockExistingRoom(id)
	require.NotNil(t, r)
	gen := r.timerGen
	r.mu.Unlock()

	f.hub.turnTimeout(r, gen)

	var change comm.TurnChangePayload
	decode(t, waitFor(t, host, comm.GameTurnChange), &change)
	assert.Equal(t, guestID, change.CurrentTurn)
}

func TestFinishRetriedAfterFailure(t *testing.T) {
	f := newFixture(t)
	host, guest := f.connect(hostID), f.connect(guestID)
	id := f.startedGame(host, guest)
	f.move(host, id, 0, 0)
	f.move(guest, id, 1, 0)
	f.move(host, id, 0, 1)
	f.move(guest, id, 1, 1)

	f.store.FailMoves(true)
	f.move(host, id, 0, 2)
	f.store.FailMoves(false)

	assert.Equal(t, string(apperr.Persistence), errorCode(t, waitFor(t, host, comm.GameError)))
	var ended comm.GameEndedPayload
	decode(t, waitFor(t, guest, comm.GameEnded), &ended)
	assert.Equal(t, hostID, ended.Winner)

	ctx := context.Background()
	game, _ := f.store.GetGameByID(ctx, id)
	assert.Equal(t, models.StatusInProgress, game.Status, "no result before the last move is logged")

	f.emit(guest, comm.GameRequestState, id)
	waitFor(t, guest, comm.GameStateSync)

	game, _ = f.store.GetGameByID(ctx, id)
	assert.Equal(t, models.StatusCompleted, game.Status)
	assert.Len(t, f.storedMoves(id), 5)
	winner, _ := f.store.GetByID(ctx, hostID)
	assert.Equal(t, models.DefaultRating+10, winner.Rating)
}

func TestEventsRequireRoomMembership(t *testing.T) {
	f := newFixture(t)
	host, guest, outsider := f.connect(hostID), f.connect(guestID), f.connect(outsiderID)
	id := f.startedGame(host, guest)

	f.move(outsider, id, 0, 0)
	assert.Equal(t, apperr.CodeNotInRoom, errorCode(t, waitFor(t, outsider, comm.GameError)))

	f.emit(outsider, comm.LobbyJoin, 999)
	assert.Equal(t, string(apperr.NotFound), errorCode(t, waitFor(t, outsider, comm.LobbyError)))

	f.emit(outsider, "lobby:dance", id)
	assert.Equal(t, apperr.CodeBadMessage, errorCode(t, waitFor(t, outsider, comm.LobbyError)))

	f.emit(outsider, comm.LobbyJoin, "nope")
	assert.Equal(t, string(apperr.Validation), errorCode(t, waitFor(t, outsider, comm.LobbyError)))
}

func TestForceJoinDropsPreviousGame(t *testing.T) {
	f := newFixture(t)
	host, other := f.connect(hostID), f.connect(guestID)
	target := f.createGame(hostID, 30)
	previous := f.createGame(guestID, 30)

	f.emit(host, comm.LobbyJoin, target)
	f.emit(other, comm.LobbyJoin, target)

	f.emit(other, comm.LobbyJoinRequest, target)
	assert.Equal(t, apperr.CodeExistingGame, errorCode(t, waitFor(t, other, comm.LobbyError)))

	f.emit(other, comm.LobbyForceJoinRequest, target)
	waitFor(t, host, comm.LobbyJoinRequest)

	game, _ := f.store.GetGameByID(context.Background(), previous)
	assert.Nil(t, game)
	assert.True(t, f.events.published(comm.EventGameDeleted))
}

func TestPresenceUpdates(t *testing.T) {
	f := newFixture(t)
	first := f.connect(hostID)
	second := f.connect(guestID)

	msgs := drain(first)
	require.NotEmpty(t, msgs)
	var users []comm.OnlineUser
	decode(t, msgs[len(msgs)-1], &users)
	assert.Len(t, users, 2)

	f.hub.Unregister(second)
	decode(t, waitFor(t, first, comm.UsersUpdate), &users)
	assert.Len(t, users, 1)
	assert.Equal(t, 1, f.hub.Connections())
}
