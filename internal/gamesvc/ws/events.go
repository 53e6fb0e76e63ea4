package ws

import (
	"context"

	"github.com/avvvet/ttt-services/internal/comm"
	"github.com/avvvet/ttt-services/internal/gamesvc/apperr"
	"github.com/avvvet/ttt-services/internal/gamesvc/engine"
	"github.com/avvvet/ttt-services/internal/gamesvc/models"
	"github.com/avvvet/ttt-services/internal/gamesvc/service"
	log "github.com/sirupsen/logrus"
)

const (
	reasonMove    = "move"
	reasonTimeout = "timeout"
)

// lockMemberRoom locks the room of gameID and checks that c is inside it.
func (h *Hub) lockMemberRoom(c *Client, gameID int64) (*room, error) {
	r := h.lockRoom(gameID)
	if _, ok := r.members[c.ID]; !ok {
		h.unlockRoom(r)
		return nil, apperr.WithCode(apperr.InvalidState, apperr.CodeNotInRoom, "join the game room first")
	}
	return r, nil
}

// ensureState returns the room's game state, rebuilding it from the move log
// when the room has none. Games not yet started have no state. A rebuilt
// game in progress gets its timer re-armed with whatever is left of the
// current turn.
func (h *Hub) ensureState(ctx context.Context, r *room) (*engine.State, error) {
	if r.state != nil {
		return r.state, nil
	}
	st, err := h.games.LoadState(ctx, r.gameID)
	if err != nil {
		return nil, err
	}
	switch {
	case st.Status == models.StatusInProgress:
		r.state = st
		h.armTimer(r, st.Remaining(h.now(), h.turnUnit))
		log.WithFields(log.Fields{"game_id": r.gameID, "moves": st.MoveCount}).Info("game state rebuilt from move log")
	case st.Status.Terminal():
		r.state = st
	default:
		return nil, nil
	}
	return r.state, nil
}

func (h *Hub) join(ctx context.Context, c *Client, gameID int64) {
	if _, err := h.games.GetGame(ctx, gameID); err != nil {
		h.sendError(c, comm.LobbyError, err)
		return
	}

	if prev := h.roomOf(c); prev != 0 && prev != gameID {
		h.leaveRoom(c, prev)
	}

	r := h.lockRoom(gameID)
	defer h.unlockRoom(r)

	h.attach(c, r)
	log.WithFields(log.Fields{"game_id": gameID, "user_id": c.UserID(), "socket_id": c.ID}).Info("joined game room")
	h.catchUp(ctx, r)

	st, err := h.ensureState(ctx, r)
	if err != nil {
		h.sendError(c, comm.GameError, err)
	} else if st != nil {
		h.send(c, comm.GameStateSync, h.snapshot(st))
	}
	h.broadcastLobbyState(ctx, r)
}

// leaveRoom removes c from the room of gameID. Only membership changes.
func (h *Hub) leaveRoom(c *Client, gameID int64) {
	r := h.lockExistingRoom(gameID)
	if r == nil {
		return
	}
	defer h.unlockRoom(r)

	h.detach(c, r)
	if len(r.members) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
		defer cancel()
		h.broadcastLobbyState(ctx, r)
	}
}

// requestJoin forwards a join request to the host's connections. With force
// set the caller first gives up any other game they are in: a hosted game is
// deleted, a guest seat is vacated.
func (h *Hub) requestJoin(ctx context.Context, c *Client, gameID int64, force bool) {
	if force {
		existing, err := h.lobby.ActiveGame(ctx, c.UserID())
		if err != nil {
			h.sendError(c, comm.LobbyError, err)
			return
		}
		if existing != nil && existing.ID != gameID {
			if existing.IsHost(c.UserID()) {
				err = h.hostLeave(ctx, c.UserID(), existing.ID, "host_joined_another_game")
			} else {
				err = h.guestLeave(ctx, c.UserID(), existing.ID)
			}
			if err != nil {
				h.sendError(c, comm.LobbyError, err)
				return
			}
		}
	}

	r, err := h.lockMemberRoom(c, gameID)
	if err != nil {
		h.sendError(c, comm.LobbyError, err)
		return
	}
	defer h.unlockRoom(r)

	game, user, err := h.lobby.RequestJoin(ctx, c.UserID(), gameID)
	if err != nil {
		h.sendError(c, comm.LobbyError, err)
		return
	}

	payload := comm.JoinRequestPayload{GameID: gameID, User: service.NewPlayerInfo(user)}
	if h.sendToUser(r, game.HostID, comm.LobbyJoinRequest, payload) == 0 {
		h.sendError(c, comm.LobbyError, apperr.WithCode(apperr.InvalidState, apperr.CodeHostOffline, "the host is not in the lobby right now"))
		return
	}
	r.requests[c.UserID()] = struct{}{}
}

func (h *Hub) approveJoin(ctx context.Context, c *Client, gameID, candidateID int64) {
	r, err := h.lockMemberRoom(c, gameID)
	if err != nil {
		h.sendError(c, comm.LobbyError, err)
		return
	}
	defer h.unlockRoom(r)

	if _, ok := r.requests[candidateID]; !ok {
		h.sendError(c, comm.LobbyError, apperr.WithCode(apperr.InvalidState, apperr.CodeNoJoinRequest, "that player has not asked to join"))
		return
	}

	_, guest, err := h.lobby.ApproveJoin(ctx, c.UserID(), gameID, candidateID)
	if err != nil {
		h.sendError(c, comm.LobbyError, err)
		return
	}
	r.requests = make(map[int64]struct{})

	h.broadcast(r, comm.LobbyPlayerJoined, comm.PlayerJoinedPayload{GameID: gameID, Guest: service.NewPlayerInfo(guest)})
	h.broadcast(r, comm.LobbyJoinApproved, comm.JoinDecisionPayload{GameID: gameID, UserID: candidateID})
	h.broadcastLobbyState(ctx, r)
}

func (h *Hub) rejectJoin(ctx context.Context, c *Client, gameID, candidateID int64) {
	r, err := h.lockMemberRoom(c, gameID)
	if err != nil {
		h.sendError(c, comm.LobbyError, err)
		return
	}
	defer h.unlockRoom(r)

	if _, err := h.lobby.RejectJoin(ctx, c.UserID(), gameID, candidateID); err != nil {
		h.sendError(c, comm.LobbyError, err)
		return
	}

	delete(r.requests, candidateID)
	h.broadcast(r, comm.LobbyJoinRejected, comm.JoinDecisionPayload{GameID: gameID, UserID: candidateID})
}

// hostLeave deletes the game and evicts every member of its room.
func (h *Hub) hostLeave(ctx context.Context, userID, gameID int64, reason string) error {
	r := h.lockRoom(gameID)
	defer h.unlockRoom(r)

	if _, err := h.lobby.LeaveAsHost(ctx, userID, gameID); err != nil {
		return err
	}

	h.broadcast(r, comm.LobbyGameDeleted, comm.GameDeletedPayload{GameID: gameID, Reason: reason})
	for _, m := range r.members {
		h.detach(m, r)
	}
	h.closeRoom(r)

	h.publish(comm.EventGameDeleted, gameID, userID, comm.GameDeletedPayload{GameID: gameID, Reason: reason})
	return nil
}

// guestLeave vacates the guest seat. A game in progress loses its moves and
// timer; the guest's own connections are sent home.
func (h *Hub) guestLeave(ctx context.Context, userID, gameID int64) error {
	r := h.lockRoom(gameID)
	defer h.unlockRoom(r)

	wasInProgress, err := h.lobby.LeaveAsGuest(ctx, userID, gameID)
	if err != nil {
		return err
	}

	h.stopTimer(r)
	r.forget()

	payload := comm.GuestLeftPayload{GameID: gameID, UserID: userID, WasInProgress: wasInProgress}
	h.broadcast(r, comm.LobbyGuestLeft, payload)
	for _, m := range r.members {
		if m.UserID() == userID {
			h.detach(m, r)
			h.send(m, comm.LobbyRedirectHome, comm.GameRef{GameID: comm.FlexID(gameID)})
		}
	}
	h.broadcastLobbyState(ctx, r)

	h.publish(comm.EventGameGuestLeft, gameID, userID, payload)
	return nil
}

func (h *Hub) startGame(ctx context.Context, c *Client, gameID int64) {
	r, err := h.lockMemberRoom(c, gameID)
	if err != nil {
		h.sendError(c, comm.GameError, err)
		return
	}
	defer h.unlockRoom(r)

	started, err := h.lobby.StartGame(ctx, c.UserID(), gameID)
	if err != nil {
		h.sendError(c, comm.GameError, err)
		return
	}

	st := engine.NewState(started.Game)
	if st.LastMoveTime.IsZero() {
		st.LastMoveTime = h.now()
	}
	r.state = st
	h.armTimer(r, h.turnDuration(st))

	snap := h.snapshot(st)
	h.broadcast(r, comm.GameStarted, comm.GameStartedPayload{
		GameState:     snap,
		Host:          service.NewPlayerInfo(started.Host),
		Guest:         service.NewPlayerInfo(started.Guest),
		TurnTimeLimit: st.TurnTimeLimit,
	})
	h.broadcast(r, comm.GameTurnTimerStart, comm.TurnTimerPayload{
		GameID:        gameID,
		CurrentTurn:   st.CurrentTurn,
		TurnTimeLimit: st.TurnTimeLimit,
		TimeRemaining: st.TurnTimeLimit,
	})

	h.publish(comm.EventGameStarted, gameID, c.UserID(), snap)
}

// makeMove validates, applies and persists one placement while holding the
// room lock, then announces it. A failed write is reported to the mover but
// the move stands and stays queued on the room until a later write gets it
// into the move log.
func (h *Hub) makeMove(ctx context.Context, c *Client, req *comm.MoveRequest) {
	gameID := int64(req.GameID)
	r, err := h.lockMemberRoom(c, gameID)
	if err != nil {
		h.sendError(c, comm.GameError, err)
		return
	}
	defer h.unlockRoom(r)

	st, err := h.ensureState(ctx, r)
	if err != nil {
		h.sendError(c, comm.GameError, err)
		return
	}
	if st == nil {
		h.sendError(c, comm.GameError, apperr.New(apperr.InvalidMove, engine.ErrNotInProgress.Error()))
		return
	}

	userID := c.UserID()
	row, col := *req.Row, *req.Col
	if err := engine.ValidateMove(st, userID, row, col); err != nil {
		h.sendError(c, comm.GameError, apperr.New(apperr.InvalidMove, err.Error()))
		return
	}
	piece := st.PieceFor(userID)
	if req.Piece != "" && req.Piece != piece {
		h.sendError(c, comm.GameError, apperr.New(apperr.InvalidMove, "piece does not match your assigned piece"))
		h.send(c, comm.GameStateSync, h.snapshot(st))
		return
	}

	engine.ApplyMove(st, row, col, piece)
	move := &models.Move{
		GameID:     gameID,
		UserID:     userID,
		PositionX:  col,
		PositionY:  row,
		MoveNumber: st.MoveCount,
		Piece:      piece,
		CreatedAt:  h.now(),
	}
	r.unsaved = append(r.unsaved, move)

	switch engine.Evaluate(st.Board, row, col, piece) {
	case engine.OutcomeWin:
		st.Status = models.StatusCompleted
		st.WinnerID = userID
		h.endGame(ctx, r, st, move, c)
	case engine.OutcomeDraw:
		st.Status = models.StatusDraw
		h.endGame(ctx, r, st, move, c)
	default:
		h.handOff(ctx, r, st, reasonMove, move, c)
	}
}

// handOff passes the turn to the other player, persists it, re-arms the
// timer with the full limit and announces the change. mover is nil for a
// timeout.
func (h *Hub) handOff(ctx context.Context, r *room, st *engine.State, reason string, move *models.Move, mover *Client) {
	st.CurrentTurn = engine.NextTurn(st.CurrentTurn, st.HostID, st.GuestID)
	st.LastMoveTime = h.now()
	r.turnUnsaved = true

	if _, err := h.flush(ctx, r); err != nil {
		if mover != nil {
			h.sendError(mover, comm.GameError, err)
		} else {
			log.WithField("game_id", st.GameID).Errorf("failed to persist turn handoff: %v", err)
		}
	}
	h.armTimer(r, h.turnDuration(st))

	if move != nil {
		h.broadcast(r, comm.GameMoveMade, comm.MoveMadePayload{GameState: h.snapshot(st), Move: move})
	}
	h.broadcast(r, comm.GameTurnChange, comm.TurnChangePayload{
		GameID:      st.GameID,
		CurrentTurn: st.CurrentTurn,
		Reason:      reason,
		At:          st.LastMoveTime,
	})
	h.broadcast(r, comm.GameTurnTimerStart, comm.TurnTimerPayload{
		GameID:        st.GameID,
		CurrentTurn:   st.CurrentTurn,
		TurnTimeLimit: st.TurnTimeLimit,
		TimeRemaining: st.TurnTimeLimit,
	})
}

func (h *Hub) endGame(ctx context.Context, r *room, st *engine.State, move *models.Move, mover *Client) {
	st.CurrentTurn = 0
	h.stopTimer(r)
	r.finishUnsaved = true

	result, err := h.flush(ctx, r)
	if err != nil {
		h.sendError(mover, comm.GameError, err)
	}
	if result == nil {
		result = service.NewGameResult(st)
	}

	snap := h.snapshot(st)
	h.broadcast(r, comm.GameMoveMade, comm.MoveMadePayload{GameState: snap, Move: move})
	h.broadcast(r, comm.GameEnded, comm.GameEndedPayload{
		GameState:  snap,
		Winner:     result.WinnerID,
		WinnerName: result.WinnerName,
		IsDraw:     result.IsDraw,
		Ratings:    result.Ratings,
	})

	log.WithFields(log.Fields{"game_id": st.GameID, "status": st.Status, "winner_id": st.WinnerID}).Info("game finished")
	h.publish(comm.EventGameEnded, st.GameID, st.WinnerID, result)
}

// turnTimeout runs on the timer goroutine. A stale generation means the turn
// already moved on and the callback is ignored.
func (h *Hub) turnTimeout(r *room, gen uint64) {
	r.mu.Lock()
	defer h.unlockRoom(r)

	if r.closed || r.timerGen != gen || r.state == nil || r.state.Status != models.StatusInProgress {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
	defer cancel()

	log.WithFields(log.Fields{"game_id": r.gameID, "user_id": r.state.CurrentTurn}).Info("turn timed out")
	h.handOff(ctx, r, r.state, reasonTimeout, nil, nil)
}

// requestState answers game:request_state and game:turn_expired. A client
// that thinks its turn expired only gets resynced; the server timer alone
// decides when a turn ends.
func (h *Hub) requestState(ctx context.Context, c *Client, gameID int64, msgType string) {
	r, err := h.lockMemberRoom(c, gameID)
	if err != nil {
		h.sendError(c, comm.GameError, err)
		return
	}
	defer h.unlockRoom(r)

	if msgType == comm.GameTurnExpired {
		log.WithFields(log.Fields{"game_id": gameID, "user_id": c.UserID()}).Debug("client reported turn expiry, resyncing")
	}
	h.catchUp(ctx, r)

	st, err := h.ensureState(ctx, r)
	if err != nil {
		h.sendError(c, comm.GameError, err)
		return
	}
	if st != nil {
		h.send(c, comm.GameStateSync, h.snapshot(st))
		return
	}

	details, err := h.games.GetGameDetails(ctx, gameID)
	if err != nil {
		h.sendError(c, comm.LobbyError, err)
		return
	}
	h.send(c, comm.LobbyState, comm.LobbyStatePayload{Game: details, ConnectedUsers: len(r.members)})
}
