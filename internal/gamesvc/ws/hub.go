// Package ws is the realtime side of the game service: websocket
// connections, the registry of game rooms, turn timers and the handling of
// every lobby and game event a client can send.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/avvvet/ttt-services/internal/comm"
	"github.com/avvvet/ttt-services/internal/gamesvc/apperr"
	"github.com/avvvet/ttt-services/internal/gamesvc/engine"
	"github.com/avvvet/ttt-services/internal/gamesvc/models"
	"github.com/avvvet/ttt-services/internal/gamesvc/service"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
)

const defaultOpTimeout = 10 * time.Second

// EventPublisher receives game lifecycle events for other services.
type EventPublisher interface {
	PublishGameEvent(event string, gameID, userID int64, payload interface{}) error
}

type Hub struct {
	lobby    *service.LobbyService
	games    *service.GameService
	events   EventPublisher // optional
	validate *validator.Validate

	mu      sync.RWMutex // guards clients, rooms and Client.gameID
	clients map[string]*Client
	rooms   map[int64]*room

	turnUnit      time.Duration // wall time of one second of turn limit
	opTimeout     time.Duration
	writeAttempts int
	writeBackoff  time.Duration
	now           func() time.Time
}

func NewHub(lobby *service.LobbyService, games *service.GameService, events EventPublisher) *Hub {
	return &Hub{
		lobby:     lobby,
		games:     games,
		events:    events,
		validate:  validator.New(),
		clients:   make(map[string]*Client),
		rooms:     make(map[int64]*room),
		turnUnit:      time.Second,
		opTimeout:     defaultOpTimeout,
		writeAttempts: defaultWriteAttempts,
		writeBackoff:  defaultWriteBackoff,
		now:           time.Now,
	}
}

// Serve runs a connection until it closes.
func (h *Hub) Serve(c *Client) {
	h.Register(c)
	go c.writePump()
	c.readPump(h)
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	log.WithFields(log.Fields{"socket_id": c.ID, "user_id": c.UserID()}).Info("client connected")
	h.broadcastPresence()
}

// Unregister drops the connection from its room and closes its send queue.
// Games are not affected by a disconnect.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	gameID := c.gameID
	h.mu.Unlock()

	if gameID != 0 {
		h.leaveRoom(c, gameID)
	}
	c.close()

	log.WithFields(log.Fields{"socket_id": c.ID, "user_id": c.UserID()}).Info("client disconnected")
	h.broadcastPresence()
}

// Shutdown makes a last attempt at owed writes, stops every turn timer and
// closes all connections.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, r := range rooms {
		r.mu.Lock()
		if !r.closed {
			ctx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
			h.catchUp(ctx, r)
			cancel()
			h.closeRoom(r)
		}
		r.mu.Unlock()
	}
	for _, c := range clients {
		c.close()
	}
}

// HandleMessage dispatches one client event. Failures are reported to the
// sending connection only.
func (h *Hub) HandleMessage(c *Client, msg *comm.WSMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
	defer cancel()

	switch msg.Type {
	case comm.LobbyJoin:
		if gameID, ok := h.gameID(c, msg); ok {
			h.join(ctx, c, gameID)
		}
	case comm.LobbyJoinRequest:
		if gameID, ok := h.gameID(c, msg); ok {
			h.requestJoin(ctx, c, gameID, false)
		}
	case comm.LobbyForceJoinRequest:
		if gameID, ok := h.gameID(c, msg); ok {
			h.requestJoin(ctx, c, gameID, true)
		}
	case comm.LobbyApproveJoin:
		var d comm.JoinDecision
		if h.decode(c, msg, &d) {
			h.approveJoin(ctx, c, int64(d.GameID), int64(d.UserID))
		}
	case comm.LobbyRejectJoin:
		var d comm.JoinDecision
		if h.decode(c, msg, &d) {
			h.rejectJoin(ctx, c, int64(d.GameID), int64(d.UserID))
		}
	case comm.LobbyHostLeave:
		if gameID, ok := h.gameID(c, msg); ok {
			if err := h.hostLeave(ctx, c.UserID(), gameID, "host_left"); err != nil {
				h.sendError(c, comm.LobbyError, err)
			}
		}
	case comm.LobbyGuestLeave:
		if gameID, ok := h.gameID(c, msg); ok {
			if err := h.guestLeave(ctx, c.UserID(), gameID); err != nil {
				h.sendError(c, comm.LobbyError, err)
			}
		}
	case comm.GameStart:
		if gameID, ok := h.gameID(c, msg); ok {
			h.startGame(ctx, c, gameID)
		}
	case comm.GameMakeMove:
		var req comm.MoveRequest
		if h.decode(c, msg, &req) {
			h.makeMove(ctx, c, &req)
		}
	case comm.GameTurnExpired, comm.GameRequestState:
		if gameID, ok := h.gameID(c, msg); ok {
			h.requestState(ctx, c, gameID, msg.Type)
		}
	default:
		log.WithField("socket_id", c.ID).Warnf("unknown event received: %s", msg.Type)
		h.sendError(c, comm.LobbyError, apperr.WithCode(apperr.Validation, apperr.CodeBadMessage, "unknown event type"))
	}
}

func (h *Hub) gameID(c *Client, msg *comm.WSMessage) (int64, bool) {
	id, err := comm.ParseGameID(msg.Data)
	if err != nil {
		h.sendError(c, errorEventFor(msg.Type), apperr.New(apperr.Validation, "a valid game id is required"))
		return 0, false
	}
	return id, true
}

func (h *Hub) decode(c *Client, msg *comm.WSMessage, v interface{}) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		h.sendError(c, errorEventFor(msg.Type), apperr.WithCode(apperr.Validation, apperr.CodeBadMessage, "malformed payload"))
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.sendError(c, errorEventFor(msg.Type), apperr.Wrap(apperr.Validation, err, "invalid payload"))
		return false
	}
	return true
}

func errorEventFor(msgType string) string {
	if len(msgType) >= 5 && msgType[:5] == "game:" {
		return comm.GameError
	}
	return comm.LobbyError
}

func (h *Hub) send(c *Client, event string, payload interface{}) {
	b, err := comm.NewMessage(event, payload)
	if err != nil {
		log.Errorf("failed to encode %s: %v", event, err)
		return
	}
	c.enqueue(b)
}

func (h *Hub) sendError(c *Client, event string, err error) {
	code, message := apperr.Public(err)
	entry := log.WithFields(log.Fields{"socket_id": c.ID, "user_id": c.UserID(), "code": code})
	switch apperr.KindOf(err) {
	case apperr.Persistence, apperr.Internal:
		entry.Errorf("%s: %v", event, err)
	default:
		entry.Debugf("%s: %v", event, err)
	}
	h.send(c, event, comm.ErrorPayload{Code: code, Message: message})
}

// broadcast sends to every member of r. r.mu is held, which keeps the event
// order of a room identical for all members.
func (h *Hub) broadcast(r *room, event string, payload interface{}) {
	b, err := comm.NewMessage(event, payload)
	if err != nil {
		log.Errorf("failed to encode %s: %v", event, err)
		return
	}
	for _, m := range r.members {
		m.enqueue(b)
	}
}

func (h *Hub) sendToUser(r *room, userID int64, event string, payload interface{}) int {
	sent := 0
	for _, m := range r.members {
		if m.UserID() == userID {
			h.send(m, event, payload)
			sent++
		}
	}
	return sent
}

func (h *Hub) broadcastLobbyState(ctx context.Context, r *room) {
	details, err := h.games.GetGameDetails(ctx, r.gameID)
	if err != nil {
		if !apperr.Is(err, apperr.NotFound) {
			log.WithField("game_id", r.gameID).Errorf("failed to load lobby state: %v", err)
		}
		return
	}
	h.broadcast(r, comm.LobbyState, comm.LobbyStatePayload{Game: details, ConnectedUsers: len(r.members)})
}

func (h *Hub) snapshot(st *engine.State) engine.Snapshot {
	remaining := 0
	if st.Status == models.StatusInProgress {
		remaining = h.remainingUnits(st)
	}
	return st.Snapshot(remaining)
}

// broadcastPresence sends the online user list to every connection.
func (h *Hub) broadcastPresence() {
	h.mu.RLock()
	seen := make(map[int64]bool, len(h.clients))
	users := make([]comm.OnlineUser, 0, len(h.clients))
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
		if seen[c.UserID()] {
			continue
		}
		seen[c.UserID()] = true
		users = append(users, comm.OnlineUser{
			ID:          c.UserID(),
			Username:    c.User.Username,
			Rating:      c.User.Rating,
			CurrentGame: c.gameID,
		})
	}
	h.mu.RUnlock()

	b, err := comm.NewMessage(comm.UsersUpdate, users)
	if err != nil {
		log.Errorf("failed to encode presence: %v", err)
		return
	}
	for _, c := range targets {
		c.enqueue(b)
	}
}

func (h *Hub) publish(event string, gameID, userID int64, payload interface{}) {
	if h.events == nil {
		return
	}
	if err := h.events.PublishGameEvent(event, gameID, userID, payload); err != nil {
		log.WithField("game_id", gameID).Warnf("failed to publish %s: %v", event, err)
	}
}

// ActiveRooms returns how many rooms are live.
func (h *Hub) ActiveRooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Connections returns how many connections are registered.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
