package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/avvvet/ttt-services/internal/comm"
	"github.com/avvvet/ttt-services/internal/gamesvc/apperr"
	"github.com/avvvet/ttt-services/internal/gamesvc/models"
	"github.com/avvvet/ttt-services/internal/gamesvc/service"
	"github.com/avvvet/ttt-services/internal/gamesvc/ws"
	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var errMissingUserID = errors.New("token carries no user_id claim")

type Handler struct {
	tokenAuth *jwtauth.JWTAuth
	upgrader  websocket.Upgrader
	validate  *validator.Validate

	hub    *ws.Hub
	lobby  *service.LobbyService
	games  *service.GameService
	users  *service.UserService
	events ws.EventPublisher // optional

	// inbound websocket events allowed per connection
	EventsPerSecond float64
	EventBurst      int
	Port            string
}

func NewHandler(hub *ws.Hub, lobby *service.LobbyService, games *service.GameService, users *service.UserService, events ws.EventPublisher) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		validate:        validator.New(),
		hub:             hub,
		lobby:           lobby,
		games:           games,
		users:           users,
		events:          events,
		EventsPerSecond: 10,
		EventBurst:      20,
	}
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error"`
}

func (h *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	code, message := apperr.Public(err)
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("request failed: %v", err)
	}
	h.CreateResponse(w, Response{Message: message, Code: status, Error: code})
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.CreateResponse(w, Response{
		Message: "game service is running at port " + h.Port,
		Code:    http.StatusOK,
		Data: map[string]int{
			"connections": h.hub.Connections(),
			"rooms":       h.hub.ActiveRooms(),
		},
	})
}

// HandleWebSocket upgrades an authenticated request and hands the connection
// to the hub.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	limiter := rate.NewLimiter(rate.Limit(h.EventsPerSecond), h.EventBurst)
	client := ws.NewClient(conn, user, limiter)
	log.WithFields(log.Fields{"socket_id": client.ID, "user_id": user.ID}).Info("New WebSocket connection established")

	go h.hub.Serve(client)
}

func (h *Handler) CreateGame(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		h.errorResponse(w, apperr.Wrap(apperr.Unauthorized, err, "invalid token"))
		return
	}

	req := comm.CreateGameRequest{BoardSize: 3, TurnTimeLimit: models.DefaultTurnTimeLimit}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.errorResponse(w, apperr.WithCode(apperr.Validation, apperr.CodeBadMessage, "malformed request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.errorResponse(w, apperr.Wrap(apperr.Validation, err, "board size must be 3 or 5 and turn time limit 10 to 120 seconds"))
		return
	}

	game, err := h.lobby.CreateGame(r.Context(), userID, service.CreateGameInput{
		BoardSize:           req.BoardSize,
		TurnTimeLimit:       req.TurnTimeLimit,
		AllowCustomSettings: req.AllowCustomSettings,
	})
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	if h.events != nil {
		if err := h.events.PublishGameEvent(comm.EventGameCreated, game.ID, userID, game); err != nil {
			log.WithField("game_id", game.ID).Warnf("failed to publish %s: %v", comm.EventGameCreated, err)
		}
	}

	h.CreateResponse(w, Response{Message: "game created", Code: http.StatusCreated, Data: game})
}

func (h *Handler) ListGames(w http.ResponseWriter, r *http.Request) {
	games, err := h.games.ActiveGames(r.Context())
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{Message: "active games", Code: http.StatusOK, Data: games})
}

func (h *Handler) CurrentGame(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		h.errorResponse(w, apperr.Wrap(apperr.Unauthorized, err, "invalid token"))
		return
	}

	game, err := h.games.CurrentGame(r.Context(), userID)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	if game == nil {
		h.CreateResponse(w, Response{Message: "no current game", Code: http.StatusOK})
		return
	}
	h.CreateResponse(w, Response{Message: "current game", Code: http.StatusOK, Data: game})
}

func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	gameID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || gameID <= 0 {
		h.errorResponse(w, apperr.New(apperr.Validation, "invalid game id"))
		return
	}

	record, err := h.games.Replay(r.Context(), gameID)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{Message: "game replay", Code: http.StatusOK, Data: record})
}

func (h *Handler) currentUser(r *http.Request) (*models.User, error) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthorized, err, "invalid token")
	}
	return h.users.GetUser(r.Context(), userID)
}

// userIDFromContext reads the user_id claim set by the auth service. JSON
// numbers arrive as float64; some issuers send the id as a string.
func userIDFromContext(ctx context.Context) (int64, error) {
	_, claims, err := jwtauth.FromContext(ctx)
	if err != nil {
		return 0, err
	}

	var id int64
	switch v := claims["user_id"].(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	case json.Number:
		id, err = v.Int64()
	case string:
		id, err = strconv.ParseInt(v, 10, 64)
	default:
		return 0, errMissingUserID
	}
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errMissingUserID
	}
	return id, nil
}
