package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/avvvet/ttt-services/internal/comm"
	"github.com/avvvet/ttt-services/internal/gamesvc/apperr"
	"github.com/avvvet/ttt-services/internal/gamesvc/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Client is one websocket connection of an authenticated user. A user may
// hold several connections, each a separate room member.
type Client struct {
	ID      string
	User    *models.User
	conn    *websocket.Conn
	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	closed bool

	gameID int64 // room the connection sits in, guarded by Hub.mu
}

func NewClient(conn *websocket.Conn, user *models.User, limiter *rate.Limiter) *Client {
	return &Client{
		ID:      uuid.NewString(),
		User:    user,
		conn:    conn,
		limiter: limiter,
		send:    make(chan []byte, sendBufferSize),
	}
}

func (c *Client) UserID() int64 {
	return c.User.ID
}

// enqueue never blocks. A connection that can not keep up loses messages and
// recovers with game:request_state.
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		log.WithFields(log.Fields{"socket_id": c.ID, "user_id": c.User.ID}).Warn("send buffer full, dropping message")
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithField("socket_id", c.ID).Warnf("websocket closed unexpectedly: %v", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			h.sendError(c, comm.LobbyError, apperr.WithCode(apperr.Validation, apperr.CodeRateLimited, "too many events, slow down"))
			continue
		}

		var msg comm.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(c, comm.LobbyError, apperr.WithCode(apperr.Validation, apperr.CodeBadMessage, "invalid message format"))
			continue
		}
		msg.SocketId = c.ID
		h.HandleMessage(c, &msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithField("socket_id", c.ID).Debugf("write failed: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
