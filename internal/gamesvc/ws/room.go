package ws

import (
	"sync"
	"time"

	"github.com/avvvet/ttt-services/internal/gamesvc/engine"
	"github.com/avvvet/ttt-services/internal/gamesvc/models"
)

// room is the single writer for one game. Every read or write of members,
// state or the timer happens with mu held.
type room struct {
	gameID int64

	mu       sync.Mutex
	members  map[string]*Client
	state    *engine.State // nil until the game is started or rebuilt
	timer    *time.Timer
	timerGen uint64
	closed   bool

	// users whose join request reached the host
	requests map[int64]struct{}

	// writes the database still owes, oldest move first
	unsaved       []*models.Move
	turnUnsaved   bool
	finishUnsaved bool
}

func newRoom(gameID int64) *room {
	return &room{
		gameID:   gameID,
		members:  make(map[string]*Client),
		requests: make(map[int64]struct{}),
	}
}

func (r *room) dirty() bool {
	return len(r.unsaved) > 0 || r.turnUnsaved || r.finishUnsaved
}

// live reports whether the room must outlive its members. A game in progress
// keeps its turn timer running and unsaved writes wait for a retry.
func (r *room) live() bool {
	return r.dirty() || (r.state != nil && r.state.Status == models.StatusInProgress)
}

// forget drops the game state together with anything still owed for it.
func (r *room) forget() {
	r.state = nil
	r.unsaved = nil
	r.turnUnsaved = false
	r.finishUnsaved = false
}

// lockRoom returns the locked room for gameID, creating it if needed. A room
// closed while we waited for its lock is skipped in favour of a fresh one.
func (h *Hub) lockRoom(gameID int64) *room {
	for {
		h.mu.Lock()
		r, ok := h.rooms[gameID]
		if !ok {
			r = newRoom(gameID)
			h.rooms[gameID] = r
		}
		h.mu.Unlock()

		r.mu.Lock()
		if !r.closed {
			return r
		}
		r.mu.Unlock()
	}
}

// lockExistingRoom is lockRoom without creation; it returns nil when there
// is no live room.
func (h *Hub) lockExistingRoom(gameID int64) *room {
	h.mu.RLock()
	r := h.rooms[gameID]
	h.mu.RUnlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	return r
}

// unlockRoom releases r, reclaiming it first when nobody is left inside and
// nothing keeps it live.
func (h *Hub) unlockRoom(r *room) {
	if !r.closed && len(r.members) == 0 && !r.live() {
		h.closeRoom(r)
	}
	r.mu.Unlock()
}

// closeRoom cancels the timer and drops r from the registry. r.mu is held.
func (h *Hub) closeRoom(r *room) {
	h.stopTimer(r)
	r.forget()
	r.closed = true

	h.mu.Lock()
	if h.rooms[r.gameID] == r {
		delete(h.rooms, r.gameID)
	}
	h.mu.Unlock()
}

func (h *Hub) attach(c *Client, r *room) {
	r.members[c.ID] = c
	h.mu.Lock()
	c.gameID = r.gameID
	h.mu.Unlock()
}

func (h *Hub) detach(c *Client, r *room) {
	delete(r.members, c.ID)
	h.mu.Lock()
	if c.gameID == r.gameID {
		c.gameID = 0
	}
	h.mu.Unlock()
}

func (h *Hub) roomOf(c *Client) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.gameID
}

// armTimer schedules a turn timeout after d. Any earlier timer of the room is
// invalidated through the generation counter, so a callback that already
// fired and is waiting for the lock does nothing.
func (h *Hub) armTimer(r *room, d time.Duration) {
	r.timerGen++
	gen := r.timerGen
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(d, func() { h.turnTimeout(r, gen) })
}

func (h *Hub) stopTimer(r *room) {
	r.timerGen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (h *Hub) turnDuration(st *engine.State) time.Duration {
	return time.Duration(st.TurnTimeLimit) * h.turnUnit
}

// remainingUnits rounds the time left on the turn up to whole turn units.
func (h *Hub) remainingUnits(st *engine.State) int {
	rem := st.Remaining(h.now(), h.turnUnit)
	return int((rem + h.turnUnit - 1) / h.turnUnit)
}
