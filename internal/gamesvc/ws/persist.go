package ws

import (
	"context"
	"time"

	"github.com/avvvet/ttt-services/internal/gamesvc/models"
	"github.com/avvvet/ttt-services/internal/gamesvc/service"
	log "github.com/sirupsen/logrus"
)

const (
	defaultWriteAttempts = 3
	defaultWriteBackoff  = 50 * time.Millisecond
)

// retry runs write up to writeAttempts times, backing off a little longer
// after each failure. The room lock stays held throughout.
func (h *Hub) retry(ctx context.Context, write func() error) error {
	var err error
	for i := 0; i < h.writeAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(time.Duration(i) * h.writeBackoff):
			}
		}
		if err = write(); err == nil {
			return nil
		}
	}
	return err
}

// flush writes what r still owes the database. Moves go first and in order,
// so the move log stays gap free and the game row never runs ahead of it.
// The result is set when a pending finish got recorded. r.mu is held.
func (h *Hub) flush(ctx context.Context, r *room) (*service.GameResult, error) {
	for len(r.unsaved) > 0 {
		m := r.unsaved[0]
		var saved *models.Move
		err := h.retry(ctx, func() (err error) {
			saved, err = h.games.RecordMove(ctx, m)
			return err
		})
		if err != nil {
			return nil, err
		}
		*m = *saved
		r.unsaved = r.unsaved[1:]
	}

	st := r.state
	if st == nil {
		r.turnUnsaved, r.finishUnsaved = false, false
		return nil, nil
	}

	if r.finishUnsaved {
		var result *service.GameResult
		err := h.retry(ctx, func() (err error) {
			result, err = h.games.FinishGame(ctx, st)
			return err
		})
		if err != nil {
			return result, err
		}
		r.finishUnsaved, r.turnUnsaved = false, false
		return result, nil
	}

	if r.turnUnsaved && st.Status == models.StatusInProgress {
		err := h.retry(ctx, func() error {
			return h.games.AdvanceTurn(ctx, st.GameID, st.CurrentTurn, st.LastMoveTime)
		})
		if err != nil {
			return nil, err
		}
	}
	r.turnUnsaved = false
	return nil, nil
}

// catchUp retries owed writes on behalf of whoever touched the room next.
func (h *Hub) catchUp(ctx context.Context, r *room) {
	if !r.dirty() {
		return
	}
	if _, err := h.flush(ctx, r); err != nil {
		log.WithField("game_id", r.gameID).Errorf("game still has unsaved writes: %v", err)
		return
	}
	log.WithField("game_id", r.gameID).Info("unsaved game writes recorded")
}
