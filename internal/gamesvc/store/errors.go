package store

import "errors"

var (
	ErrGameNotFound      = errors.New("game not found")
	ErrGameFull          = errors.New("game already has a guest")
	ErrNotWaiting        = errors.New("game is not accepting players")
	ErrInvalidTransition = errors.New("game is not in a state that allows this change")
	ErrDuplicateMove     = errors.New("move number already recorded")
)

// active statuses as used in SQL filters
const activeStatuses = `('waiting', 'ready', 'in_progress')`
