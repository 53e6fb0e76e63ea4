// Package apperr carries the error kinds the game service reports to clients.
package apperr

import (
	"errors"
	"net/http"
)

type Kind string

const (
	Unauthorized Kind = "unauthorized"
	InvalidState Kind = "invalid_state"
	InvalidMove  Kind = "invalid_move"
	Conflict     Kind = "conflict"
	NotFound     Kind = "not_found"
	Validation   Kind = "validation"
	Persistence  Kind = "persistence_failure"
	Internal     Kind = "internal"
)

// Conflict codes sent to clients.
const (
	CodeExistingGame  = "existing_game"
	CodeGameFull      = "game_full"
	CodeNotWaiting    = "not_waiting"
	CodeIsHost        = "is_host"
	CodeHostOffline   = "host_offline"
	CodeNotInRoom     = "not_in_room"
	CodeNoJoinRequest = "no_join_request"
	CodeRateLimited   = "rate_limited"
	CodeBadMessage    = "bad_message"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: string(kind), Message: message}
}

func WithCode(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Code: string(kind), Message: message, Err: err}
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Public returns the code and message that are safe to hand to a client.
// Wrapped causes are never exposed.
func Public(err error) (code, message string) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, e.Message
	}
	return string(Internal), "something went wrong, please retry"
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Unauthorized:
		return http.StatusForbidden
	case InvalidState, InvalidMove, Conflict:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	case Validation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
