package game

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidPhase        = errors.New("invalid phase for action")
	ErrForbidden           = errors.New("forbidden")
	ErrAlreadyDone         = errors.New("already done")
	ErrInsufficientPlayers = errors.New("insufficient players")
	ErrInvalidInput        = errors.New("invalid input")
	// ErrContention means the commit kept losing the version race.
	ErrContention = errors.New("too much contention")
)

// Code maps an error to the machine-readable code sent to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidPhase):
		return "invalid_phase"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrAlreadyDone):
		return "already_done"
	case errors.Is(err, ErrInsufficientPlayers):
		return "insufficient_players"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrContention):
		return "contention"
	default:
		return "internal"
	}
}

func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case "not_found":
		return http.StatusNotFound
	case "invalid_phase", "already_done", "insufficient_players":
		return http.StatusConflict
	case "forbidden":
		return http.StatusForbidden
	case "invalid_input":
		return http.StatusBadRequest
	case "contention":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
