// services/errors.go
package services

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// Registry error kinds. Handlers and the settlement scheduler branch on these
// with errors.Is; every failure leaves challenge/participation state exactly
// as it was before the call.
var (
	ErrInvalidParameters  = errors.New("invalid parameters")
	ErrChallengeNotFound  = errors.New("challenge not found")
	ErrChallengeClosed    = errors.New("challenge closed")
	ErrChallengeStillOpen = errors.New("challenge still open")
	ErrAlreadyClosed      = errors.New("challenge already closed")
	ErrAlreadyJoined      = errors.New("already joined")
	ErrTransferFailed     = errors.New("transfer failed")
)

// StatusForError maps a registry error to an HTTP status code.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidParameters):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrChallengeNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrChallengeClosed),
		errors.Is(err, ErrChallengeStillOpen),
		errors.Is(err, ErrAlreadyClosed),
		errors.Is(err, ErrAlreadyJoined):
		return fiber.StatusConflict
	case errors.Is(err, ErrTransferFailed):
		return fiber.StatusPaymentRequired
	default:
		return fiber.StatusInternalServerError
	}
}
