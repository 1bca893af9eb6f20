package protocol

import (
	"errors"

	"worldstream/internal/scheduler"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Scheduler layer.
	ErrValidation = "E_VALIDATION"
	ErrCapacity   = "E_CAPACITY"
	ErrNotFound   = "E_NOT_FOUND"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrValidation:      {},
	ErrCapacity:        {},
	ErrNotFound:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps scheduler errors onto wire codes.
func CodeFor(err error) string {
	var (
		verr *scheduler.ValidationError
		cerr *scheduler.CapacityError
		nerr *scheduler.NotFoundError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return ErrValidation
	case errors.As(err, &cerr):
		return ErrCapacity
	case errors.As(err, &nerr):
		return ErrNotFound
	default:
		return ErrInternal
	}
}
