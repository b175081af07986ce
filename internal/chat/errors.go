package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for caller mistakes such as an empty display
	// name. It is the only error class shown to users.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable wraps any durable store failure. Callers fall back
	// to the transient log instead of surfacing it.
	ErrStoreUnavailable = errors.New("store unavailable")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
