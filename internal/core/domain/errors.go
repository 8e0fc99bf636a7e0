package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrTooLarge     = errors.New("payload too large")
	ErrConflict     = errors.New("conflict")
	ErrTemporary    = errors.New("temporary failure")
	ErrInternal     = errors.New("internal failure")
)

var (
	ErrDrawingNotFound = fmt.Errorf("drawing %w", ErrNotFound)
	ErrSymbolNotFound  = fmt.Errorf("symbol %w", ErrNotFound)
	ErrLineNotFound    = fmt.Errorf("line %w", ErrNotFound)
	ErrTokenNotFound   = fmt.Errorf("token %w", ErrNotFound)
	ErrJobNotFound     = fmt.Errorf("job %w", ErrNotFound)
	ErrObjectNotFound  = fmt.Errorf("object %w", ErrNotFound)
)

// Input kinds are never retried.
var (
	ErrUnreadablePDF    = fmt.Errorf("%w: unreadable pdf", ErrInvalidInput)
	ErrResolutionTooLow = fmt.Errorf("%w: resolution too low", ErrInvalidInput)
	ErrCorruptTile      = fmt.Errorf("%w: corrupt tile", ErrInvalidInput)
)

// Transient resource kinds are retried with backoff.
var (
	ErrModelUnavailable = fmt.Errorf("%w: model unavailable", ErrTemporary)
	ErrOutOfMemory      = fmt.Errorf("%w: accelerator out of memory", ErrTemporary)
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
