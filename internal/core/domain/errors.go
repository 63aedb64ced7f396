package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound  = errors.New("transcription not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrTemporary    = errors.New("temporary failure")
	ErrStorage      = errors.New("storage failure")
	ErrExternal     = errors.New("external workflow failure")
	ErrNotAvailable = errors.New("feature not configured")
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
