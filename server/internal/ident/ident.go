package ident

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidIdentifier is returned for any caller-supplied id that is not a UUID.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// New returns a fresh random identifier in canonical form.
func New() string {
	return uuid.NewString()
}

// Normalize validates s and returns its canonical lowercase form.
// Anything uuid.Parse rejects yields an error wrapping ErrInvalidIdentifier.
func Normalize(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	return id.String(), nil
}
