// Package session defines the identity that keys all per-connection chat state.
package session

import (
	"fmt"
	"strings"

	"github.com/louisbranch/chatveil/internal/platform/id"
)

// ID identifies one connected session for the lifetime of its connection.
type ID string

// NewID returns a fresh session identity.
func NewID() (ID, error) {
	value, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("new session id: %w", err)
	}
	return ID(value), nil
}

// Parse normalizes a caller-supplied identity; ok is false for blank input.
func Parse(value string) (ID, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return ID(value), true
}

// String returns the identity as a plain string.
func (i ID) String() string {
	return string(i)
}
