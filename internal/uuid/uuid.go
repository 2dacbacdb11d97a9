// Package uuid provides UUID v4 generation plus the temporary and idempotency
// identifiers used by the offline queue.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// TempPrefix marks identifiers assigned locally before the backend has
	// issued a server id.
	TempPrefix = "tmp-"
	// ActionPrefix marks idempotency keys of queued actions.
	ActionPrefix = "act-"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewTemp generates a temporary local identifier.
func NewTemp() string {
	return TempPrefix + New()
}

// NewActionKey generates an idempotency key for a queued action.
func NewActionKey() string {
	return ActionPrefix + New()
}

// IsTemp reports whether s is a temporary local identifier.
func IsTemp(s string) bool {
	return strings.HasPrefix(s, TempPrefix) && IsValid(s[len(TempPrefix):])
}

// NewFromString creates a UUID from a string.
// Returns an error if the string is not a valid UUID v4.
func NewFromString(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 {
		return uuid.Nil, fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	return id, nil
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}
