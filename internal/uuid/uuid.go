// Package uuid generates and validates the temporary identifiers assigned to
// evaluations captured offline.
package uuid

import (
	"regexp"

	"github.com/google/uuid"
)

// TempIDPrefix marks identifiers assigned on the client before the server
// has confirmed a record.
const TempIDPrefix = "offline_"

var tempIDRegex = regexp.MustCompile(`^offline_[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewTempID generates a fresh temporary identifier.
func NewTempID() string {
	return TempIDPrefix + New()
}

// IsTempID reports whether s looks like a client-assigned temporary id.
func IsTempID(s string) bool {
	return tempIDRegex.MatchString(s)
}
