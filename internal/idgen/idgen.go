// Package idgen generates document identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for generated document ids.
const (
	PrefixOrder     = "ord_"
	PrefixEscrow    = "esc_"
	PrefixAllowance = "alw_"
	PrefixReplica   = "rep_"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by the 32 hex digits of a time-ordered
// (v7) UUID, so ids sort roughly by creation time.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// Valid reports whether id is prefix followed by 32 hex digits.
func Valid(prefix, id string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
