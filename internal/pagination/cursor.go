// Package pagination implements the replication checkpoint: a position in a
// collection ordered by (updatedAt, id), carried over the wire as an opaque
// cursor string.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Checkpoint is the last (updatedAt, id) pair a replica has consumed.
// The zero value is the beginning of the collection.
type Checkpoint struct {
	UpdatedAt int64  `json:"lastUpdatedAt"`
	ID        string `json:"lastId"`
}

// IsZero reports whether c is the start-of-collection checkpoint.
func (c Checkpoint) IsZero() bool {
	return c.UpdatedAt == 0 && c.ID == ""
}

// Before reports whether the document (updatedAt, id) sorts strictly after
// the checkpoint, i.e. whether a pull from c should return it.
func (c Checkpoint) Before(updatedAt int64, id string) bool {
	if updatedAt != c.UpdatedAt {
		return updatedAt > c.UpdatedAt
	}
	return id > c.ID
}

// Encode returns the opaque wire form of c. The zero checkpoint encodes to "".
func (c Checkpoint) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.UpdatedAt, c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("(%d, %q)", c.UpdatedAt, c.ID)
}

// Decode parses an opaque cursor string. Empty input is the zero checkpoint.
func Decode(s string) (Checkpoint, error) {
	if s == "" {
		return Checkpoint{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Checkpoint{}, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return Checkpoint{}, ErrInvalidCursor
	}
	updatedAt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || updatedAt < 0 {
		return Checkpoint{}, ErrInvalidCursor
	}
	return Checkpoint{UpdatedAt: updatedAt, ID: id}, nil
}
