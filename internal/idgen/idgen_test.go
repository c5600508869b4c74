package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixOrder)
	assert.True(t, Valid(PrefixOrder, id), id)
	assert.False(t, Valid(PrefixEscrow, id))
	assert.Len(t, id, len(PrefixOrder)+32)
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := WithPrefix(PrefixEscrow)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNew(t *testing.T) {
	assert.Len(t, New(), 36)
	assert.NotEqual(t, New(), New())
}
