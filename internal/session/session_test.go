package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/apperr"
)

func TestSession_Validate(t *testing.T) {
	require.NoError(t, User("alice").Validate())
	require.NoError(t, System().Validate())
	require.NoError(t, Validator("bob", "v1").Validate())

	assert.True(t, apperr.IsValidation(Session{UserID: "x", Role: RoleValidator}.Validate()))
	assert.True(t, apperr.IsValidation(Session{Role: RoleUser}.Validate()))
	assert.True(t, apperr.IsValidation(Session{UserID: "x", Role: "admin"}.Validate()))
}

func TestSession_Identity(t *testing.T) {
	s := Validator("bob", "v1")
	assert.True(t, s.Is("bob"))
	assert.False(t, s.Is(""))
	assert.True(t, s.ActsForValidator("v1"))
	assert.False(t, User("bob").ActsForValidator("v1"))
	assert.False(t, s.ActsForValidator(""))
}
