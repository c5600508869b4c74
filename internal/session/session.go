// Package session identifies who is performing a lifecycle action.
//
// A Session is passed explicitly into every order and verification call;
// there is no ambient "current user".
package session

import "github.com/mbd888/escrowsync/internal/apperr"

type Role string

const (
	RoleUser      Role = "user"
	RoleValidator Role = "validator"
	RoleSystem    Role = "system"
)

// SystemUserID is the actor recorded for scheduler-driven transitions.
const SystemUserID = "system"

type Session struct {
	UserID      string `json:"userId"`
	Role        Role   `json:"role"`
	ValidatorID string `json:"validatorId,omitempty"`
}

func User(userID string) Session {
	return Session{UserID: userID, Role: RoleUser}
}

// Validator is a user acting as the verifier with the given validator id.
func Validator(userID, validatorID string) Session {
	return Session{UserID: userID, Role: RoleValidator, ValidatorID: validatorID}
}

// System is the scheduler's identity. Only it may force expiry.
func System() Session {
	return Session{UserID: SystemUserID, Role: RoleSystem}
}

func (s Session) IsSystem() bool { return s.Role == RoleSystem }

// Is reports whether the session acts as userID.
func (s Session) Is(userID string) bool {
	return userID != "" && s.UserID == userID
}

// ActsForValidator reports whether the session speaks for validatorID.
func (s Session) ActsForValidator(validatorID string) bool {
	return validatorID != "" && s.Role == RoleValidator && s.ValidatorID == validatorID
}

func (s Session) Validate() error {
	switch s.Role {
	case RoleUser, RoleSystem:
	case RoleValidator:
		if s.ValidatorID == "" {
			return apperr.Invalid("validatorId", "required for validator sessions")
		}
	default:
		return apperr.Invalid("role", "unknown role "+string(s.Role))
	}
	if s.UserID == "" {
		return apperr.Invalid("userId", "required")
	}
	return nil
}
