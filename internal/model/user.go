// Package model defines the core domain types for Veil.
//
// Types correspond directly to database tables and API payloads. They use
// strong typing (UUIDs, time.Time, enums) and avoid interface{} wherever
// possible.
package model

import (
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
)

// Role is a user's RBAC role. Roles are lateral, not hierarchical: each
// grants a distinct set of capabilities (see internal/authz).
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleResearcher  Role = "researcher"
	RoleDataSteward Role = "datasteward"
	RoleDeveloper   Role = "developer"
	RoleEngine      Role = "engine"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleResearcher, RoleDataSteward, RoleDeveloper, RoleEngine:
		return true
	}
	return false
}

// User is an authenticated caller. Every user owns exactly one Budget,
// created in the same transaction as the user row.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      Role      `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateUserRequest is the payload for POST /v1/users.
type CreateUserRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      Role   `json:"role"`
	APIKey    string `json:"api_key"`
}

// Validate checks required fields and defaults the role to researcher.
func (r *CreateUserRequest) Validate() error {
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return fmt.Errorf("invalid email address")
	}
	if r.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if r.Role == "" {
		r.Role = RoleResearcher
	}
	if !ValidRole(r.Role) {
		return fmt.Errorf("unknown role %q", r.Role)
	}
	return nil
}
