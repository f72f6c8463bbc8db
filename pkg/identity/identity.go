// Package identity defines users, permissions and permission grants, and the
// Store interface that persists them. It is the credential store of the
// platform: passwords are kept only as bcrypt hashes.
package identity

import (
	"errors"
	"fmt"
	"time"
)

// Role is a closed category determining a user's default permission set.
type Role string

const (
	// RoleGuest is the default role for new users.
	RoleGuest Role = "guest"

	// RoleUser is a regular operator account.
	RoleUser Role = "user"

	// RoleAdmin passes every permission check.
	RoleAdmin Role = "admin"
)

// Roles lists every valid role, lowest privilege first.
var Roles = []Role{RoleGuest, RoleUser, RoleAdmin}

// Valid reports whether r is one of the closed set of roles.
func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleUser, RoleAdmin:
		return true
	default:
		return false
	}
}

// ParseRole converts a string into a Role. An empty string yields RoleGuest.
func ParseRole(s string) (Role, error) {
	if s == "" {
		return RoleGuest, nil
	}
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidRole   = errors.New("invalid role")
)

// User is a persisted account.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	Active       bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// HasRole reports whether the user holds exactly the given role.
func (u *User) HasRole(role Role) bool {
	return u != nil && u.Role == role
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.LastLogin != nil {
		t := *u.LastLogin
		c.LastLogin = &t
	}
	return &c
}

// Profile holds the public, non-sensitive fields of a user.
type Profile struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	Role      Role       `json:"role"`
	Active    bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// Profile returns the user's public fields.
func (u *User) Profile() Profile {
	return Profile{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		Active:    u.Active,
		CreatedAt: u.CreatedAt,
		LastLogin: u.LastLogin,
	}
}

// Permission is a named capability that can be granted to a user.
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// GrantSource records how a grant came to exist.
type GrantSource string

const (
	// GrantSourceRole marks grants created from role defaults.
	GrantSourceRole GrantSource = "role"

	// GrantSourceManual marks grants created explicitly by an operator.
	GrantSourceManual GrantSource = "manual"
)

// Grant associates one permission with one user.
type Grant struct {
	UserID       int64       `json:"user_id"`
	PermissionID int64       `json:"permission_id"`
	Name         string      `json:"name"`
	Source       GrantSource `json:"source"`
	GrantedAt    time.Time   `json:"granted_at"`
}

// UserUpdate names the user columns an UpdateUser call writes. Nil fields
// are left untouched, so concurrent updates of different columns do not
// overwrite each other.
type UserUpdate struct {
	Email        *string
	PasswordHash *string
	Role         *Role
	Active       *bool
}

// Empty reports whether the update writes nothing.
func (u UserUpdate) Empty() bool {
	return u.Email == nil && u.PasswordHash == nil && u.Role == nil && u.Active == nil
}

// UserFilter narrows ListUsers results.
type UserFilter struct {
	ActiveOnly bool
	Role       Role
}
