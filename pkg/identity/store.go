package identity

import (
	"context"
	"time"
)

// Store defines the interface for user, permission and grant persistence.
//
// Lookups of missing rows return ErrNotFound. Inserts that would violate a
// uniqueness constraint return ErrAlreadyExists and leave the store unchanged.
type Store interface {
	// CreateUser persists a new user and sets its ID and CreatedAt.
	CreateUser(ctx context.Context, u *User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// GetUserByEmail retrieves a user by email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// UpdateUser writes the non-nil fields of upd to the user. An empty
	// update only checks that the user exists.
	UpdateUser(ctx context.Context, id int64, upd UserUpdate) error

	// RecordLogin sets the user's last login time, but only while the user
	// is still active and still has passwordHash. Otherwise it returns
	// ErrNotFound and writes nothing.
	RecordLogin(ctx context.Context, id int64, passwordHash string, at time.Time) error

	// DeleteUser removes a user and all of its grants.
	DeleteUser(ctx context.Context, id int64) error

	// ListUsers returns users matching the filter, ordered by username.
	ListUsers(ctx context.Context, filter UserFilter) ([]*User, error)

	// CreatePermission persists a new permission and sets its ID and CreatedAt.
	CreatePermission(ctx context.Context, p *Permission) error

	// GetPermission retrieves a permission by name.
	GetPermission(ctx context.Context, name string) (*Permission, error)

	// ListPermissions returns all permissions ordered by name.
	ListPermissions(ctx context.Context) ([]*Permission, error)

	// ListGrants returns the user's grants ordered by permission name.
	ListGrants(ctx context.Context, userID int64) ([]Grant, error)

	// AddGrant grants a permission to a user. It reports false when the
	// grant already exists.
	AddGrant(ctx context.Context, userID, permissionID int64, source GrantSource) (bool, error)

	// RemoveGrant revokes a permission from a user. It reports false when
	// the grant did not exist.
	RemoveGrant(ctx context.Context, userID, permissionID int64) (bool, error)

	// ReplaceGrants atomically deletes the user's grants and inserts the
	// given permissions with source GrantSourceRole. When keepManual is
	// true, grants with source GrantSourceManual survive the delete.
	ReplaceGrants(ctx context.Context, userID int64, permissionIDs []int64, keepManual bool) error

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}
