// Package account implements the user lifecycle: creation, authentication,
// role changes, activation, password resets and removal. Every mutation
// made on behalf of another user is authorized through the permission
// resolver and recorded in the audit log.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/txn2/plume-admin/pkg/audit"
	"github.com/txn2/plume-admin/pkg/identity"
	"github.com/txn2/plume-admin/pkg/permission"
)

// NewUser holds the input for CreateUser.
type NewUser struct {
	Username string
	Email    string
	Password string
	Role     identity.Role

	// CreatedBy is recorded as the audit actor. It may be nil, except
	// when Role is admin.
	CreatedBy *identity.User
}

// Manager coordinates the credential store and the permission resolver.
type Manager struct {
	store    identity.Store
	resolver *permission.Resolver
	audit    audit.Logger
	now      func() time.Time

	onDisable func(userID int64)
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditLogger records every mutation to l.
func WithAuditLogger(l audit.Logger) Option {
	return func(m *Manager) {
		m.audit = l
	}
}

// WithUserDisabledHook registers fn to run after a user is deactivated or
// removed. The server uses it to end that user's sessions.
func WithUserDisabledHook(fn func(userID int64)) Option {
	return func(m *Manager) {
		m.onDisable = fn
	}
}

// WithClock replaces the time source used for last-login stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager.
func NewManager(store identity.Store, resolver *permission.Resolver, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		resolver: resolver,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// dummyHash is compared against when a username does not exist, so a
// failed login costs one bcrypt comparison either way.
var dummyHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("plume-admin-timing-equalizer"), bcrypt.DefaultCost)
	if err != nil {
		panic(err) // bcrypt only fails for over-long input
	}
	return h
})

// CreateUser validates input, stores the user with a hashed password and
// grants the role defaults. The role defaults to guest. Creating an admin
// requires CreatedBy to hold manage_permissions, the same gate as
// UpdateRole. A duplicate username or email yields
// identity.ErrAlreadyExists and changes nothing.
func (m *Manager) CreateUser(ctx context.Context, in NewUser) (*identity.User, error) {
	ev := audit.NewEvent(audit.ActionUserCreate).
		WithActor(actorOf(in.CreatedBy)).
		WithTarget(0, in.Username).
		WithParameters(map[string]any{"email": in.Email, "role": string(in.Role)})

	u, err := func() (*identity.User, error) {
		if in.Role == identity.RoleAdmin {
			if err := m.guard(ctx, in.CreatedBy, permission.ManagePermissions); err != nil {
				return nil, err
			}
		}
		return m.createUser(ctx, in)
	}()
	if err != nil {
		m.record(ctx, ev.WithResult(false, err.Error()))
		return nil, err
	}

	ev.TargetID = u.ID
	m.record(ctx, ev.WithResult(true, ""))
	slog.Info("user created", "user_id", u.ID, "username", u.Username, "role", u.Role)
	return u, nil
}

func (m *Manager) createUser(ctx context.Context, in NewUser) (*identity.User, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(in.Email)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	if in.Password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	role, err := identity.ParseRole(string(in.Role))
	if err != nil {
		return nil, err //nolint:wrapcheck // sentinel already carries the role
	}

	hash, err := identity.HashPassword(in.Password)
	if err != nil {
		return nil, err //nolint:wrapcheck // hashing error is already wrapped
	}

	u := &identity.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	}
	if err := m.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("creating user %q: %w", username, err)
	}

	if err := m.resolver.AssignRoleDefaults(ctx, u); err != nil {
		if delErr := m.store.DeleteUser(ctx, u.ID); delErr != nil {
			slog.Error("rolling back user after failed role assignment",
				"user_id", u.ID, "error", delErr)
		}
		return nil, fmt.Errorf("assigning role defaults: %w", err)
	}
	return u, nil
}

// Authenticate checks the password and returns the user. Unknown users,
// wrong passwords and inactive accounts all yield ErrInvalidCredentials.
// On success the last-login time is updated.
func (m *Manager) Authenticate(ctx context.Context, username, password string) (*identity.User, error) {
	ev := audit.NewEvent(audit.ActionLogin).WithActor(0, username)

	u, err := m.store.GetUserByUsername(ctx, username)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		m.record(ctx, ev.WithResult(false, "unknown user"))
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	ev.ActorID = u.ID
	if !identity.CheckPassword(u.PasswordHash, password) {
		m.record(ctx, ev.WithResult(false, "wrong password"))
		return nil, ErrInvalidCredentials
	}
	if !u.Active {
		m.record(ctx, ev.WithResult(false, "inactive"))
		return nil, ErrInvalidCredentials
	}

	// The row must still be active with the hash just checked, or a
	// concurrent deactivate or password reset wins.
	now := m.now().UTC()
	switch err := m.store.RecordLogin(ctx, u.ID, u.PasswordHash, now); {
	case errors.Is(err, identity.ErrNotFound):
		m.record(ctx, ev.WithResult(false, "changed during login"))
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, fmt.Errorf("recording last login: %w", err)
	}
	u.LastLogin = &now

	m.record(ctx, ev.WithResult(true, ""))
	return u, nil
}

// UpdateRole changes the user's role and re-applies role defaults.
// Requires manage_permissions.
func (m *Manager) UpdateRole(ctx context.Context, userID int64, role identity.Role, updater *identity.User) error {
	ev := audit.NewEvent(audit.ActionUserRoleUpdate).
		WithActor(actorOf(updater)).
		WithTarget(userID, "").
		WithParameters(map[string]any{"role": string(role)})

	err := m.updateRole(ctx, userID, role, updater, ev)
	m.finish(ctx, ev, err)
	return err
}

func (m *Manager) updateRole(ctx context.Context, userID int64, role identity.Role, updater *identity.User, ev *audit.Event) error {
	if err := m.guard(ctx, updater, permission.ManagePermissions); err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", identity.ErrInvalidRole, role)
	}

	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user %d: %w", userID, err)
	}
	ev.Target = u.Username

	previous := u.Role
	if err := m.store.UpdateUser(ctx, u.ID, identity.UserUpdate{Role: &role}); err != nil {
		return fmt.Errorf("updating role: %w", err)
	}
	u.Role = role
	if err := m.resolver.AssignRoleDefaults(ctx, u); err != nil {
		if revertErr := m.store.UpdateUser(ctx, u.ID, identity.UserUpdate{Role: &previous}); revertErr != nil {
			slog.Error("reverting role after failed assignment", "user_id", u.ID, "error", revertErr)
		}
		return fmt.Errorf("assigning role defaults: %w", err)
	}

	slog.Info("user role updated", "user_id", u.ID, "from", previous, "to", role)
	return nil
}

// Activate re-enables a deactivated user. Requires edit_user.
func (m *Manager) Activate(ctx context.Context, userID int64, updater *identity.User) error {
	return m.setActive(ctx, userID, true, updater)
}

// Deactivate disables a user. A deactivated user cannot authenticate and
// loses its sessions. Requires edit_user.
func (m *Manager) Deactivate(ctx context.Context, userID int64, updater *identity.User) error {
	return m.setActive(ctx, userID, false, updater)
}

func (m *Manager) setActive(ctx context.Context, userID int64, active bool, updater *identity.User) error {
	action := audit.ActionUserDeactivate
	if active {
		action = audit.ActionUserActivate
	}
	ev := audit.NewEvent(action).WithActor(actorOf(updater)).WithTarget(userID, "")

	err := func() error {
		if err := m.guard(ctx, updater, permission.EditUser); err != nil {
			return err
		}
		u, err := m.store.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("loading user %d: %w", userID, err)
		}
		ev.Target = u.Username
		if err := m.store.UpdateUser(ctx, u.ID, identity.UserUpdate{Active: &active}); err != nil {
			return fmt.Errorf("updating active flag: %w", err)
		}
		return nil
	}()
	m.finish(ctx, ev, err)
	if err != nil {
		return err
	}

	if !active {
		m.disabled(userID)
	}
	return nil
}

// ResetPassword stores a new password hash for the user. Requires edit_user.
func (m *Manager) ResetPassword(ctx context.Context, userID int64, password string, updater *identity.User) error {
	ev := audit.NewEvent(audit.ActionPasswordReset).WithActor(actorOf(updater)).WithTarget(userID, "")

	err := func() error {
		if err := m.guard(ctx, updater, permission.EditUser); err != nil {
			return err
		}
		if password == "" {
			return fmt.Errorf("%w: password is required", ErrInvalidInput)
		}
		u, err := m.store.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("loading user %d: %w", userID, err)
		}
		ev.Target = u.Username

		hash, err := identity.HashPassword(password)
		if err != nil {
			return err //nolint:wrapcheck // hashing error is already wrapped
		}
		if err := m.store.UpdateUser(ctx, u.ID, identity.UserUpdate{PasswordHash: &hash}); err != nil {
			return fmt.Errorf("updating password: %w", err)
		}
		return nil
	}()
	m.finish(ctx, ev, err)
	return err
}

// RemoveUser deletes the named user together with its grants and ends its
// sessions. Requires delete_user.
func (m *Manager) RemoveUser(ctx context.Context, username string, updater *identity.User) error {
	ev := audit.NewEvent(audit.ActionUserRemove).WithActor(actorOf(updater)).WithTarget(0, username)

	var removedID int64
	err := func() error {
		if err := m.guard(ctx, updater, permission.DeleteUser); err != nil {
			return err
		}
		u, err := m.store.GetUserByUsername(ctx, username)
		if err != nil {
			return fmt.Errorf("loading user %q: %w", username, err)
		}
		ev.TargetID = u.ID
		if err := m.store.DeleteUser(ctx, u.ID); err != nil {
			return fmt.Errorf("deleting user %q: %w", username, err)
		}
		removedID = u.ID
		return nil
	}()
	m.finish(ctx, ev, err)
	if err != nil {
		return err
	}

	slog.Info("user removed", "user_id", removedID, "username", username)
	m.disabled(removedID)
	return nil
}

// GrantPermission gives the named permission to a user as a manual grant.
// It reports false when the grant already existed. Requires
// manage_permissions.
func (m *Manager) GrantPermission(ctx context.Context, userID int64, name string, updater *identity.User) (bool, error) {
	return m.changeGrant(ctx, audit.ActionPermissionGrant, userID, name, updater, m.resolver.Grant)
}

// RevokePermission removes the named permission from a user. It reports
// false when the user did not hold it. Permissions no longer in the catalog
// can still be revoked. Requires manage_permissions.
func (m *Manager) RevokePermission(ctx context.Context, userID int64, name string, updater *identity.User) (bool, error) {
	return m.changeGrant(ctx, audit.ActionPermissionDrop, userID, name, updater, m.resolver.Revoke)
}

func (m *Manager) changeGrant(
	ctx context.Context,
	action audit.Action,
	userID int64,
	name string,
	updater *identity.User,
	apply func(context.Context, int64, string) (bool, error),
) (bool, error) {
	ev := audit.NewEvent(action).
		WithActor(actorOf(updater)).
		WithTarget(userID, "").
		WithParameters(map[string]any{"permission": name})

	var changed bool
	err := func() error {
		if err := m.guard(ctx, updater, permission.ManagePermissions); err != nil {
			return err
		}
		if err := m.knownPermission(ctx, action, name); err != nil {
			return err
		}
		u, err := m.store.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("loading user %d: %w", userID, err)
		}
		ev.Target = u.Username

		changed, err = apply(ctx, userID, name)
		return err
	}()
	m.finish(ctx, ev, err)
	return changed, err
}

// knownPermission accepts catalog names. Revokes also accept names that
// only remain in the store after being dropped from the configured catalog.
func (m *Manager) knownPermission(ctx context.Context, action audit.Action, name string) error {
	if m.resolver.Catalog().Contains(name) {
		return nil
	}
	if action == audit.ActionPermissionDrop {
		_, err := m.store.GetPermission(ctx, name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, identity.ErrNotFound) {
			return fmt.Errorf("looking up permission %q: %w", name, err)
		}
	}
	return fmt.Errorf("permission %q: %w", name, identity.ErrNotFound)
}

// UserPermissions returns the user's effective permission names.
func (m *Manager) UserPermissions(ctx context.Context, userID int64) ([]string, error) {
	u, err := m.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.resolver.Permissions(ctx, u) //nolint:wrapcheck // resolver errors are already wrapped
}

// ListUsers returns all users, or only active ones. It performs no
// authorization; callers gate it on view_users.
func (m *Manager) ListUsers(ctx context.Context, activeOnly bool) ([]*identity.User, error) {
	users, err := m.store.ListUsers(ctx, identity.UserFilter{ActiveOnly: activeOnly})
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

// GetUser returns the user with the given ID.
func (m *Manager) GetUser(ctx context.Context, id int64) (*identity.User, error) {
	u, err := m.store.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading user %d: %w", id, err)
	}
	return u, nil
}

// GetUserByUsername returns the named user.
func (m *Manager) GetUserByUsername(ctx context.Context, username string) (*identity.User, error) {
	u, err := m.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("loading user %q: %w", username, err)
	}
	return u, nil
}

// guard authorizes updater for perm. Denials are logged with the
// permission name; the returned error does not carry it.
func (m *Manager) guard(ctx context.Context, updater *identity.User, perm string) error {
	d := m.resolver.Require(ctx, updater, perm)
	if d.Allowed {
		return nil
	}
	actorID, actor := actorOf(updater)
	slog.Warn("permission denied", "actor_id", actorID, "actor", actor, "permission", perm, "reason", d.Reason)
	return d.Err()
}

// finish records the outcome of a guarded mutation.
func (m *Manager) finish(ctx context.Context, ev *audit.Event, err error) {
	if err == nil {
		m.record(ctx, ev.WithResult(true, ""))
		return
	}
	m.record(ctx, ev.WithResult(false, auditReason(err)))
}

func (m *Manager) record(ctx context.Context, ev *audit.Event) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(ctx, *ev); err != nil {
		slog.Warn("writing audit event failed", "action", ev.Action, "error", err)
	}
}

func (m *Manager) disabled(userID int64) {
	if m.onDisable != nil {
		m.onDisable(userID)
	}
}

// auditReason condenses err into a stable reason string.
func auditReason(err error) string {
	switch {
	case errors.Is(err, permission.ErrNotAuthenticated):
		return string(permission.ReasonNotAuthenticated)
	case errors.Is(err, permission.ErrPermissionDenied):
		return string(permission.ReasonInsufficientPermission)
	case errors.Is(err, identity.ErrNotFound):
		return "not found"
	default:
		return err.Error()
	}
}

func actorOf(u *identity.User) (int64, string) {
	if u == nil {
		return 0, ""
	}
	return u.ID, u.Username
}
