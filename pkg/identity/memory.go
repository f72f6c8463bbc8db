package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryGrant struct {
	source    GrantSource
	grantedAt time.Time
}

// MemoryStore is an in-memory implementation of Store.
// It is safe for concurrent use and suitable for development and tests.
// For production, use the postgres package.
type MemoryStore struct {
	mu sync.RWMutex

	users       map[int64]*User
	permissions map[int64]*Permission
	grants      map[int64]map[int64]memoryGrant

	nextUserID       int64
	nextPermissionID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[int64]*User),
		permissions: make(map[int64]*Permission),
		grants:      make(map[int64]map[int64]memoryGrant),
	}
}

// CreateUser persists a new user.
func (m *MemoryStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.Username == u.Username {
			return fmt.Errorf("username %q: %w", u.Username, ErrAlreadyExists)
		}
		if strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("email %q: %w", u.Email, ErrAlreadyExists)
		}
	}

	m.nextUserID++
	u.ID = m.nextUserID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = u.Clone()
	return nil
}

// GetUser retrieves a user by ID.
func (m *MemoryStore) GetUser(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

// GetUserByUsername retrieves a user by username.
func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Username == username {
			return u.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// GetUserByEmail retrieves a user by email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// UpdateUser writes the non-nil fields of upd.
func (m *MemoryStore) UpdateUser(_ context.Context, id int64, upd UserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	if upd.Email != nil {
		for otherID, other := range m.users {
			if otherID != id && strings.EqualFold(other.Email, *upd.Email) {
				return fmt.Errorf("email %q: %w", *upd.Email, ErrAlreadyExists)
			}
		}
		u.Email = *upd.Email
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.Active != nil {
		u.Active = *upd.Active
	}
	return nil
}

// RecordLogin sets the last login time of an active user whose hash still
// matches.
func (m *MemoryStore) RecordLogin(_ context.Context, id int64, passwordHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok || !u.Active || u.PasswordHash != passwordHash {
		return ErrNotFound
	}
	t := at
	u.LastLogin = &t
	return nil
}

// DeleteUser removes a user and its grants.
func (m *MemoryStore) DeleteUser(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	delete(m.grants, id)
	return nil
}

// ListUsers returns users matching the filter, ordered by username.
func (m *MemoryStore) ListUsers(_ context.Context, filter UserFilter) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		if filter.ActiveOnly && !u.Active {
			continue
		}
		if filter.Role != "" && u.Role != filter.Role {
			continue
		}
		result = append(result, u.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

// CreatePermission persists a new permission.
func (m *MemoryStore) CreatePermission(_ context.Context, p *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.permissions {
		if existing.Name == p.Name {
			return fmt.Errorf("permission %q: %w", p.Name, ErrAlreadyExists)
		}
	}

	m.nextPermissionID++
	p.ID = m.nextPermissionID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	stored := *p
	m.permissions[p.ID] = &stored
	return nil
}

// GetPermission retrieves a permission by name.
func (m *MemoryStore) GetPermission(_ context.Context, name string) (*Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := m.permissionByName(name)
	if p == nil {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

// ListPermissions returns all permissions ordered by name.
func (m *MemoryStore) ListPermissions(_ context.Context) ([]*Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		c := *p
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// ListGrants returns the user's grants ordered by permission name.
func (m *MemoryStore) ListGrants(_ context.Context, userID int64) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.users[userID]; !ok {
		return nil, ErrNotFound
	}

	result := make([]Grant, 0, len(m.grants[userID]))
	for permID, g := range m.grants[userID] {
		p, ok := m.permissions[permID]
		if !ok {
			continue
		}
		result = append(result, Grant{
			UserID:       userID,
			PermissionID: permID,
			Name:         p.Name,
			Source:       g.source,
			GrantedAt:    g.grantedAt,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// AddGrant grants a permission to a user.
func (m *MemoryStore) AddGrant(_ context.Context, userID, permissionID int64, source GrantSource) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRefs(userID, permissionID); err != nil {
		return false, err
	}
	userGrants := m.grants[userID]
	if userGrants == nil {
		userGrants = make(map[int64]memoryGrant)
		m.grants[userID] = userGrants
	}
	if _, exists := userGrants[permissionID]; exists {
		return false, nil
	}
	userGrants[permissionID] = memoryGrant{source: source, grantedAt: time.Now().UTC()}
	return true, nil
}

// RemoveGrant revokes a permission from a user.
func (m *MemoryStore) RemoveGrant(_ context.Context, userID, permissionID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userGrants := m.grants[userID]
	if _, exists := userGrants[permissionID]; !exists {
		return false, nil
	}
	delete(userGrants, permissionID)
	return true, nil
}

// ReplaceGrants swaps the user's grant set in a single critical section.
func (m *MemoryStore) ReplaceGrants(_ context.Context, userID int64, permissionIDs []int64, keepManual bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	for _, permID := range permissionIDs {
		if _, ok := m.permissions[permID]; !ok {
			return fmt.Errorf("permission %d: %w", permID, ErrNotFound)
		}
	}

	next := make(map[int64]memoryGrant, len(permissionIDs))
	if keepManual {
		for permID, g := range m.grants[userID] {
			if g.source == GrantSourceManual {
				next[permID] = g
			}
		}
	}
	now := time.Now().UTC()
	for _, permID := range permissionIDs {
		if _, exists := next[permID]; exists {
			continue
		}
		next[permID] = memoryGrant{source: GrantSourceRole, grantedAt: now}
	}
	m.grants[userID] = next
	return nil
}

// Ping always succeeds.
func (*MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) permissionByName(name string) *Permission {
	for _, p := range m.permissions {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func (m *MemoryStore) checkRefs(userID, permissionID int64) error {
	if _, ok := m.users[userID]; !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if _, ok := m.permissions[permissionID]; !ok {
		return fmt.Errorf("permission %d: %w", permissionID, ErrNotFound)
	}
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
