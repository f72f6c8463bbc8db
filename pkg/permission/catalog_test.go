package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/plume-admin/pkg/identity"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	assert.Len(t, c.Names(), 14)
	assert.True(t, c.Contains(ManageSessions))
	assert.False(t, c.Contains("launch_missiles"))

	assert.ElementsMatch(t, []string{ViewProfile, ViewContent}, c.Defaults(identity.RoleGuest))
	assert.ElementsMatch(t,
		[]string{ViewProfile, EditProfile, ViewContent, CreateContent, EditContent},
		c.Defaults(identity.RoleUser))
	assert.ElementsMatch(t, c.Names(), c.Defaults(identity.RoleAdmin))
	assert.Nil(t, c.Defaults("root"))
}

func TestCatalog_AdminDefaultsFollowExtensions(t *testing.T) {
	defs := append(DefaultDefinitions[:len(DefaultDefinitions):len(DefaultDefinitions)],
		Definition{Name: "run_simulation", Description: "Run a dispersion simulation"})
	c, err := NewCatalog(defs, DefaultRoleDefaults)
	require.NoError(t, err)

	assert.Contains(t, c.Defaults(identity.RoleAdmin), "run_simulation")
	assert.Len(t, DefaultDefinitions, 14, "extending must not mutate the defaults")
}

func TestNewCatalog_Validation(t *testing.T) {
	tests := []struct {
		name  string
		defs  []Definition
		roles map[identity.Role][]string
	}{
		{name: "empty name", defs: []Definition{{Name: ""}}},
		{name: "duplicate", defs: []Definition{{Name: "a"}, {Name: "a"}}},
		{name: "unknown default", defs: []Definition{{Name: "a"}}, roles: map[identity.Role][]string{identity.RoleUser: {"b"}}},
		{name: "admin defaults", defs: []Definition{{Name: "a"}}, roles: map[identity.Role][]string{identity.RoleAdmin: {"a"}}},
		{name: "unknown role", defs: []Definition{{Name: "a"}}, roles: map[identity.Role][]string{"root": {"a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.defs, tt.roles)
			assert.ErrorIs(t, err, ErrInvalidCatalog)
		})
	}
}

func TestCatalog_DefaultsAreCopies(t *testing.T) {
	c := DefaultCatalog()
	d := c.Defaults(identity.RoleGuest)
	d[0] = "tampered"
	assert.NotContains(t, c.Defaults(identity.RoleGuest), "tampered")

	defs := c.Definitions()
	defs[0].Name = "tampered"
	assert.False(t, c.Contains("tampered"))
}

func TestCatalog_InitializeIdempotent(t *testing.T) {
	store := identity.NewMemoryStore()
	c := DefaultCatalog()
	ctx := context.Background()

	created, err := c.Initialize(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 14, created)

	created, err = c.Initialize(ctx, store)
	require.NoError(t, err)
	assert.Zero(t, created)

	perms, err := store.ListPermissions(ctx)
	require.NoError(t, err)
	assert.Len(t, perms, 14)
}

func TestCatalog_InitializePartial(t *testing.T) {
	store := identity.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreatePermission(ctx, &identity.Permission{Name: ViewLogs}))

	created, err := DefaultCatalog().Initialize(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 13, created)
}

// racingStore reports every permission as missing and then loses the insert race.
type racingStore struct {
	*identity.MemoryStore
}

func (racingStore) GetPermission(context.Context, string) (*identity.Permission, error) {
	return nil, identity.ErrNotFound
}

func (racingStore) CreatePermission(context.Context, *identity.Permission) error {
	return identity.ErrAlreadyExists
}

func TestCatalog_InitializeToleratesRace(t *testing.T) {
	created, err := DefaultCatalog().Initialize(context.Background(), racingStore{identity.NewMemoryStore()})
	require.NoError(t, err)
	assert.Zero(t, created)
}

type brokenStore struct {
	*identity.MemoryStore
}

var errStoreDown = errors.New("store down")

func (brokenStore) GetPermission(context.Context, string) (*identity.Permission, error) {
	return nil, errStoreDown
}

func (brokenStore) ListGrants(context.Context, int64) ([]identity.Grant, error) {
	return nil, errStoreDown
}

func TestCatalog_InitializeStoreError(t *testing.T) {
	_, err := DefaultCatalog().Initialize(context.Background(), brokenStore{identity.NewMemoryStore()})
	assert.ErrorIs(t, err, errStoreDown)
}
