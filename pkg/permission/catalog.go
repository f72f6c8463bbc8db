// Package permission holds the permission catalog and the resolver that
// answers "may this user do that" for every gated action.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/txn2/plume-admin/pkg/identity"
)

// Permission names in the default catalog.
const (
	ViewProfile       = "view_profile"
	EditProfile       = "edit_profile"
	ViewUsers         = "view_users"
	CreateUser        = "create_user"
	EditUser          = "edit_user"
	DeleteUser        = "delete_user"
	ViewContent       = "view_content"
	CreateContent     = "create_content"
	EditContent       = "edit_content"
	DeleteContent     = "delete_content"
	ManagePermissions = "manage_permissions"
	ViewLogs          = "view_logs"
	ManageSystem      = "manage_system"
	ManageSessions    = "manage_sessions"
)

// Definition describes one permission in the catalog.
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// DefaultDefinitions is the built-in permission set.
var DefaultDefinitions = []Definition{
	{ViewProfile, "View own profile"},
	{EditProfile, "Edit own profile"},
	{ViewUsers, "View the user list"},
	{CreateUser, "Create users"},
	{EditUser, "Edit users"},
	{DeleteUser, "Delete users"},
	{ViewContent, "View content"},
	{CreateContent, "Create content"},
	{EditContent, "Edit content"},
	{DeleteContent, "Delete content"},
	{ManagePermissions, "Manage user roles and permissions"},
	{ViewLogs, "View system logs"},
	{ManageSystem, "Manage system settings"},
	{ManageSessions, "Manage login sessions"},
}

// DefaultRoleDefaults maps non-admin roles to their default permissions.
// The admin role always receives the whole catalog.
var DefaultRoleDefaults = map[identity.Role][]string{
	identity.RoleGuest: {ViewProfile, ViewContent},
	identity.RoleUser:  {ViewProfile, EditProfile, ViewContent, CreateContent, EditContent},
}

// ErrInvalidCatalog is returned by NewCatalog for inconsistent input.
var ErrInvalidCatalog = errors.New("invalid permission catalog")

// Catalog is the fixed set of known permissions and the per-role defaults.
// It is read-only after construction and safe for concurrent use.
type Catalog struct {
	defs         []Definition
	index        map[string]int
	roleDefaults map[identity.Role][]string
}

// NewCatalog validates and builds a catalog. Names must be unique and
// non-empty, role defaults may only be given for guest and user, and every
// role-default name must be in defs.
func NewCatalog(defs []Definition, roleDefaults map[identity.Role][]string) (*Catalog, error) {
	c := &Catalog{
		defs:         make([]Definition, 0, len(defs)),
		index:        make(map[string]int, len(defs)),
		roleDefaults: make(map[identity.Role][]string, len(roleDefaults)),
	}

	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: empty permission name", ErrInvalidCatalog)
		}
		if _, dup := c.index[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate permission %q", ErrInvalidCatalog, d.Name)
		}
		c.index[d.Name] = len(c.defs)
		c.defs = append(c.defs, d)
	}

	for role, names := range roleDefaults {
		if role != identity.RoleGuest && role != identity.RoleUser {
			return nil, fmt.Errorf("%w: role defaults cannot be set for %q", ErrInvalidCatalog, role)
		}
		seen := make(map[string]bool, len(names))
		list := make([]string, 0, len(names))
		for _, n := range names {
			if !c.Contains(n) {
				return nil, fmt.Errorf("%w: role %q default %q is not a known permission", ErrInvalidCatalog, role, n)
			}
			if !seen[n] {
				seen[n] = true
				list = append(list, n)
			}
		}
		c.roleDefaults[role] = list
	}

	return c, nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultDefinitions, DefaultRoleDefaults)
	if err != nil {
		panic(err) // built-in tables are static
	}
	return c
}

// Contains reports whether name is a catalog permission.
func (c *Catalog) Contains(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Names returns every permission name in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.defs))
	for i, d := range c.defs {
		names[i] = d.Name
	}
	return names
}

// Definitions returns a copy of the catalog entries.
func (c *Catalog) Definitions() []Definition {
	return slices.Clone(c.defs)
}

// Defaults returns the default permission names for role. The admin role
// yields every catalog name. An unknown role yields nil.
func (c *Catalog) Defaults(role identity.Role) []string {
	if role == identity.RoleAdmin {
		return c.Names()
	}
	return slices.Clone(c.roleDefaults[role])
}

// Initialize inserts every catalog permission missing from the store and
// reports how many were created. It is idempotent.
func (c *Catalog) Initialize(ctx context.Context, store identity.Store) (int, error) {
	created := 0
	for _, d := range c.defs {
		_, err := store.GetPermission(ctx, d.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, identity.ErrNotFound) {
			return created, fmt.Errorf("looking up permission %q: %w", d.Name, err)
		}

		p := &identity.Permission{Name: d.Name, Description: d.Description}
		if err := store.CreatePermission(ctx, p); err != nil {
			if errors.Is(err, identity.ErrAlreadyExists) {
				continue
			}
			return created, fmt.Errorf("creating permission %q: %w", d.Name, err)
		}
		created++
	}

	if created > 0 {
		slog.Info("permission catalog initialized", "created", created, "total", len(c.defs))
	}
	return created, nil
}
