package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/txn2/plume-admin/pkg/identity"
)

const (
	// lockStripes is the number of per-user lock stripes.
	lockStripes = 64

	// DefaultPatternCacheSize is the number of compiled patterns kept.
	DefaultPatternCacheSize = 256
)

// Resolver answers permission queries and mutates grants.
//
// Queries take the read side of a per-user lock stripe and mutations take
// the write side, so a reader never observes a grant set mid-replacement.
type Resolver struct {
	store    identity.Store
	catalog  *Catalog
	stripes  [lockStripes]sync.RWMutex
	patterns *lru.Cache[string, *regexp.Regexp]

	preserveExtra    bool
	patternCacheSize int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPreserveExtraGrants keeps manually granted permissions when role
// defaults are re-applied. Off by default.
func WithPreserveExtraGrants(preserve bool) Option {
	return func(r *Resolver) {
		r.preserveExtra = preserve
	}
}

// WithPatternCacheSize sets how many compiled patterns are cached.
func WithPatternCacheSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.patternCacheSize = n
		}
	}
}

// NewResolver creates a resolver over store using catalog for role defaults.
func NewResolver(store identity.Store, catalog *Catalog, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		store:            store,
		catalog:          catalog,
		patternCacheSize: DefaultPatternCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}

	cache, err := lru.New[string, *regexp.Regexp](r.patternCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating pattern cache: %w", err)
	}
	r.patterns = cache
	return r, nil
}

// Catalog returns the resolver's catalog.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

func (r *Resolver) stripe(userID int64) *sync.RWMutex {
	idx := userID % lockStripes
	if idx < 0 {
		idx = -idx
	}
	return &r.stripes[idx]
}

// grantedNames returns the user's granted permission names, sorted.
func (r *Resolver) grantedNames(ctx context.Context, userID int64) ([]string, error) {
	mu := r.stripe(userID)
	mu.RLock()
	defer mu.RUnlock()

	grants, err := r.store.ListGrants(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}
	names := make([]string, len(grants))
	for i, g := range grants {
		names[i] = g.Name
	}
	slices.Sort(names)
	return names, nil
}

// HasPermission reports whether user holds the named permission. Admins
// hold every permission. A nil user, an unknown name or a store failure
// yields false.
func (r *Resolver) HasPermission(ctx context.Context, user *identity.User, name string) bool {
	if user == nil {
		return false
	}
	if user.IsAdmin() {
		return true
	}

	names, err := r.grantedNames(ctx, user.ID)
	if err != nil {
		logCheckFailure(user.ID, "permission", name, err)
		return false
	}
	_, found := slices.BinarySearch(names, name)
	return found
}

// HasPermissionMatching reports whether any of the user's permission names
// matches pattern. Matching is anchored at the start of the name only, so
// "view_" matches "view_content". Admins always match. An invalid pattern
// yields false.
func (r *Resolver) HasPermissionMatching(ctx context.Context, user *identity.User, pattern string) bool {
	if user == nil {
		return false
	}
	if user.IsAdmin() {
		return true
	}

	re, err := r.compile(pattern)
	if err != nil {
		slog.Warn("invalid permission pattern", "pattern", pattern, "error", err)
		return false
	}

	names, err := r.grantedNames(ctx, user.ID)
	if err != nil {
		logCheckFailure(user.ID, "pattern", pattern, err)
		return false
	}
	return slices.ContainsFunc(names, func(name string) bool {
		return matchesAtStart(re, name)
	})
}

// matchesAtStart reports whether re matches a prefix of name. The leftmost
// match starts at 0 whenever any match does.
func matchesAtStart(re *regexp.Regexp, name string) bool {
	loc := re.FindStringIndex(name)
	return loc != nil && loc[0] == 0
}

// logCheckFailure logs a store error hit during a permission query. A user
// deleted mid-request is expected and only logged at debug.
func logCheckFailure(userID int64, key, value string, err error) {
	if errors.Is(err, identity.ErrNotFound) {
		slog.Debug("permission check for unknown user", "user_id", userID, key, value)
		return
	}
	slog.Error("permission check failed", "user_id", userID, key, value, "error", err)
}

func (r *Resolver) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := r.patterns.Get(pattern); ok {
		return re, nil
	}
	// Anchoring happens in matchesAtStart, not in the expression.
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern: %w", err)
	}
	r.patterns.Add(pattern, re)
	return re, nil
}

// Permissions returns the user's effective permission names, sorted.
// For an admin this is the whole catalog.
func (r *Resolver) Permissions(ctx context.Context, user *identity.User) ([]string, error) {
	if user == nil {
		return nil, ErrNotAuthenticated
	}
	if user.IsAdmin() {
		names := r.catalog.Names()
		slices.Sort(names)
		return names, nil
	}
	return r.grantedNames(ctx, user.ID)
}

// AssignRoleDefaults replaces the user's grants with the default set for
// the user's current role. With preserve-extra-grants enabled, grants made
// through Grant survive. Every default permission must already exist in the
// store; see Catalog.Initialize.
func (r *Resolver) AssignRoleDefaults(ctx context.Context, user *identity.User) error {
	if user == nil {
		return ErrNotAuthenticated
	}

	names := r.catalog.Defaults(user.Role)
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		p, err := r.store.GetPermission(ctx, name)
		if err != nil {
			return fmt.Errorf("resolving default permission %q: %w", name, err)
		}
		ids = append(ids, p.ID)
	}

	mu := r.stripe(user.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := r.store.ReplaceGrants(ctx, user.ID, ids, r.preserveExtra); err != nil {
		return fmt.Errorf("replacing grants for user %d: %w", user.ID, err)
	}
	slog.Debug("role defaults assigned", "user_id", user.ID, "role", user.Role, "count", len(ids))
	return nil
}

// Grant gives the named permission to the user. It reports false without
// error when the user or permission is unknown or the grant already exists.
func (r *Resolver) Grant(ctx context.Context, userID int64, name string) (bool, error) {
	permID, ok, err := r.resolveRefs(ctx, userID, name)
	if !ok || err != nil {
		return false, err
	}

	mu := r.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	added, err := r.store.AddGrant(ctx, userID, permID, identity.GrantSourceManual)
	if errors.Is(err, identity.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("granting %q to user %d: %w", name, userID, err)
	}
	return added, nil
}

// Revoke removes the named permission from the user. It reports false
// without error when the user, the permission or the grant is absent.
func (r *Resolver) Revoke(ctx context.Context, userID int64, name string) (bool, error) {
	permID, ok, err := r.resolveRefs(ctx, userID, name)
	if !ok || err != nil {
		return false, err
	}

	mu := r.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	removed, err := r.store.RemoveGrant(ctx, userID, permID)
	if err != nil {
		return false, fmt.Errorf("revoking %q from user %d: %w", name, userID, err)
	}
	return removed, nil
}

// resolveRefs looks up the user and permission. ok is false when either
// does not exist.
func (r *Resolver) resolveRefs(ctx context.Context, userID int64, name string) (permID int64, ok bool, err error) {
	if _, err := r.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("looking up user %d: %w", userID, err)
	}
	p, err := r.store.GetPermission(ctx, name)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("looking up permission %q: %w", name, err)
	}
	return p.ID, true, nil
}

// Require guards an action on the named permission.
func (r *Resolver) Require(ctx context.Context, user *identity.User, name string) Decision {
	if d, done := precheck(user); done {
		return d
	}
	if !r.HasPermission(ctx, user, name) {
		return Deny(ReasonInsufficientPermission)
	}
	return Allow()
}

// RequireMatching guards an action on any permission matching pattern.
func (r *Resolver) RequireMatching(ctx context.Context, user *identity.User, pattern string) Decision {
	if d, done := precheck(user); done {
		return d
	}
	if !r.HasPermissionMatching(ctx, user, pattern) {
		return Deny(ReasonInsufficientPermission)
	}
	return Allow()
}

// RequireRole guards an action on holding exactly role.
func (*Resolver) RequireRole(user *identity.User, role identity.Role) Decision {
	if d, done := precheck(user); done {
		return d
	}
	if !user.HasRole(role) {
		return Deny(ReasonInsufficientPermission)
	}
	return Allow()
}

func precheck(user *identity.User) (Decision, bool) {
	if user == nil {
		return Deny(ReasonNotAuthenticated), true
	}
	if !user.Active {
		return Deny(ReasonInactive), true
	}
	return Decision{}, false
}
