package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/plume-admin/pkg/account"
	"github.com/txn2/plume-admin/pkg/audit"
	"github.com/txn2/plume-admin/pkg/identity"
	"github.com/txn2/plume-admin/pkg/permission"
)

type unreachableStore struct {
	*identity.MemoryStore
}

func (unreachableStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func startPlatform(t *testing.T, cfg *Config, opts ...Option) *Platform {
	t.Helper()
	p, err := New(append([]Option{WithConfig(cfg)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func loginRequest(t *testing.T, h http.Handler, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "xml"
	_, err := New(WithConfig(cfg))
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Permissions.RoleDefaults = map[string][]string{"guest": {"not_a_permission"}}
	_, err = New(WithConfig(cfg))
	assert.ErrorIs(t, err, permission.ErrInvalidCatalog)
}

func TestPlatform_MemoryModeStartStop(t *testing.T) {
	p, err := New(WithConfig(DefaultConfig()))
	require.NoError(t, err)
	assert.False(t, p.Health().IsReady())

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.Health().IsReady())

	rec := loginRequest(t, p.Handler(), account.DefaultAdminUsername, account.DefaultAdminPassword)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Result().Cookies())
	assert.Equal(t, 1, p.Sessions().Count())

	require.NoError(t, p.Stop(context.Background()))
	assert.False(t, p.Health().IsReady())
}

func TestPlatform_BootstrapFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Bootstrap = account.BootstrapConfig{Username: "root", Email: "root@example.com", Password: "s3cret-pass"}
	p := startPlatform(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, loginRequest(t, p.Handler(), "root", account.DefaultAdminPassword).Code)
	assert.Equal(t, http.StatusOK, loginRequest(t, p.Handler(), "root", "s3cret-pass").Code)

	admin, err := p.Accounts().GetUserByUsername(context.Background(), "root")
	require.NoError(t, err)
	perms, err := p.Resolver().Permissions(context.Background(), admin)
	require.NoError(t, err)
	assert.Len(t, perms, len(permission.DefaultDefinitions))
}

func TestPlatform_DisabledUserLosesSessions(t *testing.T) {
	p := startPlatform(t, DefaultConfig())
	ctx := context.Background()

	admin, err := p.Accounts().GetUserByUsername(ctx, account.DefaultAdminUsername)
	require.NoError(t, err)
	bob, err := p.Accounts().CreateUser(ctx, account.NewUser{
		Username: "bob", Email: "bob@example.com", Password: "bob-pass", Role: identity.RoleUser, CreatedBy: admin,
	})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, loginRequest(t, p.Handler(), "bob", "bob-pass").Code)
	require.Len(t, p.Sessions().SessionsByUserID(bob.ID), 1)

	require.NoError(t, p.Accounts().Deactivate(ctx, bob.ID, admin))
	assert.Empty(t, p.Sessions().SessionsByUserID(bob.ID))
}

func TestPlatform_ExtraPermissions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Permissions.Extra = []permission.Definition{{Name: "publish_content", Description: "Publish content"}}
	cfg.Permissions.RoleDefaults = map[string][]string{"user": {permission.ViewProfile, "publish_content"}}
	p := startPlatform(t, cfg)
	ctx := context.Background()

	admin, err := p.Accounts().GetUserByUsername(ctx, account.DefaultAdminUsername)
	require.NoError(t, err)
	carol, err := p.Accounts().CreateUser(ctx, account.NewUser{
		Username: "carol", Email: "carol@example.com", Password: "carol-pass", Role: identity.RoleUser, CreatedBy: admin,
	})
	require.NoError(t, err)

	assert.True(t, p.Resolver().HasPermission(ctx, carol, "publish_content"))
	assert.False(t, p.Resolver().HasPermission(ctx, carol, permission.EditContent),
		"configured role defaults replace the built-in ones")
}

func TestPlatform_Audit(t *testing.T) {
	t.Run("enabled by default", func(t *testing.T) {
		p := startPlatform(t, DefaultConfig())
		require.NotNil(t, p.AuditLogger())
		loginRequest(t, p.Handler(), account.DefaultAdminUsername, account.DefaultAdminPassword)

		events, err := p.AuditLogger().Query(context.Background(), audit.QueryFilter{Action: audit.ActionLogin})
		require.NoError(t, err)
		assert.NotEmpty(t, events)
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := DefaultConfig()
		disabled := false
		cfg.Audit.Enabled = &disabled
		p := startPlatform(t, cfg)
		assert.Nil(t, p.AuditLogger())

		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit/events", http.NoBody)
		rec := httptest.NewRecorder()
		p.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("provided logger", func(t *testing.T) {
		logger := audit.NewMemoryLogger(10)
		p := startPlatform(t, DefaultConfig(), WithAuditLogger(logger))
		assert.Same(t, logger, p.AuditLogger())
	})
}

func TestPlatform_ReadinessReportsStore(t *testing.T) {
	store := unreachableStore{identity.NewMemoryStore()}
	p := startPlatform(t, DefaultConfig(), WithIdentityStore(store))

	rec := httptest.NewRecorder()
	p.Health().ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "identity_store")
}

func TestPlatform_StartFailureRollsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Bootstrap.Password = ""
	p, err := New(WithConfig(cfg), WithIdentityStore(failingStore{identity.NewMemoryStore()}))
	require.NoError(t, err)

	err = p.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrap")
	assert.False(t, p.Health().IsReady())
}

type failingStore struct {
	*identity.MemoryStore
}

func (failingStore) CreatePermission(context.Context, *identity.Permission) error {
	return errors.New("disk full")
}
