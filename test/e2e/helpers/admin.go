//go:build integration

package helpers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/txn2/plume-admin/internal/server"
	"github.com/txn2/plume-admin/pkg/audit"
	"github.com/txn2/plume-admin/pkg/identity"
	"github.com/txn2/plume-admin/pkg/platform"
	"github.com/txn2/plume-admin/pkg/session"
)

// Credentials of the bootstrap administrator used across e2e tests.
const (
	AdminUsername = "e2e-admin"
	AdminPassword = "e2e-admin-secret"
)

// --- Response types (mirror unexported admin package types) ---

// Me mirrors the admin meResponse.
type Me struct {
	User        identity.Profile `json:"user"`
	Permissions []string         `json:"permissions"`
	SessionID   string           `json:"session_id,omitempty"`
}

// UserList mirrors the admin userListResponse.
type UserList struct {
	Data  []identity.Profile `json:"data"`
	Total int                `json:"total"`
}

// UserPermissions mirrors the admin userPermissionsResponse.
type UserPermissions struct {
	UserID      int64    `json:"user_id"`
	Permissions []string `json:"permissions"`
}

// GrantResult mirrors the admin grantResponse.
type GrantResult struct {
	Permission string `json:"permission"`
	Changed    bool   `json:"changed"`
}

// SessionList mirrors the admin sessionListResponse.
type SessionList struct {
	Data  []session.Session `json:"data"`
	Total int               `json:"total"`
}

// AuditEventList mirrors the admin auditEventResponse.
type AuditEventList struct {
	Data    []audit.Event `json:"data"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
}

// --- Client ---

// AdminClient calls the API with a cookie jar, so a successful Login
// authenticates every later request.
type AdminClient struct {
	BaseURL string
	Client  *http.Client
}

// NewAdminClient creates a client with an empty cookie jar.
func NewAdminClient(baseURL string) *AdminClient {
	jar, _ := cookiejar.New(nil) // never fails without options
	return &AdminClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second, Jar: jar},
	}
}

func (c *AdminClient) doRequest(method, path string, body any) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.Client.Do(req)
}

// call performs a request and decodes a 2xx body into out when out is non-nil.
func (c *AdminClient) call(method, path string, body, out any) (int, error) {
	resp, err := c.doRequest(method, path, body)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Login signs in and stores the session cookie.
func (c *AdminClient) Login(username, password string) (*Me, int, error) {
	var me Me
	code, err := c.call(http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": username, "password": password}, &me)
	return &me, code, err
}

// Logout ends the current session.
func (c *AdminClient) Logout() (int, error) {
	return c.call(http.MethodPost, "/api/v1/auth/logout", nil, nil)
}

// Me returns the signed-in user.
func (c *AdminClient) Me() (*Me, int, error) {
	var me Me
	code, err := c.call(http.MethodGet, "/api/v1/auth/me", nil, &me)
	return &me, code, err
}

// ListUsers lists every user.
func (c *AdminClient) ListUsers() (*UserList, int, error) {
	var list UserList
	code, err := c.call(http.MethodGet, "/api/v1/admin/users", nil, &list)
	return &list, code, err
}

// CreateUser creates a user with the given role.
func (c *AdminClient) CreateUser(username, email, password, role string) (*identity.Profile, int, error) {
	var p identity.Profile
	code, err := c.call(http.MethodPost, "/api/v1/admin/users", map[string]string{
		"username": username, "email": email, "password": password, "role": role,
	}, &p)
	return &p, code, err
}

// SetRole changes a user's role.
func (c *AdminClient) SetRole(id int64, role string) (int, error) {
	return c.call(http.MethodPut, userPath(id)+"/role", map[string]string{"role": role}, nil)
}

// SetActive activates or deactivates a user.
func (c *AdminClient) SetActive(id int64, active bool) (int, error) {
	return c.call(http.MethodPut, userPath(id)+"/active", map[string]bool{"active": active}, nil)
}

// ResetPassword sets a new password.
func (c *AdminClient) ResetPassword(id int64, password string) (int, error) {
	return c.call(http.MethodPut, userPath(id)+"/password", map[string]string{"password": password}, nil)
}

// DeleteUser removes a user by username.
func (c *AdminClient) DeleteUser(username string) (int, error) {
	return c.call(http.MethodDelete, "/api/v1/admin/users/"+url.PathEscape(username), nil, nil)
}

// UserPermissions returns a user's effective permissions.
func (c *AdminClient) UserPermissions(id int64) (*UserPermissions, int, error) {
	var out UserPermissions
	code, err := c.call(http.MethodGet, userPath(id)+"/permissions", nil, &out)
	return &out, code, err
}

// Grant grants a single permission.
func (c *AdminClient) Grant(id int64, name string) (*GrantResult, int, error) {
	var out GrantResult
	code, err := c.call(http.MethodPost, userPath(id)+"/permissions/"+url.PathEscape(name), nil, &out)
	return &out, code, err
}

// Revoke revokes a single permission.
func (c *AdminClient) Revoke(id int64, name string) (*GrantResult, int, error) {
	var out GrantResult
	code, err := c.call(http.MethodDelete, userPath(id)+"/permissions/"+url.PathEscape(name), nil, &out)
	return &out, code, err
}

// ListSessions lists active sessions.
func (c *AdminClient) ListSessions() (*SessionList, int, error) {
	var out SessionList
	code, err := c.call(http.MethodGet, "/api/v1/admin/sessions", nil, &out)
	return &out, code, err
}

// RevokeSession ends a session by ID.
func (c *AdminClient) RevokeSession(id string) (int, error) {
	return c.call(http.MethodDelete, "/api/v1/admin/sessions/"+url.PathEscape(id), nil, nil)
}

// ListAuditEvents lists audit events; params is a raw query string.
func (c *AdminClient) ListAuditEvents(params string) (*AuditEventList, int, error) {
	path := "/api/v1/admin/audit/events"
	if params != "" {
		path += "?" + params
	}
	var out AuditEventList
	code, err := c.call(http.MethodGet, path, nil, &out)
	return &out, code, err
}

// RawCall performs a request and returns only the status code.
func (c *AdminClient) RawCall(method, path string) (int, error) {
	return c.call(method, path, nil, nil)
}

func userPath(id int64) string {
	return "/api/v1/admin/users/" + strconv.FormatInt(id, 10)
}

// --- PostgreSQL ---

// StartPostgres returns the DSN of E2E_POSTGRES_DSN when set, and otherwise
// starts a PostgreSQL testcontainer. The container is terminated when the
// test completes.
func StartPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	if cfg := DefaultE2EConfig(); cfg.PostgresDSN != "" {
		if err := WaitForPostgres(ctx, cfg.PostgresDSN, DefaultWaitConfig()); err != nil {
			t.Fatalf("waiting for postgres: %v", err)
		}
		return cfg.PostgresDSN
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting postgres connection string: %v", err)
	}
	return dsn
}

// ResetDatabase drops every table so each test starts from an empty schema.
func ResetDatabase(t *testing.T, dsn string) {
	t.Helper()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer func() { _ = db.Close() }()

	for _, tbl := range []string{"user_permissions", "permissions", "users", "audit_events", "schema_migrations"} {
		//nolint:gosec // test-only, table names are hardcoded constants
		if _, err := db.Exec("DROP TABLE IF EXISTS " + tbl + " CASCADE"); err != nil {
			t.Fatalf("dropping table %s: %v", tbl, err)
		}
	}
}

// --- Platform ---

// DBConfig returns a platform config backed by dsn with the e2e administrator.
func DBConfig(dsn string) *platform.Config {
	cfg := platform.DefaultConfig()
	cfg.Server.Name = "e2e-plume-admin"
	cfg.Database.DSN = dsn
	cfg.Auth.Bootstrap.Username = AdminUsername
	cfg.Auth.Bootstrap.Email = AdminUsername + "@example.com"
	cfg.Auth.Bootstrap.Password = AdminPassword
	cfg.Auth.Session.SigningKey = "e2e-signing-key"
	return cfg
}

// TestServer is a started platform behind an httptest server.
type TestServer struct {
	Platform *platform.Platform
	Server   *httptest.Server
}

// URL returns the server's base URL.
func (s *TestServer) URL() string {
	return s.Server.URL
}

// StartServer creates and starts a platform from cfg and serves it with the
// production handler. Both are stopped when the test completes.
func StartServer(t *testing.T, cfg *platform.Config) *TestServer {
	t.Helper()

	p, err := platform.New(platform.WithConfig(cfg))
	if err != nil {
		t.Fatalf("creating platform: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("starting platform: %v", err)
	}

	ts := httptest.NewServer(server.Handler(p))
	t.Cleanup(func() {
		ts.Close()
		_ = p.Stop(context.Background())
	})

	if err := WaitForReady(context.Background(), ts.URL, DefaultWaitConfig()); err != nil {
		t.Fatalf("waiting for readiness: %v", err)
	}
	return &TestServer{Platform: p, Server: ts}
}
