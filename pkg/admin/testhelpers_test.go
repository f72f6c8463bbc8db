package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/txn2/plume-admin/pkg/account"
	"github.com/txn2/plume-admin/pkg/audit"
	"github.com/txn2/plume-admin/pkg/identity"
	"github.com/txn2/plume-admin/pkg/permission"
	"github.com/txn2/plume-admin/pkg/session"
)

const (
	testAdminPassword = "admin-pass"
	testUserPassword  = "user-pass"
)

type testEnv struct {
	store    *identity.MemoryStore
	handler  *Handler
	accounts *account.Manager
	resolver *permission.Resolver
	sessions *session.Registry
	cookies  *CookieCodec
	audit    *audit.MemoryLogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := identity.NewMemoryStore()
	resolver, err := permission.NewResolver(store, permission.DefaultCatalog())
	require.NoError(t, err)

	env := &testEnv{
		store:    store,
		resolver: resolver,
		sessions: session.NewRegistry(),
		audit:    audit.NewMemoryLogger(1000),
	}
	env.accounts = account.NewManager(store, resolver,
		account.WithAuditLogger(env.audit),
		account.WithUserDisabledHook(func(id int64) { env.sessions.RemoveUserSessions(id) }),
	)
	require.NoError(t, env.accounts.Bootstrap(context.Background(), account.BootstrapConfig{Password: testAdminPassword}))

	env.cookies, err = NewCookieCodec(CookieConfig{SigningKey: []byte("test-signing-key")})
	require.NoError(t, err)

	env.handler = NewHandler(Deps{
		Accounts: env.accounts,
		Resolver: resolver,
		Sessions: env.sessions,
		Cookies:  env.cookies,
		Audit:    env.audit,
	})
	return env
}

// adminUser returns the bootstrapped administrator.
func (e *testEnv) adminUser(t *testing.T) *identity.User {
	t.Helper()
	u, err := e.accounts.GetUserByUsername(context.Background(), account.DefaultAdminUsername)
	require.NoError(t, err)
	return u
}

// createUser adds a user directly through the manager.
func (e *testEnv) createUser(t *testing.T, name string, role identity.Role) *identity.User {
	t.Helper()
	u, err := e.accounts.CreateUser(context.Background(), account.NewUser{
		Username: name,
		Email:    name + "@example.com",
		Password: testUserPassword,
		Role:     role,
	})
	require.NoError(t, err)
	return u
}

// do serves one request. body is JSON-encoded unless it is nil.
func (e *testEnv) do(t *testing.T, method, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// login signs in and returns the session cookie.
func (e *testEnv) login(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/auth/login", loginRequest{Username: username, Password: password}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	for _, c := range w.Result().Cookies() {
		if c.Name == DefaultCookieName {
			return c
		}
	}
	t.Fatal("login set no session cookie")
	return nil
}

func (e *testEnv) adminCookie(t *testing.T) *http.Cookie {
	t.Helper()
	return e.login(t, account.DefaultAdminUsername, testAdminPassword)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body.Error
}
