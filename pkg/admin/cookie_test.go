package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueCookie(t *testing.T, c *CookieCodec, sessionID string) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	require.NoError(t, c.Issue(w, sessionID))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func requestWith(cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func TestCookieCodec_RoundTrip(t *testing.T) {
	c, err := NewCookieCodec(CookieConfig{SigningKey: []byte("k"), Secure: true})
	require.NoError(t, err)

	cookie := issueCookie(t, c, "sess-1")
	assert.Equal(t, DefaultCookieName, cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, int(DefaultCookieMaxAge.Seconds()), cookie.MaxAge)

	id, err := c.SessionID(requestWith(cookie))
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)
}

func TestCookieCodec_Rejects(t *testing.T) {
	c, err := NewCookieCodec(CookieConfig{SigningKey: []byte("k")})
	require.NoError(t, err)

	t.Run("missing cookie", func(t *testing.T) {
		_, err := c.SessionID(requestWith(nil))
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("tampered value", func(t *testing.T) {
		cookie := issueCookie(t, c, "sess-1")
		cookie.Value += "x"
		_, err := c.SessionID(requestWith(cookie))
		assert.Error(t, err)
	})

	t.Run("other signing key", func(t *testing.T) {
		other, err := NewCookieCodec(CookieConfig{SigningKey: []byte("other")})
		require.NoError(t, err)
		_, err = c.SessionID(requestWith(issueCookie(t, other, "sess-1")))
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		cookie := issueCookie(t, c, "sess-1")
		c.now = func() time.Time { return time.Now().Add(DefaultCookieMaxAge + time.Minute) }
		defer func() { c.now = time.Now }()
		_, err := c.SessionID(requestWith(cookie))
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("unsigned token", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
			ID:        "sess-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = c.SessionID(requestWith(&http.Cookie{Name: DefaultCookieName, Value: raw}))
		assert.Error(t, err)
	})

	t.Run("missing session id", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		raw, err := token.SignedString([]byte("k"))
		require.NoError(t, err)
		_, err = c.SessionID(requestWith(&http.Cookie{Name: DefaultCookieName, Value: raw}))
		assert.ErrorIs(t, err, ErrNoSession)
	})
}

func TestCookieCodec_EphemeralKey(t *testing.T) {
	a, err := NewCookieCodec(CookieConfig{})
	require.NoError(t, err)
	b, err := NewCookieCodec(CookieConfig{})
	require.NoError(t, err)

	cookie := issueCookie(t, a, "sess-1")
	_, err = a.SessionID(requestWith(cookie))
	require.NoError(t, err)
	_, err = b.SessionID(requestWith(cookie))
	assert.Error(t, err, "a restart invalidates cookies signed with an ephemeral key")
}

func TestCookieCodec_Clear(t *testing.T) {
	c, err := NewCookieCodec(CookieConfig{Name: "sid"})
	require.NoError(t, err)
	w := httptest.NewRecorder()
	c.Clear(w)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "sid", cookies[0].Name)
	assert.Equal(t, -1, cookies[0].MaxAge)
}
