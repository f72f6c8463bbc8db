package admin

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Cookie defaults.
const (
	DefaultCookieName   = "session_id"
	DefaultCookieMaxAge = 24 * time.Hour
)

// ErrNoSession is returned when a request carries no usable session cookie.
var ErrNoSession = errors.New("no session cookie")

// CookieConfig configures the session cookie.
type CookieConfig struct {
	Name       string
	MaxAge     time.Duration
	Secure     bool
	SigningKey []byte
}

// CookieCodec issues and verifies the signed session cookie. The cookie
// value is an HS256 JWT whose ID claim is the session ID.
type CookieCodec struct {
	cfg CookieConfig
	now func() time.Time
}

// NewCookieCodec creates a codec. Without a signing key a random one is
// generated, so cookies do not survive a restart.
func NewCookieCodec(cfg CookieConfig) (*CookieCodec, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultCookieName
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultCookieMaxAge
	}
	if len(cfg.SigningKey) == 0 {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		cfg.SigningKey = key
		slog.Warn("no session signing key configured; using an ephemeral key")
	}
	return &CookieCodec{cfg: cfg, now: time.Now}, nil
}

// Issue sets a cookie carrying sessionID.
func (c *CookieCodec) Issue(w http.ResponseWriter, sessionID string) error {
	now := c.now()
	expires := now.Add(c.cfg.MaxAge)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString(c.cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("signing session token: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     c.cfg.Name,
		Value:    signed,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(c.cfg.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// SessionID returns the session ID from the request cookie. Missing,
// tampered and expired cookies all yield an error.
func (c *CookieCodec) SessionID(r *http.Request) (string, error) {
	cookie, err := r.Cookie(c.cfg.Name)
	if err != nil || cookie.Value == "" {
		return "", ErrNoSession
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(*jwt.Token) (any, error) {
		return c.cfg.SigningKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return "", fmt.Errorf("parsing session token: %w", err)
	}
	if !token.Valid || claims.ID == "" {
		return "", ErrNoSession
	}
	return claims.ID, nil
}

// Clear expires the session cookie in the browser.
func (c *CookieCodec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.cfg.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
