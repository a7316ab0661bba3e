package admin

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/config"
)

const (
	sessionCookie = "bambumon_session"
	sessionTTL    = 24 * time.Hour
)

// Authenticator implements engine.Authenticator on top of the config
// store: API requests carry the api token, admin requests carry either
// the admin token or a signed session cookie.
type Authenticator struct {
	store *config.Store
}

func NewAuthenticator(store *config.Store) *Authenticator {
	return &Authenticator{store: store}
}

func (a *Authenticator) WithAuthn(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings := a.store.Settings()
		// API auth only applies once a token has been configured.
		if !settings.AuthEnabled || settings.APIToken == "" {
			fn(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			token = r.Header.Get("X-API-Key")
		}
		if tokenEqual(token, settings.APIToken) || tokenEqual(token, settings.AdminToken) {
			fn(w, r)
			return
		}
		if a.validSession(r, settings) {
			fn(w, r)
			return
		}
		engine.RenderError(w, engine.Unauthorized("missing or invalid API token"))
	}
}

func (a *Authenticator) WithAdmin(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings := a.store.Settings()
		if !settings.AuthEnabled {
			fn(w, r)
			return
		}
		if !allowlisted(r, settings.AdminAllowlist) {
			engine.RenderError(w, engine.Forbidden("address not allowed"))
			return
		}
		if tokenEqual(bearerToken(r), settings.AdminToken) || a.validSession(r, settings) {
			fn(w, r)
			return
		}
		engine.RenderError(w, engine.Unauthorized("admin session required"))
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func tokenEqual(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// validSession verifies the session cookie's signature and expiry.
func (a *Authenticator) validSession(r *http.Request, settings config.AppSettings) bool {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		return false
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(settings.SessionSecret), nil
	})
	return err == nil && token.Valid && claims.Subject == "admin"
}

// issueSession mints a session cookie for a successful login.
func issueSession(secret string, now time.Time) (*http.Cookie, error) {
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     sessionCookie,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  now.Add(sessionTTL),
	}, nil
}

// allowlisted checks the remote address against the admin allowlist.
// An empty list allows everyone.
func allowlisted(r *http.Request, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	for _, entry := range allowlist {
		if entry == host {
			return true
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil && ip != nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}
