// Package admin carries the operator surface: login sessions, token
// rotation, the admin allowlist, runtime settings, and print cache
// maintenance.
package admin

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/auth"
	"github.com/bambumon/bambumon/internal/config"
)

// Login attempts allowed per address per minute.
const (
	loginBurst    = 5
	loginInterval = time.Minute / loginBurst
)

// cacheManager is the slice of the print job module the admin surface
// uses.
type cacheManager interface {
	CacheStats() (files int, bytes int64, err error)
	CleanCache(printerID string) error
}

type Module struct {
	store *config.Store
	cache cacheManager

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

func New(store *config.Store, cache cacheManager) *Module {
	return &Module{
		store:    store,
		cache:    cache,
		limiters: map[string]*rate.Limiter{},
		now:      time.Now,
	}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Handle("POST /api/admin/login", http.HandlerFunc(m.handleLogin))
	router.Handle("POST /api/admin/logout", http.HandlerFunc(m.handleLogout))
	router.Handle("POST /api/admin/password", router.WithAdmin(m.handleSetPassword))
	router.Handle("POST /api/admin/tokens/rotate", router.WithAdmin(m.handleRotateToken))
	router.Handle("GET /api/admin/settings", router.WithAdmin(m.handleGetSettings))
	router.Handle("PUT /api/admin/settings", router.WithAdmin(m.handleUpdateSettings))
	router.Handle("PUT /api/admin/allowlist", router.WithAdmin(m.handleAllowlist))
	router.Handle("GET /api/admin/cache", router.WithAdmin(m.handleCacheStats))
	router.Handle("POST /api/admin/cache/clean", router.WithAdmin(m.handleCacheClean))
}

// limiter returns the login rate limiter for an address.
func (m *Module) limiter(addr string) *rate.Limiter {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(loginInterval), loginBurst)
		m.limiters[host] = l
	}
	return l
}

func (m *Module) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}

	settings := m.store.Settings()
	if !allowlisted(r, settings.AdminAllowlist) {
		engine.HandleError(w, engine.Forbidden("address not allowed"))
		return
	}
	if !m.limiter(r.RemoteAddr).Allow() {
		engine.HandleError(w, engine.TooManyRequests("too many login attempts"))
		return
	}
	if settings.AdminPasswordHash == "" {
		engine.HandleError(w, engine.Forbidden("admin password not configured"))
		return
	}
	if !auth.VerifyPassword(settings.AdminPasswordHash, body.Password) {
		engine.HandleError(w, engine.Unauthorized("invalid password"))
		return
	}

	cookie, err := issueSession(settings.SessionSecret, m.now())
	if err != nil {
		engine.HandleError(w, engine.Internal("failed to issue session"))
		return
	}
	http.SetCookie(w, cookie)
	engine.WriteJSON(w, map[string]any{"logged_in": true})
}

func (m *Module) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	engine.WriteJSON(w, map[string]any{"logged_in": false})
}

func (m *Module) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Current string `json:"current"`
		New     string `json:"new"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if len(body.New) < 8 {
		engine.HandleError(w, engine.BadRequest("password must be at least 8 characters"))
		return
	}

	settings := m.store.Settings()
	if settings.AdminPasswordHash != "" && !auth.VerifyPassword(settings.AdminPasswordHash, body.Current) {
		engine.HandleError(w, engine.Unauthorized("current password is incorrect"))
		return
	}

	hash, err := auth.HashPassword(body.New)
	if err != nil {
		engine.HandleError(w, engine.Internal("failed to hash password"))
		return
	}
	if err := m.store.UpdateSettings(func(s *config.AppSettings) {
		s.AdminPasswordHash = hash
	}); err != nil {
		engine.HandleError(w, engine.Internal("failed to save settings"))
		return
	}
	engine.WriteJSON(w, map[string]any{"updated": true})
}

// handleRotateToken replaces the api or admin token. Clients holding
// the old token lose access immediately.
func (m *Module) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if body.Token != "api" && body.Token != "admin" {
		engine.HandleError(w, engine.BadRequest("token must be api or admin"))
		return
	}

	var rotated string
	err := m.store.UpdateSettings(func(s *config.AppSettings) {
		switch body.Token {
		case "api":
			s.APIToken = config.RandomToken()
			rotated = s.APIToken
		case "admin":
			s.AdminToken = config.RandomToken()
			rotated = s.AdminToken
		}
	})
	if err != nil {
		engine.HandleError(w, engine.Internal("failed to save settings"))
		return
	}
	engine.WriteJSON(w, map[string]any{"token": body.Token, "value": rotated})
}

// settingsView omits secrets from the settings payload.
type settingsView struct {
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	LogLevel           string   `json:"log_level"`
	PushallInterval    int      `json:"pushall_interval"`
	CamInterval        int      `json:"cam_interval"`
	Go2rtcPort         int      `json:"go2rtc_port"`
	Go2rtcPath         string   `json:"go2rtc_path"`
	Go2rtcLogOutput    bool     `json:"go2rtc_log_output"`
	AdminAllowlist     []string `json:"admin_allowlist"`
	AuthEnabled        bool     `json:"auth_enabled"`
	DebugEnabled       bool     `json:"debug_enabled"`
	CacheUploadEnabled bool     `json:"cache_upload_enabled"`
	PasswordSet        bool     `json:"password_set"`
}

func viewOf(s config.AppSettings) settingsView {
	return settingsView{
		Host:               s.Host,
		Port:               s.Port,
		LogLevel:           s.LogLevel,
		PushallInterval:    s.PushallInterval,
		CamInterval:        s.CamInterval,
		Go2rtcPort:         s.Go2rtcPort,
		Go2rtcPath:         s.Go2rtcPath,
		Go2rtcLogOutput:    s.Go2rtcLogOutput,
		AdminAllowlist:     s.AdminAllowlist,
		AuthEnabled:        s.AuthEnabled,
		DebugEnabled:       s.DebugEnabled,
		CacheUploadEnabled: s.CacheUploadEnabled,
		PasswordSet:        s.AdminPasswordHash != "",
	}
}

func (m *Module) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	engine.WriteJSON(w, viewOf(m.store.Settings()))
}

func (m *Module) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LogLevel           *string `json:"log_level"`
		PushallInterval    *int    `json:"pushall_interval"`
		CamInterval        *int    `json:"cam_interval"`
		Go2rtcPort         *int    `json:"go2rtc_port"`
		Go2rtcPath         *string `json:"go2rtc_path"`
		Go2rtcLogOutput    *bool   `json:"go2rtc_log_output"`
		AuthEnabled        *bool   `json:"auth_enabled"`
		DebugEnabled       *bool   `json:"debug_enabled"`
		CacheUploadEnabled *bool   `json:"cache_upload_enabled"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if body.PushallInterval != nil && *body.PushallInterval < 5 {
		engine.HandleError(w, engine.BadRequest("pushall_interval must be at least 5 seconds"))
		return
	}
	if body.CamInterval != nil && *body.CamInterval < 1 {
		engine.HandleError(w, engine.BadRequest("cam_interval must be at least 1 second"))
		return
	}

	err := m.store.UpdateSettings(func(s *config.AppSettings) {
		if body.LogLevel != nil {
			s.LogLevel = *body.LogLevel
		}
		if body.PushallInterval != nil {
			s.PushallInterval = *body.PushallInterval
		}
		if body.CamInterval != nil {
			s.CamInterval = *body.CamInterval
		}
		if body.Go2rtcPort != nil {
			s.Go2rtcPort = *body.Go2rtcPort
		}
		if body.Go2rtcPath != nil {
			s.Go2rtcPath = *body.Go2rtcPath
		}
		if body.Go2rtcLogOutput != nil {
			s.Go2rtcLogOutput = *body.Go2rtcLogOutput
		}
		if body.AuthEnabled != nil {
			s.AuthEnabled = *body.AuthEnabled
		}
		if body.DebugEnabled != nil {
			s.DebugEnabled = *body.DebugEnabled
		}
		if body.CacheUploadEnabled != nil {
			s.CacheUploadEnabled = *body.CacheUploadEnabled
		}
	})
	if err != nil {
		engine.HandleError(w, engine.Internal("failed to save settings"))
		return
	}
	engine.WriteJSON(w, viewOf(m.store.Settings()))
}

func (m *Module) handleAllowlist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Allowlist []string `json:"allowlist"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	for _, entry := range body.Allowlist {
		if net.ParseIP(entry) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(entry); err == nil {
			continue
		}
		engine.HandleError(w, engine.BadRequest("allowlist entries must be IPs or CIDRs"))
		return
	}
	err := m.store.UpdateSettings(func(s *config.AppSettings) {
		s.AdminAllowlist = body.Allowlist
	})
	if err != nil {
		engine.HandleError(w, engine.Internal("failed to save settings"))
		return
	}
	engine.WriteJSON(w, map[string]any{"allowlist": body.Allowlist})
}

func (m *Module) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	files, bytes, err := m.cache.CacheStats()
	if err != nil {
		engine.HandleError(w, engine.Internal("failed to read cache"))
		return
	}
	engine.WriteJSON(w, map[string]any{"files": files, "bytes": bytes})
}

func (m *Module) handleCacheClean(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PrinterID string `json:"printer_id"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if err := m.cache.CleanCache(body.PrinterID); err != nil {
		engine.HandleError(w, engine.Internal("failed to clean cache"))
		return
	}
	engine.WriteJSON(w, map[string]any{"cleaned": true})
}
