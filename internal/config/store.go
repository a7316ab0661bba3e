package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AppSettings is the app_settings block of app.json.
type AppSettings struct {
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	LogLevel           string   `json:"log_level"`
	PushallInterval    int      `json:"pushall_interval"`
	CamInterval        int      `json:"cam_interval"`
	Go2rtcPort         int      `json:"go2rtc_port"`
	Go2rtcPath         string   `json:"go2rtc_path"`
	Go2rtcLogOutput    bool     `json:"go2rtc_log_output"`
	APIToken           string   `json:"api_token"`
	AdminToken         string   `json:"admin_token"`
	AdminAllowlist     []string `json:"admin_allowlist"`
	AdminPasswordHash  string   `json:"admin_password_hash"`
	SessionSecret      string   `json:"session_secret"`
	AuthEnabled        bool     `json:"auth_enabled"`
	DebugEnabled       bool     `json:"debug_enabled"`
	CacheUploadEnabled bool     `json:"cache_upload_enabled"`
}

// Printer is one configured printer.
type Printer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IP         string `json:"ip"`
	AccessCode string `json:"access_code"`
	Serial     string `json:"serial"`
	Model      string `json:"model,omitempty"`
	// Optional RTSP/HTTP source relayed through go2rtc instead of the
	// built-in chamber camera.
	ExternalCameraURL string `json:"external_camera_url,omitempty"`
}

// Document is the full app.json schema.
type Document struct {
	AppSettings AppSettings `json:"app_settings"`
	Printers    []Printer   `json:"printers"`
	Settings    struct {
		DefaultPrinterID string `json:"default_printer_id"`
	} `json:"settings"`
}

func defaultDocument() Document {
	return Document{
		AppSettings: AppSettings{
			Host:            "0.0.0.0",
			Port:            5000,
			LogLevel:        "INFO",
			PushallInterval: 60,
			CamInterval:     2,
			Go2rtcPort:      5010,
			Go2rtcPath:      filepath.Join("bin", "go2rtc"),
			AuthEnabled:     true,
			DebugEnabled:    true,
		},
		Printers: []Printer{},
	}
}

// Store owns app.json. All reads and writes go through it; writes are
// atomic so a crash never leaves a truncated config behind.
type Store struct {
	path string

	mu        sync.Mutex
	doc       Document
	listeners []func()
}

// Load reads app.json, creating it with defaults (and generated secrets)
// when missing.
func Load(path string) (*Store, error) {
	s := &Store{path: path}

	doc := defaultDocument()
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Unmarshal on top of the defaults so absent fields keep them.
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	s.doc = doc
	if s.ensureSecretsLocked() || os.IsNotExist(err) {
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ensureSecretsLocked fills in missing generated tokens. Returns true
// when anything changed.
func (s *Store) ensureSecretsLocked() bool {
	changed := false
	if s.doc.AppSettings.APIToken == "" {
		s.doc.AppSettings.APIToken = randomToken()
		changed = true
	}
	if s.doc.AppSettings.AdminToken == "" {
		s.doc.AppSettings.AdminToken = randomToken()
		changed = true
	}
	if s.doc.AppSettings.SessionSecret == "" {
		s.doc.AppSettings.SessionSecret = randomToken()
		changed = true
	}
	return changed
}

// RandomToken generates a 32-byte url-safe secret.
func RandomToken() string { return randomToken() }

func randomToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %s", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Path returns the backing file location.
func (s *Store) Path() string { return s.path }

// Snapshot returns a deep copy of the document.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyDocument(s.doc)
}

// Settings returns a copy of the app settings.
func (s *Store) Settings() AppSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := s.doc.AppSettings
	settings.AdminAllowlist = append([]string(nil), settings.AdminAllowlist...)
	return settings
}

// UpdateSettings mutates the app settings and persists the result.
func (s *Store) UpdateSettings(mutate func(*AppSettings)) error {
	s.mu.Lock()
	mutate(&s.doc.AppSettings)
	err := s.saveLocked()
	s.mu.Unlock()
	if err == nil {
		s.notify()
	}
	return err
}

// Printers returns a copy of the printer list.
func (s *Store) Printers() []Printer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Printer(nil), s.doc.Printers...)
}

// Printer looks a printer up by id.
func (s *Store) Printer(id string) (Printer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.doc.Printers {
		if p.ID == id {
			return p, true
		}
	}
	return Printer{}, false
}

// DefaultPrinterID returns the configured default printer.
func (s *Store) DefaultPrinterID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Settings.DefaultPrinterID
}

// AddPrinter registers a printer. Duplicate ids or serials are rejected;
// the first printer becomes the default.
func (s *Store) AddPrinter(p Printer) error {
	s.mu.Lock()
	for _, existing := range s.doc.Printers {
		if existing.ID == p.ID {
			s.mu.Unlock()
			return fmt.Errorf("printer id %q already exists", p.ID)
		}
		if existing.Serial == p.Serial {
			s.mu.Unlock()
			return fmt.Errorf("printer serial %q already registered", p.Serial)
		}
	}
	s.doc.Printers = append(s.doc.Printers, p)
	if len(s.doc.Printers) == 1 {
		s.doc.Settings.DefaultPrinterID = p.ID
	}
	err := s.saveLocked()
	s.mu.Unlock()
	if err == nil {
		s.notify()
	}
	return err
}

// UpdatePrinter mutates one printer entry.
func (s *Store) UpdatePrinter(id string, mutate func(*Printer)) error {
	s.mu.Lock()
	found := false
	for i := range s.doc.Printers {
		if s.doc.Printers[i].ID == id {
			mutate(&s.doc.Printers[i])
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("printer %q not found", id)
	}
	err := s.saveLocked()
	s.mu.Unlock()
	if err == nil {
		s.notify()
	}
	return err
}

// DeletePrinter removes a printer. The last remaining printer cannot be
// deleted; deleting the default reassigns it.
func (s *Store) DeletePrinter(id string) error {
	s.mu.Lock()
	if len(s.doc.Printers) <= 1 {
		s.mu.Unlock()
		return fmt.Errorf("cannot delete the only configured printer")
	}
	idx := -1
	for i, p := range s.doc.Printers {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("printer %q not found", id)
	}
	s.doc.Printers = append(s.doc.Printers[:idx], s.doc.Printers[idx+1:]...)
	if s.doc.Settings.DefaultPrinterID == id {
		s.doc.Settings.DefaultPrinterID = s.doc.Printers[0].ID
	}
	err := s.saveLocked()
	s.mu.Unlock()
	if err == nil {
		s.notify()
	}
	return err
}

// SetDefaultPrinter changes the default printer.
func (s *Store) SetDefaultPrinter(id string) error {
	s.mu.Lock()
	found := false
	for _, p := range s.doc.Printers {
		if p.ID == id {
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("printer %q not found", id)
	}
	s.doc.Settings.DefaultPrinterID = id
	err := s.saveLocked()
	s.mu.Unlock()
	if err == nil {
		s.notify()
	}
	return err
}

// Subscribe registers a callback invoked after every persisted change.
func (s *Store) Subscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the document from disk, used when the file changed
// underneath us.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", s.path, err)
	}
	doc := defaultDocument()
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) notify() {
	s.mu.Lock()
	listeners := append(([]func())(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// saveLocked writes the document atomically. Caller holds the lock.
func (s *Store) saveLocked() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config dir: %w", err)
		}
	}

	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

func copyDocument(doc Document) Document {
	out := doc
	out.Printers = append([]Printer(nil), doc.Printers...)
	out.AppSettings.AdminAllowlist = append([]string(nil), doc.AppSettings.AdminAllowlist...)
	return out
}
