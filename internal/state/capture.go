package state

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// CapturedFilament is a filament profile learned from echoed
// ams_filament_setting and extrusion_cali_sel commands.
type CapturedFilament struct {
	TrayInfoIdx    string `json:"tray_info_idx"`
	TrayType       string `json:"tray_type,omitempty"`
	Color          string `json:"color,omitempty"`
	NozzleTempMin  int    `json:"nozzle_temp_min,omitempty"`
	NozzleTempMax  int    `json:"nozzle_temp_max,omitempty"`
	NozzleDiameter string `json:"nozzle_diameter,omitempty"`
	SettingID      string `json:"setting_id,omitempty"`
	CaliIdx        *int   `json:"cali_idx,omitempty"`
}

// FilamentCapture accumulates filament profiles seen on the report topic.
// Printers echo successful setting commands back, which is the only place
// custom filament parameters appear on the wire.
type FilamentCapture struct {
	mu       sync.Mutex
	profiles map[string]CapturedFilament
}

func NewFilamentCapture() *FilamentCapture {
	return &FilamentCapture{profiles: map[string]CapturedFilament{}}
}

// Observe inspects a report payload and records any filament settings it
// carries. Returns true when the capture set changed.
func (c *FilamentCapture) Observe(doc map[string]any) bool {
	printDoc, ok := doc["print"].(map[string]any)
	if !ok {
		return false
	}
	if asString(printDoc["result"]) != "success" {
		return false
	}

	switch asString(printDoc["command"]) {
	case "ams_filament_setting":
		return c.observeFilamentSetting(printDoc)
	case "extrusion_cali_sel":
		return c.observeCaliSel(printDoc)
	}
	return false
}

func (c *FilamentCapture) observeFilamentSetting(doc map[string]any) bool {
	idx := asString(doc["tray_info_idx"])
	if idx == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	profile := c.profiles[idx]
	profile.TrayInfoIdx = idx
	if v := asString(doc["tray_type"]); v != "" {
		profile.TrayType = v
	}
	if v := CanonicalTrayColor(asString(doc["tray_color"])); v != "" {
		profile.Color = v
	}
	if v, ok := doc["nozzle_temp_min"]; ok {
		profile.NozzleTempMin = normInt(v)
	}
	if v, ok := doc["nozzle_temp_max"]; ok {
		profile.NozzleTempMax = normInt(v)
	}
	if v := asString(doc["setting_id"]); v != "" {
		profile.SettingID = v
	}
	c.profiles[idx] = profile
	return true
}

func (c *FilamentCapture) observeCaliSel(doc map[string]any) bool {
	idx := asString(doc["filament_id"])
	if idx == "" {
		idx = asString(doc["tray_info_idx"])
	}
	if idx == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	profile := c.profiles[idx]
	profile.TrayInfoIdx = idx
	if v, ok := doc["cali_idx"]; ok {
		n := normInt(v)
		profile.CaliIdx = &n
	}
	if v := asString(doc["nozzle_diameter"]); v != "" {
		if d := NormalizeNozzleDiameter(v); d != "" {
			profile.NozzleDiameter = d
		}
	}
	c.profiles[idx] = profile
	return true
}

// Snapshot returns a copy of every captured profile.
func (c *FilamentCapture) Snapshot() map[string]CapturedFilament {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]CapturedFilament, len(c.profiles))
	for k, v := range c.profiles {
		out[k] = v
	}
	return out
}

// Lookup returns the captured profile for a tray_info_idx.
func (c *FilamentCapture) Lookup(trayInfoIdx string) (CapturedFilament, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	profile, ok := c.profiles[trayInfoIdx]
	return profile, ok
}

var hexColorPattern = regexp.MustCompile(`^[0-9A-F]+$`)

// CanonicalTrayColor normalizes tray colors to 8 uppercase hex digits
// (RRGGBBAA). Short #RGB and #RGBA forms expand per CSS rules; 6-digit
// colors get an opaque alpha. Anything else comes back empty.
func CanonicalTrayColor(raw string) string {
	color := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(raw), "#"))
	if !hexColorPattern.MatchString(color) {
		return ""
	}
	switch len(color) {
	case 3, 4:
		var expanded strings.Builder
		for _, ch := range color {
			expanded.WriteRune(ch)
			expanded.WriteRune(ch)
		}
		color = expanded.String()
	}
	switch len(color) {
	case 6:
		return color + "FF"
	case 8:
		return color
	default:
		return ""
	}
}

// NormalizeNozzleDiameter formats diameters as one decimal place ("0.4").
// Unset markers come back empty.
func NormalizeNozzleDiameter(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "?" {
		return ""
	}
	f := asFloat(raw)
	if f == 0 && raw != "0" && raw != "0.0" {
		return ""
	}
	return fmt.Sprintf("%.1f", f)
}
