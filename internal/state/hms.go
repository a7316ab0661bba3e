package state

import (
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// HMS and print_error descriptions ship per device family, keyed by the
// first three characters of the printer serial. The 22E table is embedded
// as the fallback; additional tables can be dropped into the data dir.

//go:embed data/hms_en_22E.json
var hmsFS embed.FS

const defaultHmsDeviceType = "22E"

// HmsTableDir is the on-disk location searched for device-specific tables
// (hms_en_<device>.json). Overridable for tests.
var HmsTableDir = filepath.Join("data", "hms", "data")

type hmsTables struct {
	hms    map[string]string
	errors map[string]string
}

var (
	hmsCacheMu sync.Mutex
	hmsCache   = map[string]*hmsTables{}
)

// IntToHexGroups renders a numeric error code as dash-separated uppercase
// hex groups of four, left-padded to a multiple of 4 nibbles. Error codes
// naturally end up as XXXX-XXXX.
func IntToHexGroups(value int64) string {
	hexStr := fmt.Sprintf("%X", value)
	if pad := (len(hexStr) + 3) / 4 * 4; pad > len(hexStr) {
		hexStr = strings.Repeat("0", pad-len(hexStr)) + hexStr
	}
	groups := make([]string, 0, len(hexStr)/4)
	for i := 0; i < len(hexStr); i += 4 {
		groups = append(groups, hexStr[i:i+4])
	}
	return strings.Join(groups, "-")
}

// NormalizeHmsCode strips HMS_ prefixes, dashes, and underscores and
// regroups the code into dashed uppercase form.
func NormalizeHmsCode(code string) string {
	cleaned := strings.ToUpper(code)
	cleaned = strings.ReplaceAll(cleaned, "HMS_", "")
	cleaned = strings.ReplaceAll(cleaned, "_", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return ""
	}
	groups := make([]string, 0, (len(cleaned)+3)/4)
	for i := 0; i < len(cleaned); i += 4 {
		end := i + 4
		if end > len(cleaned) {
			end = len(cleaned)
		}
		groups = append(groups, cleaned[i:end])
	}
	return strings.Join(groups, "-")
}

func lookupKey(code string) string {
	cleaned := strings.ToUpper(code)
	cleaned = strings.ReplaceAll(cleaned, "HMS_", "")
	cleaned = strings.ReplaceAll(cleaned, "_", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	return strings.TrimSpace(cleaned)
}

// HmsDescription resolves the description for a dashed HMS code.
func HmsDescription(code, serial string) string {
	tables := tablesForSerial(serial)
	return tables.hms[lookupKey(code)]
}

// ErrorDescription resolves the description for a dashed print_error code.
func ErrorDescription(code, serial string) string {
	tables := tablesForSerial(serial)
	return tables.errors[lookupKey(code)]
}

func deviceTypeFromSerial(serial string) string {
	serial = strings.TrimSpace(serial)
	if len(serial) < 3 {
		return ""
	}
	return strings.ToUpper(serial[:3])
}

func tablesForSerial(serial string) *hmsTables {
	device := deviceTypeFromSerial(serial)
	if device == "" {
		device = defaultHmsDeviceType
	}

	hmsCacheMu.Lock()
	defer hmsCacheMu.Unlock()
	if t, ok := hmsCache[device]; ok {
		return t
	}

	t := loadDeviceTables(device)
	if t == nil && device != defaultHmsDeviceType {
		t = loadDeviceTables(defaultHmsDeviceType)
	}
	if t == nil {
		t = &hmsTables{hms: map[string]string{}, errors: map[string]string{}}
	}
	hmsCache[device] = t
	return t
}

func loadDeviceTables(device string) *hmsTables {
	name := fmt.Sprintf("hms_en_%s.json", device)

	raw, err := os.ReadFile(filepath.Join(HmsTableDir, name))
	if err != nil {
		raw, err = hmsFS.ReadFile("data/" + name)
	}
	if err != nil {
		return nil
	}

	var payload struct {
		Data struct {
			DeviceHms struct {
				En []hmsEntry `json:"en"`
			} `json:"device_hms"`
			DeviceError struct {
				En []hmsEntry `json:"en"`
			} `json:"device_error"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		slog.Warn("failed to parse HMS table", "file", name, "error", err)
		return nil
	}

	t := &hmsTables{hms: map[string]string{}, errors: map[string]string{}}
	for _, entry := range payload.Data.DeviceHms.En {
		if key := lookupKey(entry.Ecode); key != "" {
			t.hms[key] = entry.Intro
		}
	}
	for _, entry := range payload.Data.DeviceError.En {
		if key := lookupKey(entry.Ecode); key != "" {
			t.errors[key] = entry.Intro
		}
	}
	return t
}

type hmsEntry struct {
	Ecode string `json:"ecode"`
	Intro string `json:"intro"`
}

// FormatHmsTimestamp converts wire timestamps (unix seconds or millis) to
// a readable form, passing anything else through.
func FormatHmsTimestamp(value any) string {
	if value == nil {
		return "-"
	}
	var num int64
	switch v := value.(type) {
	case float64:
		num = int64(v)
	case int64:
		num = v
	case int:
		num = int64(v)
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%f", &f); err != nil {
			if v == "" {
				return "-"
			}
			return v
		}
		num = int64(f)
	default:
		return fmt.Sprintf("%v", value)
	}

	switch {
	case num == 0:
		return "-"
	case num > 1_000_000_000 && num < 10_000_000_000:
		return time.Unix(num, 0).Format("2006-01-02 15:04:05")
	case num > 10_000_000_000 && num < 100_000_000_000:
		return time.Unix(num/1000, 0).Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprintf("%v", value)
	}
}
