package state

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ModuleInfo is one entry from a get_version report.
type ModuleInfo struct {
	Name        string
	SwVer       string
	ProductName string
	Serial      string
}

// BuildModuleIndex extracts the module table from get_version payloads,
// keyed by lowercase module name. The info block lands at the document
// root on most firmwares but nested under print on some.
func BuildModuleIndex(doc map[string]any) map[string]ModuleInfo {
	index := map[string]ModuleInfo{}
	collect := func(raw any) {
		info, ok := raw.(map[string]any)
		if !ok {
			return
		}
		if cmd := asString(info["command"]); cmd != "" && cmd != "get_version" {
			return
		}
		modules, ok := info["module"].([]any)
		if !ok {
			return
		}
		for _, rawEntry := range modules {
			entry, ok := rawEntry.(map[string]any)
			if !ok {
				continue
			}
			name := strings.ToLower(asString(entry["name"]))
			if name == "" {
				continue
			}
			index[name] = ModuleInfo{
				Name:        name,
				SwVer:       asString(entry["sw_ver"]),
				ProductName: asString(entry["product_name"]),
				Serial:      asString(entry["sn"]),
			}
		}
	}
	collect(doc["info"])
	if printDoc, ok := doc["print"].(map[string]any); ok {
		collect(printDoc["info"])
	}
	return index
}

// AssemblePrinterState parses the merged raw document into a typed
// snapshot. serial selects the HMS description table, model the
// capability overrides.
func AssemblePrinterState(doc map[string]any, serial, model string, now time.Time) PrinterState {
	state := NewPrinterState()
	modules := BuildModuleIndex(doc)

	printDoc, _ := doc["print"].(map[string]any)
	if printDoc == nil {
		// Some firmwares report print fields at the document root.
		printDoc = doc
	}
	state.Print = parsePrintStatus(printDoc, modules, serial, now)
	state.Ams = parseAmsStatus(printDoc, modules)
	state.Capabilities = CapabilitiesForModel(model)
	state.UpdatedAt = Timestamp(now)
	return state
}

func parsePrintStatus(doc map[string]any, modules map[string]ModuleInfo, serial string, now time.Time) PrintStatus {
	out := NewPrintStatus()

	out.NozzleTemp = asFloat(doc["nozzle_temper"])
	out.NozzleTargetTemper = asFloat(doc["nozzle_target_temper"])
	out.BedTemp = asFloat(doc["bed_temper"])
	out.BedTargetTemper = asFloat(doc["bed_target_temper"])
	out.ChamberTemp = asFloat(doc["chamber_temper"])

	if v := asString(doc["mc_print_stage"]); v != "" {
		out.PrintStage = v
	}
	out.McPrintStage = normInt(doc["mc_print_stage"])
	out.Percent = normInt(doc["mc_percent"])
	out.RemainingTime = digitsInt(doc["mc_remaining_time"])
	out.Layer = fmt.Sprintf("%d/%d", normInt(doc["layer_num"]), normInt(doc["total_layer_num"]))
	out.GcodeState = NormalizeGcodeState(asString(doc["gcode_state"]))
	out.File = asString(doc["gcode_file"])

	if out.RemainingTime > 0 {
		out.FinishTime = now.Add(time.Duration(out.RemainingTime) * time.Minute).Format("15:04")
	}

	if v := asString(doc["nozzle_type"]); v != "" {
		out.NozzleType = v
	}
	if v := asString(doc["nozzle_diameter"]); v != "" {
		out.NozzleDiameter = v
	}
	if v := asString(doc["wifi_signal"]); v != "" {
		out.WifiSignal = v
	}
	out.FanGear = normInt(doc["fan_gear"])
	out.SpeedLevel = normInt(doc["spd_lvl"])
	out.SpeedMagnitude = normInt(doc["spd_mag"])
	if v := asString(doc["heatbreak_fan_speed"]); v != "" {
		out.HeatbreakFanSpeed = v
	}
	if v := asString(doc["cooling_fan_speed"]); v != "" {
		out.CoolingFanSpeed = v
	}
	out.McPrintSubStage = normInt(doc["mc_print_sub_stage"])
	out.HwSwitchState = asString(doc["hw_switch_state"])
	if v := asString(doc["print_type"]); v != "" {
		out.PrintType = v
	}
	if v := asString(doc["mc_print_line_number"]); v != "" {
		out.McPrintLineNumber = v
	}
	if v, ok := doc["gcode_file_prepare_percent"]; ok {
		n := normInt(v)
		out.GcodeFilePreparePercent = &n
	}

	out.ChamberLight = parseChamberLight(doc["lights_report"])
	if ota, ok := modules["ota"]; ok {
		out.Firmware = ota.SwVer
	}

	out.SkippedObjects = intList(doc["s_obj"])
	out.Stg = intList(doc["stg"])
	out.StgCur = normInt(doc["stg_cur"])
	out.StageLabels = make([]string, 0, len(out.Stg))
	for _, code := range out.Stg {
		out.StageLabels = append(out.StageLabels, StageLabel(code))
	}
	if out.GcodeState == GcodeRunning || out.GcodeState == GcodePause {
		out.StageCurrentLabel = StageLabel(out.StgCur)
	}

	if raw, ok := doc["home_flag"]; ok {
		features, sdState := ParseHomeFlag(int64(normInt(raw)))
		out.HomeFlagFeatures = features
		out.SdcardState = sdState
		out.Sdcard = sdState != "NO_SDCARD"
	}
	out.FeatureToggles, out.TimelapseEnabled = extendFeatureToggles(out.HomeFlagFeatures, doc)

	out.PrintError = parsePrintError(doc["print_error"], serial)
	out.HmsErrors = parseHmsErrors(doc["hms"], serial)

	return out
}

func parseChamberLight(raw any) string {
	reports, ok := raw.([]any)
	if !ok {
		return "off"
	}
	for _, entry := range reports {
		light, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if asString(light["node"]) == "chamber_light" {
			if mode := asString(light["mode"]); mode != "" {
				return mode
			}
		}
	}
	return "off"
}

func parsePrintError(raw any, serial string) *PrintError {
	if raw == nil {
		return nil
	}
	code := normInt(raw)
	if code == 0 {
		return nil
	}
	dashed := IntToHexGroups(int64(code))
	desc := ErrorDescription(dashed, serial)
	if desc == "" {
		// Codes without a description table entry are transient noise.
		return nil
	}
	return &PrintError{Code: dashed, Description: desc}
}

func parseHmsErrors(raw any, serial string) []HmsError {
	entries, ok := raw.([]any)
	if !ok {
		return []HmsError{}
	}
	out := make([]HmsError, 0, len(entries))
	for _, rawEntry := range entries {
		entry, ok := rawEntry.(map[string]any)
		if !ok {
			continue
		}
		attr := IntToHexGroups(int64(normInt(entry["attr"])))
		code := IntToHexGroups(int64(normInt(entry["code"])))
		full := fmt.Sprintf("HMS_%s-%s", attr, code)
		out = append(out, HmsError{
			Code:        full,
			Description: HmsDescription(full, serial),
		})
	}
	return out
}

// extendFeatureToggles augments the home_flag feature list with toggles
// that live in other report sections, keeping the UI ordering stable.
func extendFeatureToggles(base []FeatureToggle, doc map[string]any) ([]FeatureToggle, bool) {
	toggles := make([]FeatureToggle, len(base))
	copy(toggles, base)
	timelapse := false

	if xcam, ok := doc["xcam"].(map[string]any); ok {
		if v, ok := xcam["buildplate_marker_detector"]; ok {
			toggles = insertAfter(toggles, "PROMPT_SOUND", FeatureToggle{
				Key:       "BUILDPLATE_MARKER_DETECTOR",
				Supported: boolPtr(true),
				Enabled:   boolPtr(toBool(v)),
			})
		}
	}
	if ipcam, ok := doc["ipcam"].(map[string]any); ok {
		if v, ok := ipcam["ipcam_record"]; ok {
			recording := strings.EqualFold(asString(v), "enable")
			toggles = removeToggle(toggles, "CAMERA_RECORDING")
			toggles = insertAfter(toggles, "PROMPT_SOUND", FeatureToggle{
				Key:       "CAMERA_RECORDING",
				Supported: boolPtr(true),
				Enabled:   boolPtr(recording),
			})
		}
		if v, ok := ipcam["timelapse"]; ok {
			timelapse = toBool(v)
		}
	}
	if ams, ok := doc["ams"].(map[string]any); ok {
		if v, ok := ams["power_on_flag"]; ok {
			toggles = removeToggle(toggles, "AMS_ON_STARTUP")
			toggles = insertAfter(toggles, "AMS_DETECT_REMAIN", FeatureToggle{
				Key:       "AMS_ON_STARTUP",
				Supported: boolPtr(true),
				Enabled:   boolPtr(toBool(v)),
			})
		}
	}

	return toggles, timelapse
}

func insertAfter(toggles []FeatureToggle, target string, toggle FeatureToggle) []FeatureToggle {
	for i, existing := range toggles {
		if existing.Key == target {
			out := make([]FeatureToggle, 0, len(toggles)+1)
			out = append(out, toggles[:i+1]...)
			out = append(out, toggle)
			out = append(out, toggles[i+1:]...)
			return out
		}
	}
	return append(toggles, toggle)
}

func removeToggle(toggles []FeatureToggle, key string) []FeatureToggle {
	out := toggles[:0]
	for _, toggle := range toggles {
		if toggle.Key != key {
			out = append(out, toggle)
		}
	}
	return out
}

func parseAmsStatus(doc map[string]any, modules map[string]ModuleInfo) AmsStatus {
	out := NewAmsStatus()

	if raw, ok := doc["ams_status"]; ok {
		out.AmsStatusMain, out.AmsStatusSub = DecodeAmsStatus(int64(normInt(raw)))
	}

	amsDoc, _ := doc["ams"].(map[string]any)
	if amsDoc != nil {
		if v := asString(amsDoc["tray_exist_bits"]); v != "" {
			out.TrayExistBits = v
		}
		if v := asString(amsDoc["tray_is_bbl_bits"]); v != "" {
			out.TrayIsBblBits = v
		}
		if v := asString(amsDoc["tray_tar"]); v != "" {
			out.TrayTar = v
		}
		if v := asString(amsDoc["tray_now"]); v != "" {
			out.TrayNow = v
		}
		if v := asString(amsDoc["tray_pre"]); v != "" {
			out.TrayPre = v
		}
		if v := asString(amsDoc["tray_read_done_bits"]); v != "" {
			out.TrayReadDoneBits = v
		}
		if v := asString(amsDoc["tray_reading_bits"]); v != "" {
			out.TrayReadingBits = v
		}
		if v := asString(amsDoc["version"]); v != "" {
			out.Version = v
		}

		amsProducts := amsProductNames(modules)
		if units, ok := amsDoc["ams"].([]any); ok {
			for i, rawUnit := range units {
				unitDoc, ok := rawUnit.(map[string]any)
				if !ok {
					continue
				}
				unit := parseAmsUnit(unitDoc, i, amsProducts)
				out.AmsUnits = append(out.AmsUnits, unit)
			}
		}
	}

	out.TotalAms = len(out.AmsUnits)
	if out.TotalAms > 0 {
		out.Slots = out.AmsUnits[0].Trays
	}
	// The hub flag tracks ams_exist_bits, not the parsed unit count.
	if amsDoc != nil && parseBits(asString(amsDoc["ams_exist_bits"]), 0) != 0 {
		out.AmsHubConnected = "Connected"
	}
	out.TrayExistSlots = TrayExistSlots(out.TrayExistBits)
	out.ActiveTrayIndex = ActiveTrayIndex(out.TrayNow)

	out.ExternalSpool = parseExternalSpool(doc["vt_tray"])
	return out
}

// amsProductNames returns product names of AMS modules ordered by module
// name, which tracks the physical unit order (ams/0, ams/1, ...).
func amsProductNames(modules map[string]ModuleInfo) []string {
	names := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		for _, key := range []string{fmt.Sprintf("ams/%d", i), fmt.Sprintf("ams_f1/%d", i)} {
			if mod, ok := modules[key]; ok {
				names = append(names, mod.ProductName)
				break
			}
		}
	}
	if len(names) == 0 {
		if mod, ok := modules["ams"]; ok {
			names = append(names, mod.ProductName)
		}
	}
	return names
}

func parseAmsUnit(doc map[string]any, index int, products []string) AmsUnit {
	unit := AmsUnit{
		ID:       asString(doc["id"]),
		AmsID:    asString(doc["id"]),
		Humidity: asString(doc["humidity"]),
		Temp:     asString(doc["temp"]),
	}
	if unit.ID == "" {
		unit.ID = strconv.Itoa(index)
		unit.AmsID = unit.ID
	}
	if index < len(products) {
		unit.ProductName = products[index]
	}
	unit.Capabilities = CapabilitiesForAmsProduct(unit.ProductName)

	trays, _ := doc["tray"].([]any)
	unit.Trays = make([]AmsTray, 0, 4)
	for i, rawTray := range trays {
		trayDoc, ok := rawTray.(map[string]any)
		if !ok {
			continue
		}
		unit.Trays = append(unit.Trays, parseAmsTray(trayDoc, i))
	}
	return unit
}

func parseAmsTray(doc map[string]any, index int) AmsTray {
	id := asString(doc["id"])
	if id == "" {
		id = strconv.Itoa(index)
	}
	tray := NewAmsTray(id)

	if v := asString(doc["tray_sub_brands"]); v != "" {
		tray.Material = v
	} else if v := asString(doc["tray_type"]); v != "" {
		tray.Material = v
	}
	if v := asString(doc["tray_type"]); v != "" {
		tray.TrayType = v
	}
	if v := asString(doc["tray_color"]); v != "" {
		tray.Color = v
	}
	if v := asString(doc["nozzle_temp_min"]); v != "" {
		tray.NozzleMin = v
	}
	if v := asString(doc["nozzle_temp_max"]); v != "" {
		tray.NozzleMax = v
	}
	tray.TrayInfoIdx = asString(doc["tray_info_idx"])
	tray.Remain = normInt(doc["remain"])
	return tray
}

func parseExternalSpool(raw any) *ExternalSpool {
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	spool := &ExternalSpool{
		ID:        asString(doc["id"]),
		Material:  "Empty",
		Color:     "000000FF",
		NozzleMin: "?",
		NozzleMax: "?",
		TrayType:  "Unknown",
	}
	if v := asString(doc["tray_sub_brands"]); v != "" {
		spool.Material = v
	} else if v := asString(doc["tray_type"]); v != "" {
		spool.Material = v
	}
	if v := asString(doc["tray_type"]); v != "" {
		spool.TrayType = v
	}
	if v := asString(doc["tray_color"]); v != "" {
		spool.Color = v
	}
	if v := asString(doc["nozzle_temp_min"]); v != "" {
		spool.NozzleMin = v
	}
	if v := asString(doc["nozzle_temp_max"]); v != "" {
		spool.NozzleMax = v
	}
	spool.TrayInfoIdx = asString(doc["tray_info_idx"])
	spool.Remain = normInt(doc["remain"])
	return spool
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// normInt truncates numeric values the way int(float(x)) would, so "75.0"
// and 75.0 both land on 75.
func normInt(v any) int {
	return int(asFloat(v))
}

// digitsInt parses values that are sometimes sent as digit strings.
func digitsInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func intList(v any) []int {
	entries, ok := v.([]any)
	if !ok {
		return []int{}
	}
	out := make([]int, 0, len(entries))
	for _, entry := range entries {
		out = append(out, normInt(entry))
	}
	return out
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "on", "yes", "enable", "enabled":
			return true
		}
		return false
	default:
		return false
	}
}
