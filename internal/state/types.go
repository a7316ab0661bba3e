// Package state holds the typed printer snapshot model and the pipeline
// that assembles it from raw telemetry payloads.
package state

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GcodeState is the normalized print lifecycle state reported by printers.
type GcodeState string

const (
	GcodeFinish  GcodeState = "FINISH"
	GcodeSlicing GcodeState = "SLICING"
	GcodeRunning GcodeState = "RUNNING"
	GcodePause   GcodeState = "PAUSE"
	GcodePrepare GcodeState = "PREPARE"
	GcodeInit    GcodeState = "INIT"
	GcodeFailed  GcodeState = "FAILED"
	GcodeIdle    GcodeState = "IDLE"
	GcodeUnknown GcodeState = "UNKNOWN"
)

// Firmware variants report the same states under several spellings.
var gcodeStateAliases = map[string]GcodeState{
	"FINISH":       GcodeFinish,
	"FINISHED":     GcodeFinish,
	"SLICING":      GcodeSlicing,
	"RUNNING":      GcodeRunning,
	"PRINTING":     GcodeRunning,
	"PAUSE":        GcodePause,
	"PAUSED":       GcodePause,
	"PREPARE":      GcodePrepare,
	"PREPARING":    GcodePrepare,
	"INIT":         GcodeInit,
	"INITIALIZING": GcodeInit,
	"FAILED":       GcodeFailed,
	"FAIL":         GcodeFailed,
	"IDLE":         GcodeIdle,
	"UNKNOWN":      GcodeUnknown,
}

// NormalizeGcodeState maps raw gcode_state values onto the canonical set.
func NormalizeGcodeState(value string) GcodeState {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	if normalized == "" {
		return GcodeUnknown
	}
	if state, ok := gcodeStateAliases[normalized]; ok {
		return state
	}
	return GcodeUnknown
}

// FtpsStatus values published by the FTPS service.
const (
	FtpsConnected    = "connected"
	FtpsReconnecting = "reconnecting"
	FtpsDisconnected = "disconnected"
)

// CameraStatus represents the lifecycle of the internal camera pipeline.
type CameraStatus string

const (
	CameraStopped      CameraStatus = "stopped"
	CameraConnecting   CameraStatus = "connecting"
	CameraStreaming    CameraStatus = "streaming"
	CameraStallWarning CameraStatus = "stall_warning"
	CameraReconnecting CameraStatus = "reconnecting"
	CameraPaused       CameraStatus = "paused"
)

// AmsTray is a single AMS tray slot.
type AmsTray struct {
	ID          string `json:"id"`
	Material    string `json:"material"`
	Remain      int    `json:"remain"`
	Color       string `json:"color"`
	NozzleMin   string `json:"nozzle_min"`
	NozzleMax   string `json:"nozzle_max"`
	TrayType    string `json:"tray_type"`
	TrayInfoIdx string `json:"tray_info_idx"`
}

// NewAmsTray returns an empty tray with the defaults the UI expects.
func NewAmsTray(id string) AmsTray {
	return AmsTray{
		ID:        id,
		Material:  "Empty",
		Color:     "000000FF",
		NozzleMin: "?",
		NozzleMax: "?",
		TrayType:  "Unknown",
	}
}

// ExternalSpool is the machine's VT spool outside any AMS unit.
type ExternalSpool struct {
	ID          string `json:"id"`
	Material    string `json:"material"`
	Remain      int    `json:"remain"`
	Color       string `json:"color"`
	NozzleMin   string `json:"nozzle_min"`
	NozzleMax   string `json:"nozzle_max"`
	TrayType    string `json:"tray_type"`
	TrayInfoIdx string `json:"tray_info_idx"`
}

// FieldOverrides maps snapshot field names to UI visibility flags.
type FieldOverrides map[string]map[string]bool

// PrinterCapabilities carries per-model field overrides.
type PrinterCapabilities struct {
	Model  string         `json:"model,omitempty"`
	Fields FieldOverrides `json:"fields"`
}

// AmsUnitCapabilities carries per-AMS-product field overrides.
type AmsUnitCapabilities struct {
	ProductName string         `json:"product_name,omitempty"`
	Fields      FieldOverrides `json:"fields"`
}

// AmsUnit is one AMS device with its four trays.
type AmsUnit struct {
	ID           string              `json:"id"`
	AmsID        string              `json:"ams_id"`
	Humidity     string              `json:"humidity"`
	Temp         string              `json:"temp"`
	Firmware     string              `json:"firmware"`
	ProductName  string              `json:"product_name,omitempty"`
	Trays        []AmsTray           `json:"trays"`
	Capabilities AmsUnitCapabilities `json:"capabilities"`
}

// AmsStatus aggregates every AMS unit plus the hub-level tray bitfields.
type AmsStatus struct {
	AmsHubConnected  string         `json:"ams_hub_connected"`
	AmsStatusMain    string         `json:"ams_status_main"`
	AmsStatusSub     string         `json:"ams_status_sub"`
	TotalAms         int            `json:"total_ams"`
	Slots            []AmsTray      `json:"slots"`
	AmsUnits         []AmsUnit      `json:"ams_units"`
	ExternalSpool    *ExternalSpool `json:"external_spool,omitempty"`
	TrayExistBits    string         `json:"tray_exist_bits"`
	TrayIsBblBits    string         `json:"tray_is_bbl_bits"`
	TrayTar          string         `json:"tray_tar"`
	TrayNow          string         `json:"tray_now"`
	TrayPre          string         `json:"tray_pre"`
	TrayReadDoneBits string         `json:"tray_read_done_bits"`
	TrayReadingBits  string         `json:"tray_reading_bits"`
	ActiveTrayIndex  *int           `json:"active_tray_index,omitempty"`
	TrayExistSlots   []bool         `json:"tray_exist_slots"`
	Version          string         `json:"version,omitempty"`
}

// NewAmsStatus returns the empty AMS snapshot.
func NewAmsStatus() AmsStatus {
	return AmsStatus{
		AmsHubConnected:  "Disconnected",
		AmsStatusMain:    "UNKNOWN",
		AmsStatusSub:     "UNKNOWN",
		Slots:            []AmsTray{},
		AmsUnits:         []AmsUnit{},
		TrayExistBits:    "0",
		TrayIsBblBits:    "0",
		TrayTar:          "255",
		TrayNow:          "255",
		TrayPre:          "255",
		TrayReadDoneBits: "0",
		TrayReadingBits:  "0",
		TrayExistSlots:   []bool{},
	}
}

// HmsError is a decoded health-management-system error.
type HmsError struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// PrintError is the decoded print_error field.
type PrintError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// LastSentProjectFile snapshots the last project_file command sent by this app.
type LastSentProjectFile struct {
	Command       string `json:"command"`
	URL           string `json:"url"`
	File          string `json:"file,omitempty"`
	Param         string `json:"param,omitempty"`
	BedLeveling   *bool  `json:"bed_leveling,omitempty"`
	FlowCali      *bool  `json:"flow_cali,omitempty"`
	Timelapse     *bool  `json:"timelapse,omitempty"`
	UseAms        *bool  `json:"use_ams,omitempty"`
	AmsMapping    []int  `json:"ams_mapping,omitempty"`
	LayerInspect  *bool  `json:"layer_inspect,omitempty"`
	VibrationCali *bool  `json:"vibration_cali,omitempty"`
	SentAt        string `json:"sent_at,omitempty"`
}

// PrintAgain describes whether the print-again action should be offered.
type PrintAgain struct {
	Visible bool           `json:"visible"`
	Enabled bool           `json:"enabled"`
	Payload map[string]any `json:"payload,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// SkipObjectPlate is the per-plate feasibility result for skip-objects.
type SkipObjectPlate struct {
	Index     int    `json:"index"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
	PickPath  string `json:"pick_path,omitempty"`
	PickURL   string `json:"pick_url,omitempty"`
}

// SkipObjectState summarizes skip-object feasibility for the active file.
type SkipObjectState struct {
	Available bool              `json:"available"`
	Reason    string            `json:"reason,omitempty"`
	Plates    []SkipObjectPlate `json:"plates"`
}

// FeatureToggle is one decoded feature flag. Supported or Enabled may be
// nil when the flag only carries one of the two dimensions.
type FeatureToggle struct {
	Key       string `json:"key"`
	Supported *bool  `json:"supported"`
	Enabled   *bool  `json:"enabled"`
}

// PrintStatus is the real-time print snapshot.
type PrintStatus struct {
	NozzleTemp              float64          `json:"nozzle_temp"`
	NozzleTargetTemper      float64          `json:"nozzle_target_temper"`
	BedTemp                 float64          `json:"bed_temp"`
	BedTargetTemper         float64          `json:"bed_target_temper"`
	ChamberTemp             float64          `json:"chamber_temp"`
	PrintStage              string           `json:"print_stage"`
	Percent                 int              `json:"percent"`
	RemainingTime           int              `json:"remaining_time"`
	Layer                   string           `json:"layer"`
	GcodeState              GcodeState       `json:"gcode_state"`
	File                    string           `json:"file,omitempty"`
	FinishTime              string           `json:"finish_time"`
	NozzleType              string           `json:"nozzle_type"`
	NozzleDiameter          string           `json:"nozzle_diameter"`
	WifiSignal              string           `json:"wifi_signal"`
	FanGear                 int              `json:"fan_gear"`
	SpeedLevel              int              `json:"speed_level"`
	SpeedMagnitude          int              `json:"speed_magnitude"`
	HeatbreakFanSpeed       string           `json:"heatbreak_fan_speed"`
	CoolingFanSpeed         string           `json:"cooling_fan_speed"`
	PrintError              *PrintError      `json:"print_error,omitempty"`
	HmsErrors               []HmsError       `json:"hms_errors"`
	ChamberLight            string           `json:"chamber_light"`
	TimelapseEnabled        bool             `json:"timelapse_enabled"`
	Sdcard                  bool             `json:"sdcard"`
	SdcardState             string           `json:"sdcard_state"`
	Firmware                string           `json:"firmware,omitempty"`
	McPrintSubStage         int              `json:"mc_print_sub_stage"`
	HwSwitchState           string           `json:"hw_switch_state,omitempty"`
	HomeFlagFeatures        []FeatureToggle  `json:"home_flag_features"`
	FeatureToggles          []FeatureToggle  `json:"feature_toggles"`
	Stg                     []int            `json:"stg"`
	StgCur                  int              `json:"stg_cur"`
	PrintType               string           `json:"print_type"`
	McPrintLineNumber       string           `json:"mc_print_line_number"`
	McPrintStage            int              `json:"mc_print_stage"`
	GcodeFilePreparePercent *int             `json:"gcode_file_prepare_percent,omitempty"`
	StageLabels             []string         `json:"stage_labels"`
	StageCurrentLabel       string           `json:"stage_current_label,omitempty"`
	SkippedObjects          []int            `json:"skipped_objects"`
	SkipObjectState         *SkipObjectState `json:"skip_object_state,omitempty"`
	PrintAgain              PrintAgain       `json:"print_again"`
}

// NewPrintStatus returns the empty print snapshot.
func NewPrintStatus() PrintStatus {
	return PrintStatus{
		PrintStage:        "?",
		Layer:             "0/0",
		GcodeState:        GcodeUnknown,
		FinishTime:        "-",
		NozzleType:        "?",
		NozzleDiameter:    "?",
		WifiSignal:        "?",
		HeatbreakFanSpeed: "0",
		CoolingFanSpeed:   "0",
		HmsErrors:         []HmsError{},
		ChamberLight:      "off",
		SdcardState:       "NO_SDCARD",
		HomeFlagFeatures:  []FeatureToggle{},
		FeatureToggles:    []FeatureToggle{},
		Stg:               []int{},
		PrintType:         "idle",
		McPrintLineNumber: "0",
		StageLabels:       []string{},
		SkippedObjects:    []int{},
	}
}

// PrinterState is the complete per-printer snapshot.
type PrinterState struct {
	Print              PrintStatus          `json:"print"`
	Ams                AmsStatus            `json:"ams"`
	CameraFrame        string               `json:"camera_frame,omitempty"`
	UpdatedAt          string               `json:"updated_at"`
	PrinterOnline      bool                 `json:"printer_online"`
	FtpsStatus         string               `json:"ftps_status"`
	Capabilities       PrinterCapabilities  `json:"capabilities"`
	CameraStatus       CameraStatus         `json:"camera_status"`
	CameraStatusReason string               `json:"camera_status_reason,omitempty"`
	LastSentProject    *LastSentProjectFile `json:"last_sent_project_file,omitempty"`
}

// NewPrinterState returns the default snapshot for an unseen printer.
func NewPrinterState() PrinterState {
	return PrinterState{
		Print:        NewPrintStatus(),
		Ams:          NewAmsStatus(),
		FtpsStatus:   FtpsDisconnected,
		CameraStatus: CameraStopped,
		Capabilities: PrinterCapabilities{Fields: FieldOverrides{}},
	}
}

// Event is a discrete transition derived from snapshot updates.
type Event struct {
	ID            string     `json:"id"`
	PrinterID     string     `json:"printer_id"`
	GcodeState    GcodeState `json:"gcode_state"`
	Message       string     `json:"message"`
	CreatedAt     time.Time  `json:"created_at"`
	Percent       *int       `json:"percent,omitempty"`
	Layer         string     `json:"layer,omitempty"`
	RemainingTime *int       `json:"remaining_time,omitempty"`
	FinishTime    string     `json:"finish_time,omitempty"`
	SpeedLevel    *int       `json:"speed_level,omitempty"`
	File          string     `json:"file,omitempty"`
}

// NewEvent stamps an event with a fresh id and timestamp.
func NewEvent(printerID string, state GcodeState, message string) Event {
	return Event{
		ID:         uuid.New().String(),
		PrinterID:  printerID,
		GcodeState: state,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	}
}

// Timestamp formats t the way updated_at is rendered in snapshots.
func Timestamp(t time.Time) string { return t.Format("15:04:05") }

func parseIntDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

// parseBits reads a firmware bitfield. Masks arrive as bare hex on most
// firmwares but as plain decimal on others; a hex letter in the string
// forces base 16.
func parseBits(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	base := 10
	if strings.ContainsAny(s, "abcdefABCDEF") {
		base = 16
	}
	n, err := strconv.ParseInt(s, base, 64)
	if err != nil {
		return def
	}
	return int(n)
}
