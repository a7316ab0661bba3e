// Package bambu speaks the Bambu Lab LAN protocols: MQTTS reports and
// requests, the implicit-TLS FTPS share, and the TCP camera stream.
package bambu

import (
	"fmt"
	"strconv"

	"github.com/bambumon/bambumon/internal/state"
)

// Command payloads publish to device/<serial>/request. The printer echoes
// each command on the report topic with a result field.

// PushallCommand asks the printer for a full state report.
func PushallCommand() map[string]any {
	return map[string]any{
		"pushing": map[string]any{
			"sequence_id": "0",
			"command":     "pushall",
		},
	}
}

// GetVersionCommand asks for the module/firmware inventory.
func GetVersionCommand(sequenceID string) map[string]any {
	return map[string]any{
		"info": map[string]any{
			"sequence_id": sequenceID,
			"command":     "get_version",
		},
	}
}

// HeartbeatCommand is a cheap request used to tickle a silent connection.
func HeartbeatCommand() map[string]any {
	return map[string]any{
		"print": map[string]any{
			"command": "heartbeat",
		},
	}
}

// PauseCommand pauses the running print.
func PauseCommand() map[string]any { return simplePrintCommand("pause") }

// ResumeCommand resumes a paused print.
func ResumeCommand() map[string]any { return simplePrintCommand("resume") }

// StopCommand aborts the running print.
func StopCommand() map[string]any { return simplePrintCommand("stop") }

func simplePrintCommand(command string) map[string]any {
	return map[string]any{
		"print": map[string]any{
			"sequence_id": "0",
			"command":     command,
		},
	}
}

// GcodeLineCommand sends a raw gcode line.
func GcodeLineCommand(line string) map[string]any {
	return map[string]any{
		"print": map[string]any{
			"sequence_id": "0",
			"command":     "gcode_line",
			"param":       line,
		},
	}
}

// SpeedLevelCommand sets the print speed profile (1 silent .. 4 ludicrous).
func SpeedLevelCommand(level int) map[string]any {
	return map[string]any{
		"print": map[string]any{
			"sequence_id": "0",
			"command":     "print_speed",
			"param":       strconv.Itoa(level),
		},
	}
}

// ChamberLightCommand turns the chamber light on or off.
func ChamberLightCommand(on bool) map[string]any {
	mode := "off"
	if on {
		mode = "on"
	}
	return map[string]any{
		"system": map[string]any{
			"sequence_id":   "0",
			"command":       "ledctrl",
			"led_node":      "chamber_light",
			"led_mode":      mode,
			"led_on_time":   500,
			"led_off_time":  500,
			"loop_times":    0,
			"interval_time": 0,
		},
	}
}

// ChangeFilamentCommand loads a tray into the toolhead or unloads the
// current one. Slot 255 with warm temps means unload; a real slot with -1
// temps means load at the filament's own profile.
func ChangeFilamentCommand(slot int, load bool) map[string]any {
	target := 255
	currTemp := 210
	tarTemp := 210
	if load {
		target = slot
		currTemp = -1
		tarTemp = -1
	}
	return map[string]any{
		"print": map[string]any{
			"sequence_id": "0",
			"command":     "ams_change_filament",
			"slot_id":     target,
			"target":      target,
			"curr_temp":   currTemp,
			"tar_temp":    tarTemp,
			"reason":      "success",
			"result":      "success",
		},
	}
}

// NozzleAccessoryCommand records a nozzle swap on the printer.
func NozzleAccessoryCommand(diameter, nozzleType string) map[string]any {
	return map[string]any{
		"system": map[string]any{
			"sequence_id":     "0",
			"accessory_type":  "nozzle",
			"command":         "set_accessories",
			"nozzle_diameter": diameter,
			"nozzle_type":     nozzleType,
		},
	}
}

// AmsMaterialSetting describes a filament assignment for one tray.
type AmsMaterialSetting struct {
	AmsID          int
	TrayID         int
	TrayInfoIdx    string
	TrayColor      string
	TrayType       string
	NozzleTempMin  int
	NozzleTempMax  int
	SettingID      string
	CaliIdx        int
	NozzleDiameter string
}

// AmsMaterialCommands builds the two payloads that assign a filament to a
// tray: the setting itself, then the calibration profile selection.
func AmsMaterialCommands(s AmsMaterialSetting) ([]map[string]any, error) {
	color := state.CanonicalTrayColor(s.TrayColor)
	if s.TrayColor != "" && color == "" {
		return nil, fmt.Errorf("invalid tray color %q", s.TrayColor)
	}
	settingID := s.SettingID
	if settingID == "" {
		settingID = s.TrayInfoIdx
	}

	setting := map[string]any{
		"print": map[string]any{
			"sequence_id":     "0",
			"command":         "ams_filament_setting",
			"ams_id":          s.AmsID,
			"tray_id":         s.TrayID,
			"tray_info_idx":   s.TrayInfoIdx,
			"tray_color":      color,
			"tray_type":       s.TrayType,
			"nozzle_temp_min": s.NozzleTempMin,
			"nozzle_temp_max": s.NozzleTempMax,
			"setting_id":      settingID,
		},
	}

	caliIdx := s.CaliIdx
	if caliIdx == 0 {
		caliIdx = -1
	}
	cali := map[string]any{
		"print": map[string]any{
			"sequence_id":     "0",
			"command":         "extrusion_cali_sel",
			"tray_id":         s.TrayID,
			"cali_idx":        caliIdx,
			"filament_id":     s.TrayInfoIdx,
			"nozzle_diameter": state.NormalizeNozzleDiameter(s.NozzleDiameter),
		},
	}
	return []map[string]any{setting, cali}, nil
}

// SkipObjectsCommand excludes the given object ids from the running print.
func SkipObjectsCommand(objectIDs []int) map[string]any {
	list := make([]int, len(objectIDs))
	copy(list, objectIDs)
	return map[string]any{
		"print": map[string]any{
			"sequence_id": "0",
			"command":     "skip_objects",
			"obj_list":    list,
		},
	}
}

// printOptionFields maps simple home_flag toggles to their print_option field.
var printOptionFields = map[string]string{
	"STEP_LOSS_RECOVERY":     "auto_recovery",
	"PROMPT_SOUND":           "sound_enable",
	"FILAMENT_TANGLE_DETECT": "filament_tangle_detect",
	"AMS_AUTO_REFILL":        "auto_switch_filament",
	"AIR_PRINT_DETECTION":    "air_print_detect",
	"NOZZLE_BLOB_DETECTION":  "nozzle_blob_detect",
}

// FeatureToggleCommand builds the command that flips a feature toggle.
// peerEnabled carries the current value of the paired AMS setting, since
// ams_user_setting always writes both flags at once.
func FeatureToggleCommand(key string, enabled bool, peerEnabled bool) (map[string]any, error) {
	switch key {
	case "BUILDPLATE_MARKER_DETECTOR":
		return map[string]any{
			"xcam": map[string]any{
				"sequence_id": "0",
				"command":     "xcam_control_set",
				"module_name": "buildplate_marker_detector",
				"control":     enabled,
				"enable":      enabled,
				"print_halt":  true,
			},
		}, nil
	case "CAMERA_RECORDING":
		control := "disable"
		if enabled {
			control = "enable"
		}
		return map[string]any{
			"camera": map[string]any{
				"sequence_id": "0",
				"command":     "ipcam_record_set",
				"control":     control,
			},
		}, nil
	case "AMS_DETECT_REMAIN":
		return amsUserSettingCommand(enabled, peerEnabled), nil
	case "AMS_ON_STARTUP":
		return amsUserSettingCommand(peerEnabled, enabled), nil
	}

	field, ok := printOptionFields[key]
	if !ok {
		return nil, fmt.Errorf("feature %q is not controllable", key)
	}
	return map[string]any{
		"print": map[string]any{
			"sequence_id": "0",
			"command":     "print_option",
			field:         enabled,
		},
	}, nil
}

func amsUserSettingCommand(calibrateRemain, startupRead bool) map[string]any {
	return map[string]any{
		"print": map[string]any{
			"sequence_id":           "0",
			"command":               "ams_user_setting",
			"ams_id":                -1,
			"calibrate_remain_flag": calibrateRemain,
			"startup_read_option":   startupRead,
			"tray_read_option":      false,
		},
	}
}

// ProjectFileOptions carries the tunable flags of a print start.
type ProjectFileOptions struct {
	URL           string
	Param         string
	BedLeveling   bool
	FlowCali      bool
	Timelapse     bool
	UseAms        *bool
	AmsMapping    []int
	LayerInspect  *bool
	VibrationCali *bool
}

// ProjectFileCommand builds the payload that starts a print from a file
// already on the printer's storage.
func ProjectFileCommand(opts ProjectFileOptions) map[string]any {
	useAms := true
	if opts.UseAms != nil {
		useAms = *opts.UseAms
	}
	layerInspect := true
	if opts.LayerInspect != nil {
		layerInspect = *opts.LayerInspect
	}
	vibrationCali := true
	if opts.VibrationCali != nil {
		vibrationCali = *opts.VibrationCali
	}
	mapping := opts.AmsMapping
	if mapping == nil {
		mapping = []int{}
	}
	return map[string]any{
		"print": map[string]any{
			"sequence_id":    "0",
			"command":        "project_file",
			"url":            opts.URL,
			"param":          opts.Param,
			"bed_leveling":   opts.BedLeveling,
			"flow_cali":      opts.FlowCali,
			"timelapse":      opts.Timelapse,
			"use_ams":        useAms,
			"ams_mapping":    mapping,
			"layer_inspect":  layerInspect,
			"vibration_cali": vibrationCali,
		},
	}
}
