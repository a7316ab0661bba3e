// Package control exposes printer commands over the API: print flow,
// speed, lighting, filament handling, feature toggles, and object
// skipping. Every endpoint publishes to the active printer's request
// topic.
package control

import (
	"fmt"
	"net/http"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/bambu"
	"github.com/bambumon/bambumon/internal/config"
	"github.com/bambumon/bambumon/internal/state"
	"github.com/bambumon/bambumon/modules/metrics"
)

// publisher sends commands to the active printer.
type publisher interface {
	Publish(cmd map[string]any) error
}

// skipValidator checks a skip list against the prepared print file.
type skipValidator interface {
	ValidateSkipObjects(printerID string, objectIDs []int) error
}

type Module struct {
	binding *config.ActiveBinding
	repo    *state.Repo
	pub     publisher
	skips   skipValidator
	metrics *metrics.Module
}

func New(binding *config.ActiveBinding, repo *state.Repo, pub publisher, skips skipValidator, metricsModule *metrics.Module) *Module {
	return &Module{binding: binding, repo: repo, pub: pub, skips: skips, metrics: metricsModule}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Handle("POST /api/control/pushall", router.WithAuthn(http.HandlerFunc(m.handlePushall)))
	router.Handle("POST /api/control/command", router.WithAuthn(http.HandlerFunc(m.handleCommand)))
	router.Handle("POST /api/control/pause", router.WithAuthn(http.HandlerFunc(m.handlePause)))
	router.Handle("POST /api/control/resume", router.WithAuthn(http.HandlerFunc(m.handleResume)))
	router.Handle("POST /api/control/stop", router.WithAuthn(http.HandlerFunc(m.handleStop)))
	router.Handle("POST /api/control/gcode", router.WithAuthn(http.HandlerFunc(m.handleGcode)))
	router.Handle("POST /api/control/speed", router.WithAuthn(http.HandlerFunc(m.handleSpeed)))
	router.Handle("POST /api/control/chamber-light", router.WithAuthn(http.HandlerFunc(m.handleLight)))
	router.Handle("POST /api/control/ams/filament", router.WithAuthn(http.HandlerFunc(m.handleFilamentChange)))
	router.Handle("POST /api/control/accessories/nozzle", router.WithAuthn(http.HandlerFunc(m.handleNozzle)))
	router.Handle("POST /api/control/ams/material", router.WithAuthn(http.HandlerFunc(m.handleAmsMaterial)))
	router.Handle("POST /api/control/features/toggle", router.WithAuthn(http.HandlerFunc(m.handleFeatureToggle)))
	router.Handle("POST /api/control/skip-objects", router.WithAuthn(http.HandlerFunc(m.handleSkipObjects)))
}

// send publishes a command and records the latency under name.
func (m *Module) send(name string, cmd map[string]any) error {
	return m.metrics.Timed(name, func() error {
		return m.pub.Publish(cmd)
	})
}

func (m *Module) requirePrinter(w http.ResponseWriter) (config.Binding, bool) {
	current := m.binding.Current()
	if !current.Valid {
		engine.HandleError(w, engine.Unavailable("no printer selected"))
		return config.Binding{}, false
	}
	return current, true
}

func (m *Module) simple(w http.ResponseWriter, name string, cmd map[string]any) {
	if _, ok := m.requirePrinter(w); !ok {
		return
	}
	if err := m.send(name, cmd); engine.HandleError(w, err) {
		return
	}
	engine.WriteJSON(w, map[string]any{"sent": true})
}

// handlePushall asks the printer to republish its full state.
func (m *Module) handlePushall(w http.ResponseWriter, r *http.Request) {
	m.simple(w, "pushall", bambu.PushallCommand())
}

// handleCommand dispatches a named print command by string, the bulk
// transport for simple UI buttons.
func (m *Module) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command string `json:"command"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	switch body.Command {
	case "pause":
		m.simple(w, "print_pause", bambu.PauseCommand())
	case "resume":
		m.simple(w, "print_resume", bambu.ResumeCommand())
	case "stop":
		m.simple(w, "print_stop", bambu.StopCommand())
	default:
		engine.HandleError(w, engine.BadRequest("command must be pause, resume, or stop"))
	}
}

func (m *Module) handlePause(w http.ResponseWriter, r *http.Request) {
	m.simple(w, "print_pause", bambu.PauseCommand())
}

func (m *Module) handleResume(w http.ResponseWriter, r *http.Request) {
	m.simple(w, "print_resume", bambu.ResumeCommand())
}

func (m *Module) handleStop(w http.ResponseWriter, r *http.Request) {
	m.simple(w, "print_stop", bambu.StopCommand())
}

func (m *Module) handleGcode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Line string `json:"line"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if body.Line == "" {
		engine.HandleError(w, engine.BadRequest("line is required"))
		return
	}
	m.simple(w, "gcode_line", bambu.GcodeLineCommand(body.Line))
}

func (m *Module) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level int `json:"level"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if body.Level < 1 || body.Level > 4 {
		engine.HandleError(w, engine.BadRequest("level must be between 1 and 4"))
		return
	}
	m.simple(w, "print_speed", bambu.SpeedLevelCommand(body.Level))
}

func (m *Module) handleLight(w http.ResponseWriter, r *http.Request) {
	var body struct {
		On bool `json:"on"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	m.simple(w, "chamber_light", bambu.ChamberLightCommand(body.On))
}

func (m *Module) handleFilamentChange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Slot int  `json:"slot"`
		Load bool `json:"load"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if body.Load && (body.Slot < 0 || body.Slot > 15) {
		engine.HandleError(w, engine.BadRequest("slot must be between 0 and 15"))
		return
	}
	m.simple(w, "filament_change", bambu.ChangeFilamentCommand(body.Slot, body.Load))
}

func (m *Module) handleNozzle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Diameter string `json:"diameter"`
		Type     string `json:"type"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	diameter := state.NormalizeNozzleDiameter(body.Diameter)
	if diameter == "" || body.Type == "" {
		engine.HandleError(w, engine.BadRequest("diameter and type are required"))
		return
	}
	m.simple(w, "nozzle_accessory", bambu.NozzleAccessoryCommand(diameter, body.Type))
}

func (m *Module) handleAmsMaterial(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AmsID          int    `json:"ams_id"`
		TrayID         int    `json:"tray_id"`
		TrayInfoIdx    string `json:"tray_info_idx"`
		TrayColor      string `json:"tray_color"`
		TrayType       string `json:"tray_type"`
		NozzleTempMin  int    `json:"nozzle_temp_min"`
		NozzleTempMax  int    `json:"nozzle_temp_max"`
		SettingID      string `json:"setting_id"`
		CaliIdx        int    `json:"cali_idx"`
		NozzleDiameter string `json:"nozzle_diameter"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if _, ok := m.requirePrinter(w); !ok {
		return
	}

	cmds, err := bambu.AmsMaterialCommands(bambu.AmsMaterialSetting{
		AmsID:          body.AmsID,
		TrayID:         body.TrayID,
		TrayInfoIdx:    body.TrayInfoIdx,
		TrayColor:      body.TrayColor,
		TrayType:       body.TrayType,
		NozzleTempMin:  body.NozzleTempMin,
		NozzleTempMax:  body.NozzleTempMax,
		SettingID:      body.SettingID,
		CaliIdx:        body.CaliIdx,
		NozzleDiameter: body.NozzleDiameter,
	})
	if err != nil {
		engine.HandleError(w, engine.BadRequest(err.Error()))
		return
	}
	for _, cmd := range cmds {
		if err := m.send("ams_filament_setting", cmd); engine.HandleError(w, err) {
			return
		}
	}
	engine.WriteJSON(w, map[string]any{"sent": true})
}

// featurePeers pairs the two toggles written by ams_user_setting.
var featurePeers = map[string]string{
	"AMS_DETECT_REMAIN": "AMS_ON_STARTUP",
	"AMS_ON_STARTUP":    "AMS_DETECT_REMAIN",
}

func (m *Module) handleFeatureToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key     string `json:"key"`
		Enabled bool   `json:"enabled"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	if body.Key == "" {
		engine.HandleError(w, engine.BadRequest("key is required"))
		return
	}
	current, ok := m.requirePrinter(w)
	if !ok {
		return
	}
	key := body.Key

	peerEnabled := false
	if peer, paired := featurePeers[key]; paired {
		peerEnabled = m.toggleEnabled(current.Printer.ID, peer)
	}

	cmd, err := bambu.FeatureToggleCommand(key, body.Enabled, peerEnabled)
	if err != nil {
		engine.HandleError(w, engine.BadRequest(err.Error()))
		return
	}
	m.simple(w, fmt.Sprintf("feature_%s", key), cmd)
}

// toggleEnabled reads a toggle's current value from the snapshot.
func (m *Module) toggleEnabled(printerID, key string) bool {
	snapshot, ok := m.repo.Snapshot(printerID)
	if !ok {
		return false
	}
	for _, toggle := range snapshot.Print.FeatureToggles {
		if toggle.Key == key && toggle.Enabled != nil {
			return *toggle.Enabled
		}
	}
	return false
}

func (m *Module) handleSkipObjects(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ObjectIDs []int `json:"obj_list"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	current, ok := m.requirePrinter(w)
	if !ok {
		return
	}
	if err := m.skips.ValidateSkipObjects(current.Printer.ID, body.ObjectIDs); engine.HandleError(w, err) {
		return
	}
	m.simple(w, "skip_objects", bambu.SkipObjectsCommand(body.ObjectIDs))
}
