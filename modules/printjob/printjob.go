// Package printjob prepares files from the printer's storage for a
// print start: it downloads (or reuses a cached copy of) the 3MF,
// parses per-plate slice metadata, and derives skip-object feasibility
// for the running print.
package printjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/bambu"
	"github.com/bambumon/bambumon/internal/config"
	"github.com/bambumon/bambumon/internal/state"
	"github.com/bambumon/bambumon/modules/ftps"
	"github.com/bambumon/bambumon/modules/metrics"
)

// publisher sends commands to the active printer.
type publisher interface {
	Publish(cmd map[string]any) error
}

// Module exposes the prepare pipeline and the print-start endpoint.
type Module struct {
	binding *config.ActiveBinding
	repo    *state.Repo
	ftps    *ftps.Module
	pub     publisher
	metrics *metrics.Module

	cache   *cache
	manager *manager
}

func New(binding *config.ActiveBinding, repo *state.Repo, ftpsModule *ftps.Module, pub publisher, metricsModule *metrics.Module, cacheDir string) *Module {
	c := newCache(cacheDir)
	m := &Module{
		binding: binding,
		repo:    repo,
		ftps:    ftpsModule,
		pub:     pub,
		metrics: metricsModule,
		cache:   c,
	}
	m.manager = newManager(m.storageSession, c)
	return m
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Handle("POST /api/printjob/prepare", router.WithAuthn(http.HandlerFunc(m.handlePrepare)))
	router.Handle("POST /api/printjob/cancel", router.WithAuthn(http.HandlerFunc(m.handleCancel)))
	router.Handle("POST /api/printjob/execute", router.WithAuthn(http.HandlerFunc(m.handleExecute)))
	router.Handle("GET /api/printjob/status", router.WithAuthn(http.HandlerFunc(m.handleStatus)))
	router.Handle("GET /api/printjob/skip-metadata", router.WithAuthn(http.HandlerFunc(m.handleSkipMetadata)))
	// Previews render in <img> tags that cannot carry an auth header.
	router.HandleFunc("GET /api/printjob/plate-preview", m.handlePreview)
}

// Cached bundles expire after a week; a stale copy is re-downloaded
// on the next prepare anyway.
const cacheMaxAge = 7 * 24 * time.Hour

func (m *Module) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(m.manager.run)
	mgr.Add(engine.Poll(time.Hour, func(ctx context.Context) bool {
		if err := m.cache.pruneOlder(cacheMaxAge); err != nil {
			slog.Error("print cache prune failed", "error", err)
		}
		return false
	}))
}

// CacheStats reports cache totals for the admin surface.
func (m *Module) CacheStats() (files int, bytes int64, err error) {
	return m.cache.stats()
}

// CleanCache removes cached files for one printer, or all of them.
func (m *Module) CleanCache(printerID string) error {
	return m.cache.clean(printerID)
}

func (m *Module) storageSession() (storage, error) {
	client := m.ftps.Client()
	if client == nil {
		return nil, engine.Unavailable("Printer storage unavailable")
	}
	return client, nil
}

func (m *Module) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	current := m.binding.Current()
	if !current.Valid {
		engine.HandleError(w, engine.Unavailable("no printer selected"))
		return
	}

	job, err := m.manager.Prepare(current.Printer.ID, body.Path)
	if engine.HandleError(w, err) {
		return
	}
	engine.WriteJSON(w, job)
}

// handleStatus reports one job by id, or the latest job for the active
// printer when job_id is omitted.
func (m *Module) handleStatus(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("job_id"); id != "" {
		job := m.manager.Job(id)
		if job == nil {
			engine.HandleError(w, engine.NotFound("print job not found"))
			return
		}
		m.refreshSkipObjects(job)
		engine.WriteJSON(w, job)
		return
	}

	current := m.binding.Current()
	if !current.Valid {
		engine.HandleError(w, engine.Unavailable("no printer selected"))
		return
	}
	job := m.manager.Latest(current.Printer.ID)
	if job == nil {
		engine.HandleError(w, engine.NotFound("no print job for this printer"))
		return
	}
	m.refreshSkipObjects(job)
	engine.WriteJSON(w, job)
}

// handleCancel stops a job by id, defaulting to the active printer's
// latest job.
func (m *Module) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID string `json:"job_id"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	id := body.JobID
	if id == "" {
		current := m.binding.Current()
		if !current.Valid {
			engine.HandleError(w, engine.Unavailable("no printer selected"))
			return
		}
		job := m.manager.Latest(current.Printer.ID)
		if job == nil {
			engine.HandleError(w, engine.NotFound("no print job for this printer"))
			return
		}
		id = job.ID
	}
	if err := m.manager.Cancel(id); engine.HandleError(w, err) {
		return
	}
	engine.WriteJSON(w, map[string]any{"cancelled": true})
}

// handleSkipMetadata exposes per-plate skip feasibility for the latest
// prepared file.
func (m *Module) handleSkipMetadata(w http.ResponseWriter, r *http.Request) {
	current := m.binding.Current()
	if !current.Valid {
		engine.HandleError(w, engine.Unavailable("no printer selected"))
		return
	}
	job := m.manager.Latest(current.Printer.ID)
	if job == nil || job.Status != JobCompleted || job.Result == nil {
		engine.HandleError(w, engine.NotFound("no prepared file for this printer"))
		return
	}
	snapshot, ok := m.repo.Snapshot(current.Printer.ID)
	if !ok {
		engine.HandleError(w, engine.NotFound("printer not found"))
		return
	}
	engine.WriteJSON(w, deriveSkipObjects(job.Result, snapshot))
}

// handleExecute starts a print from a file already on the printer.
func (m *Module) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL           string `json:"url"`
		Param         string `json:"param"`
		Plate         *int   `json:"plate"`
		BedLeveling   bool   `json:"bed_leveling"`
		FlowCali      bool   `json:"flow_cali"`
		Timelapse     bool   `json:"timelapse"`
		UseAms        *bool  `json:"use_ams"`
		AmsMapping    []int  `json:"ams_mapping"`
		LayerInspect  *bool  `json:"layer_inspect"`
		VibrationCali *bool  `json:"vibration_cali"`
	}
	if err := engine.DecodeJSON(r, &body); engine.HandleError(w, err) {
		return
	}
	current := m.binding.Current()
	if !current.Valid {
		engine.HandleError(w, engine.Unavailable("no printer selected"))
		return
	}
	if body.URL == "" {
		engine.HandleError(w, engine.BadRequest("url is required"))
		return
	}

	param := body.Param
	if param == "" && body.Plate != nil {
		resolved, err := m.plateGcodeParam(current.Printer.ID, *body.Plate)
		if engine.HandleError(w, err) {
			return
		}
		param = resolved
	}

	opts := bambu.ProjectFileOptions{
		URL:           body.URL,
		Param:         param,
		BedLeveling:   body.BedLeveling,
		FlowCali:      body.FlowCali,
		Timelapse:     body.Timelapse,
		UseAms:        body.UseAms,
		AmsMapping:    body.AmsMapping,
		LayerInspect:  body.LayerInspect,
		VibrationCali: body.VibrationCali,
	}
	if err := m.metrics.Timed("print_start", func() error {
		return m.pub.Publish(bambu.ProjectFileCommand(opts))
	}); engine.HandleError(w, err) {
		return
	}

	sent := &state.LastSentProjectFile{
		Command:       "project_file",
		URL:           body.URL,
		File:          state.BaseFileName(body.URL),
		Param:         param,
		BedLeveling:   &body.BedLeveling,
		FlowCali:      &body.FlowCali,
		Timelapse:     &body.Timelapse,
		UseAms:        body.UseAms,
		AmsMapping:    body.AmsMapping,
		LayerInspect:  body.LayerInspect,
		VibrationCali: body.VibrationCali,
		SentAt:        time.Now().UTC().Format(time.RFC3339),
	}
	m.repo.SetLastSentProjectFile(current.Printer.ID, sent)
	engine.WriteJSON(w, map[string]any{"sent": sent})
}

// plateGcodeParam resolves the plate's gcode entry from the latest
// prepared file.
func (m *Module) plateGcodeParam(printerID string, plateIndex int) (string, error) {
	job := m.manager.Latest(printerID)
	if job == nil || job.Status != JobCompleted || job.Result == nil {
		return "", engine.Conflict("Print cache missing or does not match the active file")
	}
	for _, plate := range job.Result.Plates {
		if plate.Index == plateIndex {
			if plate.GcodePath == "" {
				return "", engine.NotFound("Plate gcode file not found in 3MF")
			}
			return plate.GcodePath, nil
		}
	}
	return "", engine.NotFound(fmt.Sprintf("plate %d not found in prepared file", plateIndex))
}

// handlePreview streams a plate's preview image out of the cached 3MF.
func (m *Module) handlePreview(w http.ResponseWriter, r *http.Request) {
	current := m.binding.Current()
	if !current.Valid {
		engine.HandleError(w, engine.Unavailable("no printer selected"))
		return
	}
	index, err := strconv.Atoi(r.URL.Query().Get("plate"))
	if err != nil {
		engine.HandleError(w, engine.BadRequest("invalid plate index"))
		return
	}
	job := m.manager.Latest(current.Printer.ID)
	if job == nil || job.Status != JobCompleted || job.Result == nil {
		engine.HandleError(w, engine.NotFound("no prepared file for this printer"))
		return
	}

	for _, plate := range job.Result.Plates {
		if plate.Index != index {
			continue
		}
		if plate.PickPath == "" {
			engine.HandleError(w, engine.NotFound("no preview available for this plate"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		if err := extractArchiveFile(job.Result.LocalPath, plate.PickPath, w); err != nil {
			var domain *engine.Error
			if errors.As(err, &domain) {
				engine.RenderError(w, domain)
			}
		}
		return
	}
	engine.HandleError(w, engine.NotFound("plate not found in prepared file"))
}

// refreshSkipObjects recomputes skip-object feasibility for the job's
// printer and publishes it into the snapshot.
func (m *Module) refreshSkipObjects(job *Job) {
	if job.Status != JobCompleted || job.Result == nil {
		return
	}
	snapshot, ok := m.repo.Snapshot(job.PrinterID)
	if !ok {
		return
	}
	m.repo.SetSkipObjectState(job.PrinterID, deriveSkipObjects(job.Result, snapshot))
}
