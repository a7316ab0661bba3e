package state

import (
	"sync"
	"time"
)

// Listener receives the full snapshot after every mutation.
type Listener func(printerID string, snapshot PrinterState)

type printerRecord struct {
	raw      map[string]any
	snapshot PrinterState
	serial   string
	model    string

	lastSent   *LastSentProjectFile
	skipObject *SkipObjectState
	online     bool
}

// Repo owns the merged raw document and the typed snapshot for every
// registered printer. All mutations re-assemble the snapshot and fan it
// out to listeners.
type Repo struct {
	mu        sync.Mutex
	printers  map[string]*printerRecord
	listeners []Listener
	now       func() time.Time
}

func NewRepo() *Repo {
	return &Repo{
		printers: map[string]*printerRecord{},
		now:      time.Now,
	}
}

// Register creates the record for a printer. Serial picks the HMS table,
// model the capability overrides.
func (r *Repo) Register(printerID, serial, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.printers[printerID]; ok {
		return
	}
	r.printers[printerID] = &printerRecord{
		raw:      map[string]any{},
		snapshot: NewPrinterState(),
		serial:   serial,
		model:    model,
	}
}

// PrinterIDs lists the registered printers.
func (r *Repo) PrinterIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.printers))
	for id := range r.printers {
		ids = append(ids, id)
	}
	return ids
}

// Unregister drops a printer's state.
func (r *Repo) Unregister(printerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.printers, printerID)
}

// Subscribe registers a listener for snapshot changes.
func (r *Repo) Subscribe(fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Snapshot returns the current snapshot for a printer.
func (r *Repo) Snapshot(printerID string) (PrinterState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.printers[printerID]
	if !ok {
		return PrinterState{}, false
	}
	return rec.snapshot, true
}

// LastSentProjectFile returns the last project_file payload recorded for
// a printer.
func (r *Repo) LastSentProjectFile(printerID string) *LastSentProjectFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.printers[printerID]
	if !ok {
		return nil
	}
	return rec.lastSent
}

// UpdatePrintData merges a raw report payload into the printer's document
// and rebuilds the snapshot.
func (r *Repo) UpdatePrintData(printerID string, payload map[string]any) {
	r.apply(printerID, func(rec *printerRecord) {
		DeepMerge(rec.raw, payload)
	})
}

// SetPrinterOnline flips the liveness flag. Going offline clears the
// AMS section so stale tray data never survives a disconnect; the
// pushall after reconnect repopulates it.
func (r *Repo) SetPrinterOnline(printerID string, online bool) {
	r.apply(printerID, func(rec *printerRecord) {
		if !online {
			if printDoc, ok := rec.raw["print"].(map[string]any); ok {
				delete(printDoc, "ams")
				delete(printDoc, "vt_tray")
			}
		}
		rec.online = online
	})
}

// SetFtpsStatus records the FTPS connection status.
func (r *Repo) SetFtpsStatus(printerID, status string) {
	r.apply(printerID, func(rec *printerRecord) {
		rec.snapshot.FtpsStatus = status
	})
}

// SetCameraStatus records the camera pipeline status and optional reason.
func (r *Repo) SetCameraStatus(printerID string, status CameraStatus, reason string) {
	r.apply(printerID, func(rec *printerRecord) {
		rec.snapshot.CameraStatus = status
		rec.snapshot.CameraStatusReason = reason
	})
}

// UpdateCameraFrame stores the latest base64 JPEG frame without waking
// listeners. Frames arrive many times a second and reach clients over
// the camera stream, not the state diff feed.
func (r *Repo) UpdateCameraFrame(printerID, frame string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.printers[printerID]
	if !ok {
		return
	}
	rec.snapshot.CameraFrame = frame
	rec.snapshot.UpdatedAt = Timestamp(r.now())
}

// SetLastSentProjectFile records the payload of an execute-print send.
func (r *Repo) SetLastSentProjectFile(printerID string, sent *LastSentProjectFile) {
	r.apply(printerID, func(rec *printerRecord) {
		rec.lastSent = sent
	})
}

// SetSkipObjectState attaches the skip-object feasibility result.
func (r *Repo) SetSkipObjectState(printerID string, state *SkipObjectState) {
	r.apply(printerID, func(rec *printerRecord) {
		rec.skipObject = state
	})
}

func (r *Repo) apply(printerID string, mutate func(rec *printerRecord)) {
	r.mu.Lock()
	rec, ok := r.printers[printerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	mutate(rec)
	r.rebuild(rec)
	snapshot := rec.snapshot
	listeners := r.listeners
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(printerID, snapshot)
	}
}

// rebuild re-parses the raw document and re-applies the fields that live
// outside it. Caller holds the lock.
func (r *Repo) rebuild(rec *printerRecord) {
	prev := rec.snapshot
	next := AssemblePrinterState(rec.raw, rec.serial, rec.model, r.now())

	next.PrinterOnline = rec.online
	if !rec.online {
		next.Ams = NewAmsStatus()
	}
	next.FtpsStatus = prev.FtpsStatus
	next.CameraStatus = prev.CameraStatus
	next.CameraStatusReason = prev.CameraStatusReason
	next.CameraFrame = prev.CameraFrame
	next.LastSentProject = rec.lastSent
	next.Print.SkipObjectState = rec.skipObject
	next.Print.PrintAgain = ComputePrintAgain(next.Print, rec.lastSent, rec.online)

	rec.snapshot = next
}
