package printjob

import (
	"fmt"
	"path"
	"strings"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/state"
)

// The printer firmware rejects skip lists beyond this size.
const maxSkipObjects = 64

const cacheMismatchMessage = "Print cache missing or does not match the active file"

// Machine-readable reasons a plate cannot skip objects.
const (
	reasonCacheMetaMissing    = "cache_meta_missing"
	reasonLabelObjectDisabled = "label_object_disabled"
	reasonPickFileMissing     = "pick_file_missing"
	reasonObjectsMissing      = "objects_missing"
)

// deriveSkipObjects computes skip-object feasibility for a prepared
// file against the printer's current print. A plate can skip objects
// only when the cached copy matches the active file, the slicer wrote
// object labels, the plate has a pick image, and at least one object
// is on the plate. The top-level result mirrors the first plate.
func deriveSkipObjects(result *PreparedFile, snapshot state.PrinterState) *state.SkipObjectState {
	cacheOK := fileMatchesActive(result, snapshot)

	out := &state.SkipObjectState{Plates: []state.SkipObjectPlate{}}
	for _, plate := range result.Plates {
		entry := state.SkipObjectPlate{Index: plate.Index, PickPath: plate.PickPath}
		if plate.PickPath != "" {
			entry.PickURL = fmt.Sprintf("/api/printjob/plate-preview?plate=%d", plate.Index)
		}
		switch {
		case !cacheOK:
			entry.Reason = reasonCacheMetaMissing
		case !labelObjectEnabled(plate):
			entry.Reason = reasonLabelObjectDisabled
		case plate.PickPath == "":
			entry.Reason = reasonPickFileMissing
		case len(plate.Objects) == 0:
			entry.Reason = reasonObjectsMissing
		default:
			entry.Available = true
		}
		out.Plates = append(out.Plates, entry)
	}
	if len(out.Plates) > 0 {
		out.Available = out.Plates[0].Available
		out.Reason = out.Plates[0].Reason
	} else {
		out.Reason = reasonCacheMetaMissing
	}
	return out
}

// labelObjectEnabled reads the slicer's label_object_enabled flag from
// the plate metadata. Skipping needs per-object labels in the gcode.
func labelObjectEnabled(plate Plate) bool {
	switch strings.ToLower(strings.TrimSpace(plate.Metadata["label_object_enabled"])) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// fileMatchesActive reports whether the prepared file is the one the
// printer is currently printing. The report names either the archive
// or a plate gcode inside it.
func fileMatchesActive(result *PreparedFile, snapshot state.PrinterState) bool {
	active := path.Base(strings.TrimSpace(snapshot.Print.File))
	if active == "" || active == "." {
		return false
	}
	if strings.EqualFold(active, result.Name) {
		return true
	}
	for _, plate := range result.Plates {
		if plate.GcodePath != "" && strings.EqualFold(path.Base(plate.GcodePath), active) {
			return true
		}
	}
	return false
}

// ValidateSkipObjects checks a requested skip list against the latest
// prepared file before the command is sent.
func (m *Module) ValidateSkipObjects(printerID string, objectIDs []int) error {
	if len(objectIDs) == 0 {
		return engine.BadRequest("object list is required")
	}

	job := m.manager.Latest(printerID)
	if job == nil || job.Status != JobCompleted || job.Result == nil {
		return engine.BadRequest(cacheMismatchMessage)
	}
	snapshot, ok := m.repo.Snapshot(printerID)
	if !ok || !fileMatchesActive(job.Result, snapshot) {
		return engine.BadRequest(cacheMismatchMessage)
	}

	plate := activePlate(job.Result, snapshot)
	if plate == nil {
		return engine.BadRequest(cacheMismatchMessage)
	}
	if len(plate.Objects) > maxSkipObjects {
		return engine.BadRequest(fmt.Sprintf("skip objects is limited to %d objects per plate", maxSkipObjects))
	}

	known := map[int]bool{}
	skipped := map[int]bool{}
	for _, obj := range plate.Objects {
		known[obj.IdentifyID] = true
		if obj.Skipped {
			skipped[obj.IdentifyID] = true
		}
	}
	for _, id := range snapshot.Print.SkippedObjects {
		skipped[id] = true
	}
	for _, id := range objectIDs {
		if !known[id] {
			return engine.BadRequest(fmt.Sprintf("object %d is not part of the active plate", id))
		}
		skipped[id] = true
	}
	if len(skipped) >= len(plate.Objects) {
		return engine.BadRequest("At least one object must remain after skipping")
	}
	return nil
}

// activePlate resolves which plate of the prepared file is printing.
// The report names the plate gcode while printing from a 3MF; a single
// plate file needs no disambiguation.
func activePlate(result *PreparedFile, snapshot state.PrinterState) *Plate {
	if len(result.Plates) == 1 {
		return &result.Plates[0]
	}
	active := path.Base(strings.TrimSpace(snapshot.Print.File))
	for i := range result.Plates {
		plate := &result.Plates[i]
		if plate.GcodePath != "" && path.Base(plate.GcodePath) == active {
			return plate
		}
	}
	// A 3MF print reports the archive name; fall back to the first
	// plate that can be skipped.
	for i := range result.Plates {
		if len(result.Plates[i].Objects) > 0 && result.Plates[i].GcodePath != "" {
			return &result.Plates[i]
		}
	}
	return nil
}
