package printjob

import (
	"archive/zip"
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/bambumon/bambumon/engine"
)

// PlateFilament is one filament slot referenced by a plate.
type PlateFilament struct {
	ID          string `json:"id"`
	TrayInfoIdx string `json:"tray_info_idx"`
	Type        string `json:"type"`
	Color       string `json:"color"`
	UsedM       string `json:"used_m"`
	UsedG       string `json:"used_g"`
}

// PlateWarning is a slicer warning attached to a plate.
type PlateWarning struct {
	Message   string `json:"msg"`
	Level     string `json:"level"`
	ErrorCode string `json:"error_code"`
}

// PlateObject is one printable object on a plate.
type PlateObject struct {
	IdentifyID int    `json:"identify_id"`
	Name       string `json:"name"`
	Skipped    bool   `json:"skipped"`
}

// GcodeMeta holds values parsed from the header block of a plate's
// gcode file.
type GcodeMeta struct {
	ModelPrintTimeSeconds int      `json:"model_print_time_seconds"`
	TotalTimeSeconds      int      `json:"total_time_seconds"`
	TotalLayers           int      `json:"total_layers"`
	FilamentWeight        string   `json:"filament_weight"`
	FilamentIDs           []string `json:"filament_ids"`
	FilamentSettingsIDs   []string `json:"filament_settings_ids"`
}

// Plate is the assembled metadata for one plate in a 3MF archive.
type Plate struct {
	Index     int               `json:"index"`
	PlaterID  string            `json:"plater_id,omitempty"`
	Metadata  map[string]string `json:"metadata"`
	Filaments []PlateFilament   `json:"filaments"`
	Warnings  []PlateWarning    `json:"warnings"`
	Objects   []PlateObject     `json:"objects"`
	GcodePath string            `json:"gcode_path,omitempty"`
	PickPath  string            `json:"pick_path,omitempty"`
	Gcode     *GcodeMeta        `json:"gcode,omitempty"`
}

// sliceInfo mirrors Metadata/slice_info.config.
type sliceInfo struct {
	XMLName xml.Name `xml:"config"`
	Plates  []struct {
		Metadata []struct {
			Key   string `xml:"key,attr"`
			Value string `xml:"value,attr"`
		} `xml:"metadata"`
		Filaments []struct {
			ID          string `xml:"id,attr"`
			TrayInfoIdx string `xml:"tray_info_idx,attr"`
			Type        string `xml:"type,attr"`
			Color       string `xml:"color,attr"`
			UsedM       string `xml:"used_m,attr"`
			UsedG       string `xml:"used_g,attr"`
		} `xml:"filament"`
		Warnings []struct {
			Msg       string `xml:"msg,attr"`
			Level     string `xml:"level,attr"`
			ErrorCode string `xml:"error_code,attr"`
		} `xml:"warning"`
		Objects []struct {
			IdentifyID string `xml:"identify_id,attr"`
			Name       string `xml:"name,attr"`
			Skipped    string `xml:"skipped,attr"`
		} `xml:"object"`
	} `xml:"plate"`
}

// modelSettings mirrors Metadata/model_settings.config, which carries
// the plate ordering used by the slicer UI.
type modelSettings struct {
	XMLName xml.Name `xml:"config"`
	Plates  []struct {
		Metadata []struct {
			Key   string `xml:"key,attr"`
			Value string `xml:"value,attr"`
		} `xml:"metadata"`
	} `xml:"plate"`
}

var (
	plateIndexRe       = regexp.MustCompile(`plate_(\d+)`)
	durationRe         = regexp.MustCompile(`(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?`)
	filamentSettingsRe = regexp.MustCompile(`"([^"]*)"`)
)

const gcodeHeaderLines = 300

// parseThreeMF reads a Bambu 3MF archive and assembles per-plate
// metadata from the slice config and the gcode headers.
func parseThreeMF(path string) ([]Plate, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, engine.BadRequest("file is not a valid 3MF archive")
	}
	defer archive.Close()

	var slices sliceInfo
	if err := readArchiveXML(&archive.Reader, "Metadata/slice_info.config", &slices); err != nil {
		return nil, err
	}
	var settings modelSettings
	// model_settings.config is optional in older archives.
	_ = readArchiveXML(&archive.Reader, "Metadata/model_settings.config", &settings)

	plates := make([]Plate, 0, len(slices.Plates))
	for i, raw := range slices.Plates {
		plate := Plate{
			Metadata:  map[string]string{},
			Filaments: []PlateFilament{},
			Warnings:  []PlateWarning{},
			Objects:   []PlateObject{},
		}
		for _, meta := range raw.Metadata {
			plate.Metadata[meta.Key] = meta.Value
		}
		plate.Index = plateIndexFromMetadata(plate.Metadata, i+1)
		for _, f := range raw.Filaments {
			plate.Filaments = append(plate.Filaments, PlateFilament{
				ID:          f.ID,
				TrayInfoIdx: f.TrayInfoIdx,
				Type:        f.Type,
				Color:       f.Color,
				UsedM:       f.UsedM,
				UsedG:       f.UsedG,
			})
		}
		for _, w := range raw.Warnings {
			plate.Warnings = append(plate.Warnings, PlateWarning{
				Message:   w.Msg,
				Level:     w.Level,
				ErrorCode: w.ErrorCode,
			})
		}
		for _, o := range raw.Objects {
			id, _ := strconv.Atoi(o.IdentifyID)
			plate.Objects = append(plate.Objects, PlateObject{
				IdentifyID: id,
				Name:       o.Name,
				Skipped:    o.Skipped == "true",
			})
		}
		if i < len(settings.Plates) {
			for _, meta := range settings.Plates[i].Metadata {
				if meta.Key == "plater_id" {
					plate.PlaterID = meta.Value
				}
			}
		}

		plate.GcodePath = findPlateFile(&archive.Reader, plate.Index, ".gcode")
		plate.PickPath = findPlateFile(&archive.Reader, plate.Index, ".png")
		if plate.GcodePath != "" {
			meta, err := parseGcodeEntry(&archive.Reader, plate.GcodePath)
			if err == nil {
				plate.Gcode = meta
			}
		}
		plates = append(plates, plate)
	}
	return plates, nil
}

func readArchiveXML(archive *zip.Reader, name string, out any) error {
	entry, err := archive.Open(name)
	if err != nil {
		return engine.BadRequest(fmt.Sprintf("3MF archive is missing %s", name))
	}
	defer entry.Close()
	if err := xml.NewDecoder(entry).Decode(out); err != nil {
		return engine.BadRequest(fmt.Sprintf("failed to parse %s", name))
	}
	return nil
}

func plateIndexFromMetadata(metadata map[string]string, fallback int) int {
	if raw, ok := metadata["index"]; ok {
		if idx, err := strconv.Atoi(raw); err == nil {
			return idx
		}
	}
	if raw, ok := metadata["gcode_file"]; ok {
		if match := plateIndexRe.FindStringSubmatch(raw); match != nil {
			idx, _ := strconv.Atoi(match[1])
			return idx
		}
	}
	return fallback
}

// findPlateFile locates Metadata/plate_<index><ext> in the archive,
// tolerating pick_ and top_ preview name variants for png.
func findPlateFile(archive *zip.Reader, index int, ext string) string {
	want := fmt.Sprintf("Metadata/plate_%d%s", index, ext)
	pick := fmt.Sprintf("Metadata/pick_%d%s", index, ext)
	for _, entry := range archive.File {
		if entry.Name == pick {
			return entry.Name
		}
	}
	for _, entry := range archive.File {
		if entry.Name == want {
			return entry.Name
		}
	}
	return ""
}

func parseGcodeEntry(archive *zip.Reader, name string) (*GcodeMeta, error) {
	entry, err := archive.Open(name)
	if err != nil {
		return nil, err
	}
	defer entry.Close()
	return parseGcodeHeader(entry)
}

// parseGcodeHeader scans the comment header emitted by the slicer. The
// interesting lines all appear within the first few hundred lines, so
// the scan never reads the whole file.
func parseGcodeHeader(r io.Reader) (*GcodeMeta, error) {
	meta := &GcodeMeta{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	inHeader := false
	for lines := 0; lines < gcodeHeaderLines && scanner.Scan(); lines++ {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.Contains(line, "HEADER_BLOCK_START"):
			inHeader = true
			continue
		case strings.Contains(line, "HEADER_BLOCK_END"):
			inHeader = false
			continue
		}
		if !strings.HasPrefix(line, ";") {
			continue
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, ";"))

		switch {
		case inHeader && strings.HasPrefix(body, "model printing time:"):
			meta.ModelPrintTimeSeconds = parseDuration(headerField(body, "model printing time:"))
			if rest := afterToken(body, "total estimated time:"); rest != "" {
				meta.TotalTimeSeconds = parseDuration(rest)
			}
		case inHeader && strings.HasPrefix(body, "total estimated time:"):
			meta.TotalTimeSeconds = parseDuration(headerField(body, "total estimated time:"))
		case inHeader && strings.HasPrefix(body, "total layer number:"):
			meta.TotalLayers, _ = strconv.Atoi(headerField(body, "total layer number:"))
		case strings.HasPrefix(body, "total filament weight"):
			if _, value, ok := strings.Cut(body, ":"); ok {
				meta.FilamentWeight = strings.TrimSpace(value)
			}
		case strings.HasPrefix(body, "filament_ids"):
			if _, value, ok := strings.Cut(body, "="); ok {
				for _, id := range strings.Split(value, ";") {
					if id = strings.TrimSpace(id); id != "" {
						meta.FilamentIDs = append(meta.FilamentIDs, id)
					}
				}
			}
		case strings.HasPrefix(body, "filament_settings_id"):
			for _, match := range filamentSettingsRe.FindAllStringSubmatch(body, -1) {
				meta.FilamentSettingsIDs = append(meta.FilamentSettingsIDs, match[1])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return meta, nil
}

func headerField(body, prefix string) string {
	return strings.TrimSpace(strings.TrimPrefix(body, prefix))
}

// afterToken extracts the value following token when the header packs
// several fields on one line.
func afterToken(body, token string) string {
	idx := strings.Index(body, token)
	if idx < 0 {
		return ""
	}
	rest := body[idx+len(token):]
	if end := strings.Index(rest, ";"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// parseDuration converts "1h2m3s" style durations to seconds. Partial
// forms like "45m" or "90s" are accepted.
func parseDuration(raw string) int {
	raw = strings.ReplaceAll(raw, " ", "")
	match := durationRe.FindStringSubmatch(raw)
	if match == nil {
		return 0
	}
	hours, _ := strconv.Atoi(match[1])
	minutes, _ := strconv.Atoi(match[2])
	seconds, _ := strconv.Atoi(match[3])
	return hours*3600 + minutes*60 + seconds
}

// extractArchiveFile copies one archive entry into w, used to serve
// plate preview images from the cached file.
func extractArchiveFile(path, name string, w io.Writer) error {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return engine.BadRequest("file is not a valid 3MF archive")
	}
	defer archive.Close()
	entry, err := archive.Open(name)
	if err != nil {
		return engine.NotFound("no preview available for this plate")
	}
	defer entry.Close()
	_, err = io.Copy(w, entry)
	return err
}
