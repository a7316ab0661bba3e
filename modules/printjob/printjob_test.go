package printjob

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/bambu"
	"github.com/bambumon/bambumon/internal/state"
)

const sliceInfoFixture = `<?xml version="1.0" encoding="UTF-8"?>
<config>
  <plate>
    <metadata key="index" value="1"/>
    <metadata key="gcode_file" value="Metadata/plate_1.gcode"/>
    <metadata key="label_object_enabled" value="true"/>
    <metadata key="prediction" value="4080"/>
    <metadata key="weight" value="24.8"/>
    <filament id="1" tray_info_idx="GFA00" type="PLA" color="#00AE42" used_m="8.32" used_g="24.8"/>
    <warning msg="bed_temperature_too_high_than_ambient" level="1" error_code="1000C001"/>
    <object identify_id="163" name="benchy.stl" skipped="false"/>
    <object identify_id="407" name="cube.stl" skipped="true"/>
  </plate>
  <plate>
    <metadata key="index" value="2"/>
  </plate>
</config>`

const modelSettingsFixture = `<?xml version="1.0" encoding="UTF-8"?>
<config>
  <plate>
    <metadata key="plater_id" value="1"/>
    <metadata key="plater_name" value=""/>
  </plate>
  <plate>
    <metadata key="plater_id" value="2"/>
  </plate>
</config>`

const gcodeFixture = `; HEADER_BLOCK_START
; BambuStudio 01.09.00.70
; model printing time: 1h 7m 34s; total estimated time: 1h 13m 10s
; total layer number: 142
; HEADER_BLOCK_END
; filament_ids = GFA00;GFA01
; filament_settings_id = "Bambu PLA Basic @BBL A1";"Bambu PLA Matte @BBL A1"
; total filament weight [g] : 24.80
G90
M83
`

func writeArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "model.3mf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func fixtureArchive(t *testing.T) string {
	return writeArchive(t, map[string]string{
		"Metadata/slice_info.config":     sliceInfoFixture,
		"Metadata/model_settings.config": modelSettingsFixture,
		"Metadata/plate_1.gcode":         gcodeFixture,
		"Metadata/pick_1.png":            "\x89PNG fake",
	})
}

func TestNormalizeRemotePath(t *testing.T) {
	for raw, want := range map[string]string{
		"ftp:///cache/model.3mf": "/cache/model.3mf",
		"cache\\model.3mf":       "/cache/model.3mf",
		"/model.3mf":             "/model.3mf",
		" /a//b.3mf ":            "/a/b.3mf",
	} {
		got, err := normalizeRemotePath(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := normalizeRemotePath("/cache/../etc/passwd")
	assert.Error(t, err)
	_, err = normalizeRemotePath("")
	assert.Error(t, err)
}

func TestParseThreeMF(t *testing.T) {
	plates, err := parseThreeMF(fixtureArchive(t))
	require.NoError(t, err)
	require.Len(t, plates, 2)

	plate := plates[0]
	assert.Equal(t, 1, plate.Index)
	assert.Equal(t, "1", plate.PlaterID)
	assert.Equal(t, "4080", plate.Metadata["prediction"])
	require.Len(t, plate.Filaments, 1)
	assert.Equal(t, "PLA", plate.Filaments[0].Type)
	assert.Equal(t, "#00AE42", plate.Filaments[0].Color)
	require.Len(t, plate.Warnings, 1)
	assert.Equal(t, "1000C001", plate.Warnings[0].ErrorCode)
	require.Len(t, plate.Objects, 2)
	assert.Equal(t, 163, plate.Objects[0].IdentifyID)
	assert.False(t, plate.Objects[0].Skipped)
	assert.True(t, plate.Objects[1].Skipped)
	assert.Equal(t, "Metadata/plate_1.gcode", plate.GcodePath)
	assert.Equal(t, "Metadata/pick_1.png", plate.PickPath)

	require.NotNil(t, plate.Gcode)
	assert.Equal(t, 1*3600+7*60+34, plate.Gcode.ModelPrintTimeSeconds)
	assert.Equal(t, 1*3600+13*60+10, plate.Gcode.TotalTimeSeconds)
	assert.Equal(t, 142, plate.Gcode.TotalLayers)
	assert.Equal(t, []string{"GFA00", "GFA01"}, plate.Gcode.FilamentIDs)
	assert.Equal(t, []string{"Bambu PLA Basic @BBL A1", "Bambu PLA Matte @BBL A1"}, plate.Gcode.FilamentSettingsIDs)
	assert.Equal(t, "24.80", plate.Gcode.FilamentWeight)

	assert.Equal(t, 2, plates[1].Index)
	assert.Empty(t, plates[1].GcodePath)
	assert.Nil(t, plates[1].Gcode)
}

func TestParseThreeMFMissingSliceInfo(t *testing.T) {
	path := writeArchive(t, map[string]string{"3D/3dmodel.model": "<model/>"})
	_, err := parseThreeMF(path)
	require.Error(t, err)
	var domain *engine.Error
	require.ErrorAs(t, err, &domain)
	assert.Equal(t, 400, domain.Status)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 3661, parseDuration("1h1m1s"))
	assert.Equal(t, 2700, parseDuration("45m"))
	assert.Equal(t, 90, parseDuration("90s"))
	assert.Equal(t, 7200, parseDuration("2h"))
	assert.Zero(t, parseDuration(""))
}

func TestCacheRoundTrip(t *testing.T) {
	c := newCache(t.TempDir())
	meta := fileMeta{Name: "model.3mf", Modified: "2026-01-02T03:04:05Z", Size: 42, Path: "/model.3mf"}

	_, ok := c.lookup("printer-1", meta)
	assert.False(t, ok)

	f, err := c.create("printer-1", meta.Name)
	require.NoError(t, err)
	_, err = f.WriteString("content")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, c.commit("printer-1", meta))

	path, ok := c.lookup("printer-1", meta)
	require.True(t, ok)
	assert.FileExists(t, path)

	// Any metadata drift invalidates the cached copy.
	changed := meta
	changed.Size = 43
	_, ok = c.lookup("printer-1", changed)
	assert.False(t, ok)

	files, bytes, err := c.stats()
	require.NoError(t, err)
	assert.Equal(t, 1, files)
	assert.Equal(t, int64(7), bytes)

	require.NoError(t, c.clean("printer-1"))
	_, ok = c.lookup("printer-1", meta)
	assert.False(t, ok)
}

func TestCachePruneOlder(t *testing.T) {
	c := newCache(t.TempDir())
	meta := fileMeta{Name: "model.3mf", Modified: "2026-01-02T03:04:05Z", Size: 42, Path: "/model.3mf"}

	f, err := c.create("printer-1", meta.Name)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, c.commit("printer-1", meta))
	extracted := filepath.Join(filepath.Dir(c.filePath("printer-1", meta.Name)), "model")
	require.NoError(t, os.MkdirAll(extracted, 0o755))

	// Fresh bundles survive.
	require.NoError(t, c.pruneOlder(time.Hour))
	_, ok := c.lookup("printer-1", meta)
	assert.True(t, ok)

	// Backdated bundles go, sidecar and extracted dir included.
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(c.filePath("printer-1", meta.Name), old, old))
	require.NoError(t, c.pruneOlder(24*time.Hour))
	_, ok = c.lookup("printer-1", meta)
	assert.False(t, ok)
	assert.NoFileExists(t, c.metaPath("printer-1", meta.Name))
	assert.NoDirExists(t, extracted)
}

type fakeFileInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return f.size }
func (f fakeFileInfo) Mode() os.FileMode  { return 0o644 }
func (f fakeFileInfo) ModTime() time.Time { return f.modTime }
func (f fakeFileInfo) IsDir() bool        { return false }
func (f fakeFileInfo) Sys() any           { return nil }

type fakeStorage struct {
	content   []byte
	modTime   time.Time
	statErr   error
	downloads int
	block     chan struct{}
}

func (f *fakeStorage) Stat(path string) (os.FileInfo, error) {
	if f.statErr != nil {
		return nil, f.statErr
	}
	return fakeFileInfo{name: filepath.Base(path), size: int64(len(f.content)), modTime: f.modTime}, nil
}

func (f *fakeStorage) Download(path string, w io.Writer) error {
	f.downloads++
	if f.block != nil {
		<-f.block
	}
	_, err := w.Write(f.content)
	return err
}

func newTestManager(t *testing.T, store *fakeStorage) *manager {
	t.Helper()
	mgr := newManager(func() (storage, error) { return store, nil }, newCache(t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mgr.run(ctx)
	return mgr
}

func waitForJob(t *testing.T, mgr *manager, id string, statuses ...string) *Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job := mgr.Job(id)
		require.NotNil(t, job)
		for _, status := range statuses {
			if job.Status == status {
				return job
			}
		}
		select {
		case <-deadline:
			t.Fatalf("job %s stuck in %s", id, job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func archiveBytes(t *testing.T) []byte {
	t.Helper()
	raw, err := os.ReadFile(fixtureArchive(t))
	require.NoError(t, err)
	return raw
}

func TestPreparePipeline(t *testing.T) {
	store := &fakeStorage{content: archiveBytes(t), modTime: time.Now()}
	mgr := newTestManager(t, store)

	job, err := mgr.Prepare("printer-1", "ftp:///cache/model.3mf")
	require.NoError(t, err)
	assert.Equal(t, "model.3mf", job.File)
	assert.Equal(t, "/cache/model.3mf", job.Path)

	done := waitForJob(t, mgr, job.ID, JobCompleted, JobFailed)
	require.Equal(t, JobCompleted, done.Status, done.Error)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, "Ready for print setup", done.Message)
	require.NotNil(t, done.Result)
	assert.False(t, done.Result.Cached)
	require.Len(t, done.Result.Plates, 2)
	assert.Equal(t, 1, store.downloads)

	// A second prepare of the unchanged file reuses the cached copy.
	job2, err := mgr.Prepare("printer-1", "/cache/model.3mf")
	require.NoError(t, err)
	done2 := waitForJob(t, mgr, job2.ID, JobCompleted, JobFailed)
	require.Equal(t, JobCompleted, done2.Status, done2.Error)
	assert.True(t, done2.Result.Cached)
	assert.Equal(t, 1, store.downloads)

	latest := mgr.Latest("printer-1")
	require.NotNil(t, latest)
	assert.Equal(t, job2.ID, latest.ID)
}

func TestPrepareFileMissing(t *testing.T) {
	store := &fakeStorage{statErr: bambu.ErrFtpNotFound}
	mgr := newTestManager(t, store)

	job, err := mgr.Prepare("printer-1", "/gone.3mf")
	require.NoError(t, err)
	done := waitForJob(t, mgr, job.ID, JobFailed, JobCompleted)
	require.Equal(t, JobFailed, done.Status)
	assert.Equal(t, "File not found on printer", done.Error)
}

func TestPrepareReportsDownloadBytes(t *testing.T) {
	store := &fakeStorage{content: archiveBytes(t), modTime: time.Now()}
	mgr := newTestManager(t, store)

	job, err := mgr.Prepare("printer-1", "/model.3mf")
	require.NoError(t, err)
	done := waitForJob(t, mgr, job.ID, JobCompleted, JobFailed)
	require.Equal(t, JobCompleted, done.Status, done.Error)

	assert.Equal(t, int64(len(store.content)), done.DownloadTotal)
	assert.Equal(t, done.DownloadTotal, done.DownloadBytes)
}

func TestProgressWriterPacesReports(t *testing.T) {
	var reports []int64
	w := &progressWriter{ctx: context.Background(), w: io.Discard, report: func(n int64) {
		reports = append(reports, n)
	}}

	w.last = time.Now()
	_, err := w.Write(make([]byte, 1024))
	require.NoError(t, err)
	assert.Empty(t, reports)

	w.last = time.Now().Add(-2 * downloadReportInterval)
	_, err = w.Write(make([]byte, 1024))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, int64(2048), reports[0])

	w.flush()
	assert.Equal(t, int64(2048), reports[len(reports)-1])
}

func TestPrepareCancel(t *testing.T) {
	store := &fakeStorage{content: archiveBytes(t), modTime: time.Now(), block: make(chan struct{})}
	mgr := newTestManager(t, store)

	job, err := mgr.Prepare("printer-1", "/model.3mf")
	require.NoError(t, err)
	waitForJob(t, mgr, job.ID, JobRunning)

	require.NoError(t, mgr.Cancel(job.ID))
	close(store.block)

	done := waitForJob(t, mgr, job.ID, JobCancelled, JobFailed, JobCompleted)
	require.Equal(t, JobCancelled, done.Status)
	assert.Equal(t, "Cancelled by user", done.Message)
}

func TestPrepareSupersedesInFlight(t *testing.T) {
	store := &fakeStorage{content: archiveBytes(t), modTime: time.Now(), block: make(chan struct{})}
	mgr := newTestManager(t, store)

	first, err := mgr.Prepare("printer-1", "/model.3mf")
	require.NoError(t, err)
	waitForJob(t, mgr, first.ID, JobRunning)

	second, err := mgr.Prepare("printer-1", "/model.3mf")
	require.NoError(t, err)
	close(store.block)

	firstDone := waitForJob(t, mgr, first.ID, JobCancelled, JobFailed, JobCompleted)
	assert.Equal(t, JobCancelled, firstDone.Status)

	secondDone := waitForJob(t, mgr, second.ID, JobCompleted, JobFailed)
	assert.Equal(t, JobCompleted, secondDone.Status, secondDone.Error)
}

func TestMapStorageError(t *testing.T) {
	for err, status := range map[error]int{
		bambu.ErrFtpNotFound:     404,
		bambu.ErrFtpNotConnected: 503,
		bambu.ErrFtpUnavailable:  503,
		io.ErrUnexpectedEOF:      502,
	} {
		var domain *engine.Error
		require.ErrorAs(t, mapStorageError(err), &domain)
		assert.Equal(t, status, domain.Status)
	}
}

func preparedFixture(t *testing.T) *PreparedFile {
	t.Helper()
	plates, err := parseThreeMF(fixtureArchive(t))
	require.NoError(t, err)
	return &PreparedFile{Name: "model.3mf", Path: "/model.3mf", Plates: plates}
}

func snapshotWithFile(file string) state.PrinterState {
	snapshot := state.NewPrinterState()
	snapshot.Print.File = file
	return snapshot
}

func TestDeriveSkipObjects(t *testing.T) {
	result := preparedFixture(t)

	got := deriveSkipObjects(result, snapshotWithFile("model.3mf"))
	require.True(t, got.Available)
	require.Len(t, got.Plates, 2)
	assert.True(t, got.Plates[0].Available)
	assert.Empty(t, got.Plates[0].Reason)
	assert.Equal(t, "/api/printjob/plate-preview?plate=1", got.Plates[0].PickURL)
	// Plate 2 was sliced without object labels.
	assert.False(t, got.Plates[1].Available)
	assert.Equal(t, "label_object_disabled", got.Plates[1].Reason)

	// The running plate gcode also counts as a match.
	got = deriveSkipObjects(result, snapshotWithFile("/data/Metadata/plate_1.gcode"))
	assert.True(t, got.Available)

	got = deriveSkipObjects(result, snapshotWithFile("other.3mf"))
	assert.False(t, got.Available)
	assert.Equal(t, "cache_meta_missing", got.Reason)
	for _, plate := range got.Plates {
		assert.Equal(t, "cache_meta_missing", plate.Reason)
	}
}

func TestDeriveSkipObjectsGates(t *testing.T) {
	snapshot := snapshotWithFile("model.3mf")

	// Labels on but no pick image for the plate.
	result := preparedFixture(t)
	result.Plates[0].PickPath = ""
	got := deriveSkipObjects(result, snapshot)
	assert.False(t, got.Available)
	assert.Equal(t, "pick_file_missing", got.Reason)

	// Labels on, pick image present, but nothing on the plate.
	result = preparedFixture(t)
	result.Plates[0].Objects = nil
	got = deriveSkipObjects(result, snapshot)
	assert.False(t, got.Available)
	assert.Equal(t, "objects_missing", got.Reason)

	// label_object_enabled accepts the slicer's spellings.
	result = preparedFixture(t)
	result.Plates[0].Metadata["label_object_enabled"] = "0"
	got = deriveSkipObjects(result, snapshot)
	assert.Equal(t, "label_object_disabled", got.Plates[0].Reason)
	result.Plates[0].Metadata["label_object_enabled"] = "Yes"
	got = deriveSkipObjects(result, snapshot)
	assert.True(t, got.Plates[0].Available)
}

func newSkipObjectModule(t *testing.T, result *PreparedFile, activeFile string) *Module {
	t.Helper()
	repo := state.NewRepo()
	repo.Register("printer-1", "01S00C000000000", "Bambu Lab A1")
	repo.UpdatePrintData("printer-1", map[string]any{"print": map[string]any{"gcode_file": activeFile}})

	m := &Module{repo: repo}
	m.manager = newManager(func() (storage, error) { return nil, engine.Unavailable("down") }, newCache(t.TempDir()))
	job := &Job{ID: "job-1", PrinterID: "printer-1", Status: JobCompleted, Result: result}
	m.manager.jobs[job.ID] = job
	m.manager.latest["printer-1"] = job.ID
	return m
}

func TestValidateSkipObjects(t *testing.T) {
	result := preparedFixture(t)
	m := newSkipObjectModule(t, result, "model.3mf")

	// Object 407 is already skipped in the archive, so skipping 163 too
	// would leave nothing on the plate.
	err := m.ValidateSkipObjects("printer-1", []int{163})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "At least one object must remain")

	assert.Error(t, m.ValidateSkipObjects("printer-1", []int{999}))
	assert.Error(t, m.ValidateSkipObjects("printer-1", nil))

	tooMany := make([]int, maxSkipObjects+1)
	assert.Error(t, m.ValidateSkipObjects("printer-1", tooMany))

	mismatch := newSkipObjectModule(t, result, "other.3mf")
	err = mismatch.ValidateSkipObjects("printer-1", []int{163})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Print cache missing")
}

func TestValidateSkipObjectsAllowsPartialSkip(t *testing.T) {
	result := preparedFixture(t)
	// Un-skip the second object so one can go while the other remains.
	result.Plates[0].Objects[1].Skipped = false
	m := newSkipObjectModule(t, result, "model.3mf")

	require.NoError(t, m.ValidateSkipObjects("printer-1", []int{407}))
}

func TestGcodeHeaderIgnoresBodyNoise(t *testing.T) {
	body := strings.Repeat("G1 X0 Y0\n", 400) + "; total layer number: 999\n"
	meta, err := parseGcodeHeader(strings.NewReader(body))
	require.NoError(t, err)
	assert.Zero(t, meta.TotalLayers)
}
