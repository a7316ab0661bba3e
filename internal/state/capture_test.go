package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilamentCaptureObservesSetting(t *testing.T) {
	c := NewFilamentCapture()
	changed := c.Observe(map[string]any{
		"print": map[string]any{
			"command":         "ams_filament_setting",
			"result":          "success",
			"tray_info_idx":   "P1234",
			"tray_type":       "PLA",
			"tray_color":      "#FF0000",
			"nozzle_temp_min": 190.0,
			"nozzle_temp_max": 230.0,
			"setting_id":      "PS1",
		},
	})
	require.True(t, changed)

	profile, ok := c.Lookup("P1234")
	require.True(t, ok)
	assert.Equal(t, "PLA", profile.TrayType)
	assert.Equal(t, "FF0000FF", profile.Color)
	assert.Equal(t, 190, profile.NozzleTempMin)
	assert.Equal(t, 230, profile.NozzleTempMax)
	assert.Equal(t, "PS1", profile.SettingID)
}

func TestFilamentCaptureObservesCaliSel(t *testing.T) {
	c := NewFilamentCapture()
	changed := c.Observe(map[string]any{
		"print": map[string]any{
			"command":         "extrusion_cali_sel",
			"result":          "success",
			"filament_id":     "P1234",
			"cali_idx":        3.0,
			"nozzle_diameter": "0.40",
		},
	})
	require.True(t, changed)

	profile, ok := c.Lookup("P1234")
	require.True(t, ok)
	require.NotNil(t, profile.CaliIdx)
	assert.Equal(t, 3, *profile.CaliIdx)
	assert.Equal(t, "0.4", profile.NozzleDiameter)
}

func TestFilamentCaptureIgnoresFailures(t *testing.T) {
	c := NewFilamentCapture()
	assert.False(t, c.Observe(map[string]any{
		"print": map[string]any{
			"command":       "ams_filament_setting",
			"result":        "fail",
			"tray_info_idx": "P1234",
		},
	}))
	assert.False(t, c.Observe(map[string]any{
		"print": map[string]any{"command": "push_status"},
	}))
	assert.Empty(t, c.Snapshot())
}

func TestCanonicalTrayColor(t *testing.T) {
	assert.Equal(t, "FF0000FF", CanonicalTrayColor("#FF0000"))
	assert.Equal(t, "FF0000FF", CanonicalTrayColor("ff0000"))
	assert.Equal(t, "FF000080", CanonicalTrayColor("FF000080"))
	assert.Equal(t, "FF0000FF", CanonicalTrayColor("#F00"))
	assert.Equal(t, "FF000088", CanonicalTrayColor("#F008"))
	assert.Equal(t, "", CanonicalTrayColor("red"))
	assert.Equal(t, "", CanonicalTrayColor("FF00AB12C"))
	assert.Equal(t, "", CanonicalTrayColor(""))
}

func TestNormalizeNozzleDiameter(t *testing.T) {
	assert.Equal(t, "0.4", NormalizeNozzleDiameter("0.40"))
	assert.Equal(t, "0.6", NormalizeNozzleDiameter("0.6"))
	assert.Equal(t, "", NormalizeNozzleDiameter(""))
	assert.Equal(t, "", NormalizeNozzleDiameter("?"))
}
