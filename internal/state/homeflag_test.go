package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findToggle(t *testing.T, toggles []FeatureToggle, key string) FeatureToggle {
	t.Helper()
	for _, toggle := range toggles {
		if toggle.Key == key {
			return toggle
		}
	}
	require.Failf(t, "toggle not found", "key %q", key)
	return FeatureToggle{}
}

func TestParseHomeFlagStatusBits(t *testing.T) {
	features, _ := ParseHomeFlag(1<<0 | 1<<2 | 1<<7)

	x := findToggle(t, features, "X_AXIS_AT_HOME")
	require.NotNil(t, x.Enabled)
	assert.True(t, *x.Enabled)
	assert.Nil(t, x.Supported)

	y := findToggle(t, features, "Y_AXIS_AT_HOME")
	assert.False(t, *y.Enabled)

	remain := findToggle(t, features, "AMS_DETECT_REMAIN")
	assert.True(t, *remain.Enabled)
}

func TestParseHomeFlagSupportOnlyBits(t *testing.T) {
	features, _ := ParseHomeFlag(1<<15 | 1<<30)

	flow := findToggle(t, features, "FLOW_CALIBRATION")
	require.NotNil(t, flow.Supported)
	assert.True(t, *flow.Supported)
	assert.Nil(t, flow.Enabled)

	agora := findToggle(t, features, "AGORA")
	assert.True(t, *agora.Supported)

	pa := findToggle(t, features, "PA_CALIBRATION")
	assert.False(t, *pa.Supported)
}

func TestParseHomeFlagPairedToggles(t *testing.T) {
	features, _ := ParseHomeFlag(1<<18 | 1<<17 | 1<<29)

	sound := findToggle(t, features, "PROMPT_SOUND")
	assert.True(t, *sound.Supported)
	assert.True(t, *sound.Enabled)

	air := findToggle(t, features, "AIR_PRINT_DETECTION")
	assert.True(t, *air.Supported)
	assert.False(t, *air.Enabled)

	tangle := findToggle(t, features, "FILAMENT_TANGLE_DETECT")
	assert.False(t, *tangle.Supported)
	assert.False(t, *tangle.Enabled)
}

func TestParseHomeFlagSdcardState(t *testing.T) {
	_, sd := ParseHomeFlag(0)
	assert.Equal(t, "NO_SDCARD", sd)

	_, sd = ParseHomeFlag(1 << 8)
	assert.Equal(t, "HAS_SDCARD_NORMAL", sd)

	_, sd = ParseHomeFlag(2 << 8)
	assert.Equal(t, "HAS_SDCARD_ABNORMAL", sd)

	_, sd = ParseHomeFlag(3 << 8)
	assert.Equal(t, "HAS_SDCARD_READONLY", sd)
}
