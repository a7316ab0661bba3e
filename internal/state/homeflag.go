package state

// home_flag is a 32-bit word packing axis/home status, the sdcard state,
// and a grab bag of feature support/enable bits.

var homeFlagStatusBits = []struct {
	bit int
	key string
}{
	{0, "X_AXIS_AT_HOME"},
	{1, "Y_AXIS_AT_HOME"},
	{2, "Z_AXIS_AT_HOME"},
	{3, "IS_220V_VOLTAGE"},
	{4, "STEP_LOSS_RECOVERY"},
	{7, "AMS_DETECT_REMAIN"},
	{10, "AMS_AUTO_REFILL"},
}

var homeFlagSupportOnlyBits = []struct {
	bit int
	key string
}{
	{15, "FLOW_CALIBRATION"},
	{16, "PA_CALIBRATION"},
	{21, "MOTOR_NOISE_CALIBRATION"},
	{22, "USER_PRESET"},
	{30, "AGORA"},
}

// Paired toggles carry a support bit and an enable bit at fixed positions.
// Ordered by key to keep the feature list stable for the UI.
var homeFlagToggleBits = []struct {
	key     string
	support int
	enabled int
}{
	{"AIR_PRINT_DETECTION", 29, 28},
	{"FILAMENT_TANGLE_DETECT", 19, 20},
	{"NOZZLE_BLOB_DETECTION", 25, 24},
	{"PROMPT_SOUND", 18, 17},
	{"UPGRADE_KIT", 27, 26},
}

var sdCardStateNames = [4]string{
	"NO_SDCARD",
	"HAS_SDCARD_NORMAL",
	"HAS_SDCARD_ABNORMAL",
	"HAS_SDCARD_READONLY",
}

// ParseHomeFlag decodes the feature list and sdcard state from home_flag.
func ParseHomeFlag(raw int64) ([]FeatureToggle, string) {
	features := make([]FeatureToggle, 0, len(homeFlagStatusBits)+len(homeFlagSupportOnlyBits)+len(homeFlagToggleBits))

	for _, entry := range homeFlagStatusBits {
		features = append(features, FeatureToggle{
			Key:     entry.key,
			Enabled: boolPtr(raw&(1<<entry.bit) != 0),
		})
	}
	for _, entry := range homeFlagSupportOnlyBits {
		features = append(features, FeatureToggle{
			Key:       entry.key,
			Supported: boolPtr(raw&(1<<entry.bit) != 0),
		})
	}
	for _, entry := range homeFlagToggleBits {
		features = append(features, FeatureToggle{
			Key:       entry.key,
			Supported: boolPtr(raw&(1<<entry.support) != 0),
			Enabled:   boolPtr(raw&(1<<entry.enabled) != 0),
		})
	}

	sdState := int((raw >> 8) & 0x03)
	return features, sdCardStateNames[sdState]
}

func boolPtr(b bool) *bool { return &b }
