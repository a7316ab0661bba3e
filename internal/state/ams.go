package state

// The ams_status word packs a main status in the high byte and a sub
// status in the low byte.

var amsStatusMainNames = map[int]string{
	0x00: "IDLE",
	0x01: "FILAMENT_CHANGE",
	0x02: "RFID_IDENTIFYING",
	0x03: "ASSIST",
	0x04: "CALIBRATION",
	0x10: "SELF_CHECK",
	0x20: "DEBUG",
	0xFF: "UNKNOWN",
}

var amsSubStatusNames = map[int]string{
	0x00: "IDLE",
	0x02: "HEAT_NOZZLE",
	0x03: "CUT_FILAMENT",
	0x04: "PULL_CURRENT_FILAMENT",
	0x05: "CUT_OR_PUSH_NEW_FILAMENT",
	0x06: "PUSH_NEW_FILAMENT",
	0x07: "PULL_CURR_FILAMENT_OR_PURGE_OLD_FILAMENT",
	0x08: "CHECK_POSITION",
	0x09: "WAIT",
	0x0B: "CHECK_POSITION_AGAIN",
	0xFF: "UNKNOWN",
}

// DecodeAmsStatus splits the raw ams_status word into named main and sub
// statuses. Unrecognized values come back as UNKNOWN.
func DecodeAmsStatus(raw int64) (main, sub string) {
	mainCode := int((raw & 0xFF00) >> 8)
	subCode := int(raw & 0xFF)

	main, ok := amsStatusMainNames[mainCode]
	if !ok {
		main = "UNKNOWN"
	}
	sub, ok = amsSubStatusNames[subCode]
	if !ok {
		sub = "UNKNOWN"
	}
	return main, sub
}

// TrayExistSlots expands the low four bits of tray_exist_bits into
// per-slot booleans for the first AMS unit. The bitfield is usually
// bare hex.
func TrayExistSlots(bits string) []bool {
	n := parseBits(bits, 0)
	slots := make([]bool, 4)
	for i := range slots {
		slots[i] = n&(1<<i) != 0
	}
	return slots
}

// ActiveTrayIndex resolves tray_now to a slot index, or nil when no tray
// is loaded (255).
func ActiveTrayIndex(trayNow string) *int {
	n := parseIntDefault(trayNow, 255)
	if n == 255 || n < 0 {
		return nil
	}
	return &n
}
