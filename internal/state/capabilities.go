package state

import "strings"

// Some models lack hardware the snapshot otherwise advertises. The
// capability registry hides those fields per model so the UI does not
// render dead controls.

var printerModelOverrides = map[string]FieldOverrides{
	"bambu lab a1": {
		"chamber_temp":  {"visible": false},
		"fan_gear":      {"visible": false},
		"layer_inspect": {"visible": false},
	},
}

var amsProductOverrides = map[string]FieldOverrides{
	"ams lite": {
		"tray_remain":   {"visible": false},
		"unit_humidity": {"visible": false},
		"unit_temp":     {"visible": false},
	},
}

// CapabilitiesForModel returns the field overrides for a printer model.
func CapabilitiesForModel(model string) PrinterCapabilities {
	caps := PrinterCapabilities{Model: model, Fields: FieldOverrides{}}
	if overrides, ok := printerModelOverrides[strings.ToLower(strings.TrimSpace(model))]; ok {
		caps.Fields = copyOverrides(overrides)
	}
	return caps
}

// CapabilitiesForAmsProduct returns the field overrides for an AMS product.
func CapabilitiesForAmsProduct(productName string) AmsUnitCapabilities {
	caps := AmsUnitCapabilities{ProductName: productName, Fields: FieldOverrides{}}
	if overrides, ok := amsProductOverrides[strings.ToLower(strings.TrimSpace(productName))]; ok {
		caps.Fields = copyOverrides(overrides)
	}
	return caps
}

func copyOverrides(src FieldOverrides) FieldOverrides {
	dst := make(FieldOverrides, len(src))
	for field, flags := range src {
		inner := make(map[string]bool, len(flags))
		for k, v := range flags {
			inner[k] = v
		}
		dst[field] = inner
	}
	return dst
}
