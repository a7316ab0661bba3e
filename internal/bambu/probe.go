package bambu

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bambumon/bambumon/internal/state"
)

const (
	probeSequenceID = "2023"
	probeTimeout    = 12 * time.Second
)

// ProbeResult is what a get_version roundtrip learns about a printer.
type ProbeResult struct {
	ProductName string   `json:"product_name"`
	Firmware    string   `json:"firmware"`
	AmsModules  []string `json:"ams_modules"`
}

// Probe opens a short-lived MQTT session, requests get_version, and
// summarizes the module inventory. Used during onboarding to verify
// credentials and detect the model before a printer is saved.
func Probe(ctx context.Context, config PrinterConfig) (ProbeResult, error) {
	client := NewMqttClient(config)
	defer client.Disconnect()

	responses := make(chan map[string]any, 1)
	client.OnReport = func(payload map[string]any) {
		info, ok := payload["info"].(map[string]any)
		if !ok {
			return
		}
		if seq, _ := info["sequence_id"].(string); seq != probeSequenceID {
			return
		}
		select {
		case responses <- payload:
		default:
		}
	}
	connected := make(chan struct{}, 1)
	client.OnConnectionChange = func(up bool) {
		if up {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	}

	if err := client.Connect(); err != nil {
		return ProbeResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	select {
	case <-connected:
	case <-ctx.Done():
		return ProbeResult{}, fmt.Errorf("timed out waiting for printer connection")
	}

	if err := client.Publish(GetVersionCommand(probeSequenceID)); err != nil {
		return ProbeResult{}, err
	}

	select {
	case payload := <-responses:
		return summarizeModules(payload), nil
	case <-ctx.Done():
		return ProbeResult{}, fmt.Errorf("timed out waiting for printer identification")
	}
}

func summarizeModules(payload map[string]any) ProbeResult {
	modules := state.BuildModuleIndex(payload)
	result := ProbeResult{AmsModules: []string{}}

	if ota, ok := modules["ota"]; ok {
		result.Firmware = ota.SwVer
		result.ProductName = ota.ProductName
	}
	for _, mod := range modules {
		if result.ProductName == "" && mod.ProductName != "" && !strings.Contains(strings.ToLower(mod.ProductName), "ams") {
			result.ProductName = mod.ProductName
		}
		if strings.Contains(strings.ToLower(mod.ProductName), "ams") {
			result.AmsModules = append(result.AmsModules, mod.ProductName)
		}
	}
	return result
}
