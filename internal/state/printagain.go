package state

import (
	"net/url"
	"path"
)

// ComputePrintAgain decides whether the reprint action can be offered.
// It is only visible once a print has finished or failed, and only when
// the finished file matches the last project_file payload this app sent.
func ComputePrintAgain(print PrintStatus, lastSent *LastSentProjectFile, online bool) PrintAgain {
	if print.GcodeState != GcodeFinish && print.GcodeState != GcodeFailed {
		return PrintAgain{Reason: "print_in_progress"}
	}
	if lastSent == nil || lastSent.Command != "project_file" {
		return PrintAgain{Reason: "no_payload"}
	}
	if path.Base(print.File) != lastSent.File {
		return PrintAgain{Reason: "file_mismatch"}
	}

	again := PrintAgain{
		Visible: true,
		Enabled: online,
		Payload: printAgainPayload(lastSent),
	}
	if !online {
		again.Reason = "printer_offline"
	}
	return again
}

// printAgainPayload rebuilds the project_file command body, dropping
// fields that were never set on the original send.
func printAgainPayload(sent *LastSentProjectFile) map[string]any {
	payload := map[string]any{
		"command": sent.Command,
		"url":     sent.URL,
	}
	if sent.Param != "" {
		payload["param"] = sent.Param
	}
	if sent.BedLeveling != nil {
		payload["bed_leveling"] = *sent.BedLeveling
	}
	if sent.FlowCali != nil {
		payload["flow_cali"] = *sent.FlowCali
	}
	if sent.Timelapse != nil {
		payload["timelapse"] = *sent.Timelapse
	}
	if sent.UseAms != nil {
		payload["use_ams"] = *sent.UseAms
	}
	if sent.AmsMapping != nil {
		payload["ams_mapping"] = sent.AmsMapping
	}
	if sent.LayerInspect != nil {
		payload["layer_inspect"] = *sent.LayerInspect
	}
	if sent.VibrationCali != nil {
		payload["vibration_cali"] = *sent.VibrationCali
	}
	return payload
}

// BaseFileName extracts the bare filename from a URL or path, tolerating
// ftp:// prefixes and backslash separators.
func BaseFileName(raw string) string {
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(raw)
}
