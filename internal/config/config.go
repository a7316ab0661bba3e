// Package config owns process bootstrap settings and the persistent
// app.json document holding printers and app settings.
package config

import (
	"github.com/caarlos0/env/v11"
)

// Env is the process bootstrap configuration. Everything that has to be
// known before app.json is readable lives here.
type Env struct {
	// ConfigPath points at the app.json document.
	ConfigPath string `envDefault:"config/app.json"`
	// CacheDir holds downloaded print files.
	CacheDir string `envDefault:"cache/printjobs"`
	// DataDir holds HMS tables and the custom filament file.
	DataDir string `envDefault:"data"`
	// LogLevel overrides the level from app.json when set.
	LogLevel string
}

// ParseEnv reads BAMBUMON_* environment variables.
func ParseEnv() (Env, error) {
	return env.ParseAsWithOptions[Env](env.Options{Prefix: "BAMBUMON_", UseFieldNameByDefault: true})
}
