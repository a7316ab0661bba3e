// Bambumon is the LAN-side monitor and control plane for Bambu Lab
// printers. It holds the MQTT, FTPS, and camera sessions to the active
// printer and serves the merged state over a JSON API with SSE and
// WebSocket streams.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/bambumon/bambumon/engine"
	"github.com/bambumon/bambumon/internal/config"
	"github.com/bambumon/bambumon/internal/state"
	"github.com/bambumon/bambumon/modules/admin"
	"github.com/bambumon/bambumon/modules/camera"
	"github.com/bambumon/bambumon/modules/connection"
	"github.com/bambumon/bambumon/modules/control"
	"github.com/bambumon/bambumon/modules/debug"
	"github.com/bambumon/bambumon/modules/events"
	"github.com/bambumon/bambumon/modules/filaments"
	"github.com/bambumon/bambumon/modules/ftps"
	"github.com/bambumon/bambumon/modules/metrics"
	"github.com/bambumon/bambumon/modules/presence"
	"github.com/bambumon/bambumon/modules/printers"
	"github.com/bambumon/bambumon/modules/printjob"
	"github.com/bambumon/bambumon/modules/stream"
	"github.com/bambumon/bambumon/modules/telemetry"
)

func main() {
	// The paho client logs through the stdlib log package; everything
	// here uses slog.
	log.SetOutput(io.Discard)

	env, err := config.ParseEnv()
	if err != nil {
		panic(err)
	}

	store, err := config.Load(env.ConfigPath)
	if err != nil {
		panic(err)
	}
	settings := store.Settings()

	level := env.LogLevel
	if level == "" {
		level = settings.LogLevel
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	})))

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		if err := engine.CheckHealthProbe(fmt.Sprintf("http://localhost:%d/healthz", settings.Port)); err != nil {
			panic(err)
		}
		return
	}

	newApp(env, store).Run(context.TODO())
}

func newApp(env config.Env, store *config.Store) *engine.App {
	settings := store.Settings()

	router := engine.NewRouter()
	router.HandleFunc("/healthz", engine.ServeHealthProbe(nil))

	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	a := engine.NewApp(addr, router)
	a.Router.Authenticator = admin.NewAuthenticator(store)

	repo := state.NewRepo()
	capture := state.NewFilamentCapture()
	binding := config.NewActiveBinding(store)

	metricsModule := metrics.New()
	a.Add(metricsModule)

	telemetryModule := telemetry.New(store, binding, repo, capture, metricsModule)
	a.Add(telemetryModule)

	// Non-active printers keep a lightweight MQTT session so the roster
	// stays live while only one printer owns the full transport stack.
	a.Add(presence.New(store, binding, repo))

	ftpsModule := ftps.New(binding, repo, metricsModule)
	a.Add(ftpsModule)

	cameraModule := camera.New(store, binding, repo, metricsModule, env.DataDir)
	a.Add(cameraModule)

	// The MQTT session gates the other transports: no report traffic
	// means the printer is down, so stop redialing FTPS and the camera.
	a.Add(connection.New(binding, telemetryModule, ftpsModule, cameraModule))

	printjobModule := printjob.New(binding, repo, ftpsModule, telemetryModule, metricsModule, env.CacheDir)
	a.Add(printjobModule)

	a.Add(control.New(binding, repo, telemetryModule, printjobModule, metricsModule))
	a.Add(printers.New(store, binding, repo, metricsModule))
	a.Add(stream.New(binding, repo))
	a.Add(events.New(repo))
	a.Add(filaments.New(capture, env.DataDir))
	a.Add(admin.New(store, printjobModule))
	a.Add(debug.New(store, telemetryModule))

	// Follow edits made to app.json outside the API.
	a.ProcMgr.Add(func(ctx context.Context) error {
		return config.Watch(ctx, store)
	})

	return a
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
