// Command runscript executes a scripted navigation run against the
// orchestrator. The script is a YAML file; host, device and user can be
// overridden by flags or environment. Exit code follows the run outcome:
// 0 on success, 1 on failure or abort.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/angelstreet/virtualpytest/internal/ai"
	"github.com/angelstreet/virtualpytest/internal/client"
	"github.com/angelstreet/virtualpytest/internal/config"
	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/script"
	"github.com/angelstreet/virtualpytest/internal/zapdetect"
)

func main() {
	serverURL := flag.String("server", "", "orchestrator base URL (defaults to SERVER_URL env)")
	scriptPath := flag.String("script", "", "path to the script YAML file")
	hostName := flag.String("host", "", "override the script's host")
	deviceID := flag.String("device", "", "override the script's device")
	userID := flag.String("user", "", "override the script's user id")
	summaryOut := flag.String("summary", "", "write the run summary JSON to this file")
	flag.Parse()

	os.Exit(run(*serverURL, *scriptPath, *hostName, *deviceID, *userID, *summaryOut))
}

func run(serverURL, scriptPath, hostName, deviceID, userID, summaryOut string) int {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "runscript", Output: os.Stderr})
	logger := log.WithComponent("main")

	if serverURL == "" {
		serverURL = cfg.Server.URL
	}
	if scriptPath == "" {
		logger.Error().Msg("-script is required")
		return 1
	}

	sc, err := loadScript(scriptPath)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldPath, scriptPath).Msg("script load failed")
		return 1
	}
	if hostName != "" {
		sc.Host = hostName
	}
	if deviceID != "" {
		sc.DeviceID = deviceID
	}
	if userID != "" {
		sc.UserID = userID
	}
	sc.Host = config.HostName(sc.Host)
	sc.DeviceID = config.DeviceID(sc.DeviceID)
	if sc.Host == "" || sc.DeviceID == "" {
		logger.Error().Msg("script needs a host and a device")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.New(serverURL)
	sc.SessionID = uuid.NewString()

	// Zap observation is optional: it needs the analyzer sidecar stream,
	// polled through the orchestrator's monitoring endpoint under the
	// run's own session.
	var zapObs script.ZapObserver
	var feedCancel context.CancelFunc
	if observesZap(sc) {
		var banner zapdetect.BannerAnalyzer
		if cfg.AI.BaseURL != "" {
			banner = ai.New(cfg.AI)
		}
		ctrl := zapdetect.NewController(cfg.Zap, banner)
		var feedCtx context.Context
		feedCtx, feedCancel = context.WithCancel(ctx)
		feed := client.NewZapFeed(api, ctrl, sc.Host, sc.DeviceID, sc.SessionID)
		go func() { _ = feed.Run(feedCtx) }()
		zapObs = ctrl
	}

	runner := script.NewRunner(api, api, api, zapObs, os.Stdout, cfg.Server.URL+"/reports")
	summary, err := runner.Run(ctx, sc)
	if feedCancel != nil {
		feedCancel()
	}
	if err != nil {
		logger.Error().Err(err).Msg("run aborted")
	}

	if summaryOut != "" {
		if werr := writeSummary(summaryOut, summary); werr != nil {
			logger.Warn().Err(werr).Msg("summary write failed")
		}
	}
	for _, sr := range summary.StepResults {
		ev := logger.Info()
		if !sr.Success {
			ev = logger.Warn().Str("error_type", sr.ErrorType).Str("error", sr.Error)
		}
		ev.Int("step", sr.Index).Str("from", sr.From).Str("to", sr.To).
			Float64("duration_s", sr.DurationS).Bool("success", sr.Success).Msg("step finished")
	}

	if summary.ScriptSuccess {
		return 0
	}
	return 1
}

func loadScript(path string) (script.Script, error) {
	var sc script.Script
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return sc, err
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parse script: %w", err)
	}
	if len(sc.Steps) == 0 {
		return sc, fmt.Errorf("script has no steps")
	}
	return sc, nil
}

func writeSummary(path string, summary script.Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func observesZap(sc script.Script) bool {
	for _, st := range sc.Steps {
		if st.ObserveZap {
			return true
		}
	}
	return false
}
