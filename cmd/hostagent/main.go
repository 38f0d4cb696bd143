// Command hostagent runs the per-machine agent: it executes device
// commands over their transports, serves verifications, and analyzes the
// capture stream of every attached device.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelstreet/virtualpytest/internal/ai"
	"github.com/angelstreet/virtualpytest/internal/analysis"
	"github.com/angelstreet/virtualpytest/internal/capture"
	"github.com/angelstreet/virtualpytest/internal/command"
	"github.com/angelstreet/virtualpytest/internal/config"
	"github.com/angelstreet/virtualpytest/internal/control/proxy"
	"github.com/angelstreet/virtualpytest/internal/host"
	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/media"
	"github.com/angelstreet/virtualpytest/internal/persistence/sqlite"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	name := flag.String("name", "", "host name (defaults to HOST_NAME env)")
	devices := flag.String("devices", "", "attached devices as id=model pairs, comma-separated")
	adbSerials := flag.String("adb-serials", "", "adb serial per device as id=serial pairs")
	irRemotes := flag.String("ir-remotes", "", "lirc remote per device as id=remote pairs")
	webURLs := flag.String("web-urls", "", "web driver base URL per device as id=url pairs")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath, *name, *devices, *adbSerials, *irRemotes, *webURLs); err != nil {
		logger := log.WithComponent("main")
		logger.Error().Err(err).Msg("host agent exited with error")
		os.Exit(1)
	}
}

func run(configPath, name, devices, adbSerials, irRemotes, webURLs string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "hostagent"})
	logger := log.WithComponent("main")

	hostName := config.HostName(name)
	if hostName == "" {
		return fmt.Errorf("host name required (-name or %s)", config.EnvHostName)
	}
	models := parsePairs(devices)
	if len(models) == 0 {
		return fmt.Errorf("at least one device required (-devices id=model)")
	}
	logger.Info().Str("version", version).Str(log.FieldHost, hostName).
		Int("devices", len(models)).Msg("starting host agent")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := sqlite.Open(filepath.Join(cfg.DataDir, "hostagent.db"), sqlite.DefaultConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	registry, err := command.NewRegistry(db)
	if err != nil {
		return err
	}
	if err := seedModels(registry, models); err != nil {
		return err
	}

	ff := media.New(cfg.Capture.FFmpegBin)
	captures := capture.NewService(cfg.Capture.Root, cfg.Capture.ScratchDir, cfg.Server.URL, ff)

	var aiClient *ai.Client
	if cfg.AI.BaseURL != "" {
		aiClient = ai.New(cfg.AI)
	}

	// The verifier dispatches transport-backed checks through the agent's
	// executors; the closure resolves once the agent exists.
	var agent *host.Agent
	exec := func(ctx context.Context, deviceID string, req proxy.ActionRequest) proxy.ActionResult {
		return agent.ExecuteAction(ctx, deviceID, req)
	}
	var ocr host.TextExtractor
	if aiClient != nil {
		ocr = host.AIExtractor{Client: aiClient}
	}
	verifier := host.NewVerifier(hostName, captures, exec, ocr)
	agent = host.NewAgent(hostName, registry, captures, verifier, models)

	agent.RegisterExecutor(command.KindADB, host.NewADBExecutor("adb", parsePairs(adbSerials), 15*time.Second))
	ir := host.NewIRExecutor("irsend", parsePairs(irRemotes), 10*time.Second)
	agent.RegisterExecutor(command.KindIR, ir)
	agent.RegisterExecutor(command.KindRemote, ir)
	if urls := parsePairs(webURLs); len(urls) > 0 {
		agent.RegisterExecutor(command.KindWeb, host.NewHTTPExecutor(urls, "/web/execute", 30*time.Second))
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           agent.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// One capture monitor + analyzer per attached device.
	for deviceID := range models {
		mon := capture.NewMonitor(cfg.Capture.Root, hostName, deviceID, cfg.Capture.QueueSize, cfg.Capture.RescanEvery)
		var aiSvc analysis.AIService
		if aiClient != nil {
			aiSvc = aiClient
		}
		analyzer := analysis.New(cfg.Analyzer, mon, captures, ff, aiSvc, hostName, deviceID)
		g.Go(func() error { return mon.Run(ctx) })
		g.Go(func() error { return analyzer.Run(ctx) })
	}
	g.Go(func() error {
		pruner := capture.NewPruner(cfg.Capture.Root, cfg.Capture.RetentionAge, 10*time.Minute)
		return pruner.Run(ctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Server.Listen).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info().Msg("host agent stopped")
	return err
}

// seedModels registers the builtin command sets for every distinct model
// attached to this host.
func seedModels(registry *command.Registry, models map[string]string) error {
	ctx := context.Background()
	seen := map[string]bool{}
	ordered := make([]string, 0, len(models))
	for _, m := range models {
		if !seen[m] {
			seen[m] = true
			ordered = append(ordered, m)
		}
	}
	sort.Strings(ordered)
	for _, m := range ordered {
		for _, set := range []command.Set{
			command.RemoteSet(), command.ADBSet(), command.WebSet(),
			command.IRSet(), command.ImageVerificationSet(),
		} {
			if err := registry.RegisterSet(ctx, m, set); err != nil {
				return fmt.Errorf("seed %s: %w", m, err)
			}
		}
	}
	return nil
}

// parsePairs turns "a=1,b=2" into a map. Empty and malformed entries are
// skipped.
func parsePairs(s string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
