// Command orchestrator runs the fleet server: device leases, the
// navigation graph store and cache, pathfinding, host proxying and the
// HTTP API.
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
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelstreet/virtualpytest/internal/ai"
	"github.com/angelstreet/virtualpytest/internal/api"
	kvcache "github.com/angelstreet/virtualpytest/internal/cache"
	"github.com/angelstreet/virtualpytest/internal/capture"
	"github.com/angelstreet/virtualpytest/internal/command"
	"github.com/angelstreet/virtualpytest/internal/config"
	"github.com/angelstreet/virtualpytest/internal/control/lock"
	"github.com/angelstreet/virtualpytest/internal/control/proxy"
	"github.com/angelstreet/virtualpytest/internal/log"
	navcache "github.com/angelstreet/virtualpytest/internal/navigation/cache"
	"github.com/angelstreet/virtualpytest/internal/navigation/pathfind"
	"github.com/angelstreet/virtualpytest/internal/navigation/store"
	"github.com/angelstreet/virtualpytest/internal/navigation/validate"
	"github.com/angelstreet/virtualpytest/internal/persistence/sqlite"
	"github.com/angelstreet/virtualpytest/internal/reference"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	seedModels := flag.String("seed-models", "", "comma-separated device models to seed with the builtin command sets")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath, *seedModels); err != nil {
		logger := log.WithComponent("main")
		logger.Error().Err(err).Msg("orchestrator exited with error")
		os.Exit(1)
	}
}

func run(configPath, seedModels string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "orchestrator"})
	logger := log.WithComponent("main")
	logger.Info().Str("version", version).Str("listen", cfg.Server.Listen).Msg("starting orchestrator")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := sqlite.Open(filepath.Join(cfg.DataDir, "orchestrator.db"), sqlite.DefaultConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	registry, err := command.NewRegistry(db)
	if err != nil {
		return err
	}
	if err := seedBuiltinSets(registry, seedModels); err != nil {
		return err
	}

	refs, err := reference.NewStore(db, cfg.Team, filepath.Join(cfg.DataDir, "references"))
	if err != nil {
		return err
	}
	trees, err := store.New(db)
	if err != nil {
		return err
	}

	kv, closeKV, err := newKVStore(cfg)
	if err != nil {
		return err
	}
	defer closeKV()
	cache := navcache.New(kv, &navcache.StoreLoader{Trees: trees, References: refs, Commands: registry}, cfg.Cache.TTL)
	trees.SetInvalidateHook(cache.Invalidate)

	leaseStore, err := lock.OpenBadger(cfg.Lease.StorePath)
	if err != nil {
		return fmt.Errorf("open lease store: %w", err)
	}
	defer leaseStore.Close()
	leases := lock.NewManager(leaseStore, lock.NewConfigDirectory(cfg.Hosts), nil, lock.Options{
		Heartbeat:       cfg.Lease.Heartbeat,
		GraceMultiplier: cfg.Lease.GraceMultiplier,
		ExpiryCheck:     cfg.Lease.ExpiryCheck,
	})

	px := proxy.New(cfg.Hosts, leases, cfg.Proxy)
	finder := pathfind.New(pathfind.NewCacheSource(cache, trees))

	var aiSvc *ai.Client
	if cfg.AI.BaseURL != "" {
		aiSvc = ai.New(cfg.AI)
	}

	srv := api.New(cfg, leases, px, trees, cache, finder, validate.New(registry), aiSvc)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return leases.Run(ctx) })
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
	logger.Info().Msg("orchestrator stopped")
	return err
}

// seedBuiltinSets registers the builtin command sets for each named
// device model. Registration is an upsert, so reseeding is harmless.
func seedBuiltinSets(registry *command.Registry, models string) error {
	ctx := context.Background()
	logger := log.WithComponent("main")
	for _, m := range strings.Split(models, ",") {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		for _, set := range []command.Set{
			command.RemoteSet(), command.ADBSet(), command.WebSet(),
			command.IRSet(), command.ImageVerificationSet(),
		} {
			if err := registry.RegisterSet(ctx, m, set); err != nil {
				return fmt.Errorf("seed %s: %w", m, err)
			}
		}
		logger.Info().Str("device_model", m).Msg("builtin command sets registered")
	}
	return nil
}

func newKVStore(cfg config.Config) (kvcache.Store, func(), error) {
	if cfg.Cache.RedisAddr != "" {
		r, err := kvcache.NewRedis(kvcache.RedisConfig{
			Addr: cfg.Cache.RedisAddr,
			DB:   cfg.Cache.RedisDB,
		}, log.WithComponent("cache"))
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	}
	m := kvcache.NewMemory(time.Minute)
	return m, m.Close, nil
}
