package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"iotsentry/internal/api"
	"iotsentry/internal/config"
	"iotsentry/internal/dispatch"
	"iotsentry/internal/engine"
	"iotsentry/internal/ingest"
	"iotsentry/internal/logging"
	"iotsentry/internal/metrics"
	"iotsentry/internal/model"
	"iotsentry/internal/registry"
	"iotsentry/internal/sink"
	"iotsentry/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file (yaml or json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("iotsentry", version)
		return
	}

	manager, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting iotsentry", "version", version, "config", manager.Path())

	reg := registry.NewStore()
	seedRegistry(reg, cfg.Registry)

	m := metrics.New()

	eng, err := engine.NewEngine(cfg.Detection, reg, logger)
	if err != nil {
		logger.Error("engine init failed", "err", err)
		os.Exit(1)
	}

	db, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	if db != nil {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.Init(initCtx)
		cancel()
		if err != nil {
			logger.Error("storage schema init failed", "err", err)
			os.Exit(1)
		}
		logger.Info("alert storage enabled", "driver", cfg.Storage.Driver)
	}

	alertStore := sink.NewStore(cfg.Alerts.StoreLimit)
	writer, err := sink.NewWriter(logger, m, alertStore, db, config.ResolvePath(cfg.Alerts.FilePath))
	if err != nil {
		logger.Error("alert log init failed", "err", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(eng, writer, logger, m, dispatch.Options{
		IdleTTL:       cfg.Dispatch.IdleTTL,
		SweepInterval: cfg.Dispatch.SweepInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher.Start(ctx)

	ingest.StartREST(ctx, manager, dispatcher, logger)
	ingest.StartTCPStream(ctx, manager, dispatcher, logger)
	ingest.StartUDP(ctx, manager, dispatcher, logger)
	ingest.StartFileTail(ctx, manager, dispatcher, logger)
	ingest.StartKafka(ctx, manager, dispatcher, logger)

	api.Start(ctx, manager, reg, dispatcher, alertStore, eng, m, logger, version)

	stopWatch := make(chan struct{})
	go manager.Watch(3*time.Second,
		func(next *config.Config) {
			if err := eng.UpdateDetection(next.Detection); err != nil {
				logger.Error("config reload rejected", "err", err)
				return
			}
			seedRegistry(reg, next.Registry)
			logger.Info("config reloaded")
		},
		func(err error) {
			logger.Warn("config watch error", "err", err)
		},
		stopWatch,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	close(stopWatch)
	cancel()
	dispatcher.Shutdown()
	if err := writer.Close(); err != nil {
		logger.Warn("alert log close failed", "err", err)
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Warn("storage close failed", "err", err)
		}
	}
	logger.Info("stopped")
}

func seedRegistry(reg *registry.Store, cfg config.RegistryConfig) {
	for userID, privilege := range cfg.Users {
		reg.UpsertUser(userID, model.Role(strings.ToUpper(privilege)))
	}
	for sourceID, label := range cfg.Devices {
		reg.UpsertDevice(sourceID, label)
	}
	if len(cfg.DangerousCommands) > 0 {
		reg.SetDangerousCommands(cfg.DangerousCommands)
	}
}
