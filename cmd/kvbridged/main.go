// Command kvbridged runs the kvbridge broker server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kvbridge/kvbridge/internal/broker"
	"github.com/kvbridge/kvbridge/internal/buildinfo"
	"github.com/kvbridge/kvbridge/internal/config"
	"github.com/kvbridge/kvbridge/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("kvbridge - local real-time key/value data broker")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the broker server")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting kvbridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
		logger.Info("config loaded", "path", cfgPath)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	adapters, closeAdapters, err := buildAdapterTable(cfg, logger)
	if err != nil {
		logger.Error("failed to build storage adapters", "error", err)
		os.Exit(1)
	}
	defer closeAdapters()

	server := broker.New(cfg.Broker.Address, cfg.Broker.Port, adapters, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("kvbridge stopped")
}

// buildAdapterTable constructs one storage.Adapter per platform entry
// in cfg.Broker.Adapters, deduplicating adapters that back the same
// file on disk (e.g. two platforms sharing "sqlite") would otherwise
// open it twice. Platforms without an explicit entry get no adapter;
// the dispatcher answers their requests with an ERROR envelope.
func buildAdapterTable(cfg *config.Config, logger *slog.Logger) (broker.AdapterTable, func(), error) {
	built := make(map[string]storage.Adapter) // backend name -> adapter
	table := make(broker.AdapterTable)

	get := func(backend string) (storage.Adapter, error) {
		if a, ok := built[backend]; ok {
			return a, nil
		}
		var (
			a   storage.Adapter
			err error
		)
		switch backend {
		case "memory":
			a = storage.NewMemoryAdapter()
		case "filetree":
			a, err = storage.NewFileTreeAdapter(cfg.DataDir)
		case "sqlite":
			a, err = storage.NewSQLiteAdapter(cfg.DataDir + "/kvbridge.db")
		case "badger":
			a, err = storage.NewBadgerAdapter(cfg.DataDir + "/badger")
		default:
			return nil, fmt.Errorf("unknown adapter backend %q", backend)
		}
		if err != nil {
			return nil, err
		}
		built[backend] = a
		logger.Info("storage adapter ready", "backend", backend)
		return a, nil
	}

	for platform, backend := range cfg.Broker.Adapters {
		a, err := get(backend)
		if err != nil {
			return nil, nil, err
		}
		table[platform] = a
	}

	closeAll := func() {
		for backend, a := range built {
			if err := a.Close(); err != nil {
				logger.Warn("error closing storage adapter", "backend", backend, "error", err)
			}
		}
	}
	return table, closeAll, nil
}
