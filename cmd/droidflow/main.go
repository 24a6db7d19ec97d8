package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xAsh-Ai/droidflow/internal/config"
	"github.com/xAsh-Ai/droidflow/internal/engine"
	"github.com/xAsh-Ai/droidflow/internal/health"
	"github.com/xAsh-Ai/droidflow/internal/lock"
	"github.com/xAsh-Ai/droidflow/internal/log"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runService(args))
	case "health":
		os.Exit(runHealth(args))
	case "version":
		fmt.Printf("droidflow version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`droidflow - optimizing dispatch engine for adb devices

Usage:
  droidflow <command> [flags]

Commands:
  run       Start the dispatch service in foreground
  health    Probe the bridge and report service health as JSON
  version   Show version information
  help      Show this help message

Flags:
  -config   Path to a YAML configuration file (defaults apply when omitted)
`)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func runService(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(log.Options{
		Level:      cfg.Service.LogLevel,
		File:       cfg.Service.LogFile,
		MaxSizeMB:  cfg.Service.LogMaxSize,
		MaxBackups: cfg.Service.MaxBackups,
	})
	logger := log.WithComponent("main")
	logger.Info("droidflow starting", "version", version, "config", *configPath)

	if cfg.Service.PidFile != "" {
		pidLock, err := lock.Acquire(cfg.Service.PidFile)
		if err != nil {
			logger.Error("failed to acquire pid lock (another instance may be running)",
				"path", cfg.Service.PidFile, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired pid lock", "path", pidLock.Path())
	}

	eng, err := engine.New(cfg)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	eng.Stop()
	return 0
}

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(log.Options{Level: "error"})

	eng, err := engine.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build engine: %v\n", err)
		return 2
	}

	report := eng.HealthCheck(context.Background())

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode report: %v\n", err)
		return 2
	}
	fmt.Println(string(out))

	switch report.Status {
	case health.StatusGood:
		return 0
	case health.StatusDegraded:
		return 1
	default:
		return 2
	}
}
