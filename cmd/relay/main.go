package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relay/config"
	"github.com/relaymesh/relay/internal/gateway"
	"github.com/relaymesh/relay/internal/logging"
	"github.com/relaymesh/relay/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Relay %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck
	logging.SetGlobal(logger)

	logging.Info("Starting relay",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("clusters", len(cfg.Clusters)),
		zap.Int("routes", len(cfg.Routes)),
	)

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		logging.Error("Failed to initialize tracing", zap.Error(err))
		os.Exit(1)
	}
	defer tracer.Close() //nolint:errcheck

	gw, err := gateway.New(cfg, tracer)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	if err := gw.Start(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}

	// File watcher reapplies the config on change.
	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logging.Warn("Config watcher disabled", zap.Error(err))
	} else {
		watcher.OnChange(func(newCfg *config.Config) {
			if err := gw.Reload(newCfg); err != nil {
				logging.Error("Config reload completed with errors", zap.Error(err))
				return
			}
			logging.Info("Config reloaded")
		})
		if err := watcher.Start(); err != nil {
			logging.Warn("Config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop() //nolint:errcheck
		}
	}

	// SIGHUP reloads, SIGINT/SIGTERM shuts down.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig == syscall.SIGHUP {
			newCfg, err := loader.Load(*configPath)
			if err != nil {
				logging.Error("Config reload failed", zap.Error(err))
				continue
			}
			if err := gw.Reload(newCfg); err != nil {
				logging.Error("Config reload completed with errors", zap.Error(err))
				continue
			}
			logging.Info("Config reloaded")
			continue
		}

		logging.Info("Shutting down gracefully...")
		if err := gw.Shutdown(30 * time.Second); err != nil {
			logging.Error("Shutdown error", zap.Error(err))
			os.Exit(1)
		}
		return
	}
}

func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	if cfg.File != "" {
		rot := logging.Rotation{}
		if cfg.Rotation != nil {
			rot = logging.Rotation{
				MaxSizeMB:  cfg.Rotation.MaxSizeMB,
				MaxBackups: cfg.Rotation.MaxBackups,
				MaxAgeDays: cfg.Rotation.MaxAgeDays,
				Compress:   cfg.Rotation.Compress,
			}
		}
		return logging.NewRotating(cfg.Level, cfg.File, rot), nil
	}
	return logging.New(cfg.Level)
}
