package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/doorman/gateway/internal/config"
	"github.com/doorman/gateway/internal/gateway"
	"github.com/doorman/gateway/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("doorman gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Startup validation failures (missing secrets, unsafe worker config,
	// missing TLS files) exit nonzero before any port is bound.
	loader := config.NewLoader()
	settings, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("configuration is valid")
		os.Exit(0)
	}

	logger, closer, err := logging.New(logging.Config{
		Level:      settings.Logging.Level,
		Output:     settings.Logging.Output,
		MaxSize:    settings.Logging.MaxSize,
		MaxBackups: settings.Logging.MaxBackups,
		MaxAge:     settings.Logging.MaxAge,
		Compress:   settings.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	if closer != nil {
		defer closer.Close()
	}
	defer logging.Sync()

	logging.Info("starting doorman gateway",
		zap.String("version", version),
		zap.String("config", *configPath))

	app, err := gateway.NewApp(settings)
	if err != nil {
		logging.Error("startup failed", zap.Error(err))
		os.Exit(1)
	}

	server := gateway.NewServer(app, *configPath)
	if err := server.Run(); err != nil {
		logging.Error("server error", zap.Error(err))
		app.Close(context.Background())
		os.Exit(1)
	}
}
