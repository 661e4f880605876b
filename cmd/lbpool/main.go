package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/lbpool/config"
	"github.com/migadu/lbpool/logger"
	"github.com/migadu/lbpool/pkg/errors"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lbpool version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(errors.ExitOK)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "LBPOOL: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "LBPOOL: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("lbpool starting", "version", version, "commit", commit, "built", date,
		"log_format", cfg.Logging.Format, "log_level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	a, err := newApp(cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}

	if err := a.run(ctx); err != nil {
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
	errorHandler.Shutdown(ctx)
}

// loadAndValidateConfig loads configuration from file and validates it. Any failure
// terminates the process with the configuration exit code.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			// Defaults alone configure no hosts, so Validate below reports what is missing
			fmt.Fprintf(os.Stderr, "LBPOOL: default configuration file '%s' not found, using application defaults\n", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}
