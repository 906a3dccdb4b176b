package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/runtime"
	"gopkg.in/yaml.v3"
)

var version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("loqad", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults and LOQA_* env when empty)")
	envFile := fs.String("env-file", ".env", "Optional dotenv file with LOQA_* settings")
	checkConfig := fs.Bool("check-config", false, "Print the effective configuration with secrets masked and exit")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, version)
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(stdout, nil))

	// Variables already set in the environment win over the file.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Error("failed to load env file", slog.String("path", *envFile), slog.String("error", err.Error()))
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		return err
	}
	if *checkConfig {
		return yaml.NewEncoder(stdout).Encode(masked(cfg))
	}

	if configured, err := newLogger(stdout, cfg.Telemetry.LogFormat, cfg.Telemetry.LogLevel); err != nil {
		logger.Warn("invalid log level, keeping info", slog.String("error", err.Error()))
	} else {
		logger = configured
	}

	logger.Info("starting loqad", slog.String("version", version), slog.String("environment", cfg.Environment))
	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		// Give exporters a moment to flush the failure.
		time.Sleep(time.Second)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// masked hides credentials so the output can be pasted into an issue.
func masked(cfg config.Config) config.Config {
	for _, secret := range []*string{&cfg.LLM.APIKey, &cfg.Bus.Token, &cfg.Bus.Password} {
		if *secret != "" {
			*secret = "****"
		}
	}
	return cfg
}
