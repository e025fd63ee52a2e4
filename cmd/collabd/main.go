package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"draft-collab/go-backend/internal/composition/collabserver"
	"draft-collab/go-backend/internal/config"
	"draft-collab/go-backend/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "collabd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		envFile     string
		addr        string
		rpcToken    string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("collabd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to collab.yaml (optional)")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading COLLAB_* variables")
	flagSet.StringVar(&addr, "addr", "", "listen address override")
	flagSet.StringVar(&rpcToken, "rpc-token", "", "RPC token for Authorization/X-Collab-RPC-Token")
	flagSet.StringVar(&logLevel, "log-level", "", "log level override: debug | info | warn | error")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("collabd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return nil
	}

	// Variables already set in the environment win over the dotenv file.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if addr != "" {
		_ = os.Setenv("COLLAB_ADDR", addr)
	}
	if rpcToken != "" {
		_ = os.Setenv("COLLAB_RPC_TOKEN", rpcToken)
	}
	if logLevel != "" {
		_ = os.Setenv("COLLAB_LOG_LEVEL", logLevel)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := privacylog.NewLogger(os.Stderr, parseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := collabserver.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	logger.Info("collabd starting", "version", version, "commit", commit, "env", cfg.Env)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("collabd stopped")
	return nil
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return level
}
