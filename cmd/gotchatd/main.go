package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/antonitor/gotchat/internal/app"
	"github.com/antonitor/gotchat/pkg/config"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/state"
	"github.com/antonitor/gotchat/pkg/state/shutdown"
)

// set build metadata
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	flags, err := config.ParseConfigFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		shutdown.Abort("invalid flags", err)
	}
	if !flags.Set["db"] {
		if root := state.ArtifactRoot(); root != "" {
			flags.DB = filepath.Join(root, "database")
			flags.Set["db"] = true
		}
	}

	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		shutdown.Abort("failed to load config file", err)
	}
	envCfg, envRes, err := config.ParseConfigEnvs()
	if err != nil {
		shutdown.Abort("invalid environment", err)
	}
	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envRes)
	if err != nil {
		shutdown.Abort("failed to build effective config", err)
	}

	// initialize logger after config is fully loaded
	logger.InitWithLevel(eff.Config.Logging.Level)
	defer logger.Sync()
	logger.Info("effective_config_loaded", "source", eff.Source, "addr", eff.Addr, "push_addr", eff.PushAddr, "db_path", eff.DBPath)

	if eff.Config.Storage.Backend == config.BackendLocal {
		if err := state.Init(eff.DBPath); err != nil {
			shutdown.Abort("failed to ensure state directories under "+eff.DBPath, err)
		}
	}

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("failed to initialize app", err)
	}
	a.PrintBanner()

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("app run failed", err)
	}

	// bounded so teardown cannot hang forever
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", "error", err)
	}
}
