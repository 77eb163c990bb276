package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alantheprice/devosd/pkg/approval"
	"github.com/alantheprice/devosd/pkg/config"
	"github.com/alantheprice/devosd/pkg/daemon"
	"github.com/alantheprice/devosd/pkg/engine"
	"github.com/alantheprice/devosd/pkg/events"
	"github.com/alantheprice/devosd/pkg/executor"
	"github.com/alantheprice/devosd/pkg/gateway"
	"github.com/alantheprice/devosd/pkg/history"
	"github.com/alantheprice/devosd/pkg/logging"
	"github.com/alantheprice/devosd/pkg/models"
	"github.com/alantheprice/devosd/pkg/monitor"
	"github.com/alantheprice/devosd/pkg/preferences"
	"github.com/alantheprice/devosd/pkg/risk"
	"github.com/alantheprice/devosd/pkg/validator"
)

var serveNoHistory bool

// serveCmd runs the daemon until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	Long: `Start the devosd daemon. It watches the configured paths, samples
running processes, serves the HTTP API and streams job events over
WebSocket until it receives SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoHistory, "no-history", false,
		"disable the SQLite command history")
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logger.Close()

	for _, problem := range cfg.Validate() {
		logger.Warn("Config: %s", problem)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()

	// Context monitors. A failed file watcher degrades the context
	// snapshot, it does not stop the daemon.
	files := monitor.NewFileMonitor(cfg.WatchPaths, logger)
	if err := files.Start(); err != nil {
		logger.Warn("File monitoring unavailable: %v", err)
	} else {
		defer files.Stop()
	}

	processes := monitor.NewProcessMonitor(cfg.ProcessUpdateInterval, logger)
	processes.Start()
	defer processes.Stop()

	git := monitor.NewGitMonitor(logger)
	collector := monitor.NewCollector(files, processes, git)

	registry := models.NewRegistry(cfg.Model.Registry)
	router := models.NewRouter(registry, cfg.Model.DefaultModel)

	bedrock, err := gateway.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to configure Bedrock client: %w", err)
	}

	v := validator.New(cfg.Security.AllowedCommands, cfg.Security.BlockedCommands)
	exec := executor.New(cfg.Security, v, logger)

	prefs := preferences.NewStore(filepath.Join(config.DefaultConfigDir(), "preferences.json"))
	if err := prefs.Load(); err != nil {
		logger.Warn("Starting with empty preferences: %v", err)
	}
	defer func() {
		if err := prefs.Save(); err != nil {
			logger.Error("Failed to save preferences: %v", err)
		}
	}()

	approvals := approval.NewManager(cfg.Approval, risk.NewClassifier(), prefs, logger)

	var hist *history.Store
	if !serveNoHistory {
		hist, err = history.Open(filepath.Join(config.DefaultConfigDir(), "history.db"))
		if err != nil {
			logger.Warn("Command history unavailable: %v", err)
			hist = nil
		} else {
			defer hist.Close()
		}
	}

	eng := engine.New(cfg, logger, bus, collector, router, registry, bedrock, exec, approvals, hist)

	server := daemon.NewServer(cfg, logger, eng, bus, hist)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("Daemon stopped")
	fmt.Fprintln(os.Stderr, "devosd stopped")
	return nil
}
