package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/withobsrvr/sirene-pipeline/internal/config"
	"github.com/withobsrvr/sirene-pipeline/internal/logging"
	"github.com/withobsrvr/sirene-pipeline/internal/metrics"
)

// app is the state shared by every subcommand of one invocation
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	stdout     io.Writer

	config   *config.Config
	logger   *zap.Logger
	recorder *metrics.Recorder
}

// NewRootCommand builds the sirene-pipeline command tree.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout}

	root := &cobra.Command{
		Use:   "sirene-pipeline",
		Short: "Bronze/Silver/Gold batch pipeline for the SIRENE business registry",
		Long: `sirene-pipeline ingests the SIRENE establishment and legal-unit datasets
into an append-only Bronze registry, derives cleaned and validated Silver
snapshots incrementally, and rebuilds the Gold master table and KPIs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "override log.format (json, console)")

	root.AddCommand(
		a.newRunCommand(),
		a.newBronzeCommand(),
		a.newSilverCommand(),
		a.newGoldCommand(),
		a.newInspectCommand(),
		a.newConfigCommand(),
	)
	return root
}

// load reads the configuration and builds the run-scoped logger.
func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	a.config = cfg
	a.logger = logger.With(zap.String("run_id", uuid.NewString()), zap.String("env", cfg.Env))
	a.recorder = metrics.NewRecorder()
	a.logger.Debug("configuration loaded", zap.String("path", a.configPath))
	return nil
}

// execute loads the configuration, serves metrics when configured and runs
// fn until it returns or the process is interrupted.
func (a *app) execute(cmd *cobra.Command, fn func(ctx context.Context) error) error {
	if err := a.load(); err != nil {
		return err
	}
	defer a.logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := a.config.Metrics.ListenAddr; addr != "" {
		srv := metrics.NewServer(a.recorder, addr, a.logger)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("failed to stop metrics server", zap.Error(err))
			}
		}()
	}

	err := fn(ctx)
	if ctx.Err() != nil && err != nil {
		return fmt.Errorf("interrupted: %w", err)
	}
	return err
}

// flushMetrics writes the metrics textfile when one is configured.
func (a *app) flushMetrics() {
	path := a.config.Metrics.Textfile
	if path == "" {
		return
	}
	if err := a.recorder.WriteTextfile(path); err != nil {
		a.logger.Warn("failed to write metrics textfile", zap.String("path", path), zap.Error(err))
	}
}
