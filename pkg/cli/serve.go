package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/getfleetd/fleetd/pkg/admin"
	"github.com/getfleetd/fleetd/pkg/config"
	"github.com/getfleetd/fleetd/pkg/health"
	"github.com/getfleetd/fleetd/pkg/logging"
	"github.com/getfleetd/fleetd/pkg/metrics"
	"github.com/getfleetd/fleetd/pkg/policy"
	"github.com/getfleetd/fleetd/pkg/registry"
	"github.com/getfleetd/fleetd/pkg/supervisor"
)

// shutdownTimeout is the maximum time to wait for graceful shutdown.
const shutdownTimeout = 30 * time.Second

type serveFlags struct {
	configFile     string
	adminPort      int
	adminHost      string
	dataDir        string
	logLevel       string
	logFormat      string
	allowLocalhost bool
}

var serveFlagVals serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fleetd daemon (foreground)",
	Long: `Start the fleetd daemon. It loads server definitions from the data
directory, starts every definition marked autoStart, probes running instances
for liveness, and serves the control API.

Definitions survive restarts; on startup the daemon reconciles the actual
process state against the stored definitions.`,
	Example: `  # Start with defaults
  fleetd serve

  # Start with a config file and custom control port
  fleetd serve --config fleetd.yaml --admin-port 5790

  # Keep state somewhere other than ~/.fleetd
  fleetd serve --data-dir /var/lib/fleetd`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(&serveFlagVals)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := &serveFlagVals
	serveCmd.Flags().StringVarP(&f.configFile, "config", "c", "", "Path to daemon configuration file")
	serveCmd.Flags().IntVarP(&f.adminPort, "admin-port", "a", 0, "Control API port (overrides config)")
	serveCmd.Flags().StringVar(&f.adminHost, "admin-host", "", "Control API bind host (overrides config)")
	serveCmd.Flags().StringVar(&f.dataDir, "data-dir", "", "Directory for definitions and secrets (overrides config)")
	serveCmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&f.logFormat, "log-format", "", "Log format (text, json)")
	serveCmd.Flags().BoolVar(&f.allowLocalhost, "allow-localhost", false, "Waive API key auth for loopback clients")
}

func runServe(f *serveFlags) error {
	cfg, err := config.LoadDaemonConfig(f.configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	applyServeFlags(cfg, f)

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: logging.ParseFormat(cfg.Logging.Format),
	})

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(cfg.DataDir)
	reg.SetLogger(log)
	if err := reg.Open(ctx); err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer func() { _ = reg.Close() }()

	auth := policy.NewAuthenticator(policy.AuthConfig{
		APIKeys:   cfg.Policy.APIKeys,
		JWTSecret: []byte(cfg.Policy.JWTSecret),
	})
	eng := policy.NewEngine(auth,
		policy.WithLogger(log),
		policy.WithBudgetResetPeriod(cfg.BudgetResetPeriod()),
	)

	sup := supervisor.New(reg,
		supervisor.WithLogger(log),
		supervisor.WithSweepInterval(cfg.ReconcileInterval()),
	)
	reg.SetDeleteHook(sup.Remove)

	mon := health.New(sup, reg,
		health.WithLogger(log),
		health.WithInterval(cfg.ProbeInterval()),
		health.WithThreshold(cfg.Health.FailureThreshold),
		health.WithHistorySize(cfg.Health.HistorySize),
	)

	apiKeyCfg := admin.DefaultAPIKeyConfig()
	apiKeyCfg.Key = cfg.Admin.APIKey
	apiKeyCfg.AllowLocalhost = cfg.Admin.AllowLocalhost

	api, err := admin.NewAdminAPI(cfg.AdminPort,
		admin.WithHost(cfg.AdminHost),
		admin.WithLogger(log),
		admin.WithRegistry(reg),
		admin.WithSupervisor(sup),
		admin.WithPolicyEngine(eng),
		admin.WithHealthMonitor(mon),
		admin.WithAPIKeyConfig(apiKeyCfg),
		admin.WithVersion(Version),
		admin.WithDataDir(cfg.DataDir),
	)
	if err != nil {
		return fmt.Errorf("configuring control API: %w", err)
	}

	log.Info("fleetd starting",
		"version", Version,
		"adminAddr", api.Addr(),
		"dataDir", cfg.DataDir,
		"definitions", len(reg.List()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		return mon.Run(gctx)
	})
	g.Go(func() error {
		// External edits to definitions.json flow into reconcile.
		if err := reg.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("definition file watch stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := api.Start(); err != nil {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("fleetd stopped")
	return nil
}

func applyServeFlags(cfg *config.DaemonConfig, f *serveFlags) {
	if f.adminPort != 0 {
		cfg.AdminPort = f.adminPort
	}
	if f.adminHost != "" {
		cfg.AdminHost = f.adminHost
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	if f.allowLocalhost {
		cfg.Admin.AllowLocalhost = true
	}
}
