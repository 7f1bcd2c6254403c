package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AaronLay10/Universalis/internal/api"
	"github.com/AaronLay10/Universalis/internal/bootstrap"
	"github.com/AaronLay10/Universalis/internal/config"
	"github.com/AaronLay10/Universalis/internal/events"
	"github.com/AaronLay10/Universalis/internal/orchestrator"
	"github.com/AaronLay10/Universalis/internal/version"
)

var (
	configPath string
	verbose    bool
	autostart  bool
	port       int

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:     "universalis-api",
	Short:   "Universalis operator API",
	Long:    "Serves the control surface, live event stream, metrics and operator console for one Universalis engine.",
	Version: version.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = bootstrap.NewLogger(verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: serve,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("UNIVERSALIS_CONFIG"), "path to universalis.yaml (env only when empty)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().BoolVar(&autostart, "autostart", true, "load the configured simulation on startup, resuming from its latest snapshot")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides network.api_port)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api.SetLogger(logger.Named("api"))
	if err := api.InitAuth(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := api.InitTLS(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	api.InitMetrics()
	api.InitAlerts()

	cfg, err := bootstrap.LoadConfig(configPath)
	if err != nil {
		return err
	}
	listenPort := cfg.APIPort()
	if port != 0 {
		listenPort = port
	}

	hostname, _ := os.Hostname()
	events.Emit("info", "system.startup", "universalis api starting", map[string]interface{}{
		"service":       "api",
		"version":       version.Version,
		"hostname":      hostname,
		"pid":           os.Getpid(),
		"simulation_id": cfg.Simulation.ID,
	})

	app, err := bootstrap.Build(ctx, cfg, logger, bootstrap.WithArchiveHook(api.SetArchiveLastSuccess))
	if err != nil {
		events.Emit("error", "system.error", "engine setup failed", map[string]interface{}{"error": err.Error()})
		return err
	}
	defer app.Close()

	api.SetSimulationID(cfg.Simulation.ID)
	api.SetStoreState(cfg.Store.Driver, true, false)
	api.SetMQTTState(app.MQTTConnected(), cfg.Provider.Kind != config.ProviderMQTT)
	api.SetAgentsConnected(app.ConnectedAgents)
	if app.Events != nil {
		api.SetEventQuerier(app.Events)
	}
	api.SetController(app.Controller)

	if autostart {
		if r := app.Controller.Start(ctx, cfg.Simulation.ID); r.Status != orchestrator.StatusAdjudicated {
			logger.Warn("autostart failed", zap.String("simulation", cfg.Simulation.ID), zap.String("error", r.Error))
		}
	}

	done := make(chan struct{})
	defer close(done)
	api.StartAlertMonitor(10*time.Second, done)
	go watchDependencies(ctx, app, 5*time.Second)

	err = api.ListenAndServe(ctx, listenPort)

	app.Controller.Stop()
	events.Emit("info", "system.shutdown", "universalis api stopping", map[string]interface{}{
		"simulation_id": cfg.Simulation.ID,
		"cycle":         app.Scheduler.Cycle(),
	})
	events.CloseAllSubscribers()
	return err
}

// watchDependencies refreshes the readiness view of the store and broker.
func watchDependencies(ctx context.Context, app *bootstrap.App, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	mqttOptional := app.Config.Provider.Kind != config.ProviderMQTT

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := app.PingStore(pingCtx)
			cancel()
			if err != nil {
				logger.Warn("store ping failed", zap.Error(err))
			}
			api.SetStoreState(app.Config.Store.Driver, err == nil, false)
			api.SetMQTTState(app.MQTTConnected(), mqttOptional)
		}
	}
}
