package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AaronLay10/Universalis/internal/bootstrap"
	"github.com/AaronLay10/Universalis/internal/config"
	"github.com/AaronLay10/Universalis/internal/orchestrator"
	"github.com/AaronLay10/Universalis/internal/storage/archive"
	"github.com/AaronLay10/Universalis/internal/version"
)

var (
	configPath string
	simID      string
	verbose    bool

	cycles    int
	stepCount int
	cycleArg  uint64
	fromCycle uint64
	toCycle   uint64

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:     "universalis",
	Short:   "Universalis cycle engine",
	Long:    "Runs, steps and inspects Universalis simulations without the HTTP surface.",
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
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run cycles back to back until done or interrupted",
	Long: `Loads the simulation (resuming from its latest snapshot) and runs
--cycles cycles, or until interrupted when --cycles is 0. An interrupt takes
effect after the in-flight cycle commits.`,
	RunE: runSimulation,
}

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Run single cycles and print each rationale",
	RunE:  stepSimulation,
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the latest committed world",
	RunE:  printState,
}

var rationaleCmd = &cobra.Command{
	Use:   "rationale",
	Short: "Print an archived cycle rationale (latest when --cycle is 0)",
	RunE:  printRationale,
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Verify the cycle archive and print one line per cycle",
	RunE:  replayArchive,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("UNIVERSALIS_CONFIG"), "path to universalis.yaml (env only when empty)")
	rootCmd.PersistentFlags().StringVarP(&simID, "sim", "s", "", "simulation id (defaults to simulation.id)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	runCmd.Flags().IntVarP(&cycles, "cycles", "n", 0, "cycles to run (0 = until interrupted)")
	stepCmd.Flags().IntVarP(&stepCount, "count", "n", 1, "cycles to step")
	rationaleCmd.Flags().Uint64Var(&cycleArg, "cycle", 0, "cycle to print")
	replayCmd.Flags().Uint64Var(&fromCycle, "from", 0, "first cycle")
	replayCmd.Flags().Uint64Var(&toCycle, "to", 0, "last cycle (0 = no limit)")

	rootCmd.AddCommand(runCmd, stepCmd, stateCmd, rationaleCmd, replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	cfg, err := bootstrap.LoadConfig(configPath)
	if err != nil {
		return nil, "", err
	}
	id := simID
	if id == "" {
		id = cfg.Simulation.ID
	}
	return cfg, id, nil
}

// startApp builds the engine and loads the simulation.
func startApp(ctx context.Context) (*bootstrap.App, string, error) {
	cfg, id, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return nil, "", err
	}
	if r := app.Controller.Start(ctx, id); r.Status != orchestrator.StatusAdjudicated {
		app.Close()
		return nil, "", fmt.Errorf("start %s: %s", id, r.Error)
	}
	return app, id, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSimulation(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, id, err := startApp(context.Background())
	if err != nil {
		return err
	}
	defer app.Close()

	res, err := app.Scheduler.Run(ctx, cycles)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("run finished",
		zap.String("simulation", id),
		zap.Uint64("cycle", app.Scheduler.Cycle()),
		zap.String("state", string(app.Scheduler.State())))
	if res != nil {
		fmt.Println(res.Rationale)
	}
	return nil
}

func stepSimulation(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, _, err := startApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	for i := 0; i < stepCount; i++ {
		r := app.Controller.Step(ctx)
		if r.Status != orchestrator.StatusAdjudicated {
			return fmt.Errorf("cycle %d: %s", r.Cycle+1, r.Error)
		}
		fmt.Println(r.Result.Rationale)
		fmt.Println()
	}
	return nil
}

func printState(cmd *cobra.Command, args []string) error {
	app, _, err := startApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()
	return printJSON(app.Scheduler.World())
}

func archiveDir(cfg *config.Config) (string, error) {
	if cfg.Store.ArchiveDir == "" {
		return "", errors.New("store.archive_dir is not configured")
	}
	return cfg.Store.ArchiveDir, nil
}

func printRationale(cmd *cobra.Command, args []string) error {
	cfg, id, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := archiveDir(cfg)
	if err != nil {
		return err
	}

	var found *archive.Record
	_, err = archive.Replay(dir, id, cycleArg, cycleArg, func(rec archive.Record) error {
		r := rec
		found = &r
		return nil
	})
	if err != nil {
		return err
	}
	if found == nil || found.Result == nil {
		return fmt.Errorf("cycle %d of %s is not archived", cycleArg, id)
	}
	fmt.Println(found.Result.Rationale)
	return nil
}

func replayArchive(cmd *cobra.Command, args []string) error {
	cfg, id, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := archiveDir(cfg)
	if err != nil {
		return err
	}

	stats, err := archive.Replay(dir, id, fromCycle, toCycle, func(rec archive.Record) error {
		applied, rejected := 0, 0
		if rec.Result != nil {
			applied, rejected = len(rec.Result.Applied), len(rec.Result.Rejected)
		}
		fmt.Printf("cycle=%d digest=%s applied=%d rejected=%d\n", rec.Cycle, rec.Digest[:12], applied, rejected)
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("archive verified",
		zap.String("simulation", id),
		zap.Int("files", stats.Files),
		zap.Int("cycles", stats.Checked),
		zap.Uint64("first", stats.FirstCycle),
		zap.Uint64("last", stats.LastCycle))
	return nil
}
