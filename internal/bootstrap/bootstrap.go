// Package bootstrap turns a Config into a wired engine: world store,
// memory, feasibility engine, arbiter, intent provider, scheduler and
// control surface.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AaronLay10/Universalis/internal/archon"
	"github.com/AaronLay10/Universalis/internal/config"
	"github.com/AaronLay10/Universalis/internal/events"
	"github.com/AaronLay10/Universalis/internal/feasibility"
	"github.com/AaronLay10/Universalis/internal/intent"
	"github.com/AaronLay10/Universalis/internal/memory"
	"github.com/AaronLay10/Universalis/internal/mqtt"
	"github.com/AaronLay10/Universalis/internal/orchestrator"
	"github.com/AaronLay10/Universalis/internal/storage/archive"
	"github.com/AaronLay10/Universalis/internal/storage/postgres"
	"github.com/AaronLay10/Universalis/internal/storage/sqlite"
	"github.com/AaronLay10/Universalis/internal/world"
)

// NewLogger builds the production zap logger the binaries share. verbose
// lowers the level to debug.
func NewLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

// LoadConfig reads path, or builds the configuration from the environment
// alone when path is empty.
func LoadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// App is a wired engine. Fields that do not apply to the configured drivers
// are nil.
type App struct {
	Config     *config.Config
	Scenario   *orchestrator.Scenario
	Store      world.Store
	Memory     *memory.Manager
	Pruner     *memory.Pruner
	Archon     *archon.Archon
	Collector  *intent.Collector
	Scheduler  *orchestrator.Scheduler
	Controller *orchestrator.Controller

	// Events answers persisted event queries for the sqlite and postgres
	// drivers.
	Events events.Querier
	// Archive is set when store.archive_dir is configured.
	Archive *archive.Writer
	// MQTT and Monitor are set for the mqtt provider.
	MQTT    *mqtt.Client
	Monitor *mqtt.Monitor

	log       *zap.Logger
	messenger mqtt.Messenger
	bridge    *mqtt.Bridge
	ping      func(context.Context) error
	closers   []func() error
}

// Option customises Build.
type Option func(*options)

type options struct {
	onArchived func(time.Time)
	messenger  mqtt.Messenger
}

// WithArchiveHook calls fn after every successful archive append.
func WithArchiveHook(fn func(time.Time)) Option {
	return func(o *options) { o.onArchived = fn }
}

// WithMessenger uses m instead of dialling the configured broker.
func WithMessenger(m mqtt.Messenger) Option {
	return func(o *options) { o.messenger = m }
}

// Build wires every component described by cfg. ctx bounds store setup and
// is the base context of background runs. Callers must Close the App.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{Config: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close()
		}
	}()

	if err := app.loadScenario(); err != nil {
		return nil, err
	}
	if err := app.openStore(ctx); err != nil {
		return nil, err
	}

	engine, err := feasibility.NewDefaultEngine(app.Store.Spatial(), cfg.Feasibility, log.Named("feasibility"))
	if err != nil {
		return nil, fmt.Errorf("feasibility engine: %w", err)
	}
	app.Archon = archon.New(engine, archon.WithLogger(log.Named("archon")))

	provider, err := app.provider(o)
	if err != nil {
		return nil, err
	}
	app.Collector = intent.NewCollector(provider,
		intent.WithTimeout(cfg.IntentTimeout()),
		intent.WithRetries(cfg.IntentRetries()),
		intent.WithMaxParallel(cfg.Simulation.MaxParallel),
		intent.WithLogger(log.Named("intent")),
	)

	schedOpts := []orchestrator.Option{
		orchestrator.WithTick(cfg.Tick()),
		orchestrator.WithObservation(cfg.Observation),
		orchestrator.WithMemory(app.Memory, app.Pruner),
		orchestrator.WithLogger(log.Named("scheduler")),
	}
	if dir := cfg.Store.ArchiveDir; dir != "" {
		app.Archive = archive.NewWriter(dir)
		app.closers = append(app.closers, app.Archive.Close)
		schedOpts = append(schedOpts, orchestrator.WithArchive(&trackedArchive{w: app.Archive, onSuccess: o.onArchived}))
	}
	if app.messenger != nil {
		schedOpts = append(schedOpts, orchestrator.WithListener(mqtt.NewAnnouncer(app.messenger, log.Named("mqtt"))))
	}

	app.Scheduler = orchestrator.NewScheduler(app.Store, app.Archon, app.Collector, schedOpts...)
	app.closers = append(app.closers, func() error {
		app.Scheduler.Close()
		return nil
	})
	app.Controller = orchestrator.NewController(ctx, app.Scheduler, app.seed)

	ok = true
	return app, nil
}

func (a *App) loadScenario() error {
	path := a.Config.Simulation.Scenario
	if path == "" {
		return nil
	}
	sc, err := orchestrator.LoadScenario(path)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", path, err)
	}
	a.Scenario = sc
	return nil
}

// seed returns the cycle 0 world for simID. Without a scenario the world
// starts empty.
func (a *App) seed(simID string) (*world.WorldState, error) {
	if a.Scenario == nil {
		return world.NewWorldState(simID), nil
	}
	return a.Scenario.State()
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	simID := cfg.Simulation.ID
	var backend memory.Backend

	switch cfg.Store.Driver {
	case config.StoreMemory:
		a.Store = world.NewMemStore()
		backend = memory.NewInMemoryBackend()
		a.ping = func(context.Context) error { return nil }

	case config.StoreSQLite:
		db, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite %s: %w", cfg.Store.SQLitePath, err)
		}
		a.closers = append(a.closers, db.Close)
		a.Store = db.WorldStore()
		backend = db.MemoryBackend()
		sink := db.EventSink(simID)
		a.Events = sink
		events.SetSink(sink)
		a.ping = db.Ping

	case config.StorePostgres:
		password, err := config.ResolveSecret("PGPASSWORD")
		if err != nil {
			return err
		}
		client, err := postgres.New(ctx, postgres.ConnString(password), simID)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		a.Store = client.WorldStore()
		// Memories stay in process; postgres carries snapshots and events.
		backend = memory.NewInMemoryBackend()
		a.Events = client
		events.SetSink(client)
		a.ping = client.Ping

	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	a.Memory = memory.NewManager(backend, memory.WithLogger(a.log.Named("memory")))
	a.Pruner = memory.NewPruner(backend, a.Memory.Embedder(), cfg.Memory, a.log.Named("memory"))
	a.log.Info("world store ready", zap.String("driver", cfg.Store.Driver))
	return nil
}

func (a *App) provider(o options) (intent.Provider, error) {
	cfg := a.Config
	switch cfg.Provider.Kind {
	case config.ProviderScripted:
		var script []intent.ScriptedIntent
		if a.Scenario != nil {
			script = a.Scenario.Script
		}
		return intent.NewScriptedProvider(script), nil

	case config.ProviderHTTP:
		token, err := config.ResolveSecret("UNIVERSALIS_PROVIDER_TOKEN")
		if err != nil {
			return nil, err
		}
		return intent.NewHTTPProvider(cfg.Provider.URL, token), nil

	case config.ProviderMQTT:
		return a.connectMQTT(o)

	default:
		return nil, fmt.Errorf("unknown intent provider %q", cfg.Provider.Kind)
	}
}

// connectMQTT builds the agent monitor and the broker-backed provider. A
// broker that is down at startup is not fatal: agents count as offline and
// abstain until the client reconnects and resubscribes.
func (a *App) connectMQTT(o options) (intent.Provider, error) {
	cfg := a.Config
	simID := cfg.Simulation.ID
	log := a.log.Named("mqtt")

	a.Monitor = mqtt.NewMonitor(simID, mqtt.NewAgentRegistry(), a.currentWorld, cfg.MQTT.HeartbeatTolerance, log)
	a.Monitor.Start(5 * time.Second)
	a.closers = append(a.closers, func() error {
		a.Monitor.Stop()
		return nil
	})

	if o.messenger != nil {
		a.messenger = o.messenger
	} else {
		hostname, _ := os.Hostname()
		client := mqtt.NewClient(cfg.MQTT.Broker, fmt.Sprintf("universalis-%s-%s", simID, hostname))
		a.MQTT = client
		a.messenger = client
		a.closers = append(a.closers, func() error {
			client.Disconnect()
			return nil
		})
	}
	a.bridge = mqtt.NewBridge(a.messenger, simID, a.Monitor, log)

	if a.MQTT != nil {
		a.MQTT.OnConnect(func() {
			a.bridge.Detached()
			if err := a.attach(); err != nil {
				log.Warn("mqtt resubscribe failed", zap.Error(err))
			}
		})
		if err := a.MQTT.Connect(); err != nil {
			log.Warn("mqtt connect failed, agents offline until the broker is reachable", zap.Error(err))
			return a.bridge, nil
		}
	}
	if err := a.attach(); err != nil {
		log.Warn("mqtt subscribe failed", zap.Error(err))
	}
	return a.bridge, nil
}

func (a *App) attach() error {
	if err := a.Monitor.Attach(a.messenger); err != nil {
		return err
	}
	return a.bridge.Attach()
}

func (a *App) currentWorld() *world.WorldState {
	if a.Scheduler == nil {
		return nil
	}
	return a.Scheduler.World()
}

// MQTTConnected reports whether the broker connection is up. It is false
// when no broker is configured.
func (a *App) MQTTConnected() bool {
	return a.messenger != nil && a.messenger.IsConnected()
}

// ConnectedAgents returns how many agents are currently heartbeating.
func (a *App) ConnectedAgents() int {
	if a.Monitor == nil {
		return 0
	}
	return len(a.Monitor.ConnectedAgents())
}

// PingStore checks the world store is reachable.
func (a *App) PingStore(ctx context.Context) error {
	if a.ping == nil {
		return errors.New("store not open")
	}
	return a.ping(ctx)
}

// Close releases everything Build opened, most recent first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.Events != nil {
		events.SetSink(nil)
	}
	return errors.Join(errs...)
}

// trackedArchive reports successful appends to onSuccess.
type trackedArchive struct {
	w         *archive.Writer
	onSuccess func(time.Time)
}

func (t *trackedArchive) Append(ctx context.Context, res *archon.Result, ws *world.WorldState) error {
	if err := t.w.Append(ctx, res, ws); err != nil {
		return err
	}
	if t.onSuccess != nil {
		t.onSuccess(time.Now())
	}
	return nil
}
