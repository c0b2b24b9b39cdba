// HealthRelay reads a local health data export and keeps the user's
// measurements in every active fitness matchup up to date.
//
// Usage:
//
//	healthrelay setup [--config <path>]                  # interactive first-run wizard
//	healthrelay daemon [--config <path>]                 # watch the export + scheduled syncs
//	healthrelay sync-once [--config ...] [--matchup id]  # one user-wide (or named) sync then exit
//	                      [--source push-notification]   # sync on behalf of a push or background task
//	healthrelay status [--config ...]                    # show config and recent sync runs
//	healthrelay version                                  # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/healthrelay/internal/config"
	"github.com/njoerd114/healthrelay/internal/health"
	"github.com/njoerd114/healthrelay/internal/healthexport"
	"github.com/njoerd114/healthrelay/internal/matchupapi"
	"github.com/njoerd114/healthrelay/internal/model"
	"github.com/njoerd114/healthrelay/internal/setup"
	"github.com/njoerd114/healthrelay/internal/state"
	syncp "github.com/njoerd114/healthrelay/internal/sync"
	"github.com/njoerd114/healthrelay/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// runRetention is how long sync runs are kept in the ledger.
const runRetention = 30 * 24 * time.Hour

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the requested subcommand.
func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch cmd := os.Args[1]; cmd {
	case "setup":
		return runSetup(os.Args[2:])
	case "daemon":
		return runDaemon(os.Args[2:])
	case "sync-once":
		return runSyncOnce(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Println("healthrelay", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q, run 'healthrelay' for usage", cmd)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "HealthRelay: sync health data into fitness matchups")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  healthrelay setup [--config ...]                  Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  healthrelay daemon [--config ...]                 Watch the export and sync continuously")
	fmt.Fprintln(os.Stderr, "  healthrelay sync-once [--config ...] [--matchup]  Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "                        [--source push-notification]")
	fmt.Fprintln(os.Stderr, "  healthrelay status [--config ...]                 Show config and recent sync runs")
	fmt.Fprintln(os.Stderr, "  healthrelay version                               Print version")
}

// matchupFlags collects repeated --matchup values.
type matchupFlags []string

func (m *matchupFlags) String() string     { return strings.Join(*m, ",") }
func (m *matchupFlags) Set(v string) error { *m = append(*m, v); return nil }

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to write config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, *cfgPath, liveChecker{log: logger}, logger)
	_, err := wiz.Run(ctx)
	return err
}

// liveChecker checks wizard answers against the real export and service.
type liveChecker struct{ log *slog.Logger }

func (p liveChecker) Export(path string) error {
	_, err := healthexport.Open(path, p.log)
	return err
}

func (p liveChecker) ActiveMatchups(ctx context.Context, cfg *config.Config) (int, error) {
	client, err := matchupapi.NewClient(cfg.APIURL, cfg.APIToken, matchupapi.Options{MaxAttempts: 1}, p.log)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	ms, err := client.ListActiveMatchups(ctx, cfg.UserID)
	return len(ms), err
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, *cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	return a.daemon(ctx)
}

func runSyncOnce(args []string) error {
	fs := flag.NewFlagSet("sync-once", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	source := fs.String("source", string(model.TriggerForeground), "trigger source: foreground, push-notification or background-task")
	var matchups matchupFlags
	fs.Var(&matchups, "matchup", "sync only this matchup ID (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	src, err := model.ParseTriggerSource(*source)
	if err != nil {
		return err
	}
	if src == model.TriggerBackgroundObserver {
		return fmt.Errorf("source %q is reserved for export observers", src)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, *cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	trig := model.NewTrigger(src, a.cfg.UserID, time.Now(), matchups...)
	res := a.engine.Handle(ctx, trig)
	a.logResult(res)
	return res.Err
}

// runStatus prints the configuration and the sync ledger summary.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	limit := fs.Int("runs", 10, "number of recent runs to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("HealthRelay Status")
	fmt.Println("──────────────────")

	var cfg *config.Config
	if _, err := os.Stat(*cfgPath); err == nil {
		if loaded, loadErr := config.Load(*cfgPath); loadErr == nil {
			cfg = loaded
			fmt.Printf("  Config:    %s ✓\n", *cfgPath)
			fmt.Printf("  API URL:   %s\n", cfg.APIURL)
			fmt.Printf("  User:      %s\n", cfg.UserID)
			fmt.Printf("  Export:    %s\n", cfg.HealthExport)
			fmt.Printf("  Throttle:  %s\n", cfg.ThrottleWindow)
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", *cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:    not found (%s)\n", *cfgPath)
	}

	dbPath, err := stateDBPath(cfg)
	if err != nil {
		return err
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Printf("  State DB:  not found\n")
		return nil
	}
	fmt.Printf("  State DB:  %s (%s)\n", dbPath, humanSize(info.Size()))

	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer store.Close()

	ctx := context.Background()
	counts, err := store.CountByOutcome(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	fmt.Printf("  Last 24h:  %d done, %d skipped, %d failed\n",
		counts[state.OutcomeDone], counts[state.OutcomeSkipped], counts[state.OutcomeFailed])

	runs, err := store.RecentRuns(ctx, *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	fmt.Println("")
	fmt.Println("  Recent runs:")
	for _, r := range runs {
		line := fmt.Sprintf("    %s  %-8s %-20s %-19s %3d meas %2d wkt  %s",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Outcome, r.MatchupID, r.TriggerSource, r.Measurements, r.Workouts, r.Duration().Round(time.Millisecond))
		if r.Error != "" {
			line += "  [" + r.Stage + "] " + r.Error
		}
		fmt.Println(line)
	}

	if cfg == nil {
		return nil
	}
	fmt.Println("")
	fmt.Println("  Last success:")
	seen := make(map[string]bool)
	for _, r := range runs {
		if seen[r.MatchupID] {
			continue
		}
		seen[r.MatchupID] = true
		last, err := store.LastSuccess(ctx, r.MatchupID, cfg.UserID)
		if err != nil {
			return err
		}
		if last == nil {
			fmt.Printf("    %-20s never\n", r.MatchupID)
			continue
		}
		fmt.Printf("    %-20s %s (%s ago)\n", r.MatchupID,
			last.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			time.Since(last.FinishedAt).Round(time.Second))
	}
	return nil
}

// --- Application wiring ------------------------------------------------------

// app holds the wired components shared by daemon and sync-once.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	provider  *healthexport.Provider
	store     *state.Store
	engine    *syncp.Engine
	bus       *syncp.Bus
	matchups  *matchupapi.Client
	observers *health.ObserverRegistry
	closers   []func()
}

func newApp(ctx context.Context, cfgPath string, verbose bool) (*app, error) {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"api_url", cfg.APIURL,
		"user_id", cfg.UserID,
		"health_export", cfg.HealthExport,
		"throttle_window", cfg.ThrottleWindow,
	)

	a := &app{cfg: cfg, log: logger}

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- State DB ------------------------------------------------------------

	dbPath, err := stateDBPath(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	store, err := state.Open(dbPath)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	})
	logger.Info("state DB opened", "path", dbPath)

	// --- Health data ---------------------------------------------------------

	provider, err := healthexport.Open(cfg.HealthExport, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening health export: %w", err)
	}
	a.provider = provider
	if ok, err := provider.Authorized(ctx); err != nil || !ok {
		logger.Warn("health data access not granted, syncs will fail until it is", "error", err)
	}

	dispatcher := health.NewDispatcher(provider, health.QueryConfig{
		ElevatedHeartRateBPM: cfg.ElevatedHeartRateBPM,
		MaxConcurrentDays:    cfg.MaxConcurrentQueries,
	}, logger)
	workouts := health.NewWorkoutQuery(provider, logger)

	// --- Matchup service -----------------------------------------------------

	client, err := matchupapi.NewClient(cfg.APIURL, cfg.APIToken, matchupapi.Options{
		RateLimit: cfg.APIRateLimit,
		Burst:     cfg.APIBurst,
	}, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initialising matchup client: %w", err)
	}

	// --- Sync engine ---------------------------------------------------------

	a.bus = syncp.NewBus(logger)
	orch := syncp.NewOrchestrator(syncp.OrchestratorConfig{
		Measurements: dispatcher,
		Workouts:     workouts,
		Uploads:      syncp.NewUploadCoordinator(client, logger),
		Matchups:     client,
		Auth:         provider,
		Throttle:     syncp.NewThrottle(cfg.ThrottleWindow, nil),
		Runs:         store,
		Events:       a.bus,
	}, logger)
	a.engine = syncp.NewEngine(orch, syncp.EngineConfig{
		BackgroundBudget: cfg.BackgroundTaskBudget,
	}, logger)
	a.matchups = client
	a.observers = health.NewObserverRegistry(provider, a.engine, cfg.UserID, logger)

	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// daemon arms observers, watches the export, and runs scheduled background
// syncs until ctx is cancelled. SIGHUP, and health access being granted,
// re-arm the observers and request a foreground sync.
func (a *app) daemon(ctx context.Context) error {
	a.arm(ctx)
	defer a.observers.Disarm()

	granted := make(chan struct{}, 1)
	a.provider.OnAuthorized(func() {
		select {
		case granted <- struct{}{}:
		default:
		}
	})

	events, unsubscribe := a.bus.Subscribe(32)
	defer unsubscribe()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(ctx) })
	g.Go(func() error { return a.provider.Watch(ctx, a.cfg.ObserverPollInterval) })
	g.Go(func() error {
		return a.engine.Schedule(ctx, a.cfg.BackgroundTaskInterval, func() model.SyncTrigger {
			trig := model.NewTrigger(model.TriggerBackgroundTask, a.cfg.UserID, time.Now())
			trig.OnComplete = func(err error) {
				if err != nil {
					a.log.Warn("background task failed", "trigger_id", trig.ID, "error", err)
				}
			}
			return trig
		})
	})
	g.Go(func() error {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			a.prune(ctx)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-hup:
				a.log.Info("SIGHUP received, requesting sync")
				a.arm(ctx)
				a.engine.Enqueue(model.NewTrigger(model.TriggerForeground, a.cfg.UserID, time.Now()))
			case <-granted:
				a.arm(ctx)
				a.engine.Enqueue(model.NewTrigger(model.TriggerForeground, a.cfg.UserID, time.Now()))
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if ev.Err != nil {
					a.log.Warn("matchup sync failed", "matchup_id", ev.MatchupID, "stage", ev.Stage, "error", ev.Err)
				} else {
					a.log.Debug("matchup sync event", "matchup_id", ev.MatchupID, "stage", ev.Stage, "measurements", len(ev.Measurements))
				}
			}
		}
	})

	a.log.Info("daemon starting",
		"poll_interval", a.cfg.ObserverPollInterval,
		"background_interval", a.cfg.BackgroundTaskInterval,
	)
	a.engine.Enqueue(model.NewTrigger(model.TriggerForeground, a.cfg.UserID, time.Now()))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync daemon: %w", err)
	}
	a.log.Info("shutdown complete")
	return nil
}

// arm (re)registers observers for the kinds the active matchups track.
func (a *app) arm(ctx context.Context) {
	if err := a.observers.ArmTracked(ctx, a.matchups); err != nil {
		a.log.Warn("arming observers", "error", err)
		return
	}
	a.log.Info("observers ready",
		"observers", a.observers.Armed(),
		"background_types", len(a.provider.BackgroundTypes()),
	)
}

func (a *app) prune(ctx context.Context) {
	n, err := a.store.Prune(ctx, time.Now().Add(-runRetention))
	if err != nil {
		a.log.Error("pruning sync runs", "error", err)
		return
	}
	if n > 0 {
		a.log.Info("pruned sync runs", "deleted", n)
	}
}

func (a *app) logResult(res syncp.Result) {
	if res.Skipped {
		a.log.Info("sync skipped, synced recently")
		return
	}
	for _, o := range res.Outcomes {
		a.log.Info("matchup synced",
			"matchup_id", o.MatchupID,
			"stage", o.Stage,
			"measurements", o.Measurements,
			"workouts", o.Workouts,
			"today", o.Matchup.DaySummary(a.cfg.UserID, time.Now()),
			"error", o.Err,
		)
	}
	if res.Err != nil && len(res.Outcomes) == 0 {
		a.log.Error("sync failed", "error", res.Err)
		return
	}
	a.log.Info("sync complete", "matchups", len(res.Outcomes), "failed", res.Failed())
}

// stateDBPath honours the state_db override, falling back to the default.
func stateDBPath(cfg *config.Config) (string, error) {
	if cfg != nil && cfg.StateDB != "" {
		return cfg.StateDB, nil
	}
	p, err := state.DefaultDBPath()
	if err != nil {
		return "", fmt.Errorf("resolving state DB path: %w", err)
	}
	return p, nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
