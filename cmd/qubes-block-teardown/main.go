// Package main implements the qubes-block-teardown tool.
//
// The tool tears down device-mapper origin/snapshot chains left behind
// by VM copy-on-write storage: it removes idle snapshots, removes the
// origin once no snapshot is live, and releases the loop and DM nodes
// underneath, dependents before dependencies. Invocations are
// idempotent and safe to repeat; a busy device is a successful no-op.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	coreadmin "github.com/DemiMarie/qubes-core-admin"
	"github.com/DemiMarie/qubes-core-admin/database"
	"github.com/DemiMarie/qubes-core-admin/devicemapper"
	"github.com/DemiMarie/qubes-core-admin/loopdev"
	"github.com/DemiMarie/qubes-core-admin/orphans"
	"github.com/DemiMarie/qubes-core-admin/safeguards"
	"github.com/DemiMarie/qubes-core-admin/teardown"
	"github.com/DemiMarie/qubes-core-admin/tui"
)

// Config holds application configuration.
type Config struct {
	// Database Configuration
	DBPath     string
	LedgerPath string

	// Timeout for one teardown invocation
	Timeout time.Duration

	// Logging
	LogLevel string

	// Command-specific flags
	JSONOutput  bool
	NoJournal   bool
	SkipHealth  bool
	DevicePath  string
	DeviceQuery string
	Limit       int
	PruneOlder  time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DBPath:     "/var/lib/qubes/block-teardown.db",
		LedgerPath: "/var/lib/qubes/block-orphans.db",
		Timeout:    2 * time.Minute,
		LogLevel:   "info",
		Limit:      20,
	}
}

var (
	// Global logger
	log = logrus.New()

	// Command flags
	teardownCmd = flag.NewFlagSet("teardown", flag.ExitOnError)
	sweepCmd    = flag.NewFlagSet("sweep", flag.ExitOnError)
	monitorCmd  = flag.NewFlagSet("monitor", flag.ExitOnError)
	journalCmd  = flag.NewFlagSet("journal", flag.ExitOnError)
	orphansCmd  = flag.NewFlagSet("orphans", flag.ExitOnError)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	config := DefaultConfig()

	command := os.Args[1]
	args := os.Args[2:]

	// Direct invocation with a device path is the common managed-VM
	// shutdown hook form: qubes-block-teardown /dev/mapper/snapshot-...
	if strings.HasPrefix(command, "/") {
		command = "teardown"
		args = os.Args[1:]
	}

	switch command {
	case "teardown":
		parseTeardownFlags(&config, teardownCmd, args)
		if err := runTeardown(config); err != nil {
			log.WithError(err).Fatal("teardown failed")
		}
	case "sweep":
		parseSweepFlags(&config, sweepCmd, args)
		if err := runSweep(config); err != nil {
			log.WithError(err).Fatal("sweep failed")
		}
	case "monitor":
		parseCommonFlags(&config, monitorCmd, args)
		if err := runMonitor(config); err != nil {
			log.WithError(err).Fatal("monitor failed")
		}
	case "journal":
		parseJournalFlags(&config, journalCmd, args)
		if err := runJournal(config); err != nil {
			log.WithError(err).Fatal("journal query failed")
		}
	case "orphans":
		parseCommonFlags(&config, orphansCmd, args)
		if err := runOrphans(config); err != nil {
			log.WithError(err).Fatal("orphan listing failed")
		}
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Println("Qubes block device teardown")
	fmt.Println()
	fmt.Println("Usage: qubes-block-teardown <command> [options]")
	fmt.Println("       qubes-block-teardown <device-path>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  teardown <device-path>   Tear down one origin or snapshot device")
	fmt.Println("  sweep                    Tear down every idle chain on the host")
	fmt.Println("  monitor                  Interactive view of mapper devices and runs")
	fmt.Println("  journal                  Query recorded teardown runs")
	fmt.Println("  orphans                  List deferred dependency releases")
	fmt.Println()
	fmt.Println("Run 'qubes-block-teardown <command> --help' for more information on a command.")
}

func addCommonFlags(cfg *Config, fs *flag.FlagSet) {
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Journal database path")
	fs.StringVar(&cfg.LedgerPath, "ledger", cfg.LedgerPath, "Deferred-orphan ledger path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
}

func parseCommonFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	addCommonFlags(cfg, fs)
	fs.Parse(args)
	applyLogLevel(cfg)
}

func parseTeardownFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	addCommonFlags(cfg, fs)
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Overall run timeout")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "Print the run report as JSON")
	fs.BoolVar(&cfg.NoJournal, "no-journal", false, "Skip recording the run in the journal")
	fs.BoolVar(&cfg.SkipHealth, "skip-health-check", false, "Skip the pre-removal system health check")
	fs.Parse(args)
	applyLogLevel(cfg)

	if fs.NArg() != 1 {
		fmt.Println("Error: exactly one device path is required")
		fs.Usage()
		os.Exit(2)
	}
	cfg.DevicePath = fs.Arg(0)
}

func parseJournalFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	addCommonFlags(cfg, fs)
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "Maximum number of runs to list")
	fs.StringVar(&cfg.DeviceQuery, "device", "", "List runs for one device path only")
	fs.DurationVar(&cfg.PruneOlder, "prune-older", 0, "Delete runs older than this duration instead of listing")
	fs.Parse(args)
	applyLogLevel(cfg)
}

func applyLogLevel(cfg *Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}

// newOrchestrator assembles the teardown stack shared by the teardown
// and sweep commands. The returned cleanup closes the journal and
// ledger; either may be nil when unavailable, teardown itself does not
// depend on them.
func newOrchestrator(cfg Config) (*teardown.Orchestrator, *database.DB, *orphans.Ledger, func()) {
	dmClient := devicemapper.New()
	dmClient.SetLogger(log)
	loopClient := loopdev.New(log)

	var db *database.DB
	if !cfg.NoJournal {
		var err error
		db, err = database.New(database.Config{
			Path:            cfg.DBPath,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		})
		if err != nil {
			log.WithError(err).Warn("journal unavailable, continuing without it")
			db = nil
		}
	}

	ledger, err := orphans.Open(cfg.LedgerPath)
	if err != nil {
		log.WithError(err).Warn("orphan ledger unavailable, continuing without it")
		ledger = nil
	}

	orchCfg := teardown.Config{
		DeviceManager: dmClient,
		LoopManager:   loopClient,
		Logger:        log,
	}
	if ledger != nil {
		orchCfg.Ledger = ledger
	}

	cleanup := func() {
		if db != nil {
			db.Close()
		}
		if ledger != nil {
			ledger.Close()
		}
	}
	return teardown.New(orchCfg), db, ledger, cleanup
}

// runTeardown implements the teardown command.
func runTeardown(cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	orch, db, _, cleanup := newOrchestrator(cfg)
	defer cleanup()

	guard := safeguards.NewOperationGuard(safeguards.GuardConfig{
		Logger:          log,
		HealthCheckFunc: healthCheckFunc(cfg),
	})

	var report *coreadmin.TeardownReport
	err := guard.WithOperation(ctx, "teardown", func() error {
		return safeguards.RecoverableOperation(log, "teardown", func() error {
			var terr error
			report, terr = orch.Teardown(ctx, cfg.DevicePath)
			return terr
		})
	})

	if report != nil && report.Outcome != "" && db != nil {
		if jerr := db.RecordRun(ctx, report); jerr != nil {
			log.WithError(jerr).Warn("failed to record run in journal")
		}
	}
	if err != nil {
		return err
	}

	if cfg.JSONOutput {
		data, merr := report.Marshal()
		if merr != nil {
			return merr
		}
		fmt.Println(string(data))
	}

	// A busy device is a success for the caller: the VM shutdown path
	// retries on its next trigger. Say so on stderr for the operator.
	switch report.Outcome {
	case coreadmin.OutcomeSkippedBusy:
		fmt.Fprintf(os.Stderr, "%s is still in use; nothing removed\n", cfg.DevicePath)
	case coreadmin.OutcomeDeferred:
		fmt.Fprintf(os.Stderr, "%s has live dependents; removal deferred\n", cfg.DevicePath)
	}
	return nil
}

func healthCheckFunc(cfg Config) func(context.Context) error {
	if cfg.SkipHealth {
		return nil
	}
	checker := safeguards.NewSystemHealthChecker(log)
	return checker.CheckAll
}

// runMonitor implements the monitor command.
func runMonitor(cfg Config) error {
	dmClient := devicemapper.New()
	dmClient.SuppressLogs()

	monitorCfg := tui.MonitorConfig{
		Devices:         dmClient,
		RefreshInterval: 2 * time.Second,
	}

	if db, err := database.New(database.Config{
		Path:            cfg.DBPath,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	}); err == nil {
		defer db.Close()
		monitorCfg.Journal = db
	}
	if ledger, err := orphans.Open(cfg.LedgerPath); err == nil {
		defer ledger.Close()
		monitorCfg.Orphans = ledger
	}

	return tui.Run(monitorCfg)
}

// runJournal implements the journal command.
func runJournal(cfg Config) error {
	ctx := context.Background()

	db, err := database.New(database.Config{
		Path:            cfg.DBPath,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer db.Close()

	if cfg.PruneOlder > 0 {
		pruned, err := db.PruneBefore(ctx, time.Now().Add(-cfg.PruneOlder))
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d journal entries\n", pruned)
		return nil
	}

	var runs []database.Run
	if cfg.DeviceQuery != "" {
		runs, err = db.ListRunsForDevice(ctx, cfg.DeviceQuery)
	} else {
		runs, err = db.ListRecentRuns(ctx, cfg.Limit)
	}
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	fmt.Printf("%-32s %-16s %-10s %-42s %s\n", "RUN", "OUTCOME", "KIND", "DEVICE", "FINISHED")
	for _, run := range runs {
		fmt.Printf("%-32s %-16s %-10s %-42s %s\n",
			run.RunID, run.Outcome, run.Kind, run.DevicePath,
			run.FinishedAt.Local().Format(time.RFC3339))
	}
	return nil
}

var orphanLoopPrefix *string

func init() {
	orphanLoopPrefix = orphansCmd.String("scan-loops", "",
		"Also list attached loop devices whose backing file starts with this prefix")
}

// runOrphans implements the orphans command.
func runOrphans(cfg Config) error {
	ledger, err := orphans.Open(cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer ledger.Close()

	entries, err := ledger.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No deferred releases recorded")
	}
	for _, entry := range entries {
		fmt.Printf("%s (recorded %s)\n", entry.Origin,
			entry.RecordedAt.Local().Format(time.RFC3339))
		for _, dep := range entry.Deps {
			fmt.Printf("  pinned: %s\n", dep)
		}
	}

	if *orphanLoopPrefix != "" {
		loopClient := loopdev.New(log)
		devices, err := loopClient.Scan(*orphanLoopPrefix)
		if err != nil {
			return fmt.Errorf("failed to scan loop devices: %w", err)
		}
		fmt.Printf("\nAttached loop devices under %s:\n", *orphanLoopPrefix)
		if len(devices) == 0 {
			fmt.Println("  none")
		}
		for _, dev := range devices {
			fmt.Printf("  %s -> %s\n", dev.Path, dev.BackingFile)
		}
	}
	return nil
}
