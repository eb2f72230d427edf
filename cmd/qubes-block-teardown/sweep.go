package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	coreadmin "github.com/DemiMarie/qubes-core-admin"
	"github.com/DemiMarie/qubes-core-admin/database"
	"github.com/DemiMarie/qubes-core-admin/devicemapper"
	"github.com/DemiMarie/qubes-core-admin/naming"
	"github.com/DemiMarie/qubes-core-admin/perf"
	"github.com/DemiMarie/qubes-core-admin/safeguards"
)

var (
	// Sweep command flags (sweepCmd is declared in main.go)
	sweepDryRun  *bool
	sweepForce   *bool
	sweepVerbose *bool
	sweepTimings *bool
)

func init() {
	sweepDryRun = sweepCmd.Bool("dry-run", false, "Show what would be torn down without removing anything")
	sweepForce = sweepCmd.Bool("force", false, "Actually perform teardown (required for non-dry-run)")
	sweepVerbose = sweepCmd.Bool("verbose", false, "Enable verbose logging")
	sweepTimings = sweepCmd.Bool("timings", false, "Print a timing summary after the sweep")
}

func parseSweepFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	addCommonFlags(cfg, fs)
	fs.Parse(args)
	applyLogLevel(cfg)
	if *sweepVerbose {
		log.SetLevel(logrus.DebugLevel)
	}
}

// SweepResult summarizes one sweep over the mapper table.
type SweepResult struct {
	TotalDevices int
	Candidates   int
	Removed      int
	Deferred     int
	SkippedBusy  int
	Failed       int
}

// runSweep tears down every idle origin/snapshot chain on the host. It
// drives the same per-device state machine as the teardown command;
// origins are handed to it directly and snapshots only when their
// origin is already gone, so each chain is processed once.
func runSweep(cfg Config) error {
	if !*sweepDryRun && !*sweepForce {
		return fmt.Errorf("must specify either --dry-run or --force")
	}
	if *sweepDryRun && *sweepForce {
		return fmt.Errorf("cannot specify both --dry-run and --force")
	}

	ctx := context.Background()
	logger := log.WithField("command", "sweep")

	if *sweepDryRun {
		logger.Info("running in dry-run mode, no changes will be made")
	} else {
		logger.Warn("running in force mode, idle chains will be removed")
	}

	// One health check up front; per-device checks would hammer dmesg.
	if !cfg.SkipHealth {
		checker := safeguards.NewSystemHealthChecker(log)
		if err := checker.CheckAll(ctx); err != nil {
			return fmt.Errorf("pre-sweep health check failed: %w", err)
		}
	}

	orch, db, _, cleanup := newOrchestrator(cfg)
	defer cleanup()

	dmClient := devicemapper.New()
	dmClient.SetLogger(log)

	metrics := perf.NewSweepMetrics()
	ctx = perf.WithMetrics(ctx, metrics)
	sweepTimer := perf.Start("sweep", logger)

	names, err := dmClient.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list mapper devices: %w", err)
	}

	result := &SweepResult{TotalDevices: len(names)}
	for _, name := range names {
		metrics.RecordDeviceSeen()
		devPath := "/dev/mapper/" + name

		classified := naming.Classify(devPath)
		if classified.Kind == naming.Unknown {
			logger.WithField("device", name).Debug("not a managed device, skipping")
			continue
		}
		// Snapshots with a live origin are swept as part of the origin.
		if classified.Kind == naming.Snapshot {
			if exists, err := dmClient.Exists(ctx, classified.OriginPath()); err == nil && exists {
				continue
			}
		}
		result.Candidates++

		if *sweepDryRun {
			count, err := dmClient.OpenCount(ctx, devPath)
			if err != nil {
				continue
			}
			state := "idle, would tear down"
			if count > 0 {
				state = fmt.Sprintf("busy (open count %d), would skip", count)
			}
			fmt.Printf("%-10s %-42s %s\n", classified.Kind, devPath, state)
			continue
		}

		runTimer := perf.Start("teardown "+devPath, logger)
		var report *coreadmin.TeardownReport
		err := safeguards.RecoverableOperation(logger, "sweep-teardown", func() error {
			var terr error
			report, terr = orch.Teardown(ctx, devPath)
			return terr
		})
		metrics.RecordTeardown(runTimer.StopWithThreshold(30 * time.Second))

		if err != nil {
			logger.WithError(err).WithField("device", devPath).Error("teardown failed")
			result.Failed++
			continue
		}
		switch report.Outcome {
		case coreadmin.OutcomeRemoved:
			result.Removed++
		case coreadmin.OutcomeDeferred:
			result.Deferred++
		case coreadmin.OutcomeSkippedBusy:
			result.SkippedBusy++
		}

		journalRun(ctx, db, logger, report)
	}

	metrics.TotalDuration = sweepTimer.Stop()
	printSweepSummary(result, *sweepDryRun)
	if *sweepTimings {
		fmt.Print(metrics.Summary())
	}

	if result.Failed > 0 {
		return fmt.Errorf("%d of %d candidate devices failed to tear down", result.Failed, result.Candidates)
	}
	return nil
}

// journalRun records one finished run, charging the write to the sweep
// metrics carried in ctx when present.
func journalRun(ctx context.Context, db *database.DB, logger logrus.FieldLogger, report *coreadmin.TeardownReport) {
	if db == nil {
		return
	}
	timer := perf.Start("journal-write", nil)
	err := db.RecordRun(ctx, report)
	duration := timer.StopWithThreshold(time.Second)
	if metrics := perf.MetricsFromContext(ctx); metrics != nil {
		metrics.RecordJournalWrite(duration)
	}
	if err != nil {
		logger.WithError(err).Warn("failed to record run in journal")
	}
}

func printSweepSummary(result *SweepResult, dryRun bool) {
	fmt.Println()
	fmt.Println("=== Sweep Summary ===")
	fmt.Printf("Mapper devices:  %d\n", result.TotalDevices)
	fmt.Printf("Candidates:      %d\n", result.Candidates)
	if dryRun {
		return
	}
	fmt.Printf("Removed:         %d\n", result.Removed)
	fmt.Printf("Deferred:        %d\n", result.Deferred)
	fmt.Printf("Skipped (busy):  %d\n", result.SkippedBusy)
	fmt.Printf("Failed:          %d\n", result.Failed)
}
