// Package teardown decides whether and in which order mapped devices
// may be removed, and drives the removal.
//
// One invocation handles one target device. The target must already be
// idle; everything chained above it (sibling snapshots of an origin) is
// removed before the target, and everything below it (backing loop and
// DM nodes) is released best-effort afterwards, dependents strictly
// before dependencies.
//
// The kernel device-mapper table is shared with other processes that
// create and destroy devices concurrently. This package takes no locks
// against them: correctness comes from re-checking the open count
// immediately before every removal and from treating "vanished since we
// looked" as success everywhere.
package teardown

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	coreadmin "github.com/DemiMarie/qubes-core-admin"
	"github.com/DemiMarie/qubes-core-admin/devicemapper"
	"github.com/DemiMarie/qubes-core-admin/metrics"
	"github.com/DemiMarie/qubes-core-admin/naming"
)

const tracerName = "github.com/DemiMarie/qubes-core-admin/teardown"

// DeviceManager is the device-mapper surface the orchestrator needs.
// *devicemapper.Client satisfies it; tests substitute a fake registry.
type DeviceManager interface {
	Exists(ctx context.Context, path string) (bool, error)
	OpenCount(ctx context.Context, path string) (int, error)
	Dependencies(ctx context.Context, path string) ([]string, error)
	// Remove surfaces busy as devicemapper.DeviceBusyError and treats
	// already-gone as success.
	Remove(ctx context.Context, path string) error
	// RemoveBestEffort adds a bounded retry-on-busy; used only for
	// dependency release.
	RemoveBestEffort(ctx context.Context, path string) error
}

// LoopManager detaches loopback nodes. *loopdev.Client satisfies it.
type LoopManager interface {
	Detach(path string) error
}

// Ledger records dependency paths whose cleanup was deferred together
// with the origin they belong to. It is observability only; nothing in
// the teardown path ever acts on its contents.
type Ledger interface {
	RecordDeferred(origin string, deps []string) error
	ClearOrigin(origin string) error
}

// Config configures an Orchestrator.
type Config struct {
	DeviceManager DeviceManager
	LoopManager   LoopManager
	// Ledger is optional; nil disables deferred-orphan recording.
	Ledger Ledger
	// Logger for structured run logging.
	Logger logrus.FieldLogger
	// Glob expands the sibling-snapshot pattern. Defaults to
	// filepath.Glob; tests substitute a fake.
	Glob func(pattern string) ([]string, error)
	// Stat checks the target node. Defaults to os.Stat.
	Stat func(path string) (os.FileInfo, error)
}

// Orchestrator applies the teardown state machine to one device at a
// time.
type Orchestrator struct {
	dm     DeviceManager
	loops  LoopManager
	ledger Ledger
	logger logrus.FieldLogger
	glob   func(pattern string) ([]string, error)
	stat   func(path string) (os.FileInfo, error)
	tracer trace.Tracer
}

// New creates an Orchestrator. DeviceManager and LoopManager are
// required.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Glob == nil {
		cfg.Glob = filepath.Glob
	}
	if cfg.Stat == nil {
		cfg.Stat = os.Stat
	}
	return &Orchestrator{
		dm:     cfg.DeviceManager,
		loops:  cfg.LoopManager,
		ledger: cfg.Ledger,
		logger: cfg.Logger.WithField("component", "teardown"),
		glob:   cfg.Glob,
		stat:   cfg.Stat,
		tracer: otel.Tracer(tracerName),
	}
}

// Teardown tears down one target device, honoring dependency order.
//
// Benign conditions (target missing, target busy, snapshot whose origin
// is still live) return a report with the matching outcome and a nil
// error. A returned error means the invocation genuinely failed: bad
// input (unknown name shape, not a block device) or a removal failure
// on a target that was confirmed idle moments earlier.
func (o *Orchestrator) Teardown(ctx context.Context, devicePath string) (*coreadmin.TeardownReport, error) {
	runID := coreadmin.NewRunID()
	report := &coreadmin.TeardownReport{
		RunID:      runID,
		DevicePath: devicePath,
		StartedAt:  time.Now(),
	}
	logger := o.logger.WithFields(logrus.Fields{
		"run_id": runID,
		"device": devicePath,
	})

	ctx, span := o.tracer.Start(ctx, "teardown.run",
		trace.WithAttributes(attribute.String("device.path", devicePath)))
	defer span.End()

	outcome, err := o.run(ctx, logger, report, devicePath)
	report.Outcome = outcome
	report.FinishedAt = time.Now()
	span.SetAttributes(attribute.String("teardown.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	metrics.TeardownsTotal.WithLabelValues(string(outcome)).Inc()
	logger.WithField("outcome", outcome).Info("teardown finished")
	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, logger logrus.FieldLogger, report *coreadmin.TeardownReport, devicePath string) (coreadmin.Outcome, error) {
	// Classification is pure string logic and decides the removal
	// order, so it runs before any kernel inspection. A name that fits
	// neither convention is fatal: without it there is no safe order.
	classified := naming.Classify(devicePath)
	report.Kind = classified.Kind.String()
	if classified.Kind == naming.Unknown {
		return "", &UnknownDeviceError{Path: devicePath}
	}

	// The target must exist as a block device. A missing target is the
	// expected post-teardown state, not an error.
	info, err := o.stat(devicePath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("target does not exist, nothing to do")
			return coreadmin.OutcomeSkippedMissing, nil
		}
		return "", fmt.Errorf("failed to stat %s: %w", devicePath, err)
	}
	if info.Mode()&os.ModeDevice == 0 || info.Mode()&os.ModeCharDevice != 0 {
		return "", &NotBlockDeviceError{Path: devicePath}
	}

	// The target must already be idle. An open count above zero means a
	// VM or another holder is still using it; leave it alone and let a
	// later invocation retry.
	count, err := o.dm.OpenCount(ctx, devicePath)
	if err != nil {
		if devicemapper.IsDeviceNotFound(err) {
			logger.Info("target vanished before inspection, nothing to do")
			return coreadmin.OutcomeSkippedMissing, nil
		}
		return "", err
	}
	if count > 0 {
		logger.WithField("open_count", count).Info("target still in use, leaving it alone")
		return coreadmin.OutcomeSkippedBusy, nil
	}

	switch classified.Kind {
	case naming.Snapshot:
		return o.teardownSnapshot(ctx, logger, report, classified)
	default:
		return o.teardownOrigin(ctx, logger, report, classified)
	}
}

// teardownSnapshot handles a snapshot target. A snapshot whose origin
// is still live is left untouched: it is removed later, as part of the
// origin's own teardown sweep, which keeps the two-step protocol
// (snapshots first, then origin) coherent.
func (o *Orchestrator) teardownSnapshot(ctx context.Context, logger logrus.FieldLogger, report *coreadmin.TeardownReport, c naming.Classified) (coreadmin.Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "teardown.snapshot")
	defer span.End()

	originPath := c.OriginPath()
	originExists, err := o.dm.Exists(ctx, originPath)
	if err != nil {
		return "", err
	}
	if originExists {
		logger.WithField("origin", originPath).Info("origin still present, deferring snapshot removal to origin teardown")
		return coreadmin.OutcomeDeferred, nil
	}

	// Collect dependencies before the node disappears; afterwards the
	// kernel no longer knows them.
	depPaths, err := o.dm.Dependencies(ctx, c.Path)
	if err != nil {
		if !devicemapper.IsDeviceNotFound(err) {
			return "", err
		}
		logger.Info("target vanished during inspection, nothing to do")
		return coreadmin.OutcomeSkippedMissing, nil
	}
	deps := newDepSet()
	deps.Add(depPaths...)

	// The target was confirmed idle above, so a removal failure here is
	// a genuine kernel-level inconsistency worth surfacing.
	if err := o.dm.Remove(ctx, c.Path); err != nil {
		return "", fmt.Errorf("failed to remove idle snapshot %s: %w", c.Path, err)
	}

	o.releaseDependencies(ctx, logger, report, deps)
	return coreadmin.OutcomeRemoved, nil
}

// teardownOrigin handles an origin target: sweep the sibling snapshots
// first, then remove the origin only if no snapshot is still live.
func (o *Orchestrator) teardownOrigin(ctx context.Context, logger logrus.FieldLogger, report *coreadmin.TeardownReport, c naming.Classified) (coreadmin.Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "teardown.origin")
	defer span.End()

	siblings, err := o.glob(c.SnapshotGlob())
	if err != nil {
		return "", fmt.Errorf("failed to expand snapshot glob %q: %w", c.SnapshotGlob(), err)
	}

	deps := newDepSet()
	originLive := false
	for _, sibling := range siblings {
		siblingLogger := logger.WithField("snapshot", sibling)

		// Fresh open count immediately before each removal; an earlier
		// answer may already be stale.
		count, err := o.dm.OpenCount(ctx, sibling)
		if err != nil {
			if devicemapper.IsDeviceNotFound(err) {
				siblingLogger.Debug("snapshot vanished during sweep")
				continue
			}
			return "", err
		}
		if count > 0 {
			siblingLogger.WithField("open_count", count).Info("snapshot still in use, origin stays")
			originLive = true
			continue
		}

		// Capture dependencies before the removal (afterwards the
		// kernel no longer knows them) but release them only if the
		// removal actually succeeds: a surviving snapshot still needs
		// its backing devices.
		depPaths, err := o.dm.Dependencies(ctx, sibling)
		if err != nil {
			if !devicemapper.IsDeviceNotFound(err) {
				return "", err
			}
			continue
		}

		if err := o.dm.Remove(ctx, sibling); err != nil {
			// Lost a race: something opened the snapshot between the
			// check and the removal. The origin must stay.
			siblingLogger.WithError(err).Warn("snapshot removal failed, origin stays")
			originLive = true
			continue
		}
		deps.Add(depPaths...)
		siblingLogger.Info("idle snapshot removed")
		report.SnapshotsRemoved = append(report.SnapshotsRemoved, sibling)
		metrics.SnapshotsRemovedTotal.Inc()
	}

	outcome := coreadmin.OutcomeRemoved
	if originLive {
		// Cannot remove an origin that still has a live dependent
		// snapshot. Its own backing devices stay attached to it and are
		// not revisited here; record them so operators can see what a
		// later invocation will have to deal with.
		logger.Info("origin has live snapshots, removal deferred")
		outcome = coreadmin.OutcomeDeferred
		if depPaths, err := o.dm.Dependencies(ctx, c.Path); err == nil {
			report.Deferred = depPaths
			if o.ledger != nil {
				if err := o.ledger.RecordDeferred(c.Path, depPaths); err != nil {
					logger.WithError(err).Warn("failed to record deferred dependencies")
				}
			}
		}
	} else {
		depPaths, err := o.dm.Dependencies(ctx, c.Path)
		if err != nil && !devicemapper.IsDeviceNotFound(err) {
			return "", err
		}
		deps.Add(depPaths...)
		if err := o.dm.Remove(ctx, c.Path); err != nil {
			return "", fmt.Errorf("failed to remove idle origin %s: %w", c.Path, err)
		}
		logger.Info("origin removed")
		if o.ledger != nil {
			if err := o.ledger.ClearOrigin(c.Path); err != nil {
				logger.WithError(err).Warn("failed to clear deferred ledger entry")
			}
		}
	}

	o.releaseDependencies(ctx, logger, report, deps)
	return outcome, nil
}
