package teardown

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	coreadmin "github.com/DemiMarie/qubes-core-admin"
	"github.com/DemiMarie/qubes-core-admin/metrics"
)

// releaseDependencies detaches or removes the backing devices that the
// removed targets no longer need, in the order the kernel reported
// them. Every release is best-effort: a backing device held open by
// another chain is normal, and a failure here never fails the run.
func (o *Orchestrator) releaseDependencies(ctx context.Context, logger logrus.FieldLogger, report *coreadmin.TeardownReport, deps *depSet) {
	if deps.Len() == 0 {
		return
	}
	ctx, span := o.tracer.Start(ctx, "teardown.release",
		trace.WithAttributes(attribute.Int("deps.count", deps.Len())))
	defer span.End()

	for _, dep := range deps.Paths() {
		depLogger := logger.WithField("dependency", dep)

		release := releaserFor(dep)
		if release == nil {
			// Neither a loop nor a device-mapper node (a real partition
			// or whole disk); not ours to touch.
			depLogger.Debug("dependency is not a managed device, skipping")
			metrics.DependencyReleasesTotal.WithLabelValues(metrics.ResultSkipped).Inc()
			continue
		}

		if err := release(ctx, o); err != nil {
			depLogger.WithError(err).Warn("failed to release dependency")
			report.DepsFailed = append(report.DepsFailed, dep)
			metrics.DependencyReleasesTotal.WithLabelValues(metrics.ResultFailed).Inc()
			continue
		}
		depLogger.Debug("dependency released")
		report.DepsReleased = append(report.DepsReleased, dep)
		metrics.DependencyReleasesTotal.WithLabelValues(metrics.ResultReleased).Inc()
	}
}

// releaserFor picks the release mechanism for a dependency path, or nil
// when the path is not a device class this package manages.
func releaserFor(dep string) func(context.Context, *Orchestrator) error {
	switch {
	case strings.HasPrefix(dep, "/dev/loop"):
		return func(_ context.Context, o *Orchestrator) error {
			return o.loops.Detach(dep)
		}
	case strings.HasPrefix(dep, "/dev/dm-"), strings.HasPrefix(dep, "/dev/mapper/"):
		return func(ctx context.Context, o *Orchestrator) error {
			return o.dm.RemoveBestEffort(ctx, dep)
		}
	default:
		return nil
	}
}
