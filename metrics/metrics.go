// Package metrics exposes prometheus counters for teardown activity.
//
// Counters only: a teardown run is short-lived, so gauges over kernel
// state would be stale the moment they were scraped. Operators who need
// live state use the monitor command instead.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TeardownsTotal counts teardown invocations by overall outcome.
	TeardownsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qubes",
		Subsystem: "block_teardown",
		Name:      "runs_total",
		Help:      "Teardown invocations by outcome.",
	}, []string{"outcome"})

	// SnapshotsRemovedTotal counts sibling snapshots removed during
	// origin teardowns.
	SnapshotsRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qubes",
		Subsystem: "block_teardown",
		Name:      "snapshots_removed_total",
		Help:      "Sibling snapshot devices removed.",
	})

	// DependencyReleasesTotal counts best-effort dependency releases by
	// result. Failures here are expected when a dependency is shared
	// with an unrelated device chain.
	DependencyReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qubes",
		Subsystem: "block_teardown",
		Name:      "dependency_releases_total",
		Help:      "Best-effort dependency releases by result.",
	}, []string{"result"})
)

// Dependency release results.
const (
	ResultReleased = "released"
	ResultFailed   = "failed"
	ResultSkipped  = "skipped"
)
