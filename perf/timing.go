// Package perf provides performance measurement utilities for teardown
// runs.
package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks operation timing for performance analysis.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Info("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// SweepMetrics aggregates timing over a whole sweep of teardown runs.
type SweepMetrics struct {
	mu sync.Mutex

	TotalDuration    time.Duration
	TeardownDuration time.Duration
	JournalDuration  time.Duration

	DevicesSeen  int
	RunsExecuted int
}

// NewSweepMetrics creates a new metrics tracker.
func NewSweepMetrics() *SweepMetrics {
	return &SweepMetrics{}
}

// RecordTeardown records one teardown run.
func (m *SweepMetrics) RecordTeardown(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TeardownDuration += duration
	m.RunsExecuted++
}

// RecordJournalWrite records a journal write.
func (m *SweepMetrics) RecordJournalWrite(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.JournalDuration += duration
}

// RecordDeviceSeen counts a candidate device considered by the sweep.
func (m *SweepMetrics) RecordDeviceSeen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DevicesSeen++
}

// Summary returns a formatted summary of the metrics.
func (m *SweepMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return fmt.Sprintf(`
=== Sweep Performance Metrics ===
Total Duration:     %v
Teardown Duration:  %v (%d runs)
Journal Duration:   %v
Devices Seen:       %d
`,
		m.TotalDuration,
		m.TeardownDuration, m.RunsExecuted,
		m.JournalDuration,
		m.DevicesSeen,
	)
}

// contextKey is used to store metrics in context.
type contextKey struct{}

// WithMetrics adds metrics to context.
func WithMetrics(ctx context.Context, m *SweepMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// MetricsFromContext retrieves metrics from context, or nil.
func MetricsFromContext(ctx context.Context) *SweepMetrics {
	m, _ := ctx.Value(contextKey{}).(*SweepMetrics)
	return m
}
