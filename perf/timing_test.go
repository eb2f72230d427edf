package perf

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestMetricsContextRoundTrip(t *testing.T) {
	metrics := NewSweepMetrics()
	ctx := WithMetrics(context.Background(), metrics)

	got := MetricsFromContext(ctx)
	if got != metrics {
		t.Fatalf("MetricsFromContext returned %p, want %p", got, metrics)
	}
	if MetricsFromContext(context.Background()) != nil {
		t.Errorf("expected nil metrics from a bare context")
	}
}

func TestSweepMetricsAccumulate(t *testing.T) {
	metrics := NewSweepMetrics()
	metrics.RecordDeviceSeen()
	metrics.RecordDeviceSeen()
	metrics.RecordTeardown(2 * time.Second)
	metrics.RecordJournalWrite(50 * time.Millisecond)

	if metrics.DevicesSeen != 2 {
		t.Errorf("DevicesSeen = %d, want 2", metrics.DevicesSeen)
	}
	if metrics.RunsExecuted != 1 || metrics.TeardownDuration != 2*time.Second {
		t.Errorf("teardown accounting = %d runs, %v", metrics.RunsExecuted, metrics.TeardownDuration)
	}
	if metrics.JournalDuration != 50*time.Millisecond {
		t.Errorf("JournalDuration = %v", metrics.JournalDuration)
	}

	summary := metrics.Summary()
	if !strings.Contains(summary, "Devices Seen:       2") {
		t.Errorf("summary missing device count:\n%s", summary)
	}
}

func TestTimerMeasuresElapsed(t *testing.T) {
	timer := Start("noop", nil)
	if d := timer.Stop(); d < 0 {
		t.Errorf("negative duration %v", d)
	}
}
