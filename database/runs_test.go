package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	coreadmin "github.com/DemiMarie/qubes-core-admin"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	db, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleReport(devicePath string, outcome coreadmin.Outcome) *coreadmin.TeardownReport {
	now := time.Now().UTC().Truncate(time.Second)
	return &coreadmin.TeardownReport{
		RunID:            coreadmin.NewRunID(),
		DevicePath:       devicePath,
		Kind:             "origin",
		Outcome:          outcome,
		SnapshotsRemoved: []string{"/dev/mapper/snapshot-vmdisk-1"},
		DepsReleased:     []string{"/dev/loop0"},
		StartedAt:        now.Add(-time.Second),
		FinishedAt:       now,
	}
}

func TestRecordAndGetRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	report := sampleReport("/dev/mapper/origin-vmdisk", coreadmin.OutcomeRemoved)
	if err := db.RecordRun(ctx, report); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	run, err := db.GetRun(ctx, report.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run == nil {
		t.Fatal("recorded run not found")
	}
	if run.DevicePath != report.DevicePath {
		t.Errorf("DevicePath = %q, want %q", run.DevicePath, report.DevicePath)
	}
	if run.Outcome != string(coreadmin.OutcomeRemoved) {
		t.Errorf("Outcome = %q", run.Outcome)
	}
	if run.SnapshotsRemoved != 1 || run.DepsReleased != 1 || run.DepsFailed != 0 {
		t.Errorf("counts = %d/%d/%d", run.SnapshotsRemoved, run.DepsReleased, run.DepsFailed)
	}
	if run.VolumeID != coreadmin.DeriveVolumeID(report.DevicePath) {
		t.Errorf("VolumeID = %q", run.VolumeID)
	}
}

func TestGetRunNotFound(t *testing.T) {
	db := newTestDB(t)

	run, err := db.GetRun(context.Background(), "run_nonexistent")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run != nil {
		t.Errorf("expected nil for unknown run, got %+v", run)
	}
}

func TestListRecentRunsOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	older := sampleReport("/dev/mapper/origin-a", coreadmin.OutcomeDeferred)
	older.StartedAt = older.StartedAt.Add(-time.Hour)
	older.FinishedAt = older.FinishedAt.Add(-time.Hour)
	newer := sampleReport("/dev/mapper/origin-b", coreadmin.OutcomeRemoved)

	for _, r := range []*coreadmin.TeardownReport{older, newer} {
		if err := db.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}

	runs, err := db.ListRecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].RunID != newer.RunID {
		t.Errorf("newest run not first: got %s", runs[0].RunID)
	}
}

func TestListRunsForDevice(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, dev := range []string{"/dev/mapper/origin-a", "/dev/mapper/origin-a", "/dev/mapper/origin-b"} {
		if err := db.RecordRun(ctx, sampleReport(dev, coreadmin.OutcomeRemoved)); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}

	runs, err := db.ListRunsForDevice(ctx, "/dev/mapper/origin-a")
	if err != nil {
		t.Fatalf("ListRunsForDevice: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs, want 2", len(runs))
	}
}

func TestPruneBefore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := sampleReport("/dev/mapper/origin-a", coreadmin.OutcomeRemoved)
	old.StartedAt = old.StartedAt.Add(-48 * time.Hour)
	recent := sampleReport("/dev/mapper/origin-b", coreadmin.OutcomeRemoved)

	for _, r := range []*coreadmin.TeardownReport{old, recent} {
		if err := db.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}

	pruned, err := db.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	runs, err := db.ListRecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != recent.RunID {
		t.Errorf("surviving runs = %+v", runs)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")

	db, err := New(cfg)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	db.Close()

	db, err = New(cfg)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer db.Close()

	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
