package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	coreadmin "github.com/DemiMarie/qubes-core-admin"
)

// RecordRun appends a finished teardown report to the journal.
func (d *DB) RecordRun(ctx context.Context, report *coreadmin.TeardownReport) error {
	query := `
		INSERT INTO teardown_runs (run_id, volume_id, device_path, kind, outcome,
		                           snapshots_removed, deps_released, deps_failed,
		                           started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, query,
		report.RunID,
		coreadmin.DeriveVolumeID(report.DevicePath),
		report.DevicePath,
		report.Kind,
		string(report.Outcome),
		len(report.SnapshotsRemoved),
		len(report.DepsReleased),
		len(report.DepsFailed),
		report.StartedAt,
		report.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", report.RunID, err)
	}
	return nil
}

// GetRun retrieves a single run by its run ID. Returns nil if not
// found.
func (d *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
		SELECT id, run_id, volume_id, device_path, kind, outcome,
		       snapshots_removed, deps_released, deps_failed,
		       started_at, finished_at, created_at
		FROM teardown_runs
		WHERE run_id = ?
	`
	var run Run
	err := d.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID, &run.RunID, &run.VolumeID, &run.DevicePath, &run.Kind,
		&run.Outcome, &run.SnapshotsRemoved, &run.DepsReleased,
		&run.DepsFailed, &run.StartedAt, &run.FinishedAt, &run.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return &run, nil
}

// ListRecentRuns returns the most recent runs, newest first.
func (d *DB) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `
		SELECT id, run_id, volume_id, device_path, kind, outcome,
		       snapshots_removed, deps_released, deps_failed,
		       started_at, finished_at, created_at
		FROM teardown_runs
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID, &run.RunID, &run.VolumeID, &run.DevicePath, &run.Kind,
			&run.Outcome, &run.SnapshotsRemoved, &run.DepsReleased,
			&run.DepsFailed, &run.StartedAt, &run.FinishedAt, &run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunsForDevice returns all recorded runs for a device path, newest
// first.
func (d *DB) ListRunsForDevice(ctx context.Context, devicePath string) ([]Run, error) {
	query := `
		SELECT id, run_id, volume_id, device_path, kind, outcome,
		       snapshots_removed, deps_released, deps_failed,
		       started_at, finished_at, created_at
		FROM teardown_runs
		WHERE device_path = ?
		ORDER BY started_at DESC
	`
	rows, err := d.db.QueryContext(ctx, query, devicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID, &run.RunID, &run.VolumeID, &run.DevicePath, &run.Kind,
			&run.Outcome, &run.SnapshotsRemoved, &run.DepsReleased,
			&run.DepsFailed, &run.StartedAt, &run.FinishedAt, &run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PruneBefore deletes journal entries whose run started before the
// cutoff. Returns the number of rows removed.
func (d *DB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, "DELETE FROM teardown_runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}
