package database

// schemaMigrationsTable tracks applied schema versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the journal schema (version 1).
const initialSchema = `
-- teardown_runs table: one row per teardown invocation
CREATE TABLE IF NOT EXISTS teardown_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    volume_id TEXT NOT NULL,
    device_path TEXT NOT NULL,
    kind TEXT NOT NULL,
    outcome TEXT NOT NULL,
    snapshots_removed INTEGER NOT NULL DEFAULT 0,
    deps_released INTEGER NOT NULL DEFAULT 0,
    deps_failed INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (outcome IN ('removed', 'skipped_busy', 'skipped_missing', 'deferred')),
    CHECK (kind IN ('origin', 'snapshot')),
    CHECK (snapshots_removed >= 0),
    CHECK (deps_released >= 0),
    CHECK (deps_failed >= 0)
);

CREATE INDEX IF NOT EXISTS idx_teardown_runs_run_id ON teardown_runs(run_id);
CREATE INDEX IF NOT EXISTS idx_teardown_runs_volume_id ON teardown_runs(volume_id);
CREATE INDEX IF NOT EXISTS idx_teardown_runs_device_path ON teardown_runs(device_path);
CREATE INDEX IF NOT EXISTS idx_teardown_runs_outcome ON teardown_runs(outcome);
CREATE INDEX IF NOT EXISTS idx_teardown_runs_started_at ON teardown_runs(started_at);
`
