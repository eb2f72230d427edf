package database

import "time"

// Run represents one recorded teardown invocation.
type Run struct {
	ID               int64
	RunID            string
	VolumeID         string
	DevicePath       string
	Kind             string
	Outcome          string
	SnapshotsRemoved int
	DepsReleased     int
	DepsFailed       int
	StartedAt        time.Time
	FinishedAt       time.Time
	CreatedAt        time.Time
}
