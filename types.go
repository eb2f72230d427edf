// Package coreadmin holds the shared types of the block device teardown
// system: the outcome taxonomy for a teardown run and the report record
// exchanged between the orchestrator, the journal and the CLI.
package coreadmin

import (
	"encoding/json"
	"time"
)

// Outcome is the explicit result variant of a teardown invocation.
// A benign "nothing to do" is a first-class value here, never an error:
// callers that poll treat busy and missing targets as expected states.
type Outcome string

const (
	// OutcomeRemoved means the target device was removed from the kernel.
	OutcomeRemoved Outcome = "removed"

	// OutcomeSkippedBusy means the target is still held open and was left
	// alone. Teardown is deferred to a future invocation.
	OutcomeSkippedBusy Outcome = "skipped_busy"

	// OutcomeSkippedMissing means the target no longer exists; there was
	// nothing to do.
	OutcomeSkippedMissing Outcome = "skipped_missing"

	// OutcomeDeferred means an origin target was kept because at least one
	// snapshot chained to it is still live. Idle siblings may still have
	// been cleaned up.
	OutcomeDeferred Outcome = "deferred"
)

// TeardownReport describes what a single teardown invocation did.
type TeardownReport struct {
	// RunID identifies the invocation in logs and the journal.
	RunID string `json:"run_id"`

	// DevicePath is the target device supplied by the caller.
	DevicePath string `json:"device_path"`

	// Kind is the lexical classification of the target ("origin",
	// "snapshot").
	Kind string `json:"kind"`

	// Outcome is the overall result.
	Outcome Outcome `json:"outcome"`

	// SnapshotsRemoved lists sibling snapshots removed during an origin
	// teardown, in removal order.
	SnapshotsRemoved []string `json:"snapshots_removed,omitempty"`

	// DepsReleased lists dependency devices (loop and DM nodes) whose
	// best-effort release succeeded.
	DepsReleased []string `json:"deps_released,omitempty"`

	// DepsFailed lists dependency devices whose release failed. Failures
	// here never fail the invocation; the device may be legitimately
	// shared with an unrelated chain.
	DepsFailed []string `json:"deps_failed,omitempty"`

	// Deferred lists dependency paths left for a later invocation because
	// the origin itself was kept.
	Deferred []string `json:"deferred,omitempty"`

	// StartedAt and FinishedAt bound the invocation.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Marshal implements the codec interface for TeardownReport.
func (r *TeardownReport) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal implements the codec interface for TeardownReport.
func (r *TeardownReport) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}
