package coreadmin

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/oklog/ulid/v2"
)

// volumeIDNamespace is a stable, process-wide namespace used when
// deriving deterministic volume IDs from device paths. The exact value
// is not externally visible, but must remain stable over time so that
// the same device path always yields the same volume_id in the journal.
const volumeIDNamespace = "qubes-block-teardown-v1"

// NewRunID returns a fresh, sortable identifier for one teardown
// invocation. Run IDs appear as a log field on every line of a run and
// as the journal primary key, so interleaved concurrent invocations can
// be told apart.
func NewRunID() string {
	return "run_" + strings.ToLower(ulid.Make().String())
}

// DeriveVolumeID deterministically derives a volume ID from a device
// path. Repeated teardown attempts against the same device converge on
// the same volume_id, which is what makes the journal useful for
// answering "how many times did we try to tear this down, and why did
// it keep getting deferred".
func DeriveVolumeID(devicePath string) string {
	h := sha256.Sum256([]byte(volumeIDNamespace + ":" + devicePath))
	return "vol_" + hex.EncodeToString(h[:8])
}
