// Package naming classifies device-mapper node paths used for VM
// copy-on-write storage.
//
// The origin/snapshot relationship is encoded purely in device names:
// an origin device "origin-<X>" may have snapshots "snapshot-<X>-<N>"
// chained off it. This naming convention is the only link between the
// two that the teardown code trusts; the DM target metadata is never
// consulted to discover the pairing. Keeping the classification as pure
// string logic means it can be unit-tested without any kernel access.
package naming

import (
	"path"
	"strings"
)

// Kind is the lexical classification of a device path.
type Kind int

const (
	// Unknown means the path does not match any recognized shape.
	// Teardown must refuse to operate on it.
	Unknown Kind = iota
	// Origin is a read/write base device that snapshots track changes
	// against ("/dev/mapper/origin-<X>").
	Origin
	// Snapshot is a copy-on-write delta device layered over an origin
	// ("/dev/mapper/snapshot-<X>-<N>").
	Snapshot
)

// String returns a human-readable kind name for logs.
func (k Kind) String() string {
	switch k {
	case Origin:
		return "origin"
	case Snapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

const (
	originPrefix   = "origin-"
	snapshotPrefix = "snapshot-"
)

// Classified is the result of classifying a device path. It is a pure
// value; all derived names are computed by string substitution only.
type Classified struct {
	// Path is the input path, unmodified.
	Path string
	// Kind is the lexical classification.
	Kind Kind

	dir  string // directory part, e.g. "/dev/mapper"
	base string // the <X> part shared between origin and snapshots
}

// Classify classifies a device path by its fixed lexical pattern. It is
// total: any input string yields a result, with unrecognized shapes
// mapped to Unknown rather than an error.
func Classify(devpath string) Classified {
	c := Classified{Path: devpath, Kind: Unknown}

	dir, name := path.Split(devpath)
	if path.Base(strings.TrimSuffix(dir, "/")) != "mapper" || name == "" {
		return c
	}
	c.dir = strings.TrimSuffix(dir, "/")

	switch {
	case strings.HasPrefix(name, snapshotPrefix):
		// snapshot-<X>-<N>: the trailing -<N> must be present and numeric.
		rest := strings.TrimPrefix(name, snapshotPrefix)
		idx := strings.LastIndex(rest, "-")
		if idx <= 0 || idx == len(rest)-1 {
			return c
		}
		if !allDigits(rest[idx+1:]) {
			return c
		}
		c.Kind = Snapshot
		c.base = rest[:idx]
	case strings.HasPrefix(name, originPrefix):
		rest := strings.TrimPrefix(name, originPrefix)
		if rest == "" {
			return c
		}
		c.Kind = Origin
		c.base = rest
	}
	return c
}

// OriginPath returns the paired origin path for a snapshot, derived by
// replacing the "snapshot" segment with "origin" and dropping the -<N>
// suffix. It returns "" for non-snapshot classifications.
func (c Classified) OriginPath() string {
	if c.Kind != Snapshot {
		return ""
	}
	return c.dir + "/" + originPrefix + c.base
}

// SnapshotGlob returns the glob matching every sibling snapshot of an
// origin, derived by replacing "origin" with "snapshot" and appending a
// wildcard suffix. It returns "" for non-origin classifications.
func (c Classified) SnapshotGlob() string {
	if c.Kind != Origin {
		return ""
	}
	return c.dir + "/" + snapshotPrefix + c.base + "-*"
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
