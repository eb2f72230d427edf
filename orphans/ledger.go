// Package orphans keeps a small on-disk ledger of backing devices whose
// release was deferred because their origin could not be removed yet.
//
// The ledger is purely informational. Teardown never acts on its
// contents; each later invocation rediscovers dependencies from the
// live device-mapper table, and clears the entry once the origin is
// finally removed. The ledger exists so operators can list what is
// still pinned and by which origin.
package orphans

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var deferredBucket = []byte("deferred")

// Entry is one deferred-release record, keyed by origin path.
type Entry struct {
	Origin     string    `json:"origin"`
	Deps       []string  `json:"deps"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Ledger is a bolt-backed store of deferred entries.
type Ledger struct {
	db *bolt.DB
}

// Open opens or creates the ledger file.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(deferredBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger bucket: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the ledger file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordDeferred stores or replaces the deferred entry for an origin.
// Each deferral overwrites the previous one; only the latest dependency
// list is meaningful.
func (l *Ledger) RecordDeferred(origin string, deps []string) error {
	entry := Entry{
		Origin:     origin,
		Deps:       deps,
		RecordedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(deferredBucket).Put([]byte(origin), data)
	})
}

// ClearOrigin removes the entry for an origin. Clearing an origin that
// has no entry is a no-op.
func (l *Ledger) ClearOrigin(origin string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(deferredBucket).Delete([]byte(origin))
	})
}

// List returns all deferred entries, in key order.
func (l *Ledger) List() ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(deferredBucket).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("corrupt ledger entry %q: %w", k, err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
