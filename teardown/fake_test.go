package teardown

import (
	"context"
	"os"
	"path"
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/DemiMarie/qubes-core-admin/devicemapper"
)

// deviceRecord is a row in the fake kernel's device table.
type deviceRecord struct {
	Path      string
	OpenCount int
	Deps      []string
}

// fakeKernel is an in-memory stand-in for the kernel's device table,
// backing both the device-mapper and loop manager interfaces. It
// records every mutation in order so tests can assert on sequencing
// and on the absence of side effects.
type fakeKernel struct {
	mu         sync.Mutex
	db         *memdb.MemDB
	ops        []string
	removeErrs map[string]error
}

func newFakeKernel(devices ...deviceRecord) *fakeKernel {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"device": {
				Name: "device",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Path"},
					},
				},
			},
		},
	}
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(err)
	}
	txn := db.Txn(true)
	for i := range devices {
		if err := txn.Insert("device", &devices[i]); err != nil {
			panic(err)
		}
	}
	txn.Commit()
	return &fakeKernel{db: db, removeErrs: make(map[string]error)}
}

// failRemove makes subsequent Remove calls for devPath fail with err,
// simulating a kernel-level removal failure on an idle device.
func (f *fakeKernel) failRemove(devPath string, err error) {
	f.removeErrs[devPath] = err
}

func (f *fakeKernel) lookup(devPath string) *deviceRecord {
	txn := f.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("device", "id", devPath)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*deviceRecord)
}

func (f *fakeKernel) delete(devPath string) {
	txn := f.db.Txn(true)
	defer txn.Commit()
	if raw, _ := txn.First("device", "id", devPath); raw != nil {
		_ = txn.Delete("device", raw)
	}
}

func (f *fakeKernel) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeKernel) mutations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeKernel) Exists(_ context.Context, devPath string) (bool, error) {
	return f.lookup(devPath) != nil, nil
}

func (f *fakeKernel) OpenCount(_ context.Context, devPath string) (int, error) {
	rec := f.lookup(devPath)
	if rec == nil {
		return 0, &devicemapper.DeviceNotFoundError{Path: devPath}
	}
	return rec.OpenCount, nil
}

func (f *fakeKernel) Dependencies(_ context.Context, devPath string) ([]string, error) {
	rec := f.lookup(devPath)
	if rec == nil {
		return nil, &devicemapper.DeviceNotFoundError{Path: devPath}
	}
	return append([]string(nil), rec.Deps...), nil
}

func (f *fakeKernel) Remove(_ context.Context, devPath string) error {
	rec := f.lookup(devPath)
	if rec == nil {
		return nil
	}
	if rec.OpenCount > 0 {
		return &devicemapper.DeviceBusyError{Path: devPath}
	}
	if err := f.removeErrs[devPath]; err != nil {
		return err
	}
	f.delete(devPath)
	f.record("remove " + devPath)
	return nil
}

func (f *fakeKernel) RemoveBestEffort(ctx context.Context, devPath string) error {
	return f.Remove(ctx, devPath)
}

func (f *fakeKernel) Detach(devPath string) error {
	rec := f.lookup(devPath)
	if rec == nil {
		return nil
	}
	if rec.OpenCount > 0 {
		return &devicemapper.DeviceBusyError{Path: devPath}
	}
	f.delete(devPath)
	f.record("detach " + devPath)
	return nil
}

// Glob matches the pattern against the device table, standing in for
// filepath.Glob over /dev/mapper.
func (f *fakeKernel) Glob(pattern string) ([]string, error) {
	txn := f.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("device", "id")
	if err != nil {
		return nil, err
	}
	var matches []string
	for raw := it.Next(); raw != nil; raw = it.Next() {
		devPath := raw.(*deviceRecord).Path
		ok, err := path.Match(pattern, devPath)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, devPath)
		}
	}
	return matches, nil
}

// Stat reports the device as a block node while it is present in the
// table, and not-exist once it is gone.
func (f *fakeKernel) Stat(devPath string) (os.FileInfo, error) {
	if f.lookup(devPath) == nil {
		return nil, os.ErrNotExist
	}
	return blockInfo{name: path.Base(devPath)}, nil
}

type blockInfo struct {
	name string
}

func (b blockInfo) Name() string       { return b.name }
func (b blockInfo) Size() int64        { return 0 }
func (b blockInfo) Mode() os.FileMode  { return os.ModeDevice }
func (b blockInfo) ModTime() time.Time { return time.Time{} }
func (b blockInfo) IsDir() bool        { return false }
func (b blockInfo) Sys() any           { return nil }

// charInfo models a char device node, which teardown must reject.
type charInfo struct{ blockInfo }

func (c charInfo) Mode() os.FileMode { return os.ModeDevice | os.ModeCharDevice }

// fakeLedger records deferred-orphan calls for assertions.
type fakeLedger struct {
	deferred map[string][]string
	cleared  []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{deferred: make(map[string][]string)}
}

func (l *fakeLedger) RecordDeferred(origin string, deps []string) error {
	l.deferred[origin] = append([]string(nil), deps...)
	return nil
}

func (l *fakeLedger) ClearOrigin(origin string) error {
	l.cleared = append(l.cleared, origin)
	return nil
}
