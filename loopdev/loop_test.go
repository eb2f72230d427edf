package loopdev

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

// writeLoopEntry populates a fake sysfs tree with one loop device.
// An empty backing file string creates a detached device (no loop/ dir).
func writeLoopEntry(t *testing.T, root, name, backing string) {
	t.Helper()
	dir := filepath.Join(root, "devices", "virtual", "block", name)
	if backing == "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		return
	}
	if err := os.MkdirAll(filepath.Join(dir, "loop"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "loop", "backing_file"), []byte(backing+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	root := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c := New(logger)
	c.SetSysfsRoot(root)
	return c, root
}

func TestScanFiltersByPrefix(t *testing.T) {
	c, root := newTestClient(t)
	writeLoopEntry(t, root, "loop0", "/var/lib/qubes/appvms/vm1/volatile.img")
	writeLoopEntry(t, root, "loop1", "/var/lib/qubes/appvms/vm2/volatile.img")
	writeLoopEntry(t, root, "loop2", "/home/user/disk.img")
	writeLoopEntry(t, root, "loop3", "") // detached
	writeLoopEntry(t, root, "loop-control", "")

	devices, err := c.Scan("/var/lib/qubes")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %v", devices)
	}
	if devices[0].Path != "/dev/loop0" || devices[1].Path != "/dev/loop1" {
		t.Errorf("unexpected devices: %v", devices)
	}
	if devices[0].BackingFile != "/var/lib/qubes/appvms/vm1/volatile.img" {
		t.Errorf("backing file = %q", devices[0].BackingFile)
	}
}

func TestScanEmptyPrefixMatchesAll(t *testing.T) {
	c, root := newTestClient(t)
	writeLoopEntry(t, root, "loop0", "/a.img")
	writeLoopEntry(t, root, "loop7", "/b.img")

	devices, err := c.Scan("")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %v", devices)
	}
	if devices[1].Number != 7 {
		t.Errorf("Number = %d, want 7", devices[1].Number)
	}
}

func TestBackingFileDetached(t *testing.T) {
	c, root := newTestClient(t)
	writeLoopEntry(t, root, "loop4", "")

	backing, attached, err := c.BackingFile("/dev/loop4")
	if err != nil {
		t.Fatalf("BackingFile: %v", err)
	}
	if attached {
		t.Errorf("expected detached, got backing %q", backing)
	}
}

func TestBackingFileRejectsNonLoopPath(t *testing.T) {
	c, _ := newTestClient(t)
	if _, _, err := c.BackingFile("/dev/sda1"); err == nil {
		t.Error("expected error for non-loop path")
	}
}

func TestLoopNumber(t *testing.T) {
	cases := []struct {
		in  string
		num int
		ok  bool
	}{
		{"/dev/loop0", 0, true},
		{"/dev/loop17", 17, true},
		{"/dev/loop-control", 0, false},
		{"/dev/sda1", 0, false},
		{"/dev/loop", 0, false},
	}
	for _, tc := range cases {
		num, ok := loopNumber(tc.in)
		if ok != tc.ok || (ok && num != tc.num) {
			t.Errorf("loopNumber(%q) = (%d, %v), want (%d, %v)", tc.in, num, ok, tc.num, tc.ok)
		}
	}
}
