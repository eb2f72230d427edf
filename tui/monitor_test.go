package tui

import (
	"strings"
	"testing"

	"github.com/DemiMarie/qubes-core-admin/naming"
)

func TestDeviceRowsStateColumn(t *testing.T) {
	rows := deviceRows([]deviceRow{
		{Name: "origin-vmdisk", Kind: naming.Origin, OpenCount: 0},
		{Name: "snapshot-vmdisk-1", Kind: naming.Snapshot, OpenCount: 2},
		{Name: "origin-other", Kind: naming.Origin, OpenCount: -1},
	})
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0][1] != "origin" || !strings.Contains(rows[0][3], "idle") {
		t.Errorf("idle origin row = %v", rows[0])
	}
	if rows[1][2] != "2" || !strings.Contains(rows[1][3], "busy") {
		t.Errorf("busy snapshot row = %v", rows[1])
	}
	// A device that vanished between List and OpenCount shows a dash,
	// not a bogus count.
	if rows[2][2] != "-" || !strings.Contains(rows[2][3], "gone") {
		t.Errorf("vanished device row = %v", rows[2])
	}
}

func TestPanelWrapsContent(t *testing.T) {
	rendered := DefaultStyles().Panel.Render("origin-vmdisk")
	if !strings.Contains(rendered, "origin-vmdisk") {
		t.Errorf("panel render lost its content: %q", rendered)
	}
	if rendered == "origin-vmdisk" {
		t.Errorf("panel render added no framing")
	}
}
