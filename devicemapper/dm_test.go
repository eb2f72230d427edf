package devicemapper

import (
	"errors"
	"testing"
)

func TestParseOpenCount(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{" 0\n", 0, false},
		{"0", 0, false},
		{"  2 \n", 2, false},
		{"17\n", 17, false},
		{"", 0, true},
		{"\n", 0, true},
		{"open\n", 0, true},
		{"-1\n", 0, true},
	}
	for _, tc := range cases {
		got, err := parseOpenCount(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseOpenCount(%q): expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseOpenCount(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseOpenCount(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseDeps(t *testing.T) {
	out := "2 dependencies\t: (dm-3) (loop7)\n"
	deps := parseDeps(out)
	if len(deps) != 2 {
		t.Fatalf("expected 2 deps, got %v", deps)
	}
	if deps[0] != "/dev/dm-3" || deps[1] != "/dev/loop7" {
		t.Errorf("deps = %v, want [/dev/dm-3 /dev/loop7]", deps)
	}
}

func TestParseDepsEmpty(t *testing.T) {
	if deps := parseDeps("0 dependencies\t:\n"); len(deps) != 0 {
		t.Errorf("expected no deps, got %v", deps)
	}
	if deps := parseDeps(""); len(deps) != 0 {
		t.Errorf("expected no deps for empty output, got %v", deps)
	}
}

func TestParseDepsOrderPreserved(t *testing.T) {
	out := "3 dependencies\t: (loop1) (dm-0) (sda2)\n"
	deps := parseDeps(out)
	want := []string{"/dev/loop1", "/dev/dm-0", "/dev/sda2"}
	if len(deps) != len(want) {
		t.Fatalf("deps = %v, want %v", deps, want)
	}
	for i := range want {
		if deps[i] != want[i] {
			t.Errorf("deps[%d] = %q, want %q", i, deps[i], want[i])
		}
	}
}

func TestParseList(t *testing.T) {
	out := "origin-vm1\t(253:2)\nsnapshot-vm1-1\t(253:3)\npool\t(253:0)\n"
	names := parseList(out)
	if len(names) != 3 {
		t.Fatalf("expected 3 names, got %v", names)
	}
	if names[0] != "origin-vm1" || names[1] != "snapshot-vm1-1" || names[2] != "pool" {
		t.Errorf("names = %v", names)
	}
}

func TestParseListNoDevices(t *testing.T) {
	if names := parseList("No devices found\n"); len(names) != 0 {
		t.Errorf("expected empty list, got %v", names)
	}
}

func TestOutputClassification(t *testing.T) {
	notFound := []string{
		"Device snapshot-vm1-1 not found",
		"device-mapper: remove ioctl failed: No such device or address",
		"Device does not exist.",
	}
	for _, s := range notFound {
		if !isNotFoundOutput(s) {
			t.Errorf("isNotFoundOutput(%q) = false, want true", s)
		}
		if isBusyOutput(s) {
			t.Errorf("isBusyOutput(%q) = true, want false", s)
		}
	}

	busy := []string{
		"device-mapper: remove ioctl failed: Device or resource busy",
		"Device origin-vm1 in use",
	}
	for _, s := range busy {
		if !isBusyOutput(s) {
			t.Errorf("isBusyOutput(%q) = false, want true", s)
		}
	}
}

func TestErrorTypes(t *testing.T) {
	var err error = &DeviceBusyError{Path: "/dev/mapper/origin-vm1"}
	if !IsDeviceBusy(err) {
		t.Error("IsDeviceBusy failed to match DeviceBusyError")
	}
	if IsDeviceNotFound(err) {
		t.Error("IsDeviceNotFound matched DeviceBusyError")
	}

	wrapped := errors.Join(errors.New("context"), &DeviceNotFoundError{Path: "/dev/mapper/x"})
	if !IsDeviceNotFound(wrapped) {
		t.Error("IsDeviceNotFound failed to match wrapped error")
	}
}
