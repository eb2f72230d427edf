// Package loopdev inspects and detaches loopback block devices.
//
// Loop devices back the copy-on-write stores of snapshot devices: a
// regular file is exposed as /dev/loopN and a DM table is built on top
// of it. When the DM chain above a loop device is torn down, the loop
// node must be detached or it leaks until reboot.
//
// Inspection goes through sysfs (/sys/devices/virtual/block/loopN),
// detach through the LOOP_CLR_FD ioctl. Both treat "already gone" and
// "not a loop device" as success: detach runs concurrently with
// LO_FLAGS_AUTOCLEAR teardown done by the kernel itself.
package loopdev

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultSysfsRoot is where the kernel exposes virtual block devices.
const DefaultSysfsRoot = "/sys"

// Device describes an attached loop device.
type Device struct {
	// Path is the device node, e.g. /dev/loop3.
	Path string
	// Number is the loop minor number.
	Number int
	// BackingFile is the regular file the device exposes.
	BackingFile string
}

// Client performs loop device operations.
type Client struct {
	logger    logrus.FieldLogger
	sysfsRoot string
}

// New creates a loop device client reading from the real sysfs.
func New(logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		logger:    logger.WithField("component", "loopdev"),
		sysfsRoot: DefaultSysfsRoot,
	}
}

// SetSysfsRoot overrides the sysfs mount point. Used by tests.
func (c *Client) SetSysfsRoot(root string) {
	c.sysfsRoot = root
}

// BackingFile returns the backing file of a loop device, read from
// sysfs. The second return is false if the device is not attached (no
// backing_file entry), which is not an error.
func (c *Client) BackingFile(devPath string) (string, bool, error) {
	num, ok := loopNumber(devPath)
	if !ok {
		return "", false, fmt.Errorf("not a loop device path: %s", devPath)
	}
	sysPath := filepath.Join(c.sysfsRoot, "devices", "virtual", "block",
		fmt.Sprintf("loop%d", num), "loop", "backing_file")
	data, err := os.ReadFile(sysPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read %s: %w", sysPath, err)
	}
	// The kernel terminates the value with a newline.
	backing, found := strings.CutSuffix(string(data), "\n")
	if !found {
		return "", false, fmt.Errorf("bad backing_file response from kernel for loop%d", num)
	}
	return backing, true, nil
}

// Scan enumerates attached loop devices whose backing file lives under
// prefix. An empty prefix matches every attached device.
func (c *Client) Scan(prefix string) ([]Device, error) {
	blockDir := filepath.Join(c.sysfsRoot, "devices", "virtual", "block")
	entries, err := os.ReadDir(blockDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", blockDir, err)
	}

	devices := []Device{}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "loop") {
			continue
		}
		num, err := strconv.Atoi(name[4:])
		if err != nil {
			continue // loop-control and friends
		}
		devPath := fmt.Sprintf("/dev/loop%d", num)
		backing, attached, err := c.BackingFile(devPath)
		if err != nil {
			c.logger.WithError(err).WithField("device", devPath).Warn("skipping unreadable loop device")
			continue
		}
		if !attached {
			continue
		}
		if prefix != "" && !strings.HasPrefix(backing, prefix+"/") && backing != prefix {
			continue
		}
		devices = append(devices, Device{
			Path:        devPath,
			Number:      num,
			BackingFile: backing,
		})
	}
	return devices, nil
}

// Detach releases a loop device via LOOP_CLR_FD. Already-detached
// devices, missing nodes and nodes that are not loop devices all count
// as success; the device may legitimately have been autocleared or
// reused since the caller last looked.
func (c *Client) Detach(devPath string) error {
	logger := c.logger.WithField("device", devPath)

	fd, err := unix.Open(devPath, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	if err != nil {
		if err == unix.ENOENT || err == unix.ENXIO {
			logger.Debug("loop device already gone")
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", devPath, err)
	}
	defer unix.Close(fd)

	if err := unix.IoctlSetInt(fd, unix.LOOP_CLR_FD, 0); err != nil {
		switch err {
		case unix.ENXIO:
			// No backing file attached: already detached.
			logger.Debug("loop device already detached")
			return nil
		case unix.EINVAL, unix.ENOTTY:
			// Not a loop device; someone else's node, leave it alone.
			logger.Debug("not a loop device, nothing to detach")
			return nil
		case unix.EBUSY:
			return fmt.Errorf("loop device %s busy: %w", devPath, err)
		}
		return fmt.Errorf("failed to detach %s: %w", devPath, err)
	}

	logger.Info("loop device detached")
	return nil
}

// loopNumber extracts N from /dev/loopN.
func loopNumber(devPath string) (int, bool) {
	base := filepath.Base(devPath)
	if !strings.HasPrefix(base, "loop") {
		return 0, false
	}
	num, err := strconv.Atoi(base[4:])
	if err != nil || num < 0 {
		return 0, false
	}
	return num, true
}
