// Package devicemapper wraps the kernel device-mapper registry for
// inspecting and removing mapped block devices.
//
// It is the kernel-facing half of the snapshot teardown path: callers ask
// whether a device exists, whether anything still holds it open, and what
// block devices its table rests on, then request removal. All state is
// queried fresh from the kernel at the moment it is needed; nothing is
// cached, because other processes create, open and remove devices on the
// same table concurrently.
//
// Removal is idempotent by design: a device that is already gone is
// reported as successfully removed. "Vanished since we looked" is an
// expected outcome under concurrent VM lifecycle activity, not an error.
//
// # Prerequisites
//
// Requires Linux with device-mapper support, root privileges, and the
// dmsetup tool.
package devicemapper

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Client wraps device-mapper operations.
type Client struct {
	logger *logrus.Logger
	mu     sync.Mutex // serialize device-mapper mutations per process
}

// New creates a new device-mapper client.
func New() *Client {
	return &Client{
		logger: logrus.New(),
	}
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// SuppressLogs disables all log output from the client. Useful when
// running under the TUI monitor where logs would corrupt the display.
func (c *Client) SuppressLogs() {
	c.logger.SetOutput(io.Discard)
}

// command timeouts, matching the observed worst-case latency of dmsetup
// against a loaded table.
const (
	infoTimeout   = 5 * time.Second
	removeTimeout = 10 * time.Second
)

// dmsetup runs a single dmsetup invocation with a bounded timeout and
// returns its combined output. Exit code, duration and output are logged
// at debug level for every call.
func (c *Client) dmsetup(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := c.logger.WithFields(logrus.Fields{
		"command": "dmsetup",
		"args":    args,
	})
	logger.Debug("executing dmsetup")

	startTime := time.Now()
	cmd := exec.CommandContext(ctxWithTimeout, "dmsetup", args...)
	output, err := cmd.CombinedOutput()
	duration := time.Since(startTime)

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"exit_code":   cmd.ProcessState.ExitCode(),
		"stdout":      string(output),
		"timed_out":   ctxWithTimeout.Err() != nil,
	}).Debug("dmsetup completed")

	if ctxErr := ctxWithTimeout.Err(); ctxErr != nil && err != nil {
		return string(output), fmt.Errorf("dmsetup %s timed out (device-mapper may be hung): %w", args[0], ctxErr)
	}
	return string(output), err
}

// Exists reports whether path is a live device-mapper node.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	output, err := c.dmsetup(ctx, infoTimeout, "info", path)
	if err != nil {
		if isNotFoundOutput(output) {
			return false, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("failed to check device existence: %w", err)
	}
	return true, nil
}

// OpenCount returns the kernel-reported open count for a device: the
// number of current holders. Zero means nothing has it open. A missing
// device yields a DeviceNotFoundError so that callers can distinguish
// "idle" from "already gone".
func (c *Client) OpenCount(ctx context.Context, path string) (int, error) {
	output, err := c.dmsetup(ctx, infoTimeout, "info", "-c", "--noheadings", "-o", "open", path)
	if err != nil {
		if isNotFoundOutput(output) {
			return 0, &DeviceNotFoundError{Path: path}
		}
		return 0, fmt.Errorf("failed to query open count: %w (output: %s)", err, output)
	}
	count, err := parseOpenCount(output)
	if err != nil {
		return 0, fmt.Errorf("failed to query open count for %s: %w", path, err)
	}
	return count, nil
}

// Dependencies returns the block devices the device's table rests on, as
// canonical /dev/... paths, in the order the kernel reports them. Both
// loopback nodes (/dev/loopN) and DM nodes (/dev/dm-N) appear here. An
// empty result means the device is a leaf. A missing device yields a
// DeviceNotFoundError.
func (c *Client) Dependencies(ctx context.Context, path string) ([]string, error) {
	output, err := c.dmsetup(ctx, infoTimeout, "deps", "-o", "devname", path)
	if err != nil {
		if isNotFoundOutput(output) {
			return nil, &DeviceNotFoundError{Path: path}
		}
		return nil, fmt.Errorf("failed to query dependencies: %w (output: %s)", err, output)
	}
	return parseDeps(output), nil
}

// List returns the names of all mapped devices, from "dmsetup ls".
func (c *Client) List(ctx context.Context) ([]string, error) {
	output, err := c.dmsetup(ctx, infoTimeout, "ls")
	if err != nil {
		return nil, fmt.Errorf("dmsetup ls failed: %w (output: %s)", err, output)
	}
	return parseList(output), nil
}

// Remove requests kernel removal of a DM node. The --retry flag makes
// dmsetup itself apply the kernel's short bounded busy retry; this code
// adds no retry loop of its own. Success includes the degenerate case
// where the node was already gone. A device still held open yields a
// DeviceBusyError.
func (c *Client) Remove(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := c.logger.WithField("device", path)
	logger.Info("removing device-mapper node")

	output, err := c.dmsetup(ctx, removeTimeout, "remove", "--retry", path)
	if err == nil {
		logger.Info("device removed")
		return nil
	}
	if isNotFoundOutput(output) {
		logger.Info("device not found, already removed")
		return nil
	}
	if isBusyOutput(output) {
		logger.WithField("output", strings.TrimSpace(output)).Warn("device busy, not removed")
		return &DeviceBusyError{Path: path}
	}
	logger.WithFields(logrus.Fields{
		"error":  err.Error(),
		"output": output,
	}).Error("failed to remove device")
	return fmt.Errorf("failed to remove device %s: %w (output: %s)", path, err, output)
}

// removeBestEffortBackoff bounds the retry-on-transient-busy policy used
// for dependency release. Kept short: a dependency that stays busy is
// assumed to be legitimately referenced by an unrelated chain.
func removeBestEffortBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 4)
}

// RemoveBestEffort removes a DM node with a bounded retry against
// transient busy responses. It is intended for dependency release only;
// primary targets use Remove and surface busy to the caller instead.
func (c *Client) RemoveBestEffort(ctx context.Context, path string) error {
	operation := func() error {
		err := c.Remove(ctx, path)
		if err == nil {
			return nil
		}
		if IsDeviceBusy(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(operation, backoff.WithContext(removeBestEffortBackoff(), ctx))
}

// parseOpenCount parses the single-column output of
// "dmsetup info -c --noheadings -o open".
func parseOpenCount(output string) (int, error) {
	s := strings.TrimSpace(output)
	if s == "" {
		return 0, fmt.Errorf("empty open count output")
	}
	count, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid open count %q: %w", s, err)
	}
	if count < 0 {
		return 0, fmt.Errorf("negative open count %d", count)
	}
	return count, nil
}

// parseDeps parses "dmsetup deps -o devname" output, e.g.
//
//	2 dependencies  : (dm-3) (loop7)
//
// into /dev/... paths, preserving kernel order.
func parseDeps(output string) []string {
	deps := []string{}
	rest := output
	for {
		open := strings.IndexByte(rest, '(')
		if open < 0 {
			break
		}
		rest = rest[open+1:]
		closing := strings.IndexByte(rest, ')')
		if closing < 0 {
			break
		}
		name := strings.TrimSpace(rest[:closing])
		rest = rest[closing+1:]
		if name == "" {
			continue
		}
		deps = append(deps, "/dev/"+name)
	}
	return deps
}

// parseList parses "dmsetup ls" output: one device name per line,
// followed by the (major, minor) pair.
func parseList(output string) []string {
	names := []string{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "No devices found" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 1 {
			continue
		}
		names = append(names, fields[0])
	}
	return names
}

func isNotFoundOutput(output string) bool {
	return strings.Contains(output, "not found") ||
		strings.Contains(output, "No such") ||
		strings.Contains(output, "does not exist")
}

func isBusyOutput(output string) bool {
	return strings.Contains(output, "busy") ||
		strings.Contains(output, "in use") ||
		strings.Contains(output, "still open")
}
