// Package safeguards provides concurrency control and recovery
// mechanisms around device-mapper mutations.
package safeguards

import (
	"context"
	"fmt"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// OperationGuard serializes device-mapper mutations within a process.
// Concurrent teardown of chains sharing a backing device can race in
// the kernel; one removal at a time keeps the failure modes boring.
type OperationGuard struct {
	mu              sync.Mutex
	semaphore       chan struct{}
	activeOps       int
	logger          logrus.FieldLogger
	healthCheckFunc func(context.Context) error
}

// GuardConfig configures the operation guard.
type GuardConfig struct {
	// MaxConcurrent is the maximum number of concurrent teardown
	// operations (default: 1)
	MaxConcurrent int
	// Logger for logging operations
	Logger logrus.FieldLogger
	// HealthCheckFunc is called before each operation to verify system
	// health
	HealthCheckFunc func(context.Context) error
}

// NewOperationGuard creates a new operation guard.
func NewOperationGuard(cfg GuardConfig) *OperationGuard {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &OperationGuard{
		semaphore:       make(chan struct{}, cfg.MaxConcurrent),
		logger:          cfg.Logger.WithField("component", "operation-guard"),
		healthCheckFunc: cfg.HealthCheckFunc,
	}
}

// Acquire acquires a slot for a teardown operation, running the health
// check first if one is configured.
func (g *OperationGuard) Acquire(ctx context.Context, opName string) error {
	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for operation slot: %w", ctx.Err())
	}

	g.mu.Lock()
	g.activeOps++
	activeOps := g.activeOps
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": activeOps,
	}).Debug("acquired operation slot")

	if g.healthCheckFunc != nil {
		if err := g.healthCheckFunc(ctx); err != nil {
			g.Release(opName)
			return fmt.Errorf("health check failed before operation %s: %w", opName, err)
		}
	}
	return nil
}

// Release releases an operation slot.
func (g *OperationGuard) Release(opName string) {
	g.mu.Lock()
	g.activeOps--
	activeOps := g.activeOps
	g.mu.Unlock()

	<-g.semaphore

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": activeOps,
	}).Debug("released operation slot")
}

// ActiveOperations returns the number of active operations.
func (g *OperationGuard) ActiveOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeOps
}

// WithOperation executes fn while holding an operation slot.
func (g *OperationGuard) WithOperation(ctx context.Context, opName string, fn func() error) error {
	if err := g.Acquire(ctx, opName); err != nil {
		return err
	}
	defer g.Release(opName)
	return fn()
}

// RecoverableOperation wraps fn with panic recovery so a bug in one
// teardown run cannot take the sweeper down with it.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}

// SystemHealthChecker inspects the host for conditions under which
// removing device-mapper targets is unsafe.
type SystemHealthChecker struct {
	logger logrus.FieldLogger
}

// NewSystemHealthChecker creates a new health checker.
func NewSystemHealthChecker(logger logrus.FieldLogger) *SystemHealthChecker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SystemHealthChecker{
		logger: logger.WithField("component", "health-checker"),
	}
}

// CheckAll performs all health checks.
func (h *SystemHealthChecker) CheckAll(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := h.checkDStateProcesses(checkCtx); err != nil {
		return err
	}
	if err := h.checkKernelLogs(checkCtx); err != nil {
		return err
	}
	return nil
}

// checkDStateProcesses looks for device-mapper or loop kernel work
// stuck in uninterruptible sleep. A removal issued while the kernel is
// wedged on I/O tends to wedge too.
func (h *SystemHealthChecker) checkDStateProcesses(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "bash", "-c", "ps aux | awk '$8 ~ /^D/ {print $0}'")
	output, err := cmd.Output()
	if err != nil {
		return nil // health checks never fail on their own errors
	}

	outputStr := strings.TrimSpace(string(output))
	if outputStr == "" {
		return nil
	}
	for _, line := range strings.Split(outputStr, "\n") {
		if strings.Contains(line, "dm-") || strings.Contains(line, "loop") ||
			strings.Contains(line, "kworker") {
			h.logger.WithField("processes", outputStr).Warn("D-state processes detected")
			return fmt.Errorf("D-state processes detected, system may be unstable: %s", line)
		}
	}
	return nil
}

// checkKernelLogs scans recent kernel messages for conditions that make
// further device mutations dangerous.
func (h *SystemHealthChecker) checkKernelLogs(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "dmesg", "--time-format=reltime")
	output, err := cmd.Output()
	if err != nil {
		return nil // dmesg may not be available
	}

	lines := strings.Split(string(output), "\n")
	start := len(lines) - 50
	if start < 0 {
		start = 0
	}

	criticalPatterns := []string{
		"BUG:",
		"kernel panic",
		"Out of memory",
		"oom-killer",
	}
	for _, line := range lines[start:] {
		lineLower := strings.ToLower(line)
		for _, pattern := range criticalPatterns {
			if strings.Contains(lineLower, strings.ToLower(pattern)) {
				h.logger.WithField("log_line", line).Error("critical kernel error detected")
				return fmt.Errorf("critical kernel error detected: %s", line)
			}
		}
	}
	return nil
}
