// Package safeguards provides pre-build system health checks: before a
// derivation goal starts a local builder, verify the machine has enough
// free memory and disk space to have a reasonable chance of succeeding,
// rather than discovering an OOM or ENOSPC mid-build.
//
// Adapted from the teacher's dm-thin-pool-specific SystemHealthChecker
// (D-state process scan, dm-thin kernel log scan, pool needs_check flag)
// down to the two checks that generalise to any builder: available memory
// and available disk space on the store root. The pool/kernel-log checks
// had no analogue once device-mapper thin pools left the picture, and
// scanning dmesg/ps for a generic build runner would just be noise.
package safeguards

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Checker runs pre-build health checks against the host.
type Checker struct {
	logger logrus.FieldLogger

	// MinMemoryMB is the minimum available memory, in MB, required to
	// start a build. Zero disables the check.
	MinMemoryMB int
	// MinDiskMB is the minimum available disk space, in MB, required on
	// the store root's filesystem. Zero disables the check.
	MinDiskMB int
}

// NewChecker creates a Checker with the given thresholds.
func NewChecker(minMemoryMB, minDiskMB int, logger logrus.FieldLogger) *Checker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Checker{logger: logger.WithField("component", "safeguards"), MinMemoryMB: minMemoryMB, MinDiskMB: minDiskMB}
}

// CheckAll runs every enabled check, returning the first failure.
func (c *Checker) CheckAll(ctx context.Context, storeRoot string) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if c.MinMemoryMB > 0 {
		if err := c.checkMemory(checkCtx); err != nil {
			return err
		}
	}
	if c.MinDiskMB > 0 {
		if err := c.checkDisk(storeRoot); err != nil {
			return err
		}
	}
	return nil
}

// checkMemory reads available memory from `free -m` — the same tool the
// teacher's health checker used, generalised from a fixed 256MB floor to
// a configurable one.
func (c *Checker) checkMemory(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "bash", "-c", "free -m | awk '/^Mem:/ {print $7}'")
	output, err := cmd.Output()
	if err != nil {
		return nil // health checks degrade gracefully when free(1) is unavailable
	}

	availableMB, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return nil
	}
	if availableMB < c.MinMemoryMB {
		c.logger.WithField("available_mb", availableMB).Warn("low memory before build")
		return fmt.Errorf("safeguards: only %dMB memory available, want at least %dMB", availableMB, c.MinMemoryMB)
	}
	return nil
}

// checkDisk statfs's the store root's filesystem for free space.
func (c *Checker) checkDisk(storeRoot string) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(storeRoot, &stat); err != nil {
		return nil
	}
	availableMB := int(stat.Bavail) * int(stat.Bsize) / (1024 * 1024)
	if availableMB < c.MinDiskMB {
		c.logger.WithField("available_mb", availableMB).Warn("low disk space before build")
		return fmt.Errorf("safeguards: only %dMB disk available on %s, want at least %dMB", availableMB, storeRoot, c.MinDiskMB)
	}
	return nil
}
