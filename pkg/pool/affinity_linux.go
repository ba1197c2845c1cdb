//go:build linux

package pool

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// pinToCPU pins the calling (already OS-thread-locked) goroutine to
// cpu, round-robin assigned by the caller across the configured range
// (spec.md §4.9 "thread creation is pinned round-robin to a configured
// CPU range"), grounded on the teacher pack's go-ublk queue runner,
// which does the same for per-queue ublk worker threads.
func pinToCPU(workerID, cpu int, log *slog.Logger) {
	if cpu < 0 {
		return
	}
	var mask unix.CPUSet
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		log.Warn("failed to set worker CPU affinity", "worker", workerID, "cpu", cpu, "err", err)
		return
	}
	log.Debug("pinned worker to cpu", "worker", workerID, "cpu", cpu)
}
