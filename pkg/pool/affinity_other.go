//go:build !linux

package pool

import "log/slog"

// pinToCPU is a no-op outside Linux: unix.SchedSetaffinity has no
// portable equivalent, and spec.md's CPU-range pinning is a Linux-only
// deployment concern.
func pinToCPU(workerID, cpu int, log *slog.Logger) {
	if cpu >= 0 {
		log.Debug("cpu pinning not supported on this platform", "worker", workerID, "cpu", cpu)
	}
}
