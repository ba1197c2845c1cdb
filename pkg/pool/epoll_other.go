//go:build !linux

package pool

// fdWaiter is a no-op outside Linux: unix.EpollWait has no portable
// equivalent, and the "-w" flag degrades to the poll-set/condvar wait.
type fdWaiter struct{}

func newFdWaiter() (*fdWaiter, error) { return &fdWaiter{}, nil }

func (w *fdWaiter) wait(fds []int, timeoutMs int) {}

func (w *fdWaiter) close() error { return nil }
