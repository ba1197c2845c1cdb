//go:build linux

package pool

import (
	"golang.org/x/sys/unix"
)

// fdWaiter epoll-waits across a set of completion-queue wait fds, the
// "-w" alternative to a worker's poll-set outer loop (spec.md §6),
// grounded on the teacher pack's go-ublk queue runner's use of
// golang.org/x/sys/unix for low-level per-thread I/O control.
type fdWaiter struct {
	epfd       int
	registered map[int]bool
}

func newFdWaiter() (*fdWaiter, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &fdWaiter{epfd: epfd, registered: make(map[int]bool)}, nil
}

// sync brings the registered fd set in line with fds, adding new ones
// and dropping stale ones.
func (w *fdWaiter) sync(fds []int) {
	want := make(map[int]bool, len(fds))
	for _, fd := range fds {
		want[fd] = true
		if !w.registered[fd] {
			ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
			if unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev) == nil {
				w.registered[fd] = true
			}
		}
	}
	for fd := range w.registered {
		if !want[fd] {
			unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			delete(w.registered, fd)
		}
	}
}

// wait blocks up to timeoutMs for one of the registered fds to become
// readable, a signal (standing in for the spec's SIGUSR1 wakeup
// delivered via pthread_kill) to interrupt it, or the timeout to
// elapse. It never returns an error for EINTR or a plain timeout.
func (w *fdWaiter) wait(fds []int, timeoutMs int) {
	w.sync(fds)
	if len(w.registered) == 0 {
		return
	}
	var events [8]unix.EpollEvent
	_, _ = unix.EpollWait(w.epfd, events[:], timeoutMs)
}

func (w *fdWaiter) close() error {
	return unix.Close(w.epfd)
}
