// Package worker implements the per-thread cooperative scheduler
// (spec.md §4.8): a fixed number of session slots split into two
// independently-locked halves, serviced round-robin with a
// swap-to-front fairness bias and a fixed-point EWMA load estimate.
package worker

import (
	"log/slog"
	"sync"

	"github.com/fabtransfer/fabxfer/pkg/conn"
	"github.com/fabtransfer/fabxfer/pkg/session"
)

const ewmaLoopWindow = 65536

// half is one lock-protected slice of session slots. Assignment (from
// the pool) and servicing (from this worker) can proceed concurrently
// on different halves (spec.md §4.8: "so that assignment ... can
// proceed on one half while the worker services the other").
type half struct {
	mu       sync.Mutex
	sessions []*session.Session // nil entries are free slots
}

// Worker owns S session slots and runs them cooperatively on whatever
// goroutine calls RunOnce; a real deployment pins that goroutine's OS
// thread (see pkg/pool) so CPU affinity holds for the lifetime of the
// worker, matching the one-worker-per-OS-thread model of spec.md §5.
type Worker struct {
	id  int
	log *slog.Logger

	halves [2]*half

	cancelled bool

	loopCount        uint64
	acc              uint64
	ewma             uint32 // fixed point, scale 256
	minLoop, maxLoop int

	shuttingDown bool

	cond   *sync.Cond
	condMu sync.Mutex
}

// New builds a Worker with slotsPerHalf free slots in each of its two
// halves (so 2*slotsPerHalf sessions total).
func New(id int, slotsPerHalf int, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	w := &Worker{
		id:  id,
		log: log.With("worker", id),
		halves: [2]*half{
			{sessions: make([]*session.Session, slotsPerHalf)},
			{sessions: make([]*session.Session, slotsPerHalf)},
		},
	}
	w.cond = sync.NewCond(&w.condMu)
	return w
}

func (w *Worker) ID() int { return w.id }

// TryAssign attempts to place s into a free slot in either half
// without blocking on a contended half (spec.md §4.9: "try-lock so it
// never stalls a worker").
func (w *Worker) TryAssign(s *session.Session) bool {
	for _, h := range w.halves {
		if !h.mu.TryLock() {
			continue
		}
		ok := assignInto(h, s)
		h.mu.Unlock()
		if ok {
			w.Wake()
			return true
		}
	}
	return false
}

func assignInto(h *half, s *session.Session) bool {
	for i, slot := range h.sessions {
		if slot == nil {
			h.sessions[i] = s
			return true
		}
	}
	return false
}

// HasFreeSlot reports whether either half currently has room, without
// blocking on a contended half.
func (w *Worker) HasFreeSlot() bool {
	for _, h := range w.halves {
		if !h.mu.TryLock() {
			continue
		}
		free := hasFree(h)
		h.mu.Unlock()
		if free {
			return true
		}
	}
	return false
}

func hasFree(h *half) bool {
	for _, s := range h.sessions {
		if s == nil {
			return true
		}
	}
	return false
}

// RunOnce executes one outer-loop iteration (spec.md §4.8 item 2): for
// each half in turn (skipped if its lock is contended), compact ready
// sessions to the front and step each. Every assigned session is
// stepped every call — this implementation has no generic fabric
// poll-set to gate on (that belongs to a concrete Provider), so it
// relies on Step/Trade being cheap no-ops (ErrTryAgain) when a
// session's endpoint has nothing ready, rather than the spec's
// separate "I/O-ready" query.
func (w *Worker) RunOnce(cancelRequested bool) (serviced int, anySessions bool) {
	if cancelRequested {
		w.cancelled = true
	}
	total := 0
	anyLeft := false
	for _, h := range w.halves {
		if !h.mu.TryLock() {
			continue
		}
		n, left := w.runHalf(h)
		h.mu.Unlock()
		total += n
		anyLeft = anyLeft || left
	}
	w.trackLoad(total)
	return total, anyLeft
}

func (w *Worker) runHalf(h *half) (serviced int, anyLeft bool) {
	compact(h)
	for i, s := range h.sessions {
		if s == nil {
			continue
		}
		anyLeft = true
		serviced++

		if tres, err := s.Trade(); err != nil {
			w.log.Error("terminal trade failed", "session", s.ID, "err", err)
			h.sessions[i] = nil
			_ = s.Close()
			continue
		} else {
			_ = tres
		}

		cres, err := s.Step(w.cancelled)
		if err != nil {
			w.log.Error("connection loop failed", "session", s.ID, "err", err)
			h.sessions[i] = nil
			_ = s.Close()
			continue
		}
		switch cres {
		case conn.End, conn.Canceled, conn.Error:
			h.sessions[i] = nil
			_ = s.Close()
		}
	}
	return serviced, anyLeft
}

// compact swaps occupied slots toward the front, the "swap-to-front"
// fairness bias of spec.md §4.8/§5.
func compact(h *half) {
	write := 0
	for read := 0; read < len(h.sessions); read++ {
		if h.sessions[read] != nil {
			h.sessions[write], h.sessions[read] = h.sessions[read], h.sessions[write]
			write++
		}
	}
}

func (w *Worker) trackLoad(serviced int) {
	w.acc += uint64(serviced)
	if w.loopCount == 0 || serviced < w.minLoop {
		w.minLoop = serviced
	}
	if serviced > w.maxLoop {
		w.maxLoop = serviced
	}
	w.loopCount++
	if w.loopCount%ewmaLoopWindow == 0 {
		w.ewma = uint32((uint64(w.ewma) + 256*w.acc/ewmaLoopWindow) / 2)
		w.log.Debug("load window", "ewma", w.ewma, "min", w.minLoop, "max", w.maxLoop)
		w.acc = 0
		w.minLoop, w.maxLoop = 0, 0
	}
}

// Load returns the fixed-point (scale 256) EWMA "contexts serviced per
// loop" estimate.
func (w *Worker) Load() uint32 { return w.ewma }

// Idle reports whether this worker currently has no assigned sessions.
func (w *Worker) Idle() bool {
	for _, h := range w.halves {
		h.mu.Lock()
		empty := !hasAny(h)
		h.mu.Unlock()
		if !empty {
			return false
		}
	}
	return true
}

func hasAny(h *half) bool {
	for _, s := range h.sessions {
		if s != nil {
			return true
		}
	}
	return false
}

// WaitIdle blocks until a session is assigned, Wake is called, or
// Shutdown is requested.
func (w *Worker) WaitIdle() {
	w.condMu.Lock()
	defer w.condMu.Unlock()
	for w.Idle() && !w.shuttingDown {
		w.cond.Wait()
	}
}

// WaitFDs collects the distinct, valid completion-queue wait
// descriptors of every currently assigned session's connection, for
// the "-w" epoll outer-loop path (spec.md §6). A provider with no wait
// fd (like loopback) contributes nothing, so the caller falls back to
// the poll-set/condvar wait when the result is empty.
func (w *Worker) WaitFDs() []int {
	seen := make(map[int]bool)
	var fds []int
	for _, h := range w.halves {
		h.mu.Lock()
		for _, s := range h.sessions {
			if s == nil {
				continue
			}
			if fd, ok := s.Conn.WaitFD(); ok && !seen[fd] {
				seen[fd] = true
				fds = append(fds, fd)
			}
		}
		h.mu.Unlock()
	}
	return fds
}

// Wake signals any goroutine blocked in WaitIdle — the dedicated
// wakeup delivered after new session assignment (spec.md §5), modeled
// here as a condition-variable signal rather than pthread_kill since
// this worker runs on a goroutine, not a raw OS thread wait.
func (w *Worker) Wake() {
	w.condMu.Lock()
	w.cond.Signal()
	w.condMu.Unlock()
}

// Shutdown marks the worker as shutting down and wakes it.
func (w *Worker) Shutdown() {
	w.condMu.Lock()
	w.shuttingDown = true
	w.cond.Broadcast()
	w.condMu.Unlock()
}

// ShuttingDown reports whether Shutdown has been called.
func (w *Worker) ShuttingDown() bool { return w.shuttingDown }
