// Package pool implements the worker pool: most-recently-started-first
// session assignment, lazy worker spawn up to a hard maximum, CPU-range
// pinning, and two-phase shutdown (spec.md §4.9).
package pool

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/fabtransfer/fabxfer/pkg/session"
	"github.com/fabtransfer/fabxfer/pkg/worker"
)

// ErrShuttingDown is returned by Assign once Shutdown has begun
// (spec.md §4.9: "Assignment blocks new admissions during shutdown").
var ErrShuttingDown = errors.New("pool: shutting down, no new admissions")

// Config bounds a Pool's worker fleet.
type Config struct {
	MaxWorkers   int // hard cap on spawned workers
	SlotsPerHalf int // session slots per half, per worker (spec.md default: 4, giving S=8)
	CPUFirst     int // inclusive start of the pinning range; CPULast < CPUFirst disables pinning
	CPULast      int
	// UseEpoll selects the "-w" outer-loop wait strategy: epoll over
	// assigned connections' completion-queue wait fds instead of the
	// default poll-set/condvar wait (spec.md §6).
	UseEpoll bool
	Log      *slog.Logger
}

// Pool owns the fleet of Workers and assigns incoming Sessions to them.
type Pool struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	workers  []*worker.Worker // ordered oldest to newest-started
	nextCPU  int
	shutdown bool

	// cancelled is the pool-wide cancellation flag: an atomic bool set
	// from outside (a signal handler, in the CLI binaries) and read
	// cooperatively by every worker's outer loop every iteration
	// (spec.md §5 "Global mutable state ... the cancel flag is the only
	// piece touched from an asynchronous signal").
	cancelled atomic.Bool

	wg sync.WaitGroup
}

// New builds an empty Pool ready to accept Assign calls.
func New(cfg Config) *Pool {
	if cfg.SlotsPerHalf <= 0 {
		cfg.SlotsPerHalf = 4
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 128
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pool{cfg: cfg, log: log, nextCPU: cfg.CPUFirst}
}

// Assign places s on a worker, spawning a new one if needed and
// permitted (spec.md §4.9): walk running workers from most-recently
// started back to least, picking the first whose lock can be taken
// without blocking and which has a free slot; failing that, allocate a
// new worker and retry.
func (p *Pool) Assign(s *session.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return ErrShuttingDown
	}

	for i := len(p.workers) - 1; i >= 0; i-- {
		if p.workers[i].TryAssign(s) {
			return nil
		}
	}

	if len(p.workers) >= p.cfg.MaxWorkers {
		return errors.New("pool: worker fleet at max capacity, no free slot")
	}

	w := p.spawn()
	if !w.TryAssign(s) {
		return errors.New("pool: freshly spawned worker rejected its first session")
	}
	return nil
}

// spawn starts one worker goroutine, pinned round-robin across the
// configured CPU range, and adds it to the fleet. Caller holds p.mu.
func (p *Pool) spawn() *worker.Worker {
	id := len(p.workers)
	w := worker.New(id, p.cfg.SlotsPerHalf, p.log)
	p.workers = append(p.workers, w)

	cpu := -1
	if p.cfg.CPULast >= p.cfg.CPUFirst {
		span := p.cfg.CPULast - p.cfg.CPUFirst + 1
		cpu = p.cfg.CPUFirst + p.nextCPU%span
		p.nextCPU++
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		runWorker(w, cpu, p.cfg.UseEpoll, &p.cancelled, p.log)
	}()
	return w
}

// Cancel sets the pool-wide cancellation flag, observed by every
// worker's next RunOnce call. Idempotent and safe to call from a
// signal handler.
func (p *Pool) Cancel() { p.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (p *Pool) Cancelled() bool { return p.cancelled.Load() }

// runWorker drives one worker's outer loop on its own goroutine, pinned
// to an OS thread for the lifetime of the worker so CPU affinity holds
// (spec.md §5: "parallel OS threads ... each single-threadedly
// cooperative").
func runWorker(w *worker.Worker, cpu int, useEpoll bool, cancelled *atomic.Bool, log *slog.Logger) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pinToCPU(w.ID(), cpu, log)

	var waiter *fdWaiter
	if useEpoll {
		if fw, err := newFdWaiter(); err == nil {
			waiter = fw
			defer waiter.close()
		} else {
			log.Warn("falling back to poll-set wait, epoll unavailable", "worker", w.ID(), "err", err)
		}
	}

	for {
		_, anySessions := w.RunOnce(cancelled.Load())
		if anySessions {
			continue
		}
		if w.ShuttingDown() {
			return
		}
		if waiter != nil {
			if fds := w.WaitFDs(); len(fds) > 0 {
				waiter.wait(fds, 50)
				continue
			}
		}
		w.WaitIdle()
		if w.ShuttingDown() && w.Idle() {
			return
		}
	}
}

// Shutdown implements the pool's two-phase shutdown (spec.md §4.9):
// suspend new admissions, wait for every worker to idle, then signal
// and join all of them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	workers := append([]*worker.Worker(nil), p.workers...)
	p.mu.Unlock()

	for _, w := range workers {
		w.Shutdown()
	}
	p.wg.Wait()
}

// Workers returns a snapshot of the current worker fleet, for
// diagnostics and tests.
func (p *Pool) Workers() []*worker.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*worker.Worker(nil), p.workers...)
}
