// Package app wires fabric endpoints, connections, and terminals into
// the two CLI personalities of spec.md §6: Get (the fget/receiver
// side) and Put (the fput/sender side). Fabric discovery and initial
// endpoint open/listen are external collaborators (spec.md §1 "out of
// scope"); this package consumes an already-opened (Endpoint,
// CompletionQueue) pair per session through EndpointFactory rather
// than dialing or listening itself, mirroring the teacher's
// pkg/network.Network, which drives nodes over whatever pkg/can.Bus
// the caller already constructed.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fabtransfer/fabxfer/pkg/buffer"
	"github.com/fabtransfer/fabxfer/pkg/conn"
	"github.com/fabtransfer/fabxfer/pkg/fabric"
	"github.com/fabtransfer/fabxfer/pkg/pool"
	"github.com/fabtransfer/fabxfer/pkg/session"
	"github.com/fabtransfer/fabxfer/pkg/terminal"
)

// EndpointFactory supplies one connected (endpoint, completion-queue)
// pair per session index. A real deployment's factory would dial or
// accept against the configured fabric provider; the loopback-backed
// factory in pkg/app/selfcheck.go is the only one this repository ships.
type EndpointFactory func(sessionID int) (fabric.Endpoint, fabric.CompletionQueue, error)

// Config bundles the CLI-surface knobs shared by Get and Put
// (spec.md §6 "External interfaces"): -n, -r, -g (folded into
// RmaMaxSegs by the caller), -p (CPUFirst/CPULast), -w.
type Config struct {
	NSources uint32
	// Provider is used for every session unless ProviderFor is set. A
	// provider's registrations and an endpoint's RDMA writes must share
	// the same underlying domain, which for loopback means the same
	// construction address as the session's Dial pair — ProviderFor
	// exists because that address varies per session.
	Provider     fabric.Provider
	ProviderFor  func(id int) fabric.Provider
	Dial         EndpointFactory
	RmaMaxSegs   int // 0 lets the connection default to the provider's MaxSegs/wire.MaxIOVs; forced to 1 under -g
	Reregister   bool
	QueueDepth   int
	PayloadSize  uint32
	TotalBytes   int64
	Pattern      string // defaults to terminal.DefaultPattern when empty
	SlotsPerHalf int
	CPUFirst     int
	CPULast      int
	UseEpoll     bool
	ExpectCancel bool // -c: a clean exit requires an observed cancellation
	Log          *slog.Logger

	// Cancel, when non-nil, is watched for the duration of the run; its
	// closure (typically from a signal handler relaying SIGHUP/INT/QUIT/
	// TERM, spec.md §6) sets the pool-wide cancellation flag so every
	// worker's next RunOnce call observes it.
	Cancel <-chan struct{}
}

func (c *Config) pattern() string {
	if c.Pattern != "" {
		return c.Pattern
	}
	return terminal.DefaultPattern
}

func (c *Config) payloadSize() uint32 {
	if c.PayloadSize == 0 {
		return 4096
	}
	return c.PayloadSize
}

func (c *Config) totalBytes() int64 {
	if c.TotalBytes > 0 {
		return c.TotalBytes
	}
	return int64(len(c.pattern())) * 100000
}

func (c *Config) providerFor(id int) fabric.Provider {
	if c.ProviderFor != nil {
		return c.ProviderFor(id)
	}
	return c.Provider
}

func (c *Config) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// SessionOutcome reports one session's final disposition.
type SessionOutcome struct {
	ID         int
	Bytes      int64
	Result     conn.Result
	Err        error
	TermFailed bool
}

// Report is the aggregate result of a Get or Put run, sufficient to
// compute the process exit code (spec.md §6).
type Report struct {
	Sessions []SessionOutcome
}

// Failed reports whether any session ended in error, independent of
// cancellation expectations.
func (r *Report) Failed() bool {
	for _, s := range r.Sessions {
		if s.Err != nil || s.TermFailed {
			return true
		}
	}
	return false
}

// AnyCanceled reports whether any session observed cancellation.
func (r *Report) AnyCanceled() bool {
	for _, s := range r.Sessions {
		if s.Result == conn.Canceled {
			return true
		}
	}
	return false
}

// ExitCode implements spec.md §6's exit-code rule: 0 on success; with
// -c, 0 only if cancellation was both expected and observed; 1
// otherwise.
func (r *Report) ExitCode(expectCancel bool) int {
	if r.Failed() {
		return 1
	}
	canceled := r.AnyCanceled()
	if expectCancel {
		if canceled {
			return 0
		}
		return 1
	}
	if canceled {
		return 1
	}
	return 0
}

// outcomeReporter is shared between a session's tracked connection and
// tracked terminal so whichever side first reaches a terminal
// condition (the connection finishing normally, or the terminal
// hitting a byte mismatch) reports exactly once.
type outcomeReporter struct {
	id       int
	reported atomic.Bool
	done     chan<- SessionOutcome
	bytes    func() int64
}

func (o *outcomeReporter) reportConn(res conn.Result, err error) {
	if o.reported.CompareAndSwap(false, true) {
		o.done <- SessionOutcome{ID: o.id, Bytes: o.bytes(), Result: res, Err: err}
	}
}

func (o *outcomeReporter) reportTermFailure(err error) {
	if o.reported.CompareAndSwap(false, true) {
		o.done <- SessionOutcome{ID: o.id, Bytes: o.bytes(), Result: conn.Error, Err: err, TermFailed: true}
	}
}

// trackedConn decorates a conn.Conn so the run loop below can observe
// the step at which a session reaches a terminal Result, without the
// worker pool itself needing to know about session bookkeeping.
type trackedConn struct {
	conn.Conn
	r *outcomeReporter
}

func (t *trackedConn) Loop(cancelled bool) (conn.Result, error) {
	res, err := t.Conn.Loop(cancelled)
	if err != nil || res != conn.Continue {
		t.r.reportConn(res, err)
	}
	return res, err
}

// trackedTerminal decorates a terminal.Terminal so a fatal mismatch
// (spec.md §8 "terminal mismatch") is reported even though the
// connection side may otherwise keep running.
type trackedTerminal struct {
	terminal.Terminal
	r *outcomeReporter
}

func (t *trackedTerminal) Trade(toConn, toTerminal *buffer.Ring) (terminal.Result, error) {
	res, err := t.Terminal.Trade(toConn, toTerminal)
	if err != nil {
		t.r.reportTermFailure(err)
	}
	return res, err
}

// sessionBuild is what a personality-specific builder produces for one
// session index: the connection, the terminal, and a thunk reporting
// terminal-verified byte count.
type sessionBuild struct {
	c     conn.Conn
	t     terminal.Terminal
	bytes func() int64
}

// sessionRings is the pair of FIFOs linking a session's connection and
// terminal (spec.md §2 item 5), handed to build so the connection
// constructor can be wired with the exact rings the session will use.
type sessionRings struct {
	ToConn     *buffer.Ring
	ToTerminal *buffer.Ring
}

// run is the shared orchestration core for Get and Put: build one
// session per index via build, assign all of them to a pool.Pool, and
// collect outcomes until every session reports a terminal result.
func run(cfg Config, build func(id int, ep fabric.Endpoint, cq fabric.CompletionQueue, rings sessionRings) (sessionBuild, error)) (*Report, error) {
	if cfg.NSources == 0 {
		cfg.NSources = 1
	}
	if cfg.Dial == nil {
		return nil, errors.New("app: Config.Dial is required (fabric discovery/open is out of scope for this package)")
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 16
	}

	log := cfg.log()
	p := pool.New(pool.Config{
		SlotsPerHalf: cfg.SlotsPerHalf,
		CPUFirst:     cfg.CPUFirst,
		CPULast:      cfg.CPULast,
		UseEpoll:     cfg.UseEpoll,
		Log:          log,
	})

	if cfg.Cancel != nil {
		go func() {
			<-cfg.Cancel
			p.Cancel()
		}()
	}

	done := make(chan SessionOutcome, cfg.NSources)

	for i := 0; i < int(cfg.NSources); i++ {
		ep, cq, err := cfg.Dial(i)
		if err != nil {
			return nil, fmt.Errorf("app: session %d: open endpoint: %w", i, err)
		}

		rings := sessionRings{
			ToConn:     buffer.NewRingPow2(depth),
			ToTerminal: buffer.NewRingPow2(depth),
		}
		sb, err := build(i, ep, cq, rings)
		if err != nil {
			return nil, fmt.Errorf("app: session %d: build: %w", i, err)
		}

		reporter := &outcomeReporter{id: i, done: done, bytes: sb.bytes}
		tc := &trackedConn{Conn: sb.c, r: reporter}
		tt := &trackedTerminal{Terminal: sb.t, r: reporter}
		s := session.New(i, tc, tt, rings.ToConn, rings.ToTerminal)

		if err := p.Assign(s); err != nil {
			return nil, fmt.Errorf("app: session %d: assign: %w", i, err)
		}
	}

	report := &Report{Sessions: make([]SessionOutcome, 0, cfg.NSources)}
	for i := 0; i < int(cfg.NSources); i++ {
		report.Sessions = append(report.Sessions, <-done)
	}

	p.Shutdown()
	return report, nil
}
