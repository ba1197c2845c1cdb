// Package loopback is an in-process fabric provider used by the
// self-check test suite (spec §9 "self-test mode"): two endpoints
// paired in the same process exchange messages through mutex-guarded
// queues and
// satisfy RDMA writes by copying directly into the peer's registered
// memory, the same role the teacher's pkg/can/virtual bus plays for
// CANopen integration tests (a loopback transport with no real wire).
package loopback

import (
	"errors"
	"sync"

	"github.com/fabtransfer/fabxfer/pkg/buffer"
	"github.com/fabtransfer/fabxfer/pkg/fabric"
)

func init() {
	fabric.RegisterProvider("loopback", func(address string) (fabric.Provider, error) {
		return NewProvider(address, defaultMaxSegs), nil
	})
}

const defaultMaxSegs = 12

var (
	domainsMu sync.Mutex
	domains   = make(map[string]*domain)
)

// domain is the shared memory space two endpoints opened against the
// same address see each other through: registrations made by either
// side are visible to a peer's WriteMsg by key lookup.
type domain struct {
	mu      sync.Mutex
	regions map[uint64][]byte
}

func domainFor(address string) *domain {
	domainsMu.Lock()
	defer domainsMu.Unlock()
	d, ok := domains[address]
	if !ok {
		d = &domain{regions: make(map[uint64][]byte)}
		domains[address] = d
	}
	return d
}

// Provider is the loopback fabric.Provider implementation.
type Provider struct {
	address string
	maxSegs int
	dom     *domain
	ks      fabric.Keysource
}

// NewProvider constructs a loopback provider bound to address's shared
// domain. Two providers opened with the same address see each other's
// registrations.
func NewProvider(address string, maxSegs int) *Provider {
	return &Provider{address: address, maxSegs: maxSegs, dom: domainFor(address)}
}

func (p *Provider) Name() string                { return "loopback" }
func (p *Provider) MaxSegs() int                { return p.maxSegs }
func (p *Provider) RequiresVirtualAddress() bool { return false }

func (p *Provider) Register(seg fabric.Segment, flags fabric.AccessFlags) (fabric.MemoryRegion, error) {
	key := p.ks.Next()
	p.dom.mu.Lock()
	p.dom.regions[key] = seg.Data
	p.dom.mu.Unlock()
	return fabric.MemoryRegion{Handle: seg.Data, Key: key}, nil
}

func (p *Provider) Deregister(mr fabric.MemoryRegion) error {
	p.dom.mu.Lock()
	delete(p.dom.regions, mr.Key)
	p.dom.mu.Unlock()
	return nil
}

// pendingSend is a message queued on the receiving side's inbox before
// a matching RecvMsg has been posted.
type pendingSend struct {
	data []byte
	ctx  *buffer.Context // sender's ctx, completed once matched
}

// pendingRecv is a posted receive waiting for a message to arrive.
type pendingRecv struct {
	buf []byte
	ctx *buffer.Context
}

// Endpoint is one side of an in-process loopback pair.
type Endpoint struct {
	name []byte
	dom  *domain
	cq   *CompletionQueue

	peerMu *sync.Mutex // shared lock protecting both sides' queues
	peer   *Endpoint

	recvQ []pendingRecv
	sendQ []pendingSend

	closed bool
}

// NewPair creates two endpoints bound to address's shared domain and
// wired to each other, plus one completion queue per side. This is the
// loopback package's substitute for fabric discovery and endpoint
// open/listen, which spec.md places out of scope for the core proper.
func NewPair(address string, maxSegs int) (a, b fabric.Endpoint, cqA, cqB fabric.CompletionQueue) {
	dom := domainFor(address)
	lock := &sync.Mutex{}

	epA := &Endpoint{name: []byte(address + "#a"), dom: dom, cq: newCQ(), peerMu: lock}
	epB := &Endpoint{name: []byte(address + "#b"), dom: dom, cq: newCQ(), peerMu: lock}
	epA.peer = epB
	epB.peer = epA
	return epA, epB, epA.cq, epB.cq
}

func (e *Endpoint) GetName() ([]byte, error) { return e.name, nil }

func (e *Endpoint) SendMsg(data []byte, ctx *buffer.Context) error {
	cp := append([]byte(nil), data...)

	e.peerMu.Lock()
	defer e.peerMu.Unlock()

	if e.closed {
		return errors.New("loopback: endpoint closed")
	}

	peer := e.peer
	if len(peer.recvQ) > 0 {
		req := peer.recvQ[0]
		peer.recvQ = peer.recvQ[1:]
		n := copy(req.buf, cp)
		peer.cq.push(fabric.Completion{Ctx: req.ctx, Len: uint32(n)})
	} else {
		peer.sendQ = append(peer.sendQ, pendingSend{data: cp, ctx: ctx})
	}
	e.cq.push(fabric.Completion{Ctx: ctx, Len: uint32(len(data))})
	return nil
}

func (e *Endpoint) RecvMsg(buf []byte, ctx *buffer.Context) error {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()

	if e.closed {
		return errors.New("loopback: endpoint closed")
	}

	if len(e.sendQ) > 0 {
		msg := e.sendQ[0]
		e.sendQ = e.sendQ[1:]
		n := copy(buf, msg.data)
		e.cq.push(fabric.Completion{Ctx: ctx, Len: uint32(n)})
		return nil
	}
	e.recvQ = append(e.recvQ, pendingRecv{buf: buf, ctx: ctx})
	return nil
}

func (e *Endpoint) WriteMsg(regions []fabric.MemoryRegion, remote []fabric.RemoteSegment, ctx *buffer.Context, flags fabric.WriteFlags) error {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()

	if e.closed {
		return errors.New("loopback: endpoint closed")
	}

	n := len(regions)
	if len(remote) < n {
		n = len(remote)
	}

	var total uint32
	for i := 0; i < n; i++ {
		rs := remote[i]
		e.dom.mu.Lock()
		target, ok := e.dom.regions[rs.Key]
		e.dom.mu.Unlock()
		if !ok {
			e.cq.push(fabric.Completion{Ctx: ctx, Err: errors.New("loopback: unknown remote key")})
			return nil
		}
		src, _ := regions[i].Handle.([]byte)
		end := rs.Offset + rs.Len
		if uint64(len(target)) < end {
			e.cq.push(fabric.Completion{Ctx: ctx, Err: errors.New("loopback: remote write out of bounds")})
			return nil
		}
		written := copy(target[rs.Offset:end], src)
		total += uint32(written)
	}

	if flags&fabric.FlagCompletion != 0 || flags&fabric.FlagDeliveryComplete != 0 || flags == 0 {
		e.cq.push(fabric.Completion{Ctx: ctx, Len: total})
	}
	return nil
}

func (e *Endpoint) CancelAll() {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	for _, r := range e.recvQ {
		e.cq.push(fabric.Completion{Ctx: r.ctx, Err: fabric.ErrCanceled})
	}
	e.recvQ = nil
	e.sendQ = nil
}

func (e *Endpoint) Close() error {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	e.closed = true
	return nil
}

// CompletionQueue is a mutex-guarded, slice-backed
// fabric.CompletionQueue. It has no
// wait fd: loopback only supports the poll-set ("-w" off) path.
type CompletionQueue struct {
	mu   sync.Mutex
	done []fabric.Completion
}

func newCQ() *CompletionQueue { return &CompletionQueue{} }

func (c *CompletionQueue) push(comp fabric.Completion) {
	c.mu.Lock()
	c.done = append(c.done, comp)
	c.mu.Unlock()
}

func (c *CompletionQueue) Read() (fabric.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.done) == 0 {
		return fabric.Completion{}, fabric.ErrTryAgain
	}
	comp := c.done[0]
	c.done = c.done[1:]
	return comp, nil
}

func (c *CompletionQueue) WaitFD() (int, bool) { return 0, false }
