package conn

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/fabtransfer/fabxfer/pkg/buffer"
	"github.com/fabtransfer/fabxfer/pkg/fabric"
	"github.com/fabtransfer/fabxfer/pkg/wire"
)

type recvState uint8

const (
	recvPreAck recvState = iota
	recvStarting
	recvRunning
	recvTerminating
)

// Receiver is the server-side connection variant: an RDMA target that
// advertises scatter-gather buffers and verifies the sender's writes
// land in full (spec §4.4).
type Receiver struct {
	log  *log.Entry
	ep   fabric.Endpoint
	cq   fabric.CompletionQueue
	prov fabric.Provider
	ks   *fabric.Keysource

	sessionID int
	nsources  uint32

	state      recvState
	sentFirst  bool
	reregister bool

	ackTx      *TxControl
	progressRx *RxControl
	vectorTx   *TxControl

	payloadPool  *buffer.Pool
	progressPool *buffer.Pool

	// readyForConn and readyForTerminal are the session's two FIFOs
	// (spec §2 item 5): for a receiver, readyForConn carries empty
	// buffers waiting to be advertised, and readyForTerminal carries
	// filled buffers handed off for verification.
	readyForConn     *buffer.Ring
	readyForTerminal *buffer.Ring

	// targetsPosted is the RDMA-targets-posted FIFO, drained in
	// issuance order as progress reports arrive (spec §4.4 item 3,
	// rcvr_targets_read).
	targetsPosted *buffer.Ring

	nfull uint64 // bytes reported filled, not yet consumed against targets

	eofLocal, eofRemote bool

	cancelled    bool
	cancelIssued bool
}

// ReceiverConfig bundles what NewReceiver needs beyond the fabric
// endpoint/queue pair.
type ReceiverConfig struct {
	SessionID    int
	NSources     uint32
	Provider     fabric.Provider
	Keysource    *fabric.Keysource
	Reregister   bool
	QueueDepth   int
	PayloadSize  uint32
	ReadyForConn *buffer.Ring
	ReadyForTerm *buffer.Ring
}

// NewReceiver builds a Receiver bound to ep/cq, ready to begin the
// pre-ack state.
func NewReceiver(ep fabric.Endpoint, cq fabric.CompletionQueue, cfg ReceiverConfig) *Receiver {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 16
	}
	pool := buffer.NewPool(cfg.PayloadSize)
	pool.Grow(depth)
	progressPool := buffer.NewPool(wire.ProgressSize)
	progressPool.Grow(depth)

	return &Receiver{
		log:              newLogger("receiver", cfg.SessionID),
		ep:               ep,
		cq:               cq,
		prov:             cfg.Provider,
		ks:               cfg.Keysource,
		sessionID:        cfg.SessionID,
		nsources:         cfg.NSources,
		reregister:       cfg.Reregister,
		ackTx:            NewTxControl(ep, 2, wire.AckSize),
		progressRx:       NewRxControl(ep, depth),
		vectorTx:         NewTxControl(ep, depth, wire.VectorSize),
		payloadPool:      pool,
		progressPool:     progressPool,
		readyForConn:     cfg.ReadyForConn,
		readyForTerminal: cfg.ReadyForTerm,
		targetsPosted:    buffer.NewRingPow2(depth),
	}
}

func (r *Receiver) Close() error { return r.ep.Close() }

// WaitFD delegates to the receiver's completion queue.
func (r *Receiver) WaitFD() (int, bool) { return r.cq.WaitFD() }

// Loop runs one scheduling step (spec §4.4).
func (r *Receiver) Loop(cancelRequested bool) (Result, error) {
	if cancelRequested && !r.cancelIssued {
		r.cancelIssued = true
		r.cancelled = true
		r.progressRx.Cancel()
		r.log.Warn("cancellation requested, draining posted queues")
	}

	switch r.state {
	case recvPreAck:
		return r.stepPreAck()
	case recvStarting:
		return r.stepStarting()
	case recvRunning:
		return r.stepRunning()
	case recvTerminating:
		return r.stepTerminating()
	default:
		return Error, errors.New("conn: receiver in unknown state")
	}
}

func (r *Receiver) stepPreAck() (Result, error) {
	if r.sentFirst {
		r.state = recvStarting
		return Continue, nil
	}
	h := r.ackTx.Acquire()
	if h == nil {
		return Continue, nil
	}
	name, err := r.ep.GetName()
	if err != nil {
		return Error, abort(AbortUnexpectedCompletion, err)
	}
	msg := wire.Ack{AddrLen: uint32(len(name))}
	copy(msg.Addr[:], name)
	n, err := msg.MarshalTo(h.Data)
	if err != nil {
		return Error, abort(AbortMalformedVector, err)
	}
	h.Used = uint32(n)
	h.Context.Kind = buffer.KindAck
	if err := r.ackTx.Ready.Put(h); err != nil {
		return Error, err
	}
	if err := r.ackTx.Transmit(); err != nil {
		if errors.Is(err, fabric.ErrTryAgain) {
			return Continue, nil
		}
		return Error, err
	}
	r.sentFirst = true
	r.log.Info("sent ack")
	r.state = recvStarting
	return Continue, nil
}

func (r *Receiver) stepStarting() (Result, error) {
	for i := 0; i < r.progressRx.posted.Cap(); i++ {
		h := r.progressPool.Get()
		if h == nil {
			break
		}
		h.Context.Kind = buffer.KindProgress
		h.Used = wire.ProgressSize
		if err := r.progressRx.Post(h); err != nil {
			return Error, err
		}
	}

	for {
		h := r.payloadPool.Get()
		if h == nil {
			break
		}
		h.Used = h.Allocated
		if err := r.readyForConn.Put(h); err != nil {
			break
		}
	}

	r.state = recvRunning
	r.log.Info("starting complete, entering running state")
	return Continue, nil
}

func (r *Receiver) stepRunning() (Result, error) {
	if err := r.drainCompletion(); err != nil {
		return Error, err
	}
	if err := r.vectorUpdate(); err != nil {
		return Error, err
	}
	if err := r.vectorTx.Transmit(); err != nil && !errors.Is(err, fabric.ErrTryAgain) {
		return Error, err
	}
	if err := r.targetsRead(); err != nil {
		return Error, err
	}

	if r.readyForTerminal.IsGetClosed() && r.eofLocal && r.eofRemote && r.targetsPosted.Empty() {
		r.state = recvTerminating
	}
	return Continue, nil
}

func (r *Receiver) stepTerminating() (Result, error) {
	if !r.progressRx.Empty() || !r.vectorTx.PostedEmpty() {
		return Continue, nil
	}
	if err := r.ep.Close(); err != nil {
		return Error, err
	}
	if r.cancelled {
		r.log.Info("connection canceled and drained")
		return Canceled, nil
	}
	r.log.Info("connection closed cleanly")
	return End, nil
}

// drainCompletion reads and dispatches at most one completion by
// context kind (spec §4.4 item 3).
func (r *Receiver) drainCompletion() error {
	comp, err := r.cq.Read()
	if errors.Is(err, fabric.ErrTryAgain) {
		return nil
	}
	if err != nil {
		return err
	}
	if errors.Is(comp.Err, fabric.ErrCanceled) {
		return nil
	}
	if comp.Err != nil {
		return abort(AbortUnexpectedCompletion, comp.Err)
	}

	switch comp.Ctx.Kind {
	case buffer.KindProgress:
		h, err := r.progressRx.Complete(comp)
		if err != nil {
			return err
		}
		var msg wire.Progress
		if err := msg.Unmarshal(h.Data[:h.Used]); err != nil {
			return abort(AbortMalformedVector, err)
		}
		r.nfull += msg.NFilled
		if msg.Done() {
			r.eofRemote = true
		}
		return r.progressRx.Post(h)
	case buffer.KindVector:
		_, err := r.vectorTx.Complete(comp)
		return err
	case buffer.KindAck:
		_, err := r.ackTx.Complete(comp)
		return err
	default:
		return abort(AbortUnexpectedCompletion, errors.New("conn: receiver got unexpected completion kind"))
	}
}

// vectorUpdate implements rcvr_vector_update: while a vector-tx buffer
// is free and readyForConn is nonempty, batch up to wire.MaxIOVs
// payload buffers into one vector message and record them on
// targetsPosted in advertised order.
func (r *Receiver) vectorUpdate() error {
	for {
		if r.readyForConn.Empty() {
			break
		}
		h := r.vectorTx.Acquire()
		if h == nil {
			break
		}

		var msg wire.Vector
		n := 0
		for n < wire.MaxIOVs {
			target, ok := r.readyForConn.Get()
			if !ok {
				break
			}
			if target.RegKey == 0 {
				mr, err := r.prov.Register(fabric.Segment{Data: target.Data}, fabric.AccessRemoteWrite)
				if err != nil {
					return abort(AbortRegistration, err)
				}
				target.RegKey = mr.Key
				target.Handle = mr.Handle
				target.Desc = mr.Desc
			}
			// Advertised empty: targetsRead fills it from 0 up to Allocated.
			target.Used = 0
			msg.IOVs[n] = wire.IOV{Addr: 0, Len: uint64(target.Allocated), Key: target.RegKey}
			n++
			if err := r.targetsPosted.Put(target); err != nil {
				return err
			}
		}
		msg.NIOVs = uint32(n)

		wn, err := msg.MarshalTo(h.Data)
		if err != nil {
			return abort(AbortMalformedVector, err)
		}
		h.Used = uint32(wn)
		h.Context.Kind = buffer.KindVector
		if err := r.vectorTx.Ready.Put(h); err != nil {
			return err
		}
		r.log.Debugf("advertised vector with %d iovs", n)
	}

	if r.eofRemote && !r.eofLocal {
		h := r.vectorTx.Acquire()
		if h != nil {
			var msg wire.Vector // NIOVs == 0: end of stream
			wn, err := msg.MarshalTo(h.Data)
			if err != nil {
				return abort(AbortMalformedVector, err)
			}
			h.Used = uint32(wn)
			h.Context.Kind = buffer.KindVector
			if err := r.vectorTx.Ready.Put(h); err != nil {
				return err
			}
			r.eofLocal = true
			r.log.Info("advertised end-of-stream vector")
		}
	}
	return nil
}

// targetsRead implements rcvr_targets_read: consume nfull against the
// head of targetsPosted in issuance order; a fully (or, at remote EOF,
// partially) filled target is handed to readyForTerminal.
func (r *Receiver) targetsRead() error {
	for r.nfull > 0 || (r.eofRemote && !r.targetsPosted.Empty()) {
		target, ok := r.targetsPosted.Peek()
		if !ok {
			break
		}

		remaining := uint64(target.Allocated) - uint64(target.Used)
		partial := false
		if remaining > r.nfull {
			if !r.eofRemote {
				break
			}
			target.Used += uint32(r.nfull)
			r.nfull = 0
			partial = true
		} else {
			target.Used = target.Allocated
			r.nfull -= remaining
		}

		r.targetsPosted.Get()
		if r.reregister {
			if err := r.prov.Deregister(fabric.MemoryRegion{Key: target.RegKey}); err != nil {
				return abort(AbortRegistration, err)
			}
			target.RegKey = 0
		}
		if err := r.readyForTerminal.Put(target); err != nil {
			return err
		}
		if partial {
			break
		}
	}
	return nil
}
