package conn

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/fabtransfer/fabxfer/pkg/buffer"
	"github.com/fabtransfer/fabxfer/pkg/fabric"
	"github.com/fabtransfer/fabxfer/pkg/wire"
)

type sendState uint8

const (
	sendInitialSend sendState = iota
	sendAwaitingAck
	sendStarting
	sendRunning
	sendTerminating
)

// writeEntry is one accounting record on the write-posted FIFO: either
// a whole (unfragmented) payload buffer, or a synthetic fragment
// sharing its parent's registration (spec §4.6, §9 "Fragment headers").
type writeEntry struct {
	hdr        *buffer.Header
	isFragment bool
}

// Sender is the client-side connection variant: an RDMA initiator that
// adaptively fragments payload writes across the receiver's advertised
// scatter-gather vectors (spec §4.5, §4.6).
type Sender struct {
	log  *log.Entry
	ep   fabric.Endpoint
	cq   fabric.CompletionQueue
	prov fabric.Provider
	ks   *fabric.Keysource

	sessionID  int
	nsources   uint32
	maxRmaSegs int
	reregister bool
	ownAddr    []byte

	state     sendState
	sentFirst bool
	rcvdAck   bool

	initialTx  *TxControl
	ackRx      *RxControl
	vectorRx   *RxControl
	progressTx *TxControl

	payloadPool *buffer.Pool
	ackPool     *buffer.Pool
	vectorPool  *buffer.Pool

	readyForConn     *buffer.Ring // filled payload awaiting RDMA write (source fills this)
	readyForTerminal *buffer.Ring // drained payload buffers returned to the source

	// riov is the residual, unconsumed tail of the receiver's most
	// recently unloaded vector advertisement: a single scratch slice
	// plus implicit residual rather than the source's two-array phase
	// flip (spec §9 design notes).
	riov []wire.IOV

	// vecRcvdQueue holds vector-rx buffers that arrived but have not
	// yet been unloaded into riov.
	vecRcvdQueue []*buffer.Header

	writePosted []writeEntry
	batchLens   []int

	fragmentOffset uint64
	bytesProgress  uint64

	eofLocal, eofRemote bool

	cancelled    bool
	cancelIssued bool
}

// SenderConfig bundles what NewSender needs beyond the endpoint/queue
// pair.
type SenderConfig struct {
	SessionID    int
	NSources     uint32
	MaxRmaSegs   int // capped to 1 under -g contiguous-writes mode
	Provider     fabric.Provider
	Keysource    *fabric.Keysource
	Reregister   bool
	QueueDepth   int
	PayloadSize  uint32
	ReadyForConn *buffer.Ring
	ReadyForTerm *buffer.Ring
}

// NewSender builds a Sender bound to ep/cq, ready to begin the
// initial-send state.
func NewSender(ep fabric.Endpoint, cq fabric.CompletionQueue, cfg SenderConfig) *Sender {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 16
	}
	maxSegs := cfg.MaxRmaSegs
	if maxSegs <= 0 && cfg.Provider != nil {
		maxSegs = cfg.Provider.MaxSegs()
	}
	if maxSegs <= 0 || maxSegs > wire.MaxIOVs {
		maxSegs = wire.MaxIOVs
	}

	pool := buffer.NewPool(cfg.PayloadSize)
	pool.Grow(depth)
	ackPool := buffer.NewPool(wire.AckSize)
	ackPool.Grow(2)
	vectorPool := buffer.NewPool(wire.VectorSize)
	vectorPool.Grow(depth)

	return &Sender{
		log:              newLogger("sender", cfg.SessionID),
		ep:               ep,
		cq:               cq,
		prov:             cfg.Provider,
		ks:               cfg.Keysource,
		sessionID:        cfg.SessionID,
		nsources:         cfg.NSources,
		maxRmaSegs:       maxSegs,
		reregister:       cfg.Reregister,
		initialTx:        NewTxControl(ep, 2, wire.InitialSize),
		ackRx:            NewRxControl(ep, 2),
		vectorRx:         NewRxControl(ep, depth),
		progressTx:       NewTxControl(ep, depth, wire.ProgressSize),
		payloadPool:      pool,
		ackPool:          ackPool,
		vectorPool:       vectorPool,
		readyForConn:     cfg.ReadyForConn,
		readyForTerminal: cfg.ReadyForTerm,
	}
}

func (s *Sender) Close() error { return s.ep.Close() }

// WaitFD delegates to the sender's completion queue.
func (s *Sender) WaitFD() (int, bool) { return s.cq.WaitFD() }

// Loop runs one scheduling step (spec §4.5).
func (s *Sender) Loop(cancelRequested bool) (Result, error) {
	if cancelRequested && !s.cancelIssued {
		s.cancelIssued = true
		s.cancelled = true
		s.vectorRx.Cancel()
		s.ackRx.Cancel()
		s.log.Warn("cancellation requested, draining posted queues")
	}

	switch s.state {
	case sendInitialSend:
		return s.stepInitialSend()
	case sendAwaitingAck:
		return s.stepAwaitingAck()
	case sendStarting:
		return s.stepStarting()
	case sendRunning:
		return s.stepRunning()
	case sendTerminating:
		return s.stepTerminating()
	default:
		return Error, errors.New("conn: sender in unknown state")
	}
}

func (s *Sender) stepInitialSend() (Result, error) {
	if s.sentFirst {
		s.state = sendAwaitingAck
		return Continue, nil
	}

	name, err := s.ep.GetName()
	if err != nil {
		return Error, abort(AbortUnexpectedCompletion, err)
	}
	s.ownAddr = name

	h := s.initialTx.Acquire()
	if h == nil {
		return Continue, nil
	}
	msg := wire.Initial{
		NSources: s.nsources,
		ID:       uint32(s.sessionID),
		AddrLen:  uint32(len(name)),
	}
	copy(msg.Addr[:], name)
	n, err := msg.MarshalTo(h.Data)
	if err != nil {
		return Error, abort(AbortMalformedVector, err)
	}
	h.Used = uint32(n)
	h.Context.Kind = buffer.KindInitial
	if err := s.initialTx.Ready.Put(h); err != nil {
		return Error, err
	}
	if err := s.initialTx.Transmit(); err != nil {
		if errors.Is(err, fabric.ErrTryAgain) {
			return Continue, nil
		}
		return Error, err
	}

	ackH := s.ackPool.Get()
	if ackH == nil {
		return Error, errors.New("conn: sender ack pool exhausted posting ack recv")
	}
	ackH.Context.Kind = buffer.KindAck
	if err := s.ackRx.Post(ackH); err != nil {
		return Error, err
	}

	s.sentFirst = true
	s.log.Info("sent initial handshake")
	s.state = sendAwaitingAck
	return Continue, nil
}

func (s *Sender) stepAwaitingAck() (Result, error) {
	comp, err := s.cq.Read()
	if errors.Is(err, fabric.ErrTryAgain) {
		return Continue, nil
	}
	if err != nil {
		return Error, err
	}
	if errors.Is(comp.Err, fabric.ErrCanceled) {
		return Continue, nil
	}
	if comp.Err != nil {
		return Error, abort(AbortUnexpectedCompletion, comp.Err)
	}

	switch comp.Ctx.Kind {
	case buffer.KindInitial:
		return Continue, nil // initial-tx completion: ignore
	case buffer.KindAck:
		h, err := s.ackRx.Complete(comp)
		if err != nil {
			return Error, err
		}
		var msg wire.Ack
		if err := msg.Unmarshal(h.Data[:h.Used]); err != nil {
			return Error, abort(AbortMalformedVector, err)
		}
		s.ackPool.Put(h)

		for i := 0; i < s.vectorRx.posted.Cap(); i++ {
			vh := s.vectorPool.Get()
			if vh == nil {
				break
			}
			vh.Context.Kind = buffer.KindVector
			if err := s.vectorRx.Post(vh); err != nil {
				return Error, err
			}
		}

		s.rcvdAck = true
		s.log.Info("received ack, posted vector receive batch")
		s.state = sendStarting
		return Continue, nil
	default:
		return Error, abort(AbortUnexpectedCompletion, errors.New("conn: sender got unexpected completion awaiting ack"))
	}
}

func (s *Sender) stepStarting() (Result, error) {
	for {
		h := s.payloadPool.Get()
		if h == nil {
			break
		}
		if err := s.readyForTerminal.Put(h); err != nil {
			break
		}
	}
	s.state = sendRunning
	s.log.Info("starting complete, entering running state")
	return Continue, nil
}

func (s *Sender) stepRunning() (Result, error) {
	if err := s.drainCompletion(); err != nil {
		return Error, err
	}
	if err := s.vecbufUnload(); err != nil {
		return Error, err
	}
	if err := s.targetsWrite(); err != nil {
		return Error, err
	}
	if err := s.progressUpdate(); err != nil {
		return Error, err
	}
	if err := s.progressTx.Transmit(); err != nil && !errors.Is(err, fabric.ErrTryAgain) {
		return Error, err
	}

	if s.readyForConn.EOPut() && !s.readyForConn.IsGetClosed() {
		// Source has finished producing and the connection has
		// drained everything it ever will; mark our own consumption
		// of readyForConn closed (spec Open Question: the sender owns
		// this close, not the source).
		s.readyForConn.GetClose()
	}

	if s.readyForConn.IsGetClosed() && len(s.writePosted) == 0 && s.bytesProgress == 0 && s.eofLocal {
		if s.eofRemote && s.progressTx.PostedEmpty() {
			s.state = sendTerminating
		}
	}
	return Continue, nil
}

func (s *Sender) stepTerminating() (Result, error) {
	if !s.vectorRx.Empty() || !s.ackRx.Empty() || !s.progressTx.PostedEmpty() {
		return Continue, nil
	}
	if err := s.ep.Close(); err != nil {
		return Error, err
	}
	if s.cancelled {
		s.log.Info("connection canceled and drained")
		return Canceled, nil
	}
	s.log.Info("connection closed cleanly")
	return End, nil
}

func (s *Sender) drainCompletion() error {
	comp, err := s.cq.Read()
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
	case buffer.KindVector:
		h, err := s.vectorRx.Complete(comp)
		if err != nil {
			return err
		}
		s.vecRcvdQueue = append(s.vecRcvdQueue, h)
		return nil
	case buffer.KindRDMAWrite, buffer.KindFragment:
		return s.completeWriteBatch()
	case buffer.KindProgress:
		_, err := s.progressTx.Complete(comp)
		return err
	case buffer.KindInitial:
		return nil
	default:
		return abort(AbortUnexpectedCompletion, errors.New("conn: sender got unexpected completion kind"))
	}
}

// completeWriteBatch pops the front batch's entries off writePosted,
// decrementing fragment children and retiring drained parents in
// order (spec §4.5 item 4, §3 "Invariants").
func (s *Sender) completeWriteBatch() error {
	if len(s.batchLens) == 0 {
		return abort(AbortUnexpectedCompletion, ErrContextMismatch)
	}
	n := s.batchLens[0]
	s.batchLens = s.batchLens[1:]

	batch := s.writePosted[:n]
	s.writePosted = s.writePosted[n:]

	for _, e := range batch {
		if e.isFragment {
			e.hdr.Context.Parent.Context.NChildren--
		}
	}

	for _, front := range batch {
		if front.isFragment || front.hdr.Context.NChildren != 0 {
			continue
		}
		if s.reregister {
			if err := s.prov.Deregister(fabric.MemoryRegion{Key: front.hdr.RegKey}); err != nil {
				return abort(AbortRegistration, err)
			}
			front.hdr.RegKey = 0
		}
		if err := s.readyForTerminal.Put(front.hdr); err != nil {
			return err
		}
	}
	return nil
}

// vecbufUnload decomposes a received vector message into the residual
// riov once the previous residual has been fully consumed (spec §4.5
// item 4, xmtr_vecbuf_unload).
func (s *Sender) vecbufUnload() error {
	for len(s.riov) == 0 && len(s.vecRcvdQueue) > 0 {
		h := s.vecRcvdQueue[0]
		s.vecRcvdQueue = s.vecRcvdQueue[1:]

		var msg wire.Vector
		if err := msg.Unmarshal(h.Data[:h.Used]); err != nil {
			return abort(AbortMalformedVector, err)
		}
		if msg.Done() {
			s.eofRemote = true
		} else {
			s.riov = append([]wire.IOV(nil), msg.IOVs[:msg.NIOVs]...)
		}

		h.Context.Kind = buffer.KindVector
		if err := s.vectorRx.Post(h); err != nil {
			return err
		}
	}
	return nil
}

// targetsWrite implements xmtr_targets_write (spec §4.6): the adaptive
// fragmentation algorithm.
func (s *Sender) targetsWrite() error {
	if len(s.riov) == 0 {
		return nil
	}
	maxriovs := s.maxRmaSegs
	if maxriovs > len(s.riov) {
		maxriovs = len(s.riov)
	}
	var maxbytes uint64
	for i := 0; i < maxriovs; i++ {
		maxbytes += s.riov[i].Len
	}
	if maxbytes == 0 {
		return nil
	}

	var localRegions []fabric.MemoryRegion
	var remoteSegs []fabric.RemoteSegment
	var batch []writeEntry
	var total uint64

	for total < maxbytes {
		head, ok := s.readyForConn.Peek()
		if !ok {
			break
		}
		if head.RegKey == 0 {
			mr, err := s.prov.Register(fabric.Segment{Data: head.Data}, fabric.AccessRead)
			if err != nil {
				return abort(AbortRegistration, err)
			}
			head.RegKey = mr.Key
			head.Handle = mr.Handle
			head.Desc = mr.Desc
		}

		lenRemainingInHead := uint64(head.Used) - s.fragmentOffset
		remainingWindow := maxbytes - total
		if lenRemainingInHead > remainingWindow {
			if len(s.riov) < s.maxRmaSegs {
				break // more advertisements may arrive; wait
			}
			n := remainingWindow
			data := head.Data[s.fragmentOffset : s.fragmentOffset+n]
			frag := &buffer.Header{Data: data, Used: uint32(n), RegKey: head.RegKey, Handle: head.Handle, Desc: head.Desc}
			frag.Context.Kind = buffer.KindFragment
			frag.Context.Parent = head
			head.Context.NChildren++

			// n may span more than one advertised remote segment (spec
			// §4.6 "a matching remote iov ... up to maxriovs entries"), so
			// consume riov entries one at a time until n bytes are
			// covered, pairing each with the matching local split.
			var covered uint64
			for covered < n {
				seg := s.consumeFrontRiov(n - covered)
				localRegions = append(localRegions, fabric.MemoryRegion{Handle: data[covered : covered+seg.Len]})
				remoteSegs = append(remoteSegs, seg)
				covered += seg.Len
			}
			batch = append(batch, writeEntry{hdr: frag, isFragment: true})

			s.fragmentOffset += n
			total += n
			continue
		}

		n := lenRemainingInHead
		data := head.Data[s.fragmentOffset : s.fragmentOffset+n]
		var covered uint64
		for covered < n {
			seg := s.consumeFrontRiov(n - covered)
			localRegions = append(localRegions, fabric.MemoryRegion{Handle: data[covered : covered+seg.Len]})
			remoteSegs = append(remoteSegs, seg)
			covered += seg.Len
		}
		s.fragmentOffset = 0
		total += n

		s.readyForConn.Get()
		head.Context.Kind = buffer.KindRDMAWrite
		batch = append(batch, writeEntry{hdr: head, isFragment: false})
	}

	if len(batch) == 0 {
		return nil
	}
	batch[0].hdr.Context.Placement |= buffer.PlaceFirst
	batch[len(batch)-1].hdr.Context.Placement |= buffer.PlaceLast

	err := s.ep.WriteMsg(localRegions, remoteSegs, &batch[0].hdr.Context, fabric.FlagDeliveryComplete|fabric.FlagCompletion)
	if errors.Is(err, fabric.ErrTryAgain) {
		s.log.Warn("write back-pressure, will retry next loop")
		return nil
	}
	if err != nil {
		return err
	}

	s.writePosted = append(s.writePosted, batch...)
	s.batchLens = append(s.batchLens, len(batch))
	s.bytesProgress += total
	return nil
}

// consumeFrontRiov takes up to n bytes off the front of the residual
// riov, trimming or dropping that entry once exhausted. The returned
// segment's Len is capped to the front entry's remaining length, so a
// caller wanting to cover more than one entry's worth of bytes must
// call this in a loop (spec §4.6 "a matching remote iov ... up to
// maxriovs entries") rather than assume a single call covers n.
func (s *Sender) consumeFrontRiov(n uint64) fabric.RemoteSegment {
	iov := &s.riov[0]
	take := n
	if take > iov.Len {
		take = iov.Len
	}
	seg := fabric.RemoteSegment{Offset: iov.Addr, Len: take, Key: iov.Key}
	iov.Addr += take
	iov.Len -= take
	if iov.Len == 0 {
		s.riov = s.riov[1:]
	}
	return seg
}

// progressUpdate implements xmtr_progress_update (spec §4.5 item 4).
func (s *Sender) progressUpdate() error {
	localDone := s.readyForConn.IsGetClosed() && len(s.writePosted) == 0
	if s.bytesProgress == 0 && !(localDone && !s.eofLocal) {
		return nil
	}
	h := s.progressTx.Acquire()
	if h == nil {
		return nil
	}
	nleftover := uint64(1)
	if localDone {
		nleftover = 0
	}
	msg := wire.Progress{NFilled: s.bytesProgress, NLeftover: nleftover}
	n, err := msg.MarshalTo(h.Data)
	if err != nil {
		return abort(AbortMalformedVector, err)
	}
	h.Used = uint32(n)
	h.Context.Kind = buffer.KindProgress
	if err := s.progressTx.Ready.Put(h); err != nil {
		return err
	}
	s.bytesProgress = 0
	if nleftover == 0 {
		s.eofLocal = true
		s.log.Info("sent final progress report, local EOF")
	}
	return nil
}
