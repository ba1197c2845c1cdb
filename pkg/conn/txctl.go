package conn

import (
	"errors"

	"github.com/fabtransfer/fabxfer/pkg/buffer"
	"github.com/fabtransfer/fabxfer/pkg/fabric"
)

// TxControl holds the three FIFOs a transmit side needs (spec §4.3
// "Tx control"): ready (queued to transmit), posted (in flight), and a
// free pool buffers return to on completion.
type TxControl struct {
	ep     fabric.Endpoint
	Ready  *buffer.Ring
	posted *buffer.Ring
	pool   *buffer.Pool
}

// NewTxControl builds a TxControl posting against ep, with ready/posted
// queues of the given capacity and a pool of bufSize-byte buffers.
func NewTxControl(ep fabric.Endpoint, capacity int, bufSize uint32) *TxControl {
	pool := buffer.NewPool(bufSize)
	pool.Grow(capacity)
	return &TxControl{
		ep:     ep,
		Ready:  buffer.NewRingPow2(capacity),
		posted: buffer.NewRingPow2(capacity),
		pool:   pool,
	}
}

// Acquire draws one buffer from the free pool, or nil if exhausted.
func (t *TxControl) Acquire() *buffer.Header { return t.pool.Get() }

// Transmit walks Ready while posted is not full, issuing one send per
// buffer. Provider back-pressure (fabric.ErrTryAgain) stops the loop
// cleanly, leaving the head buffer in Ready for the next call.
func (t *TxControl) Transmit() error {
	for !t.posted.Full() {
		h, ok := t.Ready.Peek()
		if !ok {
			return nil
		}
		err := t.ep.SendMsg(h.Data[:h.Used], &h.Context)
		if errors.Is(err, fabric.ErrTryAgain) {
			return nil
		}
		if err != nil {
			return err
		}
		t.Ready.GetUnchecked()
		if err := t.posted.PutUnchecked(h); err != nil {
			return err
		}
	}
	return nil
}

// Complete moves the head of posted back into pool and returns it.
func (t *TxControl) Complete(comp fabric.Completion) (*buffer.Header, error) {
	h, ok := t.posted.GetUnchecked()
	if !ok {
		return nil, abort(AbortUnexpectedCompletion, ErrContextMismatch)
	}
	if &h.Context != comp.Ctx {
		return nil, abort(AbortContextMismatch, ErrContextMismatch)
	}
	t.pool.Put(h)
	return h, nil
}

// PostedEmpty reports whether anything remains in flight.
func (t *TxControl) PostedEmpty() bool { return t.posted.Empty() }
