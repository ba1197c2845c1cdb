package conn

import (
	"github.com/fabtransfer/fabxfer/pkg/buffer"
	"github.com/fabtransfer/fabxfer/pkg/fabric"
)

// RxControl is the posted-receive half of a connection's traffic: one
// FIFO of buffers the NIC is currently writing into (spec §4.3 "Rx
// control").
type RxControl struct {
	ep     fabric.Endpoint
	posted *buffer.Ring

	canceledOnce bool
}

// NewRxControl builds an RxControl posting against ep with a posted
// queue of the given capacity (power of two).
func NewRxControl(ep fabric.Endpoint, capacity int) *RxControl {
	return &RxControl{ep: ep, posted: buffer.NewRingPow2(capacity)}
}

// Post clears h's cancelled flag, posts a receive for h's full
// allocated region tagged with h's context, and appends h to posted.
func (r *RxControl) Post(h *buffer.Header) error {
	h.Context.Cancelled = false
	if err := r.ep.RecvMsg(h.Data[:cap(h.Data)], &h.Context); err != nil {
		return err
	}
	return r.posted.PutUnchecked(h)
}

// Complete dequeues the head of posted, verifies comp.Ctx matches it,
// records the received length, and returns the buffer. A context
// mismatch is always fatal (spec §4.3).
func (r *RxControl) Complete(comp fabric.Completion) (*buffer.Header, error) {
	h, ok := r.posted.GetUnchecked()
	if !ok {
		return nil, abort(AbortUnexpectedCompletion, ErrContextMismatch)
	}
	if &h.Context != comp.Ctx {
		return nil, abort(AbortContextMismatch, ErrContextMismatch)
	}
	h.Used = comp.Len
	return h, nil
}

// Cancel cancels every posted buffer exactly once; the provider later
// returns each with fabric.ErrCanceled, which the completion handler
// silently consumes.
func (r *RxControl) Cancel() {
	if r.canceledOnce {
		return
	}
	r.canceledOnce = true
	r.ep.CancelAll()
}

// Empty reports whether the posted queue has drained.
func (r *RxControl) Empty() bool { return r.posted.Empty() }

// Len reports how many receives are currently posted.
func (r *RxControl) Len() int { return r.posted.Len() }
