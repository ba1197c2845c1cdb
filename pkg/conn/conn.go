// Package conn implements the connection state machine: the receiver
// (server side, RDMA target) and sender (client side, RDMA initiator)
// variants described in spec.md §4.4/§4.5, their rx/tx control queues
// (§4.3), and the adaptive fragmentation algorithm (§4.6). Both
// variants are driven by a single Loop step invoked by the worker
// scheduler; state lives entirely inside the Receiver/Sender value, so
// at most one worker thread ever touches a given connection's state at
// a time (spec §3 "Invariants").
package conn

import (
	log "github.com/sirupsen/logrus"
)

// Result is what Loop reports back to the worker servicing this
// connection (spec §4.8 "return codes propagate").
type Result int

const (
	// Continue means the connection made whatever progress the fabric
	// allowed this step; the worker moves to the next session.
	Continue Result = iota
	// End means both EOF flags hold, all posted queues have drained,
	// and the worker should close the endpoint and free the slot.
	End
	// Error means a fatal protocol or configuration error occurred;
	// the worker clears the session's slot and closes this connection.
	Error
	// Canceled means the connection finished draining after an
	// external cancel flag was observed.
	Canceled
)

// Conn is the worker-facing interface both Receiver and Sender
// implement (spec §9 "Polymorphic connection"). It is a Go interface
// with one step method, so the worker's Loop call is dispatched
// dynamically.
type Conn interface {
	// Loop runs one scheduling step. cancelled is the externally-set,
	// atomically-read flag the worker passes in every call (spec §5
	// "Cancellation").
	Loop(cancelled bool) (Result, error)
	// Close releases the connection's endpoint and completion queue.
	Close() error
	// WaitFD exposes the underlying completion queue's wait descriptor,
	// for the worker outer loop's "-w" epoll path (spec §6 external
	// interfaces); ok is false for providers with no such fd, in which
	// case the worker falls back to its poll-set wait.
	WaitFD() (fd int, ok bool)
}

// newLogger returns a per-connection logrus entry tagged with the
// connection's role and session id, matching pkg/sdo's per-transfer
// logrus.Entry convention.
func newLogger(role string, sessionID int) *log.Entry {
	return log.WithFields(log.Fields{
		"role":    role,
		"session": sessionID,
	})
}
