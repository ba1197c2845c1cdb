// Package terminal implements the data producer and consumer attached
// to a connection (spec.md §4.7): a source fills payload buffers from
// a repeating pattern up to a fixed total, and a sink verifies incoming
// payload buffers against the same pattern. Both sides close the FIFO
// linking them to the connection once their total is reached, which is
// how end-of-stream is handed from the terminal to the connection
// half-close protocol.
package terminal

import (
	"fmt"

	"github.com/fabtransfer/fabxfer/pkg/buffer"
)

// Result is what a Trade call reports back to the worker loop driving
// this session (spec §5.2: "runs terminal's trade (returns continue,
// end, or error)").
type Result int

const (
	// Continue means the terminal made whatever progress it could this
	// round; the worker should move on to the connection's loop step.
	Continue Result = iota
	// End means the terminal has reached its total and signaled
	// end-of-stream on its FIFO; the session can be torn down once the
	// connection side also reaches terminating.
	End
	// Error means a fatal terminal error occurred (byte mismatch on
	// the sink side); the worker marks the session failed.
	Error
)

// Terminal is the producer/consumer half of a session, driven by the
// worker loop once per pass over the ready session set.
type Terminal interface {
	// Trade moves at most one buffer between toConn (ready for the
	// connection) and toTerminal (ready for the terminal), per
	// spec.md §2 item 5. toTerminal is where the terminal reads from;
	// toConn is where it writes the result of its transform.
	Trade(toConn, toTerminal *buffer.Ring) (Result, error)
	// Done reports whether the total byte count has been reached.
	Done() bool
}

// ErrMismatch is returned by a sink when a received payload doesn't
// match the expected pattern byte-for-byte (spec §8 "terminal
// mismatch"). It is always fatal to the loop.
type ErrMismatch struct {
	Offset int64
	Want   byte
	Got    byte
}

func (e *ErrMismatch) Error() string {
	return fmt.Sprintf("terminal: byte mismatch at offset %d: want 0x%02x got 0x%02x", e.Offset, e.Want, e.Got)
}
