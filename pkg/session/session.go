// Package session ties one connection to one terminal through the two
// FIFOs that link them (spec.md §2 item 5, §3 "Session").
package session

import (
	"github.com/fabtransfer/fabxfer/pkg/buffer"
	"github.com/fabtransfer/fabxfer/pkg/conn"
	"github.com/fabtransfer/fabxfer/pkg/terminal"
)

// Session is the triple a worker schedules: a connection, a terminal,
// and the two FIFOs linking them. ToConn carries buffers ready for the
// connection (filled payload for a sender, empty targets for a
// receiver); ToTerminal carries buffers ready for the terminal
// (drained buffers for a sender, filled buffers for verification on a
// receiver).
type Session struct {
	ID int

	Conn     conn.Conn
	Terminal terminal.Terminal

	ToConn     *buffer.Ring
	ToTerminal *buffer.Ring

	// sentFirst tracks whether this session's connection has sent its
	// first protocol message; WorkReady reads it to report a
	// non-I/O-ready-but-work-ready session (spec.md §4.8 item 2) that
	// has something to trade on the terminal side independent of the
	// fabric.
	sentFirst bool

	// cancelled mirrors the worker-wide cancel flag, latched the first
	// time this session observes it so repeat loop steps don't need to
	// re-derive it.
	cancelled bool
}

// New builds a Session around an already-constructed connection and
// terminal, plus the FIFOs the caller has sized and wired between them.
func New(id int, c conn.Conn, t terminal.Terminal, toConn, toTerminal *buffer.Ring) *Session {
	return &Session{ID: id, Conn: c, Terminal: t, ToConn: toConn, ToTerminal: toTerminal}
}

// MarkSent records that the connection has sent its first message.
func (s *Session) MarkSent() { s.sentFirst = true }

// SentFirst reports whether the connection has sent its first message.
func (s *Session) SentFirst() bool { return s.sentFirst }

// WorkReady reports whether this session can make useful progress on
// the terminal side without waiting on a fabric completion: nonempty
// ready-for-terminal FIFO with the handshake already under way, or a
// session under cancellation (spec.md §4.8 item 2).
func (s *Session) WorkReady(cancelled bool) bool {
	if cancelled {
		return true
	}
	return s.sentFirst && !s.ToTerminal.Empty()
}

// Trade runs one terminal trade step against this session's FIFOs.
func (s *Session) Trade() (terminal.Result, error) {
	if s.Terminal.Done() {
		return terminal.End, nil
	}
	return s.Terminal.Trade(s.ToConn, s.ToTerminal)
}

// Step runs one connection loop step, latching the cancel flag the
// first time it is observed set.
func (s *Session) Step(cancelRequested bool) (conn.Result, error) {
	if cancelRequested {
		s.cancelled = true
	}
	res, err := s.Conn.Loop(s.cancelled)
	if res == conn.Continue && !s.sentFirst {
		// A session is "sent first" once its connection has posted
		// anything at all; conn.Conn implementations track their own
		// handshake state, so this is a conservative one-shot latch set
		// after the first successful step.
		s.sentFirst = true
	}
	return res, err
}

// Close releases the session's connection.
func (s *Session) Close() error { return s.Conn.Close() }
