package terminal

import (
	"log/slog"

	"github.com/fabtransfer/fabxfer/pkg/buffer"
)

// Source is the sender-side terminal: it fills payload buffers drawn
// from toTerminal (drained txbufs the connection just wrote out) with
// pattern bytes, and pushes the refilled buffers onto toConn (ready
// for the connection to RDMA-write). Once the fixed total is produced
// it put-closes toConn (spec §4.7).
type Source struct {
	pattern  *Pattern
	total    int64 // entirelen: txbuflen * 100000, or caller-supplied
	produced int64
	log      *slog.Logger
}

// NewSource builds a source that will produce exactly total bytes
// before closing, cycling pattern.
func NewSource(pattern *Pattern, total int64, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{pattern: pattern, total: total, log: log}
}

// Done reports whether the source has produced its full total.
func (s *Source) Done() bool { return s.produced >= s.total }

// Produced reports how many bytes have been filled so far.
func (s *Source) Produced() int64 { return s.produced }

// Trade pulls one drained buffer from toTerminal, fills as much of it
// as the remaining total allows, and pushes it to toConn. If toTerminal
// has nothing ready this round, Trade is a no-op that reports Continue.
func (s *Source) Trade(toConn, toTerminal *buffer.Ring) (Result, error) {
	if s.Done() {
		return End, nil
	}

	// toConn back-pressures naturally (spec §5): if it has no room right
	// now, leave the drained buffer on toTerminal and try again next
	// loop step rather than consuming it and then failing to place it.
	if toConn.Full() {
		return Continue, nil
	}

	buf, ok := toTerminal.Get()
	if !ok {
		return Continue, nil
	}

	remaining := s.total - s.produced
	n := int64(len(buf.Data))
	if n > remaining {
		n = remaining
	}

	s.pattern.Fill(buf.Data[:n], s.produced)
	buf.Used = uint32(n)
	s.produced += n

	if err := toConn.Put(buf); err != nil {
		return Error, err
	}

	if s.Done() {
		s.log.Info("source reached total, closing", "produced", s.produced)
		toConn.PutClose()
		return End, nil
	}
	return Continue, nil
}
