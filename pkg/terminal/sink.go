package terminal

import (
	"log/slog"

	"github.com/fabtransfer/fabxfer/pkg/buffer"
)

// Sink is the receiver-side terminal: it verifies filled payload
// buffers pulled from toTerminal against the pattern, then resets and
// pushes them onto toConn so the connection can re-advertise them as
// empty targets. Once the fixed total has been verified it get-closes
// toTerminal; a byte mismatch is always fatal (spec §4.7, §8).
type Sink struct {
	pattern  *Pattern
	total    int64
	verified int64
	log      *slog.Logger
}

// NewSink builds a sink expecting exactly total bytes matching
// pattern.
func NewSink(pattern *Pattern, total int64, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{pattern: pattern, total: total, log: log}
}

// Done reports whether the sink has verified its full total.
func (s *Sink) Done() bool { return s.verified >= s.total }

// Verified reports how many bytes have been verified so far.
func (s *Sink) Verified() int64 { return s.verified }

// Trade pulls one filled buffer from toTerminal, verifies it against
// the pattern at the sink's current stream offset, then resets and
// returns it via toConn for reuse. Any byte mismatch is reported as
// *ErrMismatch and the caller must treat it as fatal.
func (s *Sink) Trade(toConn, toTerminal *buffer.Ring) (Result, error) {
	if s.Done() {
		return End, nil
	}

	buf, ok := toTerminal.Get()
	if !ok {
		return Continue, nil
	}

	n := int(buf.Used)
	if mismatch := s.pattern.Verify(buf.Data[:n], s.verified); mismatch >= 0 {
		off := s.verified + int64(mismatch)
		want := s.pattern.At(off)
		got := buf.Data[mismatch]
		s.log.Error("sink payload mismatch", "offset", off, "want", want, "got", got)
		return Error, &ErrMismatch{Offset: off, Want: want, Got: got}
	}
	s.verified += int64(n)

	buf.Used = 0
	if err := toConn.Put(buf); err != nil {
		return Error, err
	}

	if s.Done() {
		s.log.Info("sink reached total, closing", "verified", s.verified)
		toTerminal.GetClose()
		return End, nil
	}
	return Continue, nil
}
