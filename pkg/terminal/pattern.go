package terminal

// DefaultPattern is the fixed text pattern the source cycles through
// and the sink verifies against. Its length is deliberately not a
// divisor of common buffer sizes, so pattern wraparound inside a
// single payload buffer is exercised by ordinary-size transfers.
const DefaultPattern = "the quick brown fox jumps over the lazy dog while fabxfer moves bytes from sender to receiver, zero copy, one fragment at a time.\n"

// Pattern is a repeating byte sequence addressed by a global stream
// offset, shared by Source and Sink so both sides derive the same
// expected byte for any offset without needing to exchange it.
type Pattern struct {
	bytes []byte
}

// NewPattern wraps s as a Pattern. Panics if s is empty: a zero-length
// pattern has no well-defined byte at any offset.
func NewPattern(s string) *Pattern {
	if len(s) == 0 {
		panic("terminal: empty pattern")
	}
	return &Pattern{bytes: []byte(s)}
}

// At returns the pattern byte for global stream offset off.
func (p *Pattern) At(off int64) byte {
	n := int64(len(p.bytes))
	return p.bytes[((off%n)+n)%n]
}

// Fill writes len(buf) pattern bytes into buf, starting at global
// offset off.
func (p *Pattern) Fill(buf []byte, off int64) {
	n := int64(len(p.bytes))
	start := ((off % n) + n) % n
	for i := range buf {
		buf[i] = p.bytes[(start+int64(i))%n]
	}
}

// Verify checks buf against the pattern starting at global offset off,
// returning the first mismatching position (relative to off) or -1 if
// buf matches entirely.
func (p *Pattern) Verify(buf []byte, off int64) int {
	n := int64(len(p.bytes))
	start := ((off % n) + n) % n
	for i := range buf {
		if buf[i] != p.bytes[(start+int64(i))%n] {
			return i
		}
	}
	return -1
}
