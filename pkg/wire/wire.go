// Package wire defines the on-the-wire control messages exchanged
// between sender and receiver: initial, ack, vector, and progress.
// All integers are little-endian, matching the native order assumed
// by the fabric layer.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size limits from the protocol (spec §3, §6).
const (
	MaxAddrLen = 512
	MaxIOVs    = 12

	InitialSize  = 16 + 4 + 4 + 4 + MaxAddrLen // 540
	AckSize      = 4 + MaxAddrLen              // 516
	iovSize      = 8 + 8 + 8
	VectorSize   = 4 + 4 + MaxIOVs*iovSize // 296
	ProgressSize = 8 + 8                   // 16
)

var (
	// ErrTruncated is returned when a buffer is too short to hold a message.
	ErrTruncated = errors.New("wire: truncated message")
	// ErrTooManyIOVs is returned when a vector message advertises more
	// segments than the protocol allows.
	ErrTooManyIOVs = errors.New("wire: niovs exceeds protocol maximum")
)

// Nonce is a reserved 128-bit identifier. The current protocol never
// writes or checks it; a nonzero value received on the wire is
// preserved for interop but otherwise ignored (spec Open Questions).
type Nonce [16]byte

// Initial is the sender's handshake message (sender -> receiver).
type Initial struct {
	Nonce    Nonce
	NSources uint32
	ID       uint32
	AddrLen  uint32
	Addr     [MaxAddrLen]byte
}

// MarshalTo encodes m into buf, which must be at least InitialSize bytes.
func (m *Initial) MarshalTo(buf []byte) (int, error) {
	if len(buf) < InitialSize {
		return 0, ErrTruncated
	}
	copy(buf[0:16], m.Nonce[:])
	binary.LittleEndian.PutUint32(buf[16:20], m.NSources)
	binary.LittleEndian.PutUint32(buf[20:24], m.ID)
	binary.LittleEndian.PutUint32(buf[24:28], m.AddrLen)
	copy(buf[28:28+MaxAddrLen], m.Addr[:])
	return InitialSize, nil
}

// Unmarshal decodes m from buf.
func (m *Initial) Unmarshal(buf []byte) error {
	if len(buf) < InitialSize {
		return ErrTruncated
	}
	copy(m.Nonce[:], buf[0:16])
	m.NSources = binary.LittleEndian.Uint32(buf[16:20])
	m.ID = binary.LittleEndian.Uint32(buf[20:24])
	m.AddrLen = binary.LittleEndian.Uint32(buf[24:28])
	if m.AddrLen > MaxAddrLen {
		return fmt.Errorf("wire: initial addrlen %d exceeds max %d", m.AddrLen, MaxAddrLen)
	}
	copy(m.Addr[:], buf[28:28+MaxAddrLen])
	return nil
}

// Ack is the receiver's handshake reply (receiver -> sender).
type Ack struct {
	AddrLen uint32
	Addr    [MaxAddrLen]byte
}

func (m *Ack) MarshalTo(buf []byte) (int, error) {
	if len(buf) < AckSize {
		return 0, ErrTruncated
	}
	binary.LittleEndian.PutUint32(buf[0:4], m.AddrLen)
	copy(buf[4:4+MaxAddrLen], m.Addr[:])
	return AckSize, nil
}

func (m *Ack) Unmarshal(buf []byte) error {
	if len(buf) < AckSize {
		return ErrTruncated
	}
	m.AddrLen = binary.LittleEndian.Uint32(buf[0:4])
	if m.AddrLen > MaxAddrLen {
		return fmt.Errorf("wire: ack addrlen %d exceeds max %d", m.AddrLen, MaxAddrLen)
	}
	copy(m.Addr[:], buf[4:4+MaxAddrLen])
	return nil
}

// IOV describes one RDMA target segment: a logical offset into a
// registration, its length, and the registration key.
type IOV struct {
	Addr uint64
	Len  uint64
	Key  uint64
}

// Vector is the receiver's scatter-gather advertisement
// (receiver -> sender). NIOVs == 0 means end of stream: no more
// target buffers are coming.
type Vector struct {
	NIOVs uint32
	IOVs  [MaxIOVs]IOV
}

func (m *Vector) MarshalTo(buf []byte) (int, error) {
	if len(buf) < VectorSize {
		return 0, ErrTruncated
	}
	if m.NIOVs > MaxIOVs {
		return 0, ErrTooManyIOVs
	}
	binary.LittleEndian.PutUint32(buf[0:4], m.NIOVs)
	binary.LittleEndian.PutUint32(buf[4:8], 0) // reserved
	off := 8
	for i := 0; i < int(m.NIOVs); i++ {
		binary.LittleEndian.PutUint64(buf[off:off+8], m.IOVs[i].Addr)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], m.IOVs[i].Len)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], m.IOVs[i].Key)
		off += iovSize
	}
	return VectorSize, nil
}

func (m *Vector) Unmarshal(buf []byte) error {
	if len(buf) < VectorSize {
		return ErrTruncated
	}
	m.NIOVs = binary.LittleEndian.Uint32(buf[0:4])
	if m.NIOVs > MaxIOVs {
		return ErrTooManyIOVs
	}
	off := 8
	for i := 0; i < int(m.NIOVs); i++ {
		m.IOVs[i].Addr = binary.LittleEndian.Uint64(buf[off : off+8])
		m.IOVs[i].Len = binary.LittleEndian.Uint64(buf[off+8 : off+16])
		m.IOVs[i].Key = binary.LittleEndian.Uint64(buf[off+16 : off+24])
		off += iovSize
	}
	return nil
}

// Progress reports bytes written since the previous progress message
// (sender -> receiver). NLeftover == 0 means no more bytes will be
// written: the sender's half of the stream is done.
type Progress struct {
	NFilled   uint64
	NLeftover uint64
}

func (m *Progress) MarshalTo(buf []byte) (int, error) {
	if len(buf) < ProgressSize {
		return 0, ErrTruncated
	}
	binary.LittleEndian.PutUint64(buf[0:8], m.NFilled)
	binary.LittleEndian.PutUint64(buf[8:16], m.NLeftover)
	return ProgressSize, nil
}

func (m *Progress) Unmarshal(buf []byte) error {
	if len(buf) < ProgressSize {
		return ErrTruncated
	}
	m.NFilled = binary.LittleEndian.Uint64(buf[0:8])
	m.NLeftover = binary.LittleEndian.Uint64(buf[8:16])
	return nil
}

// Done reports whether this progress message is the sender's final one.
func (m *Progress) Done() bool { return m.NLeftover == 0 }

// Done reports whether this vector message signals end of stream.
func (m *Vector) Done() bool { return m.NIOVs == 0 }
