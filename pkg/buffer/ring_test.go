package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBasicPutGet(t *testing.T) {
	r, err := NewRing(4)
	require.NoError(t, err)
	require.True(t, r.Empty())
	require.False(t, r.Full())

	h1, h2 := &Header{}, &Header{}
	require.NoError(t, r.Put(h1))
	require.NoError(t, r.Put(h2))
	require.Equal(t, 2, r.Len())

	got, ok := r.Get()
	require.True(t, ok)
	require.Same(t, h1, got)

	got, ok = r.Get()
	require.True(t, ok)
	require.Same(t, h2, got)

	_, ok = r.Get()
	require.False(t, ok)
}

func TestRingFull(t *testing.T) {
	r, _ := NewRing(2)
	require.NoError(t, r.Put(&Header{}))
	require.NoError(t, r.Put(&Header{}))
	require.True(t, r.Full())
	require.ErrorIs(t, r.Put(&Header{}), ErrFull)
}

func TestRingBadCapacity(t *testing.T) {
	_, err := NewRing(3)
	require.ErrorIs(t, err, ErrBadCapacity)
}

func TestRingPutCloseDrainsRemaining(t *testing.T) {
	r, _ := NewRing(4)
	h1, h2 := &Header{}, &Header{}
	require.NoError(t, r.Put(h1))
	require.NoError(t, r.Put(h2))

	r.PutClose()
	require.ErrorIs(t, r.Put(&Header{}), ErrClosed)
	require.False(t, r.EOPut(), "not yet drained")

	// Existing buffers still gettable after put-close.
	got, ok := r.Get()
	require.True(t, ok)
	require.Same(t, h1, got)
	require.False(t, r.EOPut())

	got, ok = r.Get()
	require.True(t, ok)
	require.Same(t, h2, got)
	require.True(t, r.EOPut(), "drained up to close position")
}

func TestRingGetCloseIsImmediate(t *testing.T) {
	r, _ := NewRing(4)
	h1 := &Header{}
	require.NoError(t, r.Put(h1))

	r.GetClose()
	require.True(t, r.Empty(), "empty reports true despite residual buffer")
	_, ok := r.Get()
	require.False(t, ok)
	_, ok = r.Peek()
	require.False(t, ok)

	// Unchecked variants still see the residual buffer (used when
	// flushing during cancellation).
	got, ok := r.GetUnchecked()
	require.True(t, ok)
	require.Same(t, h1, got)
}

func TestRingEOGet(t *testing.T) {
	r, _ := NewRing(4)
	require.False(t, r.EOGet())
	r.GetClose()
	require.True(t, r.EOGet(), "producer sees close immediately: no puts have happened yet")
}

func TestRingPeekRespectsGetClose(t *testing.T) {
	r, _ := NewRing(2)
	h := &Header{}
	require.NoError(t, r.Put(h))
	p, ok := r.Peek()
	require.True(t, ok)
	require.Same(t, h, p)

	r.GetClose()
	_, ok = r.Peek()
	require.False(t, ok)
}

func TestNewRingPow2(t *testing.T) {
	r := NewRingPow2(5)
	require.Equal(t, 8, r.Cap())
	r = NewRingPow2(8)
	require.Equal(t, 8, r.Cap())
	r = NewRingPow2(1)
	require.Equal(t, 1, r.Cap())
}

func TestPoolGetPut(t *testing.T) {
	p := NewPool(64)
	require.Nil(t, p.Get())
	p.Grow(2)
	require.Equal(t, 2, p.Len())

	h := p.Get()
	require.NotNil(t, h)
	require.Equal(t, uint32(64), h.Allocated)
	require.Equal(t, 1, p.Len())

	h.Used = 10
	p.Put(h)
	require.Equal(t, 2, p.Len())
	require.Equal(t, uint32(0), h.Used, "Put resets the header")
}
