package buffer

// Header is the common envelope carried by every buffer kind: payload,
// vector-message, progress-message, ack, and fragment-header buffers.
// Context is kept first so a completion's context pointer can be
// handed straight to Kind-dispatch code without an extra indirection.
type Header struct {
	Context Context

	// Used is how many bytes of Data currently hold valid content;
	// Allocated is the buffer's total capacity. Used <= Allocated.
	Used      uint32
	Allocated uint32

	// RemoteAddr is a hint: for payload buffers advertised by a
	// receiver this is always 0 (the sender computes offsets against
	// the registration itself); fragment headers leave it 0 as well,
	// since a fragment's remote segments travel with its RDMA write.
	RemoteAddr uint64

	// RegKey is the registration key returned by the fabric for this
	// buffer's memory region. Zero means unregistered.
	RegKey uint64

	// Handle and Desc are the fabric-specific registration handle and
	// local descriptor; both are opaque to this package and only
	// meaningful to the fabric implementation that produced them.
	Handle any
	Desc   any

	Data []byte
}

// Reset clears a header for reuse from a pool. Data's backing array is
// kept; only bookkeeping is cleared.
func (h *Header) Reset() {
	h.Context.reset()
	h.Used = 0
	h.RemoteAddr = 0
}

// Fill reports the buffer's used length, matching the protocol's
// "nfull"/"nused" terminology.
func (h *Header) Fill() uint32 { return h.Used }

// Remaining reports how many bytes of Data beyond Used are available
// before Allocated is reached.
func (h *Header) Remaining() uint32 { return h.Allocated - h.Used }
