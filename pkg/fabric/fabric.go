// Package fabric defines the core's view of the underlying transport:
// message send/recv, one-sided RDMA write, completion queues, and
// memory registration. Fabric discovery, endpoint open/listen, and any
// particular transport's wire-level details are external collaborators
// (spec §1 "out of scope") — this package only specifies the
// interfaces the connection state machine (pkg/conn) programs against,
// plus the registration/key-source helper and a loopback
// implementation used for the self-check test suite.
package fabric

import (
	"errors"

	"github.com/fabtransfer/fabxfer/pkg/buffer"
)

// ErrTryAgain is returned by Endpoint/CompletionQueue operations when
// the provider is applying back-pressure. It is a normal, expected
// condition: the caller should retry on its next loop iteration rather
// than treat it as a failure.
var ErrTryAgain = errors.New("fabric: try again")

// ErrCanceled is returned for a posted operation that was canceled via
// Endpoint.CancelAll.
var ErrCanceled = errors.New("fabric: operation canceled")

// ErrRequiresVirtualAddress is returned by a Provider whose RMA model
// demands virtual addresses rather than registration-relative offsets.
// The core refuses such providers (spec §4.2): remote addresses here
// are always offsets into a registration, never raw pointers.
var ErrRequiresVirtualAddress = errors.New("fabric: provider requires virtual-address RMA, unsupported")

// AccessFlags controls what operations a memory registration permits.
type AccessFlags uint32

const (
	AccessSend AccessFlags = 1 << iota
	AccessRecv
	AccessRead
	AccessWrite
	AccessRemoteRead
	AccessRemoteWrite
)

// WriteFlags controls how a posted RDMA write is completed.
type WriteFlags uint32

const (
	// FlagDeliveryComplete requests a completion only once the remote
	// side has acknowledged the write landed in memory.
	FlagDeliveryComplete WriteFlags = 1 << iota
	// FlagCompletion requests a local completion at all (some fabrics
	// allow fire-and-forget writes with no completion).
	FlagCompletion
	// FlagFence orders this operation after all previously posted
	// operations on the same endpoint complete.
	FlagFence
)

// Completion is a single record delivered by a CompletionQueue. Ctx is
// the *buffer.Context pointer the operation was posted with; the core
// dispatches by reading Ctx.Kind rather than inspecting Completion
// fields, matching how the context is the caller-supplied identity the
// fabric hands back (spec §3 "Buffer header").
type Completion struct {
	Ctx     *buffer.Context
	Len     uint32
	Err     error
}

// Segment is one local (base, length) pair to be registered or
// gathered for an operation.
type Segment struct {
	Data []byte
}

// RemoteSegment is one (offset, length, key) triple describing a
// remote RDMA target.
type RemoteSegment struct {
	Offset uint64
	Len    uint64
	Key    uint64
}

// MemoryRegion is the result of registering one Segment: an opaque
// local descriptor plus the key a peer can use to target it remotely.
type MemoryRegion struct {
	Handle any
	Desc   any
	Key    uint64
	// Offset is this segment's cumulative logical offset within its
	// registration call, used to translate a RemoteSegment.Offset back
	// to a position inside Data (spec §4.2: "remote addresses are
	// treated as offsets into a registration").
	Offset uint64
}

// Endpoint is a connection's fabric handle: bound to one completion
// queue and one peer address (spec GLOSSARY "Endpoint").
type Endpoint interface {
	// SendMsg posts a one-segment send tagged with ctx. Returns
	// ErrTryAgain on back-pressure.
	SendMsg(data []byte, ctx *buffer.Context) error
	// RecvMsg posts a one-segment receive tagged with ctx.
	RecvMsg(data []byte, ctx *buffer.Context) error
	// WriteMsg posts a one-sided RDMA write of local (gathered from
	// regions/descs) into the given remote segments, tagged with ctx.
	WriteMsg(regions []MemoryRegion, remote []RemoteSegment, ctx *buffer.Context, flags WriteFlags) error
	// GetName returns this endpoint's own fabric address, used to
	// populate the initial/ack handshake messages.
	GetName() ([]byte, error)
	// CancelAll cancels every operation posted on this endpoint that
	// has not yet completed. Completions for canceled operations
	// arrive later carrying ErrCanceled.
	CancelAll()
	Close() error
}

// CompletionQueue delivers completion records for operations posted on
// its associated endpoint(s), in FIFO order (spec §5 "Ordering
// guarantees").
type CompletionQueue interface {
	// Read drains and returns the next completion, or ErrTryAgain if
	// none is ready.
	Read() (Completion, error)
	// WaitFD returns a file descriptor that becomes readable when a
	// completion is likely ready, for the epoll/"-w" wait path. ok is
	// false if this queue has no such fd (poll-set mode only).
	WaitFD() (fd int, ok bool)
}

// Provider is a registered fabric backend that reports its RMA
// capability profile and registers memory; connected
// endpoint/completion-queue pairs are opened outside this interface
// (for loopback, by loopback.NewPair). Fabric discovery proper (picking a provider,
// resolving addresses) is external to the core; this is the minimal
// surface the core consumes (spec §1, §4.2).
type Provider interface {
	Name() string
	// MaxSegs is the provider's per-operation scatter-gather segment
	// limit (spec §4.2 "maxsegs", §4.6 "rma_maxsegs").
	MaxSegs() int
	// RequiresVirtualAddress reports whether this provider's RMA model
	// needs raw virtual addresses instead of registration offsets.
	RequiresVirtualAddress() bool
	// Register registers one local segment for the given access flags,
	// returning the resulting memory region.
	Register(seg Segment, flags AccessFlags) (MemoryRegion, error)
	// Deregister releases a previously registered region.
	Deregister(MemoryRegion) error
}
