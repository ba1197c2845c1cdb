package fabric

import "fmt"

// Registration is the result of registering a set of local segments
// against a provider, one provider call per segment. Close deregisters
// every region it holds, attempting all of them even after an error so
// a partial failure doesn't leak every other region.
type Registration struct {
	prov    Provider
	Regions []MemoryRegion
}

// Register registers segs against prov with one prov.Register call per
// segment; segments are not grouped into multi-segment calls and
// prov.MaxSegs() is not consulted. Each region's Offset is the
// cumulative byte offset of its segment within the full segs slice, so
// a peer's remote offset can be translated back to a position in the
// original data.
//
// If prov.RequiresVirtualAddress(), Register refuses immediately:
// this core only ever hands out registration-relative offsets to
// peers, never raw pointers.
func Register(prov Provider, segs []Segment, flags AccessFlags) (*Registration, error) {
	if prov.RequiresVirtualAddress() {
		return nil, ErrRequiresVirtualAddress
	}

	reg := &Registration{prov: prov, Regions: make([]MemoryRegion, 0, len(segs))}
	var offset uint64
	for i, seg := range segs {
		mr, err := prov.Register(seg, flags)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("fabric: register segment %d: %w", i, err)
		}
		mr.Offset = offset
		reg.Regions = append(reg.Regions, mr)
		offset += uint64(len(seg.Data))
	}
	return reg, nil
}

// Close deregisters every region, returning the first error
// encountered (if any) after attempting all of them.
func (r *Registration) Close() error {
	var first error
	for _, mr := range r.Regions {
		if err := r.prov.Deregister(mr); err != nil && first == nil {
			first = err
		}
	}
	r.Regions = nil
	return first
}

// FibonacciIOVSetup splits a buffer of the given length into up to
// niovs segments of Fibonacci-growing size (1, 1, 2, 3, 5, 8, ... times
// a unit), with the final segment absorbing whatever remains. This
// produces a scatter-gather vector that is cheap to issue for small
// transfers and widens quickly for large ones, used by tests and
// benchmarking tools to synthesize receiver-advertised vectors of
// varying shape (spec §4.3 "IOV", §6 "receiver advertises scatter-
// gather target buffers").
func FibonacciIOVSetup(data []byte, niovs int) [][]byte {
	if niovs <= 0 || len(data) == 0 {
		return nil
	}
	if niovs > len(data) {
		niovs = len(data)
	}

	lens := make([]int, niovs)
	a, b := 1, 1
	total := 0
	for i := 0; i < niovs; i++ {
		lens[i] = a
		total += a
		a, b = b, a+b
	}

	// Scale the Fibonacci shape up to roughly fill len(data), then let
	// the last segment absorb the remainder exactly.
	if total < len(data) {
		scale := len(data) / total
		if scale < 1 {
			scale = 1
		}
		for i := range lens {
			lens[i] *= scale
		}
	}

	out := make([][]byte, 0, niovs)
	off := 0
	for i := 0; i < niovs; i++ {
		n := lens[i]
		if i == niovs-1 || off+n >= len(data) {
			n = len(data) - off
			out = append(out, data[off:off+n])
			break
		}
		out = append(out, data[off:off+n])
		off += n
	}
	return out
}
