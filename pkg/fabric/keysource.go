package fabric

import "sync/atomic"

// keyBlock is how many keys a Keysource claims from the global counter
// at a time (spec §4.2 "unique keys issued in blocks").
const keyBlock = 256

var globalKeyCounter uint64

// Keysource hands out process-unique registration keys. Each Keysource
// is used by a single worker thread and claims a fresh block of
// keyBlock values from a shared atomic counter whenever its local
// block is exhausted, so concurrent workers never hand out the same
// key without needing to synchronize on every call.
type Keysource struct {
	next      uint64
	remaining int
}

// Next returns the next key for this source, refilling its local block
// from the global counter if necessary.
func (k *Keysource) Next() uint64 {
	if k.remaining == 0 {
		k.next = atomic.AddUint64(&globalKeyCounter, keyBlock) - keyBlock + 1
		k.remaining = keyBlock
	}
	key := k.next
	k.next++
	k.remaining--
	return key
}
