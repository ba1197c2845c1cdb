package fabric

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	requiresVA bool
	maxSegs    int
	ks         Keysource
	registered map[uint64][]byte
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{maxSegs: 4, registered: make(map[uint64][]byte)}
}

func (p *fakeProvider) Name() string                { return "fake" }
func (p *fakeProvider) MaxSegs() int                 { return p.maxSegs }
func (p *fakeProvider) RequiresVirtualAddress() bool { return p.requiresVA }

func (p *fakeProvider) Register(seg Segment, flags AccessFlags) (MemoryRegion, error) {
	key := p.ks.Next()
	p.registered[key] = seg.Data
	return MemoryRegion{Key: key}, nil
}

func (p *fakeProvider) Deregister(mr MemoryRegion) error {
	delete(p.registered, mr.Key)
	return nil
}

func TestRegisterComputesCumulativeOffsets(t *testing.T) {
	prov := newFakeProvider()
	segs := []Segment{
		{Data: make([]byte, 10)},
		{Data: make([]byte, 20)},
		{Data: make([]byte, 5)},
	}
	reg, err := Register(prov, segs, AccessRead)
	require.NoError(t, err)
	require.Len(t, reg.Regions, 3)
	require.Equal(t, uint64(0), reg.Regions[0].Offset)
	require.Equal(t, uint64(10), reg.Regions[1].Offset)
	require.Equal(t, uint64(30), reg.Regions[2].Offset)

	require.NoError(t, reg.Close())
	require.Empty(t, prov.registered)
}

func TestRegisterRejectsVirtualAddressProvider(t *testing.T) {
	prov := newFakeProvider()
	prov.requiresVA = true
	_, err := Register(prov, []Segment{{Data: []byte("x")}}, AccessRead)
	require.ErrorIs(t, err, ErrRequiresVirtualAddress)
}

func TestFibonacciIOVSetupCoversWholeBuffer(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	iovs := FibonacciIOVSetup(data, 5)
	require.LessOrEqual(t, len(iovs), 5)

	total := 0
	for _, iov := range iovs {
		total += len(iov)
	}
	require.Equal(t, len(data), total)
}

func TestFibonacciIOVSetupSmallBuffer(t *testing.T) {
	data := make([]byte, 2)
	iovs := FibonacciIOVSetup(data, 12)
	total := 0
	for _, iov := range iovs {
		total += len(iov)
	}
	require.Equal(t, len(data), total)
}

func TestFibonacciIOVSetupEmpty(t *testing.T) {
	require.Nil(t, FibonacciIOVSetup(nil, 4))
}
