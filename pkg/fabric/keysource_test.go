package fabric

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeysourceUnique(t *testing.T) {
	var a, b Keysource
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		ka := a.Next()
		kb := b.Next()
		require.False(t, seen[ka], "duplicate key from a")
		require.False(t, seen[kb], "duplicate key from b")
		require.NotEqual(t, ka, kb)
		seen[ka] = true
		seen[kb] = true
	}
}

func TestKeysourceSequentialWithinBlock(t *testing.T) {
	var k Keysource
	first := k.Next()
	for i := 1; i < keyBlock; i++ {
		require.Equal(t, first+uint64(i), k.Next())
	}
}
