package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPURange(t *testing.T) {
	first, last, err := ParseCPURange("")
	require.NoError(t, err)
	assert.Equal(t, 0, first)
	assert.Equal(t, -1, last)

	first, last, err = ParseCPURange("2 - 5")
	require.NoError(t, err)
	assert.Equal(t, 2, first)
	assert.Equal(t, 5, last)

	first, last, err = ParseCPURange("2-5")
	require.NoError(t, err)
	assert.Equal(t, 2, first)
	assert.Equal(t, 5, last)

	_, _, err = ParseCPURange("5 - 2")
	assert.Error(t, err)

	_, _, err = ParseCPURange("nope")
	assert.Error(t, err)
}
