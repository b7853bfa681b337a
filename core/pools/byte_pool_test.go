package pools

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytePoolTiers(t *testing.T) {
	bp := NewBytePool()

	small := bp.Get(100)
	require.Len(t, small, 100)
	require.Equal(t, 4096, cap(small))

	medium := bp.Get(5000)
	require.Equal(t, 16384, cap(medium))

	large := bp.Get(65536)
	require.Equal(t, 65536, cap(large))

	bp.Put(small)
	bp.Put(medium)
	bp.Put(large)
}

func TestBytePoolOversized(t *testing.T) {
	bp := NewBytePool()
	buf := bp.Get(1 << 20)
	require.Len(t, buf, 1<<20)
	// Returning it is a no-op, not a panic.
	bp.Put(buf)
}

func TestBytePoolReuse(t *testing.T) {
	bp := NewBytePoolWithSizes([]int{64})
	buf := bp.Get(64)
	buf[0] = 'x'
	bp.Put(buf)

	again := bp.Get(64)
	require.Equal(t, 64, cap(again))
}

func TestGlobalPool(t *testing.T) {
	buf := GetBytes(4096)
	require.Len(t, buf, 4096)
	PutBytes(buf)
}
