package alloc

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/sbrk/memutils"
)

func TestDefault(t *testing.T) {
	first, err := Default()
	require.NoError(t, err)
	second, err := Default()
	require.NoError(t, err)
	require.Same(t, first, second)

	handle, err := Allocate(64)
	require.NoError(t, err)
	require.NotEqual(t, NilHandle, handle)

	handle, err = Resize(handle, 128)
	require.NoError(t, err)

	zeroed, err := ZeroAllocate(4, 8)
	require.NoError(t, err)
	payload, err := first.Bytes(zeroed)
	require.NoError(t, err)
	require.Equal(t, make([]byte, len(payload)), payload)

	require.NoError(t, Release(handle))
	require.NoError(t, Release(zeroed))
	require.NoError(t, Release(NilHandle))

	var out bytes.Buffer
	require.NoError(t, Report(&out))
	require.Contains(t, out.String(), "Total Occupied blocks:0")
}

func TestDefaultIsBounded(t *testing.T) {
	allocator, err := Default()
	require.NoError(t, err)
	size := allocator.Size()

	handle, err := Allocate(DefaultHeapReserve)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, NilHandle, handle)
	require.Equal(t, size, allocator.Size())
}
