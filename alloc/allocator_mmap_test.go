//go:build linux || darwin || freebsd || netbsd || openbsd

package alloc

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/sbrk/memutils"
	"github.com/vkngwrapper/sbrk/provider"
)

func TestAllocateOverMmap(t *testing.T) {
	p, err := provider.NewMmapProvider(1 << 16)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, p.Close())
	}()

	allocator := readyAllocator(t, p, CreateOptions{})

	first, err := allocator.Allocate(1000)
	require.NoError(t, err)
	expected := fillPayload(t, allocator, first, 3)

	second, err := allocator.Allocate(4000)
	require.NoError(t, err)
	require.Equal(t, DefaultInitialChunkSize+4000+24, p.Size())

	moved, err := allocator.Resize(first, 3000)
	require.NoError(t, err)
	require.NotEqual(t, first, moved)

	payload, err := allocator.Bytes(moved)
	require.NoError(t, err)
	require.Equal(t, expected, payload[:len(expected)])

	require.NoError(t, allocator.Release(second))
	require.NoError(t, allocator.Release(moved))
	require.NoError(t, allocator.Validate())

	// The reservation caps growth
	_, err = allocator.Allocate(1 << 16)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.NoError(t, allocator.Validate())
}
