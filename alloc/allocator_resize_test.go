package alloc

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/sbrk/memutils"
	"github.com/vkngwrapper/sbrk/memutils/metadata"
	"github.com/vkngwrapper/sbrk/provider"
	mock_provider "github.com/vkngwrapper/sbrk/provider/mocks"
	"go.uber.org/mock/gomock"
)

func TestResizeNilHandle(t *testing.T) {
	p := provider.NewSliceProvider(0)
	allocator := readyAllocator(t, p, CreateOptions{})

	handle, err := allocator.Resize(NilHandle, 100)
	require.NoError(t, err)
	require.Equal(t, NilHandle, handle)
	require.Equal(t, 0, p.Size())
}

func TestResizeInvalidHandle(t *testing.T) {
	allocator := readyAllocator(t, provider.NewSliceProvider(0), CreateOptions{})

	handle, err := allocator.Resize(Handle(500), 100)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))
	require.Equal(t, Handle(500), handle)

	valid, err := allocator.Allocate(100)
	require.NoError(t, err)

	handle, err = allocator.Resize(valid+1, 200)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))
	require.Equal(t, valid+1, handle)

	_, err = allocator.Resize(valid, -5)
	require.True(t, errors.Is(err, memutils.ErrInvalidSize))

	capacity, err := allocator.Capacity(valid)
	require.NoError(t, err)
	require.Equal(t, 100, capacity)
	require.NoError(t, allocator.Validate())
}

func TestResizeSameSize(t *testing.T) {
	allocator := readyAllocator(t, provider.NewSliceProvider(0), CreateOptions{})

	handle, err := allocator.Allocate(100)
	require.NoError(t, err)
	expected := fillPayload(t, allocator, handle, 3)

	resized, err := allocator.Resize(handle, 100)
	require.NoError(t, err)
	require.Equal(t, handle, resized)

	payload, err := allocator.Bytes(resized)
	require.NoError(t, err)
	require.Equal(t, expected, payload)
}

func TestResizeShrinkSplits(t *testing.T) {
	allocator := readyAllocator(t, provider.NewSliceProvider(0), CreateOptions{})

	handle, err := allocator.Allocate(500)
	require.NoError(t, err)
	expected := fillPayload(t, allocator, handle, 9)

	resized, err := allocator.Resize(handle, 100)
	require.NoError(t, err)
	require.Equal(t, handle, resized)

	payload, err := allocator.Bytes(resized)
	require.NoError(t, err)
	require.Equal(t, expected[:100], payload)

	// The shrunk remainder merged with the trailing free block
	var stats memutils.DetailedStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 2, stats.BlockCount)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, DefaultInitialChunkSize-2*metadata.HeaderSize-100, stats.UnusedBytes)
	require.NoError(t, allocator.Validate())
}

func TestResizeShrinkKeepsSmallRemainder(t *testing.T) {
	allocator := readyAllocator(t, provider.NewSliceProvider(0), CreateOptions{})

	handle, err := allocator.Allocate(100)
	require.NoError(t, err)

	resized, err := allocator.Resize(handle, 100-metadata.HeaderSize)
	require.NoError(t, err)
	require.Equal(t, handle, resized)

	capacity, err := allocator.Capacity(resized)
	require.NoError(t, err)
	require.Equal(t, 100, capacity)
}

func TestResizeShrinkThenGrowRestores(t *testing.T) {
	p := provider.NewSliceProvider(0)
	allocator := readyAllocator(t, p, CreateOptions{})

	handle, err := allocator.Allocate(500)
	require.NoError(t, err)
	_, err = allocator.Allocate(100)
	require.NoError(t, err)
	expected := fillPayload(t, allocator, handle, 11)

	shrunk, err := allocator.Resize(handle, 200)
	require.NoError(t, err)
	require.Equal(t, handle, shrunk)

	restored, err := allocator.Resize(shrunk, 500)
	require.NoError(t, err)
	require.Equal(t, handle, restored)
	require.Equal(t, DefaultInitialChunkSize, p.Size())

	capacity, err := allocator.Capacity(restored)
	require.NoError(t, err)
	require.Equal(t, 500, capacity)

	payload, err := allocator.Bytes(restored)
	require.NoError(t, err)
	require.Equal(t, expected[:200], payload[:200])
	require.NoError(t, allocator.Validate())
}

func TestResizeGrowInPlaceIntoTail(t *testing.T) {
	p := provider.NewSliceProvider(0)
	allocator := readyAllocator(t, p, CreateOptions{})

	handle, err := allocator.Allocate(100)
	require.NoError(t, err)
	expected := fillPayload(t, allocator, handle, 5)

	resized, err := allocator.Resize(handle, 1000)
	require.NoError(t, err)
	require.Equal(t, handle, resized)
	require.Equal(t, DefaultInitialChunkSize, p.Size())

	payload, err := allocator.Bytes(resized)
	require.NoError(t, err)
	require.Len(t, payload, 1000)
	require.Equal(t, expected, payload[:100])
	require.NoError(t, allocator.Validate())
}

func TestResizeMovesToFirstFit(t *testing.T) {
	p := provider.NewSliceProvider(0)
	allocator := readyAllocator(t, p, CreateOptions{})

	handle, err := allocator.Allocate(100)
	require.NoError(t, err)
	_, err = allocator.Allocate(10)
	require.NoError(t, err)
	hole, err := allocator.Allocate(400)
	require.NoError(t, err)
	_, err = allocator.Allocate(10)
	require.NoError(t, err)
	require.NoError(t, allocator.Release(hole))

	expected := fillPayload(t, allocator, handle, 21)

	moved, err := allocator.Resize(handle, 300)
	require.NoError(t, err)
	require.Equal(t, hole, moved)
	require.Equal(t, DefaultInitialChunkSize, p.Size())

	payload, err := allocator.Bytes(moved)
	require.NoError(t, err)
	require.Equal(t, expected, payload[:100])

	// The old handle was released
	_, err = allocator.Bytes(handle)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))
	require.NoError(t, allocator.Validate())
}

func TestResizeGrowsRangeWhenNothingFits(t *testing.T) {
	ctrl := gomock.NewController(t)

	backing := provider.NewSliceProvider(0)
	p := mock_provider.NewMockProvider(ctrl)
	p.EXPECT().Size().DoAndReturn(backing.Size).AnyTimes()
	p.EXPECT().Bytes().DoAndReturn(backing.Bytes).AnyTimes()
	gomock.InOrder(
		p.EXPECT().Grow(DefaultInitialChunkSize).DoAndReturn(backing.Grow),
		p.EXPECT().Grow(1500+metadata.HeaderSize).DoAndReturn(backing.Grow),
	)

	allocator := readyAllocator(t, p, CreateOptions{})

	handle, err := allocator.Allocate(1000)
	require.NoError(t, err)
	_, err = allocator.Allocate(1000)
	require.NoError(t, err)

	expected := fillPayload(t, allocator, handle, 42)

	moved, err := allocator.Resize(handle, 1500)
	require.NoError(t, err)
	require.Equal(t, Handle(DefaultInitialChunkSize+metadata.HeaderSize), moved)

	payload, err := allocator.Bytes(moved)
	require.NoError(t, err)
	require.Len(t, payload, 1500)
	require.Equal(t, expected, payload[:1000])

	// The old block was released and is handed out again
	reused, err := allocator.Allocate(1000)
	require.NoError(t, err)
	require.Equal(t, handle, reused)
	require.NoError(t, allocator.Validate())
}

func TestResizeGrowsRangeWhenLastBlockMoves(t *testing.T) {
	p := provider.NewSliceProvider(0)
	allocator := readyAllocator(t, p, CreateOptions{})

	_, err := allocator.Allocate(1000)
	require.NoError(t, err)
	last, err := allocator.Allocate(1000)
	require.NoError(t, err)
	expected := fillPayload(t, allocator, last, 13)

	moved, err := allocator.Resize(last, 3000)
	require.NoError(t, err)
	require.NotEqual(t, last, moved)

	payload, err := allocator.Bytes(moved)
	require.NoError(t, err)
	require.Equal(t, expected, payload[:1000])
	require.Equal(t, DefaultInitialChunkSize+3000+metadata.HeaderSize, p.Size())
	require.NoError(t, allocator.Validate())
}

func TestResizeOutOfMemoryChangesNothing(t *testing.T) {
	p := provider.NewSliceProvider(0)
	allocator := readyAllocator(t, p, CreateOptions{HeapSizeLimit: DefaultInitialChunkSize})

	handle, err := allocator.Allocate(1000)
	require.NoError(t, err)
	_, err = allocator.Allocate(1000)
	require.NoError(t, err)
	expected := fillPayload(t, allocator, handle, 17)

	var before memutils.DetailedStatistics
	allocator.CalculateStatistics(&before)

	resized, err := allocator.Resize(handle, 1500)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, handle, resized)

	requireStatistics(t, allocator, before)
	payload, err := allocator.Bytes(handle)
	require.NoError(t, err)
	require.Equal(t, expected, payload)
	require.NoError(t, allocator.Validate())
}

func TestRelease(t *testing.T) {
	allocator := readyAllocator(t, provider.NewSliceProvider(0), CreateOptions{})

	require.NoError(t, allocator.Release(NilHandle))
	require.True(t, errors.Is(allocator.Release(Handle(24)), memutils.ErrInvalidPointer))

	first, err := allocator.Allocate(10)
	require.NoError(t, err)
	second, err := allocator.Allocate(10)
	require.NoError(t, err)

	require.NoError(t, allocator.Release(first))
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Release(second))
	require.NoError(t, allocator.Validate())

	// Both blocks and the trailing remainder collapsed into a single free block
	requireStatistics(t, allocator, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount: 1,
			BlockBytes: DefaultInitialChunkSize,
		},
		UnusedRangeCount:   1,
		UnusedBytes:        DefaultInitialChunkSize - metadata.HeaderSize,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: DefaultInitialChunkSize - metadata.HeaderSize,
		UnusedRangeSizeMax: DefaultInitialChunkSize - metadata.HeaderSize,
	})

	err = allocator.Release(second)
	require.True(t, errors.Is(err, memutils.ErrInvalidPointer))
	require.NoError(t, allocator.Validate())
}

func TestReleaseMergesTwoAdjacentBlocks(t *testing.T) {
	allocator := readyAllocator(t, provider.NewSliceProvider(0), CreateOptions{})

	first, err := allocator.Allocate(10)
	require.NoError(t, err)
	second, err := allocator.Allocate(10)
	require.NoError(t, err)
	_, err = allocator.Allocate(10)
	require.NoError(t, err)

	require.NoError(t, allocator.Release(first))
	require.NoError(t, allocator.Release(second))

	var free []BlockInfo
	err = allocator.VisitBlocks(func(block BlockInfo) error {
		if block.Free {
			free = append(free, block)
		}
		return nil
	})
	require.NoError(t, err)

	// The reclaimed header becomes payload of the merged block
	require.Equal(t, BlockInfo{
		Offset:   0,
		Handle:   first,
		Free:     true,
		Capacity: 10 + 10 + metadata.HeaderSize,
	}, free[0])
	require.Len(t, free, 2)
}
