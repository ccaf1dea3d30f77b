package memutils_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/sbrk/memutils"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(4096, "page size"))
	require.NoError(t, memutils.CheckPow2(uint(1), "one"))

	err := memutils.CheckPow2(24, "header size")
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Contains(t, err.Error(), "header size is 24")

	require.Error(t, memutils.CheckPow2(0, "zero"))
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 4096))
	require.Equal(t, 4096, memutils.AlignUp(1, 4096))
	require.Equal(t, 4096, memutils.AlignUp(4096, 4096))
	require.Equal(t, 8192, memutils.AlignUp(4097, 4096))
	require.Equal(t, uint64(32), memutils.AlignUp(uint64(17), 16))
}

func TestDetailedStatistics(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()

	stats.AddAllocation(100)
	stats.AddAllocation(20)
	stats.AddUnusedRange(500)

	var other memutils.DetailedStatistics
	other.Clear()
	other.BlockCount = 2
	other.BlockBytes = 2048
	other.AddUnusedRange(7)
	other.AddAllocation(300)

	stats.AddDetailedStatistics(&other)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      2,
			BlockBytes:      2048,
			AllocationCount: 3,
			AllocationBytes: 420,
		},
		UnusedRangeCount:   2,
		UnusedBytes:        507,
		AllocationSizeMin:  20,
		AllocationSizeMax:  300,
		UnusedRangeSizeMin: 7,
		UnusedRangeSizeMax: 500,
	}, stats)
}
