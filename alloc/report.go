package alloc

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/sbrk/memutils"
	"github.com/vkngwrapper/sbrk/memutils/metadata"
)

// BlockInfo describes one block of the managed range
type BlockInfo struct {
	// Offset is the position of the block's header within the managed range
	Offset int
	// Handle is the payload handle of the block. It is only meaningful while the block is taken.
	Handle   Handle
	Free     bool
	Capacity int
}

// VisitBlocks calls visit once for each block of the managed range in address order. Returning
// an error from visit stops the walk and returns that error.
func (a *Allocator) VisitBlocks(visit func(block BlockInfo) error) error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.head == metadata.NoBlock {
		return nil
	}

	return a.freeList.VisitAllRegions(a.head, func(block metadata.Header) error {
		return visit(BlockInfo{
			Offset:   block.Offset,
			Handle:   Handle(block.PayloadOffset()),
			Free:     block.Free,
			Capacity: block.Capacity,
		})
	})
}

// CalculateBasicStatistics overwrites stats with block and allocation totals for the managed range
func (a *Allocator) CalculateBasicStatistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.Clear()
	if a.head == metadata.NoBlock {
		return
	}

	a.freeList.AddStatistics(a.head, stats)
}

// CalculateStatistics overwrites stats with the current totals for the managed range
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.Clear()
	if a.head == metadata.NoBlock {
		return
	}

	a.freeList.AddDetailedStatistics(a.head, stats)
}

// Report writes one line per block of the managed range followed by free and occupied totals
func (a *Allocator) Report(w io.Writer) error {
	var stats memutils.DetailedStatistics
	stats.Clear()

	err := a.VisitBlocks(func(block BlockInfo) error {
		status := "FALSE"
		if block.Free {
			status = "TRUE"
			stats.AddUnusedRange(block.Capacity)
		} else {
			stats.AddAllocation(block.Capacity)
		}

		_, err := fmt.Fprintf(w, "Address:0x%06x\tFree Status:%s\tSize:%d\n", block.Offset, status, block.Capacity)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "failed to write block report")
	}

	_, err = fmt.Fprintf(w, "\nTotal free blocks:%d\tTotal Free Space:%d\nTotal Occupied blocks:%d\tTotal Occupied space:%d\n",
		stats.UnusedRangeCount, stats.UnusedBytes, stats.AllocationCount, stats.AllocationBytes)
	return errors.Wrap(err, "failed to write block report")
}

// PrintDetailedMap writes a json object describing every block in the managed range
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("Flags").String(a.createFlags.String())
	objState.Name("HeaderSize").Int(metadata.HeaderSize)
	a.freeList.BlockJsonData(a.head, objState)
}

// BuildStatsString returns the output of PrintDetailedMap as a string
func (a *Allocator) BuildStatsString() (string, error) {
	writer := jwriter.NewWriter()
	a.PrintDetailedMap(&writer)

	err := writer.Error()
	if err != nil {
		return "", err
	}

	return string(writer.Bytes()), nil
}

// Validate performs internal consistency checks on the managed range. When the allocator is
// functioning correctly, it should not be possible for this method to return an error.
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.validate()
}

func (a *Allocator) validate() error {
	if a.heapSizeLimit > 0 && a.provider.Size() > a.heapSizeLimit {
		return errors.Newf("the managed range is %d bytes, which exceeds the heap size limit of %d bytes", a.provider.Size(), a.heapSizeLimit)
	}

	return a.freeList.Validate(a.head)
}
