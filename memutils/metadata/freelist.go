package metadata

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/sbrk/memutils"
)

// Memory is the managed range as seen by the free list. The slice returned from Bytes may be
// replaced whenever the range grows, so FreeList never holds on to it between calls.
type Memory interface {
	Bytes() []byte
}

// FreeList manages the block headers threaded through a managed range. Blocks form a singly
// linked list in ascending offset order that covers the whole range with no gaps: each block's
// payload is immediately followed by the next block's header.
//
// FreeList is the only type that reads or writes header bytes. It does not track the head of
// the list; every traversal receives the head offset from the caller.
type FreeList struct {
	memory Memory
}

func NewFreeList(memory Memory) *FreeList {
	return &FreeList{memory: memory}
}

// Header decodes the block header at the provided offset
func (l *FreeList) Header(offset int) Header {
	return decodeHeader(l.memory.Bytes(), offset)
}

func (l *FreeList) write(h Header) {
	encodeHeader(l.memory.Bytes(), h)
}

// CreateBlock initializes a free header at offset governing totalByteSize bytes, header included.
// The new block is not linked to any other block.
func (l *FreeList) CreateBlock(offset int, totalByteSize int) (Header, error) {
	if totalByteSize < HeaderSize {
		return Header{}, errors.Errorf("a block of %d bytes cannot hold a %d byte header", totalByteSize, HeaderSize)
	}

	block := Header{
		Offset:   offset,
		Free:     true,
		Capacity: totalByteSize - HeaderSize,
		Next:     NoBlock,
	}
	l.write(block)

	return block, nil
}

// Link threads block into the list directly after predecessor and returns the updated predecessor
func (l *FreeList) Link(predecessor Header, block Header) Header {
	block.Next = predecessor.Next
	predecessor.Next = block.Offset

	l.write(block)
	l.write(predecessor)

	return predecessor
}

// FindFreeBySize returns the first free block, in offset order, whose capacity is at least size
func (l *FreeList) FindFreeBySize(head int, size int) (Header, bool) {
	for offset := head; offset != NoBlock; {
		block := l.Header(offset)
		if block.Free && block.Capacity >= size {
			return block, true
		}

		offset = block.Next
	}

	return Header{}, false
}

// FindEnd returns the last block in the list
func (l *FreeList) FindEnd(head int) Header {
	block := l.Header(head)
	for block.Next != NoBlock {
		block = l.Header(block.Next)
	}

	return block
}

// ResolveByPayload returns the block whose attached payload begins at payloadOffset. Free blocks
// have no attached payload and never match.
func (l *FreeList) ResolveByPayload(head int, payloadOffset int) (Header, bool) {
	for offset := head; offset != NoBlock; {
		block := l.Header(offset)
		if block.Attached && block.PayloadOffset() == payloadOffset {
			return block, true
		}

		// Blocks are in offset order, so nothing further can match
		if block.PayloadOffset() > payloadOffset {
			break
		}

		offset = block.Next
	}

	return Header{}, false
}

// Reserve marks target as taken with an attached payload of size bytes. When the leftover
// capacity can hold a header and at least one payload byte, it is split off into a new free
// block directly after target. Otherwise target keeps its full capacity.
func (l *FreeList) Reserve(target Header, size int) Header {
	if size < 0 || target.Capacity < size {
		panic(fmt.Sprintf("cannot reserve %d bytes in %s", size, target))
	}

	target.Free = false
	target.Attached = true

	leftover := target.Capacity - size
	if leftover > HeaderSize {
		remainder := Header{
			Offset:   target.PayloadOffset() + size,
			Free:     true,
			Capacity: leftover - HeaderSize,
			Next:     target.Next,
		}
		l.write(remainder)

		target.Next = remainder.Offset
		target.Capacity = size
	}

	l.write(target)
	return target
}

// AbsorbNext folds the block following target into target when that block is free. It returns
// the updated target and whether anything was absorbed.
func (l *FreeList) AbsorbNext(target Header) (Header, bool) {
	if target.Next == NoBlock {
		return target, false
	}

	next := l.Header(target.Next)
	if !next.Free {
		return target, false
	}

	target.Capacity += next.Capacity + HeaderSize
	target.Next = next.Next
	l.write(target)

	return target, true
}

// Payload returns the payload bytes governed by block. The slice is only valid until the
// managed range next grows.
func (l *FreeList) Payload(block Header) []byte {
	data := l.memory.Bytes()
	return data[block.PayloadOffset():block.End():block.End()]
}

// CopyPayload copies all of source's payload into the start of destination's payload
func (l *FreeList) CopyPayload(source Header, destination Header) {
	if destination.Capacity < source.Capacity {
		panic(fmt.Sprintf("cannot copy %s into the smaller %s", source, destination))
	}

	copy(l.Payload(destination), l.Payload(source))
}

// MarkFree returns target to the pool of free blocks and detaches its payload. Adjacent free
// blocks are left alone; call CoalesceAdjacentFree afterward.
func (l *FreeList) MarkFree(target Header) Header {
	target.Free = true
	target.Attached = false
	l.write(target)

	return target
}

// CoalesceAdjacentFree makes a single forward pass over the list, merging every run of
// consecutive free blocks into the first block of the run. It returns the number of headers
// absorbed.
func (l *FreeList) CoalesceAdjacentFree(head int) int {
	merged := 0

	for offset := head; offset != NoBlock; {
		block := l.Header(offset)
		if block.Free {
			var absorbed bool
			block, absorbed = l.AbsorbNext(block)
			if absorbed {
				// Stay on the same block so longer runs collapse in this pass
				merged++
				continue
			}
		}

		offset = block.Next
	}

	return merged
}

// VisitAllRegions calls handleBlock once for every block in offset order without modifying them
func (l *FreeList) VisitAllRegions(head int, handleBlock func(block Header) error) error {
	for offset := head; offset != NoBlock; {
		block := l.Header(offset)
		err := handleBlock(block)
		if err != nil {
			return err
		}

		offset = block.Next
	}

	return nil
}

// AddStatistics sums the list's block and allocation totals into stats
func (l *FreeList) AddStatistics(head int, stats *memutils.Statistics) {
	_ = l.VisitAllRegions(head, func(block Header) error {
		stats.BlockCount++
		stats.BlockBytes += HeaderSize + block.Capacity

		if !block.Free {
			stats.AllocationCount++
			stats.AllocationBytes += block.Capacity
		}
		return nil
	})
}

// AddDetailedStatistics sums the list's detailed statistics into stats
func (l *FreeList) AddDetailedStatistics(head int, stats *memutils.DetailedStatistics) {
	_ = l.VisitAllRegions(head, func(block Header) error {
		stats.BlockCount++
		stats.BlockBytes += HeaderSize + block.Capacity

		if block.Free {
			stats.AddUnusedRange(block.Capacity)
		} else {
			stats.AddAllocation(block.Capacity)
		}
		return nil
	})
}

// BlockJsonData populates a json object with the totals and the block-by-block layout of the list
func (l *FreeList) BlockJsonData(head int, json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	l.AddDetailedStatistics(head, &stats)

	json.Name("TotalBytes").Int(stats.BlockBytes)
	json.Name("UnusedBytes").Int(stats.UnusedBytes)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)

	blocks := json.Name("Blocks").Array()
	defer blocks.End()

	_ = l.VisitAllRegions(head, func(block Header) error {
		obj := blocks.Object()
		defer obj.End()

		obj.Name("Offset").Int(block.Offset)
		if block.Free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("USED")
		}
		obj.Name("Size").Int(block.Capacity)
		return nil
	})
}

// Validate checks the structural invariants of the list: it must start at offset 0, cover the
// managed range exactly with no gaps or overlaps, never hold two free blocks side by side, and
// only attach payloads to taken blocks. Header canaries are checked in debug builds.
func (l *FreeList) Validate(head int) error {
	data := l.memory.Bytes()

	if head == NoBlock {
		if len(data) != 0 {
			return errors.Errorf("the managed range holds %d bytes but has no blocks", len(data))
		}
		return nil
	}

	if head != 0 {
		return errors.Errorf("the first block should have an offset of 0, but instead it has an offset of %d", head)
	}

	previousFree := false
	for offset := head; offset != NoBlock; {
		if offset+HeaderSize > len(data) {
			return errors.Errorf("block at offset %d does not fit in the managed range of %d bytes", offset, len(data))
		}
		if memutils.DebugChecks && !headerCanaryIntact(data, offset) {
			return errors.Errorf("memory corruption detected in the header at offset %d", offset)
		}

		block := decodeHeader(data, offset)
		if block.Capacity < 0 || block.End() > len(data) {
			return errors.Errorf("block at offset %d has capacity %d, which runs past the end of the managed range", offset, block.Capacity)
		}
		if block.Free && block.Attached {
			return errors.Errorf("block at offset %d is free but still has an attached payload", offset)
		}
		if !block.Free && !block.Attached {
			return errors.Errorf("block at offset %d is taken but has no attached payload", offset)
		}
		if block.Free && previousFree {
			return errors.Errorf("block at offset %d is free and follows another free block", offset)
		}

		if block.Next == NoBlock {
			if block.End() != len(data) {
				return errors.Errorf("the last block ends at offset %d, but the managed range is %d bytes", block.End(), len(data))
			}
		} else if block.Next != block.End() {
			return errors.Errorf("block at offset %d ends at offset %d, but the next block starts at offset %d", offset, block.End(), block.Next)
		}

		previousFree = block.Free
		offset = block.Next
	}

	return nil
}
