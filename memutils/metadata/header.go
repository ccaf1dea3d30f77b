package metadata

import (
	"encoding/binary"
	"fmt"

	"github.com/vkngwrapper/sbrk/memutils"
)

const (
	// HeaderSize is the number of bytes of metadata that precede every payload in the managed range
	HeaderSize = 24
	// NoBlock is the next-offset value of the last header in the managed range
	NoBlock = -1
)

const (
	flagsOffset    = 0
	canaryOffset   = 4
	capacityOffset = 8
	nextOffset     = 16
)

const (
	headerFlagFree uint32 = 1 << iota
	headerFlagAttached
)

// Header is a decoded block header. Changing a Header has no effect on the managed range until
// it is written back by FreeList.
type Header struct {
	// Offset is the position of the header's first byte within the managed range
	Offset int
	// Free indicates that the block is available to satisfy new requests
	Free bool
	// Attached indicates that the payload has been handed out to a caller. It is never set on
	// a free block.
	Attached bool
	// Capacity is the size in bytes of the payload, not counting the header itself
	Capacity int
	// Next is the offset of the following header, or NoBlock
	Next int
}

// PayloadOffset returns the offset of the first payload byte governed by this header
func (h Header) PayloadOffset() int {
	return h.Offset + HeaderSize
}

// End returns the offset one past the last payload byte governed by this header
func (h Header) End() int {
	return h.Offset + HeaderSize + h.Capacity
}

func (h Header) String() string {
	return fmt.Sprintf("block{offset=%d free=%t capacity=%d next=%d}", h.Offset, h.Free, h.Capacity, h.Next)
}

func decodeHeader(data []byte, offset int) Header {
	if offset < 0 || offset+HeaderSize > len(data) {
		panic(fmt.Sprintf("block header at offset %d lies outside the managed range of %d bytes", offset, len(data)))
	}

	raw := data[offset : offset+HeaderSize]
	flags := binary.LittleEndian.Uint32(raw[flagsOffset:])

	return Header{
		Offset:   offset,
		Free:     flags&headerFlagFree != 0,
		Attached: flags&headerFlagAttached != 0,
		Capacity: int(binary.LittleEndian.Uint64(raw[capacityOffset:])),
		Next:     int(int64(binary.LittleEndian.Uint64(raw[nextOffset:]))),
	}
}

func encodeHeader(data []byte, h Header) {
	if h.Offset < 0 || h.Offset+HeaderSize > len(data) {
		panic(fmt.Sprintf("block header at offset %d lies outside the managed range of %d bytes", h.Offset, len(data)))
	}

	raw := data[h.Offset : h.Offset+HeaderSize]

	var flags uint32
	if h.Free {
		flags |= headerFlagFree
	}
	if h.Attached {
		flags |= headerFlagAttached
	}

	binary.LittleEndian.PutUint32(raw[flagsOffset:], flags)
	binary.LittleEndian.PutUint64(raw[capacityOffset:], uint64(h.Capacity))
	binary.LittleEndian.PutUint64(raw[nextOffset:], uint64(int64(h.Next)))
	memutils.WriteMagicValue(data, h.Offset+canaryOffset)
}

func headerCanaryIntact(data []byte, offset int) bool {
	return memutils.ValidateMagicValue(data, offset+canaryOffset)
}
