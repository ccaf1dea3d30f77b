// Package alloc provides a first-fit heap allocator over a single managed range that grows on
// demand and is never returned to its provider.
package alloc

import (
	"context"
	"log/slog"
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/sbrk/alloc/internal/utils"
	"github.com/vkngwrapper/sbrk/memutils"
	"github.com/vkngwrapper/sbrk/memutils/metadata"
	"github.com/vkngwrapper/sbrk/provider"
)

// Handle identifies a live allocation. It is the offset of the allocation's first payload
// byte within the managed range and stays valid until the allocation is released or moved
// by Resize.
type Handle int

// NilHandle is the zero Handle. It never refers to an allocation.
const NilHandle Handle = 0

// Allocator hands out blocks from a managed range obtained from a provider.Provider. Its methods
// are safe for concurrent use unless the allocator was created with
// AllocatorCreateExternallySynchronized.
//
// Slices returned from Bytes are not covered by that guarantee. A provider that moves its range
// when it grows, such as provider.SliceProvider, leaves earlier slices pointing at memory the
// allocator no longer uses, so writes through them are lost. Goroutines sharing an allocator
// should reach payloads through Read and Write, which resolve the handle under the lock.
type Allocator struct {
	logger      *slog.Logger
	mutex       utils.OptionalRWMutex
	createFlags CreateFlags

	provider provider.Provider
	freeList *metadata.FreeList
	// head is metadata.NoBlock until the first request bootstraps the managed range
	head int

	initialChunkSize int
	heapSizeLimit    int
	growthCallbacks  *growthCallbacks
}

type rangeValidator struct {
	allocator *Allocator
}

func (v rangeValidator) Validate() error {
	return v.allocator.validate()
}

func checkSize(size int) error {
	if size < 0 || size > math.MaxInt-metadata.HeaderSize {
		return errors.Wrapf(memutils.ErrInvalidSize, "size %d", size)
	}
	return nil
}

// grow extends the managed range by byteCount bytes and wraps the new bytes in a single free
// block that is not yet linked into the list
func (a *Allocator) grow(byteCount int) (metadata.Header, error) {
	if a.heapSizeLimit > 0 && byteCount > a.heapSizeLimit-a.provider.Size() {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[OUT OF MEMORY] heap size limit reached",
			slog.Int("Requested", byteCount),
			slog.Int("Size", a.provider.Size()),
			slog.Int("Limit", a.heapSizeLimit),
		)
		return metadata.Header{}, errors.Wrapf(memutils.ErrOutOfMemory, "growing by %d bytes would exceed the heap size limit of %d bytes", byteCount, a.heapSizeLimit)
	}

	offset, err := a.provider.Grow(byteCount)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[OUT OF MEMORY] provider could not grow the managed range",
			slog.Int("Requested", byteCount),
			slog.Int("Size", a.provider.Size()),
			slog.Any("error", err),
		)
		if !errors.Is(err, memutils.ErrOutOfMemory) {
			err = errors.Mark(err, memutils.ErrOutOfMemory)
		}
		return metadata.Header{}, err
	}

	block, err := a.freeList.CreateBlock(offset, byteCount)
	if err != nil {
		return metadata.Header{}, err
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::grow",
		slog.Int("Offset", offset),
		slog.Int("Size", byteCount),
	)
	a.growthCallbacks.Grow(offset, byteCount)

	return block, nil
}

// growAtEnd grows the managed range by exactly enough for a size-byte payload and appends the
// new free block to the end of the list
func (a *Allocator) growAtEnd(size int) (metadata.Header, error) {
	tail := a.freeList.FindEnd(a.head)

	block, err := a.grow(size + metadata.HeaderSize)
	if err != nil {
		return metadata.Header{}, err
	}

	a.freeList.Link(tail, block)
	return block, nil
}

func (a *Allocator) allocate(size int) (metadata.Header, error) {
	err := checkSize(size)
	if err != nil {
		return metadata.Header{}, err
	}

	if a.head == metadata.NoBlock {
		first, err := a.grow(a.initialChunkSize)
		if err != nil {
			return metadata.Header{}, err
		}
		a.head = first.Offset
	}

	block, found := a.freeList.FindFreeBySize(a.head, size)
	if !found {
		block, err = a.growAtEnd(size)
		if err != nil {
			return metadata.Header{}, err
		}
	}

	block = a.freeList.Reserve(block, size)
	memutils.DebugValidate(rangeValidator{a})

	return block, nil
}

func (a *Allocator) resolve(handle Handle, operation string) (metadata.Header, error) {
	if a.head != metadata.NoBlock {
		block, found := a.freeList.ResolveByPayload(a.head, int(handle))
		if found {
			return block, nil
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelWarn, "[INVALID POINTER] handle does not refer to a live allocation",
		slog.String("Operation", operation),
		slog.Int("Handle", int(handle)),
	)
	return metadata.Header{}, errors.Wrapf(memutils.ErrInvalidPointer, "%s of handle %d", operation, handle)
}

// Allocate reserves a block with at least size bytes of payload and returns its handle. The
// first free block large enough is used; if there is none, the managed range is grown by
// exactly size bytes plus one header. Growth failure returns memutils.ErrOutOfMemory and leaves
// the managed range unchanged.
func (a *Allocator) Allocate(size int) (Handle, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, err := a.allocate(size)
	if err != nil {
		return NilHandle, err
	}

	return Handle(block.PayloadOffset()), nil
}

// ZeroAllocate reserves a block for count elements of size bytes each and sets every payload
// byte of the block to zero
func (a *Allocator) ZeroAllocate(count int, size int) (Handle, error) {
	if count < 0 || size < 0 {
		return NilHandle, errors.Wrapf(memutils.ErrInvalidSize, "%d elements of %d bytes", count, size)
	}

	hi, total := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 || total > math.MaxInt {
		return NilHandle, errors.Wrapf(memutils.ErrInvalidSize, "%d elements of %d bytes overflows", count, size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, err := a.allocate(int(total))
	if err != nil {
		return NilHandle, err
	}

	clear(a.freeList.Payload(block))
	return Handle(block.PayloadOffset()), nil
}

// Resize changes the payload size of the allocation behind handle and returns the handle to use
// from then on.
//
// Shrinking and growing into a free block that directly follows the allocation both happen in
// place and return handle unchanged. Otherwise the payload is copied into the first free block
// large enough (growing the managed range if there is none), the old block is released, and
// the new handle is returned.
//
// Resizing NilHandle does nothing and returns NilHandle. A handle that does not refer to a live
// allocation returns memutils.ErrInvalidPointer, and growth failure returns
// memutils.ErrOutOfMemory; in both cases handle is returned and nothing changes.
func (a *Allocator) Resize(handle Handle, size int) (Handle, error) {
	if handle == NilHandle {
		return handle, nil
	}

	err := checkSize(size)
	if err != nil {
		return handle, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, err := a.resolve(handle, "resize")
	if err != nil {
		return handle, err
	}

	if size == block.Capacity {
		return handle, nil
	}

	if size < block.Capacity {
		a.freeList.Reserve(block, size)
		a.freeList.CoalesceAdjacentFree(a.head)
		memutils.DebugValidate(rangeValidator{a})
		return handle, nil
	}

	// Grow in place when the following free block makes up the difference
	if block.Next != metadata.NoBlock {
		next := a.freeList.Header(block.Next)
		if next.Free && block.Capacity+metadata.HeaderSize+next.Capacity >= size {
			block, _ = a.freeList.AbsorbNext(block)
			a.freeList.Reserve(block, size)
			memutils.DebugValidate(rangeValidator{a})
			return handle, nil
		}
	}

	target, found := a.freeList.FindFreeBySize(a.head, size)
	if !found {
		target, err = a.growAtEnd(size)
		if err != nil {
			return handle, err
		}
	}
	target = a.freeList.Reserve(target, size)

	// Linking a grown block may have rewritten this block's next offset
	block = a.freeList.Header(block.Offset)
	a.freeList.CopyPayload(block, target)
	a.freeList.MarkFree(block)
	a.freeList.CoalesceAdjacentFree(a.head)
	memutils.DebugValidate(rangeValidator{a})

	return Handle(target.PayloadOffset()), nil
}

// Release returns the allocation behind handle to the pool of free blocks and merges it with
// any free neighbors. Releasing NilHandle does nothing. A handle that does not refer to a live
// allocation, including one that was already released, returns memutils.ErrInvalidPointer and
// changes nothing.
func (a *Allocator) Release(handle Handle) error {
	if handle == NilHandle {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, err := a.resolve(handle, "release")
	if err != nil {
		return err
	}

	a.freeList.MarkFree(block)
	a.freeList.CoalesceAdjacentFree(a.head)
	memutils.DebugValidate(rangeValidator{a})

	return nil
}

// Bytes returns the payload of the allocation behind handle. Its length is the allocation's
// capacity, which may exceed the size that was requested. The slice must not be used after
// the next call that allocates, resizes or releases, including calls made by other goroutines.
func (a *Allocator) Bytes(handle Handle) ([]byte, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	block, err := a.resolve(handle, "bytes")
	if err != nil {
		return nil, err
	}

	return a.freeList.Payload(block), nil
}

func (a *Allocator) payloadFrom(handle Handle, offset int, operation string) ([]byte, error) {
	block, err := a.resolve(handle, operation)
	if err != nil {
		return nil, err
	}

	if offset < 0 || offset > block.Capacity {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "%s at offset %d of a %d byte payload", operation, offset, block.Capacity)
	}

	return a.freeList.Payload(block)[offset:], nil
}

// Read copies payload bytes of the allocation behind handle, starting offset bytes in, into dst.
// It returns the number of bytes copied, which is less than len(dst) when the payload ends first.
func (a *Allocator) Read(handle Handle, offset int, dst []byte) (int, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	payload, err := a.payloadFrom(handle, offset, "read")
	if err != nil {
		return 0, err
	}

	return copy(dst, payload), nil
}

// Write copies src into the payload of the allocation behind handle, starting offset bytes in.
// It returns the number of bytes written, which is less than len(src) when the payload ends
// first. Concurrent writes to the same allocation must be ordered by the caller.
func (a *Allocator) Write(handle Handle, offset int, src []byte) (int, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	payload, err := a.payloadFrom(handle, offset, "write")
	if err != nil {
		return 0, err
	}

	return copy(payload, src), nil
}

// Capacity returns the payload size of the allocation behind handle
func (a *Allocator) Capacity(handle Handle) (int, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	block, err := a.resolve(handle, "capacity")
	if err != nil {
		return 0, err
	}

	return block.Capacity, nil
}

// Size returns the total number of bytes in the managed range, headers included
func (a *Allocator) Size() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.provider.Size()
}

// Flags returns the flags the allocator was created with
func (a *Allocator) Flags() CreateFlags {
	return a.createFlags
}
