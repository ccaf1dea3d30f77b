package alloc

import (
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/sbrk/alloc/internal/utils"
	"github.com/vkngwrapper/sbrk/memutils/metadata"
	"github.com/vkngwrapper/sbrk/provider"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism, but performance may improve because the internal
	// mutex is not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	AllocatorCreateExternallySynchronized: "AllocatorCreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	var names []string
	for flag, name := range createFlagsMapping {
		if f&flag != 0 {
			names = append(names, name)
		}
	}

	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

const (
	// DefaultInitialChunkSize is the number of bytes requested from the provider the first
	// time an allocator needs memory, when none is provided via CreateOptions
	DefaultInitialChunkSize int = 2048
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// InitialChunkSize is the number of bytes requested from the provider on first use. It
	// must be at least metadata.HeaderSize. Zero selects DefaultInitialChunkSize.
	InitialChunkSize int

	// HeapSizeLimit caps the total number of bytes the allocator will ever request from its
	// provider, header overhead included. Requests that would cross the limit fail with
	// memutils.ErrOutOfMemory. Zero means no limit beyond the provider's own.
	HeapSizeLimit int

	// GrowthCallbacks is an optional set of callbacks that will be executed each time the
	// allocator extends its managed range
	GrowthCallbacks *GrowthCallbackOptions
}

// New creates a new Allocator that carves its blocks out of the range supplied by p. The
// provider must not have handed out any memory yet.
//
// logger - Receives growth, exhaustion and invalid-handle events. slog.Default() is used when nil.
//
// p - The provider the managed range is grown from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, p provider.Provider, options CreateOptions) (*Allocator, error) {
	if p == nil {
		return nil, errors.New("a provider is required to create an allocator")
	}
	if p.Size() != 0 {
		return nil, errors.Newf("the provider has already handed out %d bytes", p.Size())
	}
	if logger == nil {
		logger = slog.Default()
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		logger:      logger,
		mutex:       utils.OptionalRWMutex{UseMutex: useMutex},
		createFlags: options.Flags,
		provider:    p,
		freeList:    metadata.NewFreeList(p),
		head:        metadata.NoBlock,

		heapSizeLimit: options.HeapSizeLimit,
	}

	if options.InitialChunkSize == 0 {
		allocator.initialChunkSize = DefaultInitialChunkSize
	} else {
		allocator.initialChunkSize = options.InitialChunkSize
	}

	if allocator.initialChunkSize < metadata.HeaderSize {
		return nil, errors.Newf("CreateOptions.InitialChunkSize is %d, but it must be at least %d", allocator.initialChunkSize, metadata.HeaderSize)
	}
	if options.HeapSizeLimit < 0 {
		return nil, errors.Newf("CreateOptions.HeapSizeLimit is %d, but it cannot be negative", options.HeapSizeLimit)
	}

	allocator.growthCallbacks = &growthCallbacks{
		Callbacks: options.GrowthCallbacks,
		Allocator: allocator,
	}

	return allocator, nil
}
