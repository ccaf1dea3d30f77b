package alloc

import (
	"io"
	"sync"

	"github.com/vkngwrapper/sbrk/provider"
)

var (
	defaultOnce      sync.Once
	defaultAllocator *Allocator
	defaultErr       error
)

// DefaultHeapReserve is the largest managed range the process-wide allocator will grow to
const DefaultHeapReserve int = 1 << 30

func newDefaultProvider() provider.Provider {
	p, err := provider.NewMmapProvider(DefaultHeapReserve)
	if err != nil {
		return provider.NewSliceProvider(DefaultHeapReserve)
	}
	return p
}

// Default returns the process-wide allocator, creating it on first use. Where anonymous memory
// maps are available it grows a provider.MmapProvider reserving DefaultHeapReserve bytes, so its
// payloads never move; elsewhere it grows a provider.SliceProvider limited to the same size.
// Requests beyond the reserve fail with memutils.ErrOutOfMemory. It logs to slog.Default() and
// is never torn down.
func Default() (*Allocator, error) {
	defaultOnce.Do(func() {
		defaultAllocator, defaultErr = New(nil, newDefaultProvider(), CreateOptions{})
	})

	return defaultAllocator, defaultErr
}

// Allocate calls Allocate on the process-wide allocator
func Allocate(size int) (Handle, error) {
	a, err := Default()
	if err != nil {
		return NilHandle, err
	}
	return a.Allocate(size)
}

// ZeroAllocate calls ZeroAllocate on the process-wide allocator
func ZeroAllocate(count int, size int) (Handle, error) {
	a, err := Default()
	if err != nil {
		return NilHandle, err
	}
	return a.ZeroAllocate(count, size)
}

// Resize calls Resize on the process-wide allocator
func Resize(handle Handle, size int) (Handle, error) {
	a, err := Default()
	if err != nil {
		return handle, err
	}
	return a.Resize(handle, size)
}

// Release calls Release on the process-wide allocator
func Release(handle Handle) error {
	a, err := Default()
	if err != nil {
		return err
	}
	return a.Release(handle)
}

// Report calls Report on the process-wide allocator
func Report(w io.Writer) error {
	a, err := Default()
	if err != nil {
		return err
	}
	return a.Report(w)
}
