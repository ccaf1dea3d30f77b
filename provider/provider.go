// Package provider supplies the raw address range that an allocator carves into blocks. A
// Provider only ever grows: bytes it has handed out are never taken back.
package provider

//go:generate mockgen -destination mocks/mock_provider.go -package mock_provider github.com/vkngwrapper/sbrk/provider Provider

// Provider extends a single managed range on request. Offsets are positions within that range,
// starting at 0 for the first byte ever handed out.
type Provider interface {
	// Grow extends the managed range by byteCount bytes and returns the offset of the first
	// new byte. On failure the managed range is left untouched and the returned error
	// satisfies errors.Is(err, memutils.ErrOutOfMemory) when the range is exhausted.
	Grow(byteCount int) (int, error)
	// Bytes returns the whole managed range. The slice may be replaced by the next call to
	// Grow, so consumers should not retain it across growth.
	Bytes() []byte
	// Size returns the number of bytes handed out so far
	Size() int
}
