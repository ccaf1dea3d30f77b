package provider

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/sbrk/memutils"
)

// MaxSliceBytes is the largest managed range a SliceProvider will ever hold: 1 TiB on 64-bit
// platforms and 1 GiB on 32-bit ones. Growth past it fails with memutils.ErrOutOfMemory
// instead of reaching the runtime's allocation limits.
const MaxSliceBytes = 1 << (30 + 10*(^uint(0)>>63))

// SliceProvider keeps the managed range in an ordinary Go byte slice. Because consumers address
// the range by offset, it is free to move the slice when it needs more capacity.
type SliceProvider struct {
	data  []byte
	limit int
}

var _ Provider = &SliceProvider{}

// NewSliceProvider creates an empty SliceProvider. Growth that would take the range past limit
// bytes fails with memutils.ErrOutOfMemory. A limit of 0, or one above MaxSliceBytes, selects
// MaxSliceBytes.
func NewSliceProvider(limit int) *SliceProvider {
	if limit <= 0 || limit > MaxSliceBytes {
		limit = MaxSliceBytes
	}
	return &SliceProvider{limit: limit}
}

func (p *SliceProvider) Grow(byteCount int) (int, error) {
	if byteCount < 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidSize, "cannot grow by %d bytes", byteCount)
	}

	offset := len(p.data)
	if byteCount > p.limit-offset {
		return 0, errors.Wrapf(memutils.ErrOutOfMemory, "growing by %d bytes would exceed the limit of %d bytes", byteCount, p.limit)
	}

	p.data = append(p.data, make([]byte, byteCount)...)
	return offset, nil
}

func (p *SliceProvider) Bytes() []byte {
	return p.data
}

func (p *SliceProvider) Size() int {
	return len(p.data)
}
