//go:build linux || darwin || freebsd || netbsd || openbsd

package provider

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/sbrk/memutils"
	"golang.org/x/sys/unix"
)

// MmapProvider reserves a fixed span of virtual address space up front and commits it page by
// page as the break advances, the way sbrk extends a data segment. The base address never
// moves, so slices returned from Bytes stay valid for the life of the provider.
type MmapProvider struct {
	reserved  []byte
	brk       int
	committed int
	pageSize  int
}

var _ Provider = &MmapProvider{}

// NewMmapProvider reserves reserve bytes of address space. Nothing is readable or writable until
// Grow commits it.
func NewMmapProvider(reserve int) (*MmapProvider, error) {
	pageSize := unix.Getpagesize()
	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, err
	}

	if reserve <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidSize, "cannot reserve %d bytes", reserve)
	}
	reserve = memutils.AlignUp(reserve, pageSize)

	reserved, err := unix.Mmap(-1, 0, reserve, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap: failed to reserve %d bytes", reserve)
	}

	return &MmapProvider{
		reserved: reserved,
		pageSize: pageSize,
	}, nil
}

func (p *MmapProvider) Grow(byteCount int) (int, error) {
	if p.reserved == nil {
		return 0, errors.New("mmap: provider is closed")
	}
	if byteCount < 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidSize, "cannot grow by %d bytes", byteCount)
	}

	offset := p.brk
	if byteCount > len(p.reserved)-offset {
		return 0, errors.Wrapf(memutils.ErrOutOfMemory, "growing by %d bytes would exceed the %d byte reservation", byteCount, len(p.reserved))
	}

	newBrk := offset + byteCount
	if newBrk > p.committed {
		newCommitted := memutils.AlignUp(newBrk, p.pageSize)
		if newCommitted > len(p.reserved) {
			newCommitted = len(p.reserved)
		}

		err := unix.Mprotect(p.reserved[p.committed:newCommitted], unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return 0, errors.Mark(errors.Wrapf(err, "mmap: failed to commit %d bytes", newCommitted-p.committed), memutils.ErrOutOfMemory)
		}
		p.committed = newCommitted
	}

	p.brk = newBrk
	return offset, nil
}

func (p *MmapProvider) Bytes() []byte {
	return p.reserved[:p.brk:p.brk]
}

func (p *MmapProvider) Size() int {
	return p.brk
}

// Reserved returns the number of bytes of address space held by the provider
func (p *MmapProvider) Reserved() int {
	return len(p.reserved)
}

// Close releases the whole reservation. Any slice previously returned from Bytes must not be
// used afterward.
func (p *MmapProvider) Close() error {
	if p.reserved == nil {
		return nil
	}

	err := unix.Munmap(p.reserved)
	if err != nil {
		return errors.Wrap(err, "mmap: failed to unmap memory")
	}

	p.reserved = nil
	p.brk = 0
	p.committed = 0
	return nil
}
