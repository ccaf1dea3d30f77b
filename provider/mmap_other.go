//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package provider

import "github.com/cockroachdb/errors"

// MmapProvider is unavailable on this platform
type MmapProvider struct {
	SliceProvider
}

// NewMmapProvider always fails on platforms without anonymous mmap support
func NewMmapProvider(reserve int) (*MmapProvider, error) {
	return nil, errors.New("mmap: anonymous memory maps are not supported on this platform")
}

func (p *MmapProvider) Reserved() int {
	return 0
}

func (p *MmapProvider) Close() error {
	return nil
}
