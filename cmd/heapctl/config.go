package main

import (
	"log/slog"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/sbrk/alloc"
	"github.com/vkngwrapper/sbrk/provider"
)

const (
	providerSlice = "slice"
	providerMmap  = "mmap"
)

// Configuration selects the provider and allocator options heapctl runs with
type Configuration struct {
	Provider               string `toml:"provider"`                // "slice" or "mmap"
	Reserve                int    `toml:"reserve"`                 // Bytes of address space reserved by the mmap provider
	InitialChunkSize       int    `toml:"initial_chunk_size"`      // Zero selects alloc.DefaultInitialChunkSize
	HeapSizeLimit          int    `toml:"heap_size_limit"`         // Zero means unlimited
	ExternallySynchronized bool   `toml:"externally_synchronized"` // Skip the allocator's internal mutex
	LogLevel               string `toml:"log_level"`               // debug, info, warn or error
}

func defaultConfiguration() Configuration {
	return Configuration{
		Provider: providerSlice,
		Reserve:  64 << 20,
		LogLevel: "warn",
	}
}

// loadConfiguration decodes the file at path over the defaults. An empty path returns the
// defaults unchanged.
func loadConfiguration(path string) (Configuration, error) {
	config := defaultConfiguration()
	if path == "" {
		return config, nil
	}

	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return config, errors.Wrapf(err, "failed to decode config %s", path)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return config, errors.Newf("unknown keys in config %s: %s", path, strings.Join(keys, ", "))
	}

	return config, config.validate()
}

func (c Configuration) validate() error {
	switch c.Provider {
	case providerSlice:
	case providerMmap:
		if c.Reserve <= 0 {
			return errors.Newf("reserve must be positive for the mmap provider, got %d", c.Reserve)
		}
	default:
		return errors.Newf("unknown provider: %s (must be %s or %s)", c.Provider, providerSlice, providerMmap)
	}

	_, err := c.logLevel()
	return err
}

func (c Configuration) logLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	if err != nil {
		return level, errors.Wrapf(err, "invalid log_level %q", c.LogLevel)
	}

	return level, nil
}

func (c Configuration) createOptions() alloc.CreateOptions {
	options := alloc.CreateOptions{
		InitialChunkSize: c.InitialChunkSize,
		HeapSizeLimit:    c.HeapSizeLimit,
	}
	if c.ExternallySynchronized {
		options.Flags |= alloc.AllocatorCreateExternallySynchronized
	}

	return options
}

// newProvider builds the configured provider along with a function that releases it
func (c Configuration) newProvider() (provider.Provider, func() error, error) {
	switch c.Provider {
	case providerMmap:
		p, err := provider.NewMmapProvider(c.Reserve)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case providerSlice:
		return provider.NewSliceProvider(0), func() error { return nil }, nil
	}

	return nil, nil, errors.Newf("unknown provider: %s", c.Provider)
}
