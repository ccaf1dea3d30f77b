package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/sbrk/alloc"
	"github.com/vkngwrapper/sbrk/memutils"
)

func init() {
	rootCmd.AddCommand(newReplayCmd())
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <trace>",
		Short: "Run an allocation trace and report the resulting heap",
		Long: `The replay command executes an allocation trace one line at a time and
finishes with a report of every block in the managed range.

Trace operations:
  alloc <name> <size>           Allocate size bytes and call the block name
  calloc <name> <count> <size>  Allocate count*size zeroed bytes
  realloc <name> <size>         Resize the named block, checking its contents survive
  free <name>                   Release the named block
  report                        Print the block map
  validate                      Check the heap's internal consistency

Every allocation is filled with a pattern derived from its name. The pattern is
checked after each realloc and before each free.

Example:
  heapctl replay workload.trace
  heapctl replay workload.trace --config heap.toml --json
  cat workload.trace | heapctl replay -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfiguration(configPath)
			if err != nil {
				return err
			}
			return runReplay(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], config, jsonOut, verbose)
		},
	}
	return cmd
}

func runReplay(out io.Writer, logOut io.Writer, tracePath string, config Configuration, json bool, verbose bool) (err error) {
	var input io.Reader = os.Stdin
	if tracePath != "-" {
		file, err := os.Open(tracePath)
		if err != nil {
			return errors.Wrapf(err, "failed to open trace %s", tracePath)
		}
		defer file.Close()
		input = file
	}

	ops, err := parseTrace(input)
	if err != nil {
		return err
	}

	level, err := config.logLevel()
	if err != nil {
		return err
	}

	p, closeProvider, err := config.newProvider()
	if err != nil {
		return err
	}
	defer releaseProvider(closeProvider, &err)

	allocator, err := alloc.New(newLogger(logOut, level, verbose), p, config.createOptions())
	if err != nil {
		return err
	}

	r := newReplayer(allocator, out, json)
	for _, op := range ops {
		err = r.apply(op)
		if err != nil {
			return errors.Wrapf(err, "line %d: %s", op.Line, op.Kind)
		}
	}

	err = r.report()
	if err != nil {
		return err
	}

	if !json {
		var stats memutils.Statistics
		allocator.CalculateBasicStatistics(&stats)
		_, err = fmt.Fprintf(out, "\nReplayed %d operations, %d live allocations (%d bytes), heap size %d bytes\n",
			len(ops), stats.AllocationCount, stats.AllocationBytes, stats.BlockBytes)
	}
	return err
}

// releaseProvider runs closeProvider and reports its failure through err unless err already
// holds an earlier failure
func releaseProvider(closeProvider func() error, err *error) {
	closeErr := closeProvider()
	if closeErr != nil && *err == nil {
		*err = errors.Wrap(closeErr, "failed to release the managed range")
	}
}

// namedAllocation tracks a live allocation created by a trace
type namedAllocation struct {
	handle alloc.Handle
	size   int
	seed   uint64
	digest uint64
}

type replayer struct {
	allocator *alloc.Allocator
	live      *swiss.Map[string, namedAllocation]
	out       io.Writer
	json      bool
}

func newReplayer(allocator *alloc.Allocator, out io.Writer, json bool) *replayer {
	return &replayer{
		allocator: allocator,
		live:      swiss.NewMap[string, namedAllocation](64),
		out:       out,
		json:      json,
	}
}

// pattern returns the first n bytes of the fill pattern for seed
func pattern(seed uint64, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(seed>>(8*(i%8))) ^ byte(i)
	}
	return data
}

func (r *replayer) apply(op traceOp) error {
	switch op.Kind {
	case opAlloc:
		if r.live.Has(op.Name) {
			return errors.Newf("%s is already allocated", op.Name)
		}
		handle, err := r.allocator.Allocate(op.Size)
		if err != nil {
			return err
		}
		return r.fill(op.Name, handle, op.Size)
	case opCalloc:
		if r.live.Has(op.Name) {
			return errors.Newf("%s is already allocated", op.Name)
		}
		handle, err := r.allocator.ZeroAllocate(op.Count, op.Size)
		if err != nil {
			return err
		}
		payload, err := r.allocator.Bytes(handle)
		if err != nil {
			return err
		}
		for i, b := range payload {
			if b != 0 {
				return errors.Newf("%s byte %d is %#x instead of zero", op.Name, i, b)
			}
		}
		return r.fill(op.Name, handle, op.Count*op.Size)
	case opRealloc:
		allocation, ok := r.live.Get(op.Name)
		if !ok {
			return errors.Newf("%s is not allocated", op.Name)
		}
		handle, err := r.allocator.Resize(allocation.handle, op.Size)
		if err != nil {
			return err
		}
		err = r.check(op.Name, handle, allocation.seed, min(allocation.size, op.Size))
		if err != nil {
			return err
		}
		return r.fill(op.Name, handle, op.Size)
	case opFree:
		allocation, ok := r.live.Get(op.Name)
		if !ok {
			return errors.Newf("%s is not allocated", op.Name)
		}
		payload, err := r.allocator.Bytes(allocation.handle)
		if err != nil {
			return err
		}
		if xxhash.Sum64(payload[:allocation.size]) != allocation.digest {
			return errors.Newf("%s was corrupted while it was live", op.Name)
		}
		err = r.allocator.Release(allocation.handle)
		if err != nil {
			return err
		}
		r.live.Delete(op.Name)
		return nil
	case opReport:
		return r.report()
	case opValidate:
		return r.allocator.Validate()
	}

	return errors.Newf("unknown operation %d", op.Kind)
}

// fill writes name's pattern over the first size bytes of handle's payload and records it
func (r *replayer) fill(name string, handle alloc.Handle, size int) error {
	payload, err := r.allocator.Bytes(handle)
	if err != nil {
		return err
	}

	seed := xxhash.Sum64String(name)
	copy(payload, pattern(seed, size))

	r.live.Put(name, namedAllocation{
		handle: handle,
		size:   size,
		seed:   seed,
		digest: xxhash.Sum64(payload[:size]),
	})
	return nil
}

// check verifies the first n bytes of handle's payload still hold the pattern for seed
func (r *replayer) check(name string, handle alloc.Handle, seed uint64, n int) error {
	payload, err := r.allocator.Bytes(handle)
	if err != nil {
		return err
	}

	if xxhash.Sum64(payload[:n]) != xxhash.Sum64(pattern(seed, n)) {
		return errors.Newf("the first %d bytes of %s did not survive the resize", n, name)
	}
	return nil
}

func (r *replayer) report() error {
	if !r.json {
		return r.allocator.Report(r.out)
	}

	stats, err := r.allocator.BuildStatsString()
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(r.out, stats)
	return err
}
