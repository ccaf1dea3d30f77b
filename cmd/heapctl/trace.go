package main

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

type opKind int

const (
	opAlloc opKind = iota
	opCalloc
	opRealloc
	opFree
	opReport
	opValidate
)

var opKindNames = map[opKind]string{
	opAlloc:    "alloc",
	opCalloc:   "calloc",
	opRealloc:  "realloc",
	opFree:     "free",
	opReport:   "report",
	opValidate: "validate",
}

func (k opKind) String() string {
	return opKindNames[k]
}

// traceOp is a single line of an allocation trace
type traceOp struct {
	Line  int
	Kind  opKind
	Name  string
	Count int
	Size  int
}

// parseTrace reads one operation per line. Blank lines and lines starting with # are skipped.
//
//	alloc <name> <size>
//	calloc <name> <count> <size>
//	realloc <name> <size>
//	free <name>
//	report
//	validate
func parseTrace(r io.Reader) ([]traceOp, error) {
	var ops []traceOp

	scanner := bufio.NewScanner(r)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}

		op, err := parseOp(lineNumber, fields)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read trace")
	}

	return ops, nil
}

func parseOp(line int, fields []string) (traceOp, error) {
	op := traceOp{Line: line}

	var sizes []string
	switch fields[0] {
	case "alloc":
		op.Kind = opAlloc
		if len(fields) != 3 {
			return op, errors.Newf("line %d: usage: alloc <name> <size>", line)
		}
		op.Name, sizes = fields[1], fields[2:]
	case "calloc":
		op.Kind = opCalloc
		if len(fields) != 4 {
			return op, errors.Newf("line %d: usage: calloc <name> <count> <size>", line)
		}
		op.Name, sizes = fields[1], fields[2:]
	case "realloc":
		op.Kind = opRealloc
		if len(fields) != 3 {
			return op, errors.Newf("line %d: usage: realloc <name> <size>", line)
		}
		op.Name, sizes = fields[1], fields[2:]
	case "free":
		op.Kind = opFree
		if len(fields) != 2 {
			return op, errors.Newf("line %d: usage: free <name>", line)
		}
		op.Name = fields[1]
	case "report", "validate":
		op.Kind = opReport
		if fields[0] == "validate" {
			op.Kind = opValidate
		}
		if len(fields) != 1 {
			return op, errors.Newf("line %d: %s takes no arguments", line, fields[0])
		}
	default:
		return op, errors.Newf("line %d: unknown operation %q", line, fields[0])
	}

	values := make([]int, len(sizes))
	for i, field := range sizes {
		value, err := strconv.Atoi(field)
		if err != nil || value < 0 {
			return op, errors.Newf("line %d: %q is not a valid size", line, field)
		}
		values[i] = value
	}

	switch len(values) {
	case 1:
		op.Size = values[0]
	case 2:
		op.Count, op.Size = values[0], values[1]
	}

	return op, nil
}
