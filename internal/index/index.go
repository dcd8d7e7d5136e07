// Package index implements hyperslab index arithmetic shared by the array
// composition layers: slice-expression composition, decomposition of
// rectangular requests into contiguous runs, and n-dimensional block copies.
package index

import (
	"errors"
	"fmt"
)

// Spec selects indices from one parent dimension.
//
// The selected parent indices are Start, Start+Step, ..., Start+(Count-1)*Step.
// A Point spec selects exactly one index and drops the dimension from the
// derived shape.
type Spec struct {
	Start int
	Count int
	Step  int
	Point bool
}

// Full selects every index of a dimension of length n.
func Full(n int) Spec {
	return Spec{Start: 0, Count: n, Step: 1}
}

// Last returns the last parent index selected by the spec.
func (s Spec) Last() int {
	return s.Start + (s.Count-1)*s.Step
}

// Validate checks every spec against the parent shape. It returns the
// offending dimension and a descriptive error, or (-1, nil).
func Validate(specs []Spec, parentShape []int) (int, error) {
	if len(specs) != len(parentShape) {
		return -1, fmt.Errorf("rank mismatch: %d specs for rank-%d parent", len(specs), len(parentShape))
	}
	for d, s := range specs {
		switch {
		case s.Step < 1:
			return d, fmt.Errorf("step %d must be >= 1", s.Step)
		case s.Count < 1:
			return d, fmt.Errorf("count %d must be >= 1", s.Count)
		case s.Start < 0 || s.Last() >= parentShape[d]:
			return d, fmt.Errorf("selection [%d:%d:%d] outside dimension length %d",
				s.Start, s.Last()+1, s.Step, parentShape[d])
		}
	}
	return -1, nil
}

// Shape returns the lengths of the non-point dimensions, in order.
func Shape(specs []Spec) []int {
	shape := make([]int, 0, len(specs))
	for _, s := range specs {
		if !s.Point {
			shape = append(shape, s.Count)
		}
	}
	return shape
}

// Compose merges inner specs, expressed in the coordinates of the view
// defined by outer, into specs expressed in the outer parent's coordinates.
// Point dimensions of outer consume no inner spec. The result selects the
// same elements as applying outer first and inner second, so a view of a
// view translates directly to the root.
func Compose(outer, inner []Spec) ([]Spec, error) {
	out := make([]Spec, len(outer))
	j := 0
	for d, o := range outer {
		if o.Point {
			out[d] = o
			continue
		}
		if j >= len(inner) {
			return nil, fmt.Errorf("rank mismatch: %d inner specs for view rank %d", len(inner), len(Shape(outer)))
		}
		in := inner[j]
		j++
		out[d] = Spec{
			Start: o.Start + in.Start*o.Step,
			Count: in.Count,
			Step:  o.Step * in.Step,
			Point: o.Point || in.Point,
		}
	}
	if j != len(inner) {
		return nil, fmt.Errorf("rank mismatch: %d inner specs for view rank %d", len(inner), j)
	}
	return out, nil
}

// Request converts a ranged read/write request (start/count in view
// coordinates) into parent-coordinate specs for the view defined by specs.
func Request(specs []Spec, start, count []int) ([]Spec, error) {
	inner := make([]Spec, len(start))
	for d := range start {
		inner[d] = Spec{Start: start[d], Count: count[d], Step: 1}
	}
	return Compose(specs, inner)
}

// Size returns the number of elements in a shape. The empty shape (a scalar)
// has size 1.
func Size(shape []int) int {
	n := 1
	for _, l := range shape {
		n *= l
	}
	return n
}

// Strides returns row-major element strides for shape.
func Strides(shape []int) []int {
	strides := make([]int, len(shape))
	n := 1
	for d := len(shape) - 1; d >= 0; d-- {
		strides[d] = n
		n *= shape[d]
	}
	return strides
}

// ForEachRun decomposes the selection into maximal contiguous parent runs and
// calls fn once per run, in row-major order of the selection. parentStart is
// the parent coordinate of the run's first element (valid only for the
// duration of the call), n is the run length, and off is the flat offset of
// the run within a dense row-major buffer holding the whole selection.
//
// Only the innermost dimension can form multi-element runs, and only when its
// step is 1; all other selected indices are visited element-wise.
func ForEachRun(specs []Spec, fn func(parentStart []int, n, off int) error) error {
	rank := len(specs)
	if rank == 0 {
		return fn(nil, 1, 0)
	}

	runLen := 1
	runDims := rank
	if last := specs[rank-1]; last.Step == 1 {
		runLen = last.Count
		runDims = rank - 1
	}

	pos := make([]int, rank)    // selection-relative counters
	parent := make([]int, rank) // parent coordinates
	for d, s := range specs {
		parent[d] = s.Start
	}

	off := 0
	for {
		if err := fn(parent, runLen, off); err != nil {
			return err
		}
		off += runLen

		// Advance the odometer over the non-run dimensions.
		d := runDims - 1
		for ; d >= 0; d-- {
			pos[d]++
			if pos[d] < specs[d].Count {
				parent[d] += specs[d].Step
				break
			}
			pos[d] = 0
			parent[d] = specs[d].Start
		}
		if d < 0 {
			return nil
		}
	}
}

var errValueType = errors.New("index: mismatched or unsupported value slice types")

// CopyValues copies n elements from src[srcOff:] to dst[dstOff:]. Both must
// be slices of the same supported element type.
func CopyValues(dst, src any, dstOff, srcOff, n int) error {
	switch d := dst.(type) {
	case []int8:
		s, ok := src.([]int8)
		if !ok {
			return errValueType
		}
		copy(d[dstOff:dstOff+n], s[srcOff:srcOff+n])
	case []uint8:
		s, ok := src.([]uint8)
		if !ok {
			return errValueType
		}
		copy(d[dstOff:dstOff+n], s[srcOff:srcOff+n])
	case []int16:
		s, ok := src.([]int16)
		if !ok {
			return errValueType
		}
		copy(d[dstOff:dstOff+n], s[srcOff:srcOff+n])
	case []int32:
		s, ok := src.([]int32)
		if !ok {
			return errValueType
		}
		copy(d[dstOff:dstOff+n], s[srcOff:srcOff+n])
	case []float32:
		s, ok := src.([]float32)
		if !ok {
			return errValueType
		}
		copy(d[dstOff:dstOff+n], s[srcOff:srcOff+n])
	case []float64:
		s, ok := src.([]float64)
		if !ok {
			return errValueType
		}
		copy(d[dstOff:dstOff+n], s[srcOff:srcOff+n])
	case []bool:
		s, ok := src.([]bool)
		if !ok {
			return errValueType
		}
		copy(d[dstOff:dstOff+n], s[srcOff:srcOff+n])
	default:
		return errValueType
	}
	return nil
}

// CopyRegion copies a count-shaped region from src (read starting at
// srcStart) into dst (written starting at dstStart). All shapes must have
// equal rank and the region must fit both blocks.
func CopyRegion(dst any, dstShape, dstStart []int, src any, srcShape, srcStart []int, count []int) error {
	rank := len(count)
	if len(dstShape) != rank || len(dstStart) != rank || len(srcShape) != rank || len(srcStart) != rank {
		return fmt.Errorf("index: rank mismatch copying region %v", count)
	}
	for d := 0; d < rank; d++ {
		if srcStart[d] < 0 || srcStart[d]+count[d] > srcShape[d] {
			return fmt.Errorf("index: region %v at %v exceeds source %v", count, srcStart, srcShape)
		}
		if dstStart[d] < 0 || dstStart[d]+count[d] > dstShape[d] {
			return fmt.Errorf("index: region %v at %v exceeds destination %v", count, dstStart, dstShape)
		}
	}
	if rank == 0 {
		return CopyValues(dst, src, 0, 0, 1)
	}

	dstStrides := Strides(dstShape)
	srcStrides := Strides(srcShape)
	rowLen := count[rank-1]
	outer := count[:rank-1]
	pos := make([]int, len(outer))
	for {
		dstOff := dstStart[rank-1]
		srcOff := srcStart[rank-1]
		for d := range pos {
			dstOff += (dstStart[d] + pos[d]) * dstStrides[d]
			srcOff += (srcStart[d] + pos[d]) * srcStrides[d]
		}
		if err := CopyValues(dst, src, dstOff, srcOff, rowLen); err != nil {
			return err
		}

		d := len(outer) - 1
		for ; d >= 0; d-- {
			pos[d]++
			if pos[d] < outer[d] {
				break
			}
			pos[d] = 0
		}
		if d < 0 {
			return nil
		}
	}
}
