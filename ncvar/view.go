package ncvar

import (
	"context"
	"fmt"

	"github.com/justapithecus/ncvar/internal/index"
)

// -----------------------------------------------------------------------------
// Index specs
// -----------------------------------------------------------------------------

// IndexSpec selects indices from one dimension of a parent array. Build
// specs with All, At, Range, or RangeStep; they are immutable once applied.
type IndexSpec struct {
	start, stop, step int
	point             bool
	all               bool
}

// All selects every index of the dimension.
func All() IndexSpec { return IndexSpec{all: true} }

// At selects the single index i and drops the dimension from the view's
// shape.
func At(i int) IndexSpec { return IndexSpec{start: i, stop: i + 1, step: 1, point: true} }

// Range selects the half-open range [start, stop).
func Range(start, stop int) IndexSpec { return IndexSpec{start: start, stop: stop, step: 1} }

// RangeStep selects every step-th index of [start, stop).
func RangeStep(start, stop, step int) IndexSpec {
	return IndexSpec{start: start, stop: stop, step: step}
}

// resolve converts the spec to index arithmetic form for a dimension of
// length n.
func (s IndexSpec) resolve(n int) (index.Spec, error) {
	if s.all {
		return index.Full(n), nil
	}
	if s.step < 1 {
		return index.Spec{}, fmt.Errorf("step %d must be >= 1", s.step)
	}
	if s.stop <= s.start {
		return index.Spec{}, fmt.Errorf("empty selection [%d:%d]", s.start, s.stop)
	}
	count := (s.stop - s.start + s.step - 1) / s.step
	return index.Spec{Start: s.start, Count: count, Step: s.step, Point: s.point}, nil
}

// -----------------------------------------------------------------------------
// View
// -----------------------------------------------------------------------------

// view exposes a rectangular subset of a parent array without copying. Its
// index expression is fixed at construction; re-slicing produces a new view
// translated directly to the root parent.
type view struct {
	parent Array
	specs  []index.Spec // rank equals parent rank
	shape  []int
	dims   []string
}

// Slice returns a view of a selecting the given index expression, one spec
// per dimension of a. Point specs (At) reduce the view's rank. Slicing a
// view composes the expressions and delegates to the original parent, so
// nesting never adds indirection levels.
func Slice(a Array, specs ...IndexSpec) (Array, error) {
	parent := a
	var outer []index.Spec
	if v, ok := a.(*view); ok {
		parent = v.parent
		outer = v.specs
	}

	shape := a.Shape()
	if len(specs) != len(shape) {
		return nil, &RangeError{
			Entity: entityOf(a),
			Msg:    fmt.Sprintf("%d index specs for rank-%d array", len(specs), len(shape)),
		}
	}

	resolved := make([]index.Spec, len(specs))
	for d, s := range specs {
		r, err := s.resolve(shape[d])
		if err != nil {
			return nil, &RangeError{Entity: entityOf(a), Msg: fmt.Sprintf("dimension %d: %v", d, err)}
		}
		resolved[d] = r
	}

	if outer != nil {
		composed, err := index.Compose(outer, resolved)
		if err != nil {
			return nil, &RangeError{Entity: entityOf(a), Msg: err.Error()}
		}
		resolved = composed
	}

	if d, err := index.Validate(resolved, parent.Shape()); err != nil {
		return nil, &RangeError{Entity: entityOf(a), Msg: fmt.Sprintf("dimension %d: %v", d, err)}
	}

	parentDims := parent.Dimensions()
	dims := make([]string, 0, len(resolved))
	for d, s := range resolved {
		if !s.Point {
			dims = append(dims, parentDims[d])
		}
	}

	return &view{
		parent: parent,
		specs:  resolved,
		shape:  index.Shape(resolved),
		dims:   dims,
	}, nil
}

func (v *view) Shape() []int { return v.shape }

func (v *view) Dimensions() []string { return v.dims }

func (v *view) Type() Type { return v.parent.Type() }

func (v *view) Attributes() Attributes { return v.parent.Attributes() }

func (v *view) entity() string { return entityOf(v.parent) }

func (v *view) Read(ctx context.Context, start, count []int) (*Block, error) {
	if err := checkRequest(v.entity(), start, count, v.shape); err != nil {
		return nil, err
	}
	pspecs, err := index.Request(v.specs, start, count)
	if err != nil {
		return nil, &RangeError{Entity: v.entity(), Msg: err.Error()}
	}

	if unitSteps(pspecs) {
		pstart, pcount := corners(pspecs)
		b, err := v.parent.Read(ctx, pstart, pcount)
		if err != nil {
			return nil, err
		}
		b.Shape = append([]int(nil), count...)
		return b, nil
	}

	// Strided selection: gather contiguous parent runs.
	out := NewBlock(v.Type(), count)
	rank := len(pspecs)
	err = index.ForEachRun(pspecs, func(pstart []int, n, off int) error {
		rstart := append([]int(nil), pstart...)
		rcount := make([]int, rank)
		for d := range rcount {
			rcount[d] = 1
		}
		rcount[rank-1] = n
		b, err := v.parent.Read(ctx, rstart, rcount)
		if err != nil {
			return err
		}
		return copyBlockRange(out, b, off, 0, n)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (v *view) Write(ctx context.Context, start, count []int, b *Block) error {
	if err := checkRequest(v.entity(), start, count, v.shape); err != nil {
		return err
	}
	if err := checkPayload(v.entity(), count, v.Type(), b); err != nil {
		return err
	}
	pspecs, err := index.Request(v.specs, start, count)
	if err != nil {
		return &RangeError{Entity: v.entity(), Msg: err.Error()}
	}

	if unitSteps(pspecs) {
		pstart, pcount := corners(pspecs)
		return v.parent.Write(ctx, pstart, pcount, b)
	}

	rank := len(pspecs)
	return index.ForEachRun(pspecs, func(pstart []int, n, off int) error {
		rstart := append([]int(nil), pstart...)
		rcount := make([]int, rank)
		for d := range rcount {
			rcount[d] = 1
		}
		rcount[rank-1] = n
		run := &Block{Values: sliceValues(b.Values, off, n), Shape: rcount}
		if b.Missing != nil {
			run.Missing = b.Missing[off : off+n]
		}
		return v.parent.Write(ctx, rstart, rcount, run)
	})
}

// unitSteps reports whether every spec selects a contiguous range.
func unitSteps(specs []index.Spec) bool {
	for _, s := range specs {
		if s.Step != 1 {
			return false
		}
	}
	return true
}

// corners converts unit-step specs to a start/count request.
func corners(specs []index.Spec) (start, count []int) {
	start = make([]int, len(specs))
	count = make([]int, len(specs))
	for d, s := range specs {
		start[d] = s.Start
		count[d] = s.Count
	}
	return start, count
}

// copyBlockRange copies n elements (values and missing mask) between blocks.
func copyBlockRange(dst, src *Block, dstOff, srcOff, n int) error {
	if err := index.CopyValues(dst.Values, src.Values, dstOff, srcOff, n); err != nil {
		return &EncodingError{Msg: err.Error()}
	}
	if src.Missing == nil {
		return nil
	}
	for i := 0; i < n; i++ {
		if src.Missing[srcOff+i] {
			dst.setMissing(dstOff + i)
		}
	}
	return nil
}
