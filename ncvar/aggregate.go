package ncvar

import (
	"context"
	"errors"
	"fmt"

	"github.com/justapithecus/ncvar/internal/index"
)

// -----------------------------------------------------------------------------
// Aggregated variable
// -----------------------------------------------------------------------------

// aggVariable synthesizes one logical array from an ordered collection of
// member arrays joined along the aggregation dimension. Requests are routed
// to the members whose interval intersects the request; untouched members
// are never accessed, which preserves the deferred members' zero-open
// guarantee.
type aggVariable struct {
	name    string
	dim     string
	axis    int // position of the aggregation dimension in shape
	newDim  bool
	members []Array
	offsets []int // start of each member's interval along the axis
	shape   []int
	dims    []string
	typ     Type
	attrs   Attributes
}

// AggregateVariables joins members in order along the named aggregation
// dimension. By default the dimension must already exist in every member and
// is extended (concatenation); with WithNewDimension it is newly introduced
// and each member contributes one slice (stacking). Every member must agree
// with the first on element type and on all non-aggregation dimensions;
// mismatches fail here with a StructureError, never at read time.
func AggregateVariables(dim string, members []Array, opts ...Option) (Array, error) {
	var cfg aggConfig
	for _, opt := range opts {
		if err := opt.applyAggregate(&cfg); err != nil {
			return nil, fmt.Errorf("ncvar: %w", err)
		}
	}
	return aggregateVariables(dim, "", members, cfg.newDimension)
}

func aggregateVariables(dim, name string, members []Array, newDim bool) (*aggVariable, error) {
	if len(members) == 0 {
		return nil, &StructureError{Member: 0, Msg: "aggregation requires at least one member"}
	}

	ref := members[0]
	refDims := ref.Dimensions()
	refShape := ref.Shape()
	if name == "" {
		name = "aggregate(" + dim + ")"
	}

	a := &aggVariable{
		name:    name,
		dim:     dim,
		newDim:  newDim,
		members: members,
		typ:     ref.Type(),
		attrs:   ref.Attributes(),
	}

	axis := -1
	for d, n := range refDims {
		if n == dim {
			axis = d
		}
	}

	if newDim {
		if axis != -1 {
			return nil, &StructureError{Member: 0, Entity: entityOf(ref), Dimension: dim,
				Msg: "stacking dimension already exists in members"}
		}
		a.axis = 0
		a.shape = append([]int{len(members)}, refShape...)
		a.dims = append([]string{dim}, refDims...)
	} else {
		if axis == -1 {
			return nil, &StructureError{Member: 0, Entity: entityOf(ref), Dimension: dim,
				Msg: "aggregation dimension not present in first member"}
		}
		a.axis = axis
		a.shape = append([]int(nil), refShape...)
		a.dims = append([]string(nil), refDims...)
	}

	// Walk the members once, validating structure and accumulating offsets.
	a.offsets = make([]int, len(members))
	total := 0
	for i, m := range members {
		a.offsets[i] = total
		if m.Type() != a.typ {
			return nil, &StructureError{Member: i, Entity: entityOf(m),
				Msg: fmt.Sprintf("element type %s does not match first member's %s", m.Type(), a.typ)}
		}
		mdims, mshape := m.Dimensions(), m.Shape()
		if len(mdims) != len(refDims) {
			return nil, &StructureError{Member: i, Entity: entityOf(m),
				Msg: fmt.Sprintf("rank %d does not match first member's %d", len(mdims), len(refDims))}
		}
		for d := range refDims {
			if mdims[d] != refDims[d] {
				return nil, &StructureError{Member: i, Entity: entityOf(m), Dimension: mdims[d],
					Msg: fmt.Sprintf("dimension order differs from first member's %q", refDims[d])}
			}
			if !newDim && d == axis {
				continue
			}
			if mshape[d] != refShape[d] {
				return nil, &StructureError{Member: i, Entity: entityOf(m), Dimension: mdims[d],
					Msg: fmt.Sprintf("length %d does not match first member's %d", mshape[d], refShape[d])}
			}
		}
		if newDim {
			total++
		} else {
			total += mshape[axis]
		}
	}
	a.shape[a.axis] = total
	return a, nil
}

func (a *aggVariable) Shape() []int { return a.shape }

func (a *aggVariable) Dimensions() []string { return a.dims }

func (a *aggVariable) Type() Type { return a.typ }

// Attributes delegates to the first member.
func (a *aggVariable) Attributes() Attributes { return a.attrs }

func (a *aggVariable) entity() string { return a.name }

// extent returns member i's length along the aggregation axis.
func (a *aggVariable) extent(i int) int {
	if a.newDim {
		return 1
	}
	return a.members[i].Shape()[a.axis]
}

// memberRequest translates the intersection [lo, hi) of a request with
// member i's interval into the member's local coordinates.
func (a *aggVariable) memberRequest(i int, start, count []int, lo, hi int) (mstart, mcount []int) {
	if a.newDim {
		// The member lacks the stacked axis; drop it.
		mstart = append([]int(nil), start[1:]...)
		mcount = append([]int(nil), count[1:]...)
		return mstart, mcount
	}
	mstart = append([]int(nil), start...)
	mcount = append([]int(nil), count...)
	mstart[a.axis] = lo - a.offsets[i]
	mcount[a.axis] = hi - lo
	return mstart, mcount
}

func (a *aggVariable) Read(ctx context.Context, start, count []int) (*Block, error) {
	if err := checkRequest(a.name, start, count, a.shape); err != nil {
		return nil, err
	}

	out := NewBlock(a.typ, append([]int(nil), count...))
	reqLo, reqHi := start[a.axis], start[a.axis]+count[a.axis]

	for i := range a.members {
		lo, hi := a.offsets[i], a.offsets[i]+a.extent(i)
		if lo < reqLo {
			lo = reqLo
		}
		if hi > reqHi {
			hi = reqHi
		}
		if lo >= hi {
			continue
		}

		mstart, mcount := a.memberRequest(i, start, count, lo, hi)
		b, err := a.members[i].Read(ctx, mstart, mcount)
		if err != nil {
			return nil, fmt.Errorf("ncvar: aggregation member %d: %w", i, err)
		}

		dstStart := make([]int, len(count))
		dstStart[a.axis] = lo - reqLo
		srcShape := mcount
		if a.newDim {
			srcShape = append([]int{1}, mcount...)
		}
		srcStart := make([]int, len(count))
		regionCount := append([]int(nil), count...)
		regionCount[a.axis] = hi - lo

		if err := index.CopyRegion(out.Values, count, dstStart, b.Values, srcShape, srcStart, regionCount); err != nil {
			return nil, &EncodingError{Entity: a.name, Msg: err.Error()}
		}
		if b.Missing != nil {
			if out.Missing == nil {
				out.Missing = make([]bool, out.Len())
			}
			if err := index.CopyRegion(out.Missing, count, dstStart, b.Missing, srcShape, srcStart, regionCount); err != nil {
				return nil, &EncodingError{Entity: a.name, Msg: err.Error()}
			}
		}
	}
	return out, nil
}

// Write splits the payload along the aggregation axis and writes each piece
// to its owning member. A write straddling members is not atomic: a failure
// part-way leaves earlier members written, and the returned error names the
// member that failed.
func (a *aggVariable) Write(ctx context.Context, start, count []int, b *Block) error {
	if err := checkRequest(a.name, start, count, a.shape); err != nil {
		return err
	}
	if err := checkPayload(a.name, count, a.typ, b); err != nil {
		return err
	}

	reqLo, reqHi := start[a.axis], start[a.axis]+count[a.axis]

	for i := range a.members {
		lo, hi := a.offsets[i], a.offsets[i]+a.extent(i)
		if lo < reqLo {
			lo = reqLo
		}
		if hi > reqHi {
			hi = reqHi
		}
		if lo >= hi {
			continue
		}

		mstart, mcount := a.memberRequest(i, start, count, lo, hi)

		pieceShape := mcount
		if a.newDim {
			pieceShape = append([]int{1}, mcount...)
		}
		piece := NewBlock(a.typ, pieceShape)

		srcStart := make([]int, len(count))
		srcStart[a.axis] = lo - reqLo
		dstStart := make([]int, len(count))
		regionCount := append([]int(nil), count...)
		regionCount[a.axis] = hi - lo

		if err := index.CopyRegion(piece.Values, pieceShape, dstStart, b.Values, count, srcStart, regionCount); err != nil {
			return &EncodingError{Entity: a.name, Msg: err.Error()}
		}
		if b.Missing != nil {
			piece.Missing = make([]bool, piece.Len())
			if err := index.CopyRegion(piece.Missing, pieceShape, dstStart, b.Missing, count, srcStart, regionCount); err != nil {
				return &EncodingError{Entity: a.name, Msg: err.Error()}
			}
			hasMissing := false
			for _, m := range piece.Missing {
				if m {
					hasMissing = true
					break
				}
			}
			if !hasMissing {
				piece.Missing = nil
			}
		}
		if a.newDim {
			piece.Shape = mcount
		}

		if err := a.members[i].Write(ctx, mstart, mcount, piece); err != nil {
			return fmt.Errorf("ncvar: aggregation member %d: %w", i, err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Aggregated dataset
// -----------------------------------------------------------------------------

// AggDataset is a dataset synthesized from ordered member datasets joined
// along one aggregation dimension. Member order is fixed at construction and
// determines concatenation order.
type AggDataset struct {
	dim       string
	newDim    bool
	members   []Dataset
	vars      map[string]Array
	varNames  []string
	dims      []Dimension
	attrs     Attributes
	constants map[string]bool
}

// AggregateDatasets joins member datasets in order along the named
// aggregation dimension. Variables carrying the dimension (every variable,
// for stacking) are aggregated; variables named by WithConstantVariables —
// and, in concatenation mode, variables that lack the dimension — are taken
// from the first member only. All structural validation happens here.
func AggregateDatasets(dim string, members []Dataset, opts ...Option) (*AggDataset, error) {
	cfg := aggConfig{}
	for _, opt := range opts {
		if err := opt.applyAggregate(&cfg); err != nil {
			return nil, fmt.Errorf("ncvar: %w", err)
		}
	}
	if len(members) == 0 {
		return nil, &StructureError{Member: 0, Msg: "aggregation requires at least one member"}
	}

	d := &AggDataset{
		dim:       dim,
		newDim:    cfg.newDimension,
		members:   members,
		vars:      make(map[string]Array),
		attrs:     members[0].Attributes(),
		constants: make(map[string]bool, len(cfg.constants)),
	}
	for _, name := range cfg.constants {
		d.constants[name] = true
	}

	ref := members[0]
	d.varNames = append([]string(nil), ref.Variables()...)

	total := 0
	for i, m := range members {
		if err := validateMemberDims(i, m, ref, dim, cfg.newDimension); err != nil {
			return nil, err
		}
		if cfg.newDimension {
			total++
		} else {
			total += dimLength(m, dim)
		}
	}

	// Dataset dimensions: the first member's, with the aggregation dimension
	// extended (or prepended, for stacking).
	if cfg.newDimension {
		d.dims = append([]Dimension{{Name: dim, Length: total}}, ref.Dimensions()...)
	} else {
		for _, dd := range ref.Dimensions() {
			if dd.Name == dim {
				dd.Length = total
			}
			d.dims = append(d.dims, dd)
		}
	}

	for _, name := range d.varNames {
		first, err := ref.Var(name)
		if err != nil {
			return nil, err
		}
		if d.constants[name] || (!cfg.newDimension && !hasDim(first, dim)) {
			d.vars[name] = first
			continue
		}
		vars := make([]Array, len(members))
		vars[0] = first
		for i := 1; i < len(members); i++ {
			v, err := members[i].Var(name)
			if err != nil {
				return nil, &StructureError{Member: i, Msg: fmt.Sprintf("variable %q: %v", name, err)}
			}
			vars[i] = v
		}
		agg, err := aggregateVariables(dim, name, vars, cfg.newDimension)
		if err != nil {
			return nil, err
		}
		d.vars[name] = agg
	}
	return d, nil
}

// validateMemberDims checks a member's dimensions against the reference
// member, ignoring the aggregation dimension in concatenation mode.
func validateMemberDims(i int, m, ref Dataset, dim string, newDim bool) error {
	refDims := make(map[string]int)
	for _, dd := range ref.Dimensions() {
		refDims[dd.Name] = dd.Length
	}
	for _, dd := range m.Dimensions() {
		if newDim && dd.Name == dim {
			return &StructureError{Member: i, Dimension: dim,
				Msg: "stacking dimension already exists in member"}
		}
		if !newDim && dd.Name == dim {
			continue
		}
		ref, ok := refDims[dd.Name]
		if !ok {
			return &StructureError{Member: i, Dimension: dd.Name,
				Msg: "dimension not present in first member"}
		}
		if ref != dd.Length {
			return &StructureError{Member: i, Dimension: dd.Name,
				Msg: fmt.Sprintf("length %d does not match first member's %d", dd.Length, ref)}
		}
	}
	return nil
}

func dimLength(d Dataset, name string) int {
	for _, dd := range d.Dimensions() {
		if dd.Name == name {
			return dd.Length
		}
	}
	return 0
}

func hasDim(a Array, name string) bool {
	for _, d := range a.Dimensions() {
		if d == name {
			return true
		}
	}
	return false
}

func (d *AggDataset) Variables() []string { return d.varNames }

func (d *AggDataset) Var(name string) (Array, error) {
	v, ok := d.vars[name]
	if !ok {
		return nil, &ResourceError{Op: "resolve", Path: "aggregate#" + name, Err: errNoSuchVariable}
	}
	return v, nil
}

func (d *AggDataset) Dimensions() []Dimension { return d.dims }

// Attributes delegates to the first member.
func (d *AggDataset) Attributes() Attributes { return d.attrs }

// SetAttribute broadcasts the write to every member so they stay consistent.
func (d *AggDataset) SetAttribute(name string, value any) error {
	for i, m := range d.members {
		if err := m.SetAttribute(name, value); err != nil {
			return fmt.Errorf("ncvar: aggregation member %d: %w", i, err)
		}
	}
	d.attrs[name] = value
	return nil
}

// Members returns the ordered member datasets.
func (d *AggDataset) Members() []Dataset { return d.members }

// AggregationDimension returns the name of the dimension members are joined
// along.
func (d *AggDataset) AggregationDimension() string { return d.dim }

// Close closes every member, returning the combined errors.
func (d *AggDataset) Close() error {
	var errs []error
	for _, m := range d.members {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
