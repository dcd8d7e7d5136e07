// Package nc3 binds the classic NetCDF on-disk format (CDF-1 and CDF-2)
// as an ncvar backend, built on github.com/ctessum/cdf.
//
// The binding is deliberately thin: it exposes dimensions, variables,
// attributes and rectangular block I/O, and leaves every semantic layer
// (unpacking, views, aggregation) to the ncvar package.
package nc3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ctessum/cdf"

	"github.com/justapithecus/ncvar/internal/index"
	"github.com/justapithecus/ncvar/ncvar"
)

// errNoSuchVariable indicates a variable path that does not exist in the file.
var errNoSuchVariable = errors.New("no such variable")

// -----------------------------------------------------------------------------
// Backend
// -----------------------------------------------------------------------------

// Backend opens classic NetCDF files from the local filesystem.
type Backend struct{}

// NewBackend creates a classic NetCDF file backend.
func NewBackend() *Backend { return &Backend{} }

// Open implements ncvar.Backend. The file's header is read once here; the
// returned handle serves all later requests from it.
func (b *Backend) Open(ctx context.Context, path string, mode ncvar.Mode) (ncvar.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ncvar.ResourceError{Op: "open", Path: path, Err: err}
	}

	flag := os.O_RDONLY
	if mode == ncvar.ModeReadWrite {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, &ncvar.ResourceError{Op: "open", Path: path, Err: err}
	}

	cf, err := cdf.Open(f)
	if err != nil {
		_ = f.Close()
		return nil, &ncvar.ResourceError{Op: "open", Path: path, Err: err}
	}

	h := &handle{f: f, cf: cf, path: path, mode: mode}
	if err := h.snapshotDims(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return h, nil
}

// -----------------------------------------------------------------------------
// Handle
// -----------------------------------------------------------------------------

// handle is one open classic NetCDF file. Dimension lengths, including the
// record count, are fixed when the handle is opened.
type handle struct {
	f    *os.File
	cf   *cdf.File
	path string
	mode ncvar.Mode

	dims    []ncvar.Dimension
	recDim  int // index into dims, or -1
	numRecs int
}

// snapshotDims reads the dimension list, replacing the record dimension's
// stored zero length with the record count computed from the file size.
func (h *handle) snapshotDims() error {
	fi, err := h.f.Stat()
	if err != nil {
		return &ncvar.ResourceError{Op: "open", Path: h.path, Err: err}
	}
	h.numRecs = int(h.cf.Header.NumRecs(fi.Size()))

	names := h.cf.Header.Dimensions("")
	lengths := h.cf.Header.Lengths("")
	h.recDim = -1
	h.dims = make([]ncvar.Dimension, len(names))
	for i, name := range names {
		l := lengths[i]
		if l == 0 {
			h.recDim = i
			l = h.numRecs
		}
		h.dims[i] = ncvar.Dimension{Name: name, Length: l}
	}
	return nil
}

// growRecords extends the file to n records, filling the new records so
// every record variable holds its fill value before any data lands.
func (h *handle) growRecords(n int) error {
	if n <= h.numRecs {
		return nil
	}
	for r := h.numRecs; r < n; r++ {
		if err := h.cf.FillRecord(r); err != nil {
			return &ncvar.ResourceError{Op: "write", Path: h.path, Err: err}
		}
	}
	h.numRecs = n
	if h.recDim >= 0 {
		h.dims[h.recDim].Length = n
	}
	return nil
}

// Close implements ncvar.Handle. For writable handles the record count in
// the header is refreshed first, so files grown by record writes stay
// readable by other NetCDF implementations.
func (h *handle) Close() error {
	if h.mode == ncvar.ModeReadWrite && h.recDim >= 0 {
		if err := cdf.UpdateNumRecs(h.f); err != nil {
			_ = h.f.Close()
			return &ncvar.ResourceError{Op: "close", Path: h.path, Err: err}
		}
	}
	if err := h.f.Close(); err != nil {
		return &ncvar.ResourceError{Op: "close", Path: h.path, Err: err}
	}
	return nil
}

// Dimensions implements ncvar.Handle.
func (h *handle) Dimensions() []ncvar.Dimension {
	return append([]ncvar.Dimension(nil), h.dims...)
}

// Variables implements ncvar.Handle. Order follows the file header.
func (h *handle) Variables() []string {
	return h.cf.Header.Variables()
}

// Attributes implements ncvar.Handle.
func (h *handle) Attributes(entity string) (ncvar.Attributes, error) {
	names := h.cf.Header.Attributes(entity)
	if names == nil && entity != "" {
		return nil, &ncvar.ResourceError{Op: "resolve", Path: h.path + "#" + entity, Err: errNoSuchVariable}
	}
	attrs := make(ncvar.Attributes, len(names))
	for _, name := range names {
		attrs[name] = h.cf.Header.GetAttribute(entity, name)
	}
	return attrs, nil
}

// Resolve implements ncvar.Handle.
func (h *handle) Resolve(path string) (ncvar.VarInfo, error) {
	dims := h.cf.Header.Dimensions(path)
	if dims == nil {
		return ncvar.VarInfo{}, &ncvar.ResourceError{Op: "resolve", Path: h.path + "#" + path, Err: errNoSuchVariable}
	}

	t, err := h.varType(path)
	if err != nil {
		return ncvar.VarInfo{}, err
	}

	shape := append([]int(nil), h.cf.Header.Lengths(path)...)
	if h.cf.Header.IsRecordVariable(path) {
		shape[0] = h.numRecs
	}
	return ncvar.VarInfo{Name: path, Type: t, Dims: dims, Shape: shape}, nil
}

// varType maps a variable's stored data type to the ncvar element type.
func (h *handle) varType(v string) (ncvar.Type, error) {
	switch h.cf.Header.ZeroValue(v, 0).(type) {
	case []uint8:
		return ncvar.TypeByte, nil
	case string:
		return ncvar.TypeChar, nil
	case []int16:
		return ncvar.TypeShort, nil
	case []int32:
		return ncvar.TypeInt, nil
	case []float32:
		return ncvar.TypeFloat, nil
	case []float64:
		return ncvar.TypeDouble, nil
	}
	return 0, &ncvar.EncodingError{Entity: h.path + "#" + v, Msg: "unsupported stored data type"}
}

// checkBounds validates a region against the variable's shape. With
// growRecords set, the outermost dimension may extend past its current
// length (record variables grow by writing past the last record).
func checkBounds(v ncvar.VarInfo, start, count []int, growRecords bool) error {
	if len(start) != len(v.Shape) || len(count) != len(v.Shape) {
		return &ncvar.RangeError{
			Entity: v.Name, Start: start, Count: count, Shape: v.Shape,
			Msg: fmt.Sprintf("request rank %d does not match variable rank %d", len(start), len(v.Shape)),
		}
	}
	for d := range v.Shape {
		if start[d] < 0 || count[d] < 1 {
			return &ncvar.RangeError{Entity: v.Name, Start: start, Count: count, Shape: v.Shape}
		}
		if d == 0 && growRecords {
			continue
		}
		if start[d]+count[d] > v.Shape[d] {
			return &ncvar.RangeError{Entity: v.Name, Start: start, Count: count, Shape: v.Shape}
		}
	}
	return nil
}

// contiguous reports whether the region is one linear element range in
// storage order: leading dimensions select single slabs, at most one
// dimension is partial, and everything inside it is full.
func contiguous(start, count, shape []int) bool {
	j := 0
	for j < len(count) && count[j] == 1 {
		j++
	}
	for d := j + 1; d < len(count); d++ {
		if start[d] != 0 || count[d] != shape[d] {
			return false
		}
	}
	return true
}

// ReadBlock implements ncvar.Handle.
func (h *handle) ReadBlock(ctx context.Context, v ncvar.VarInfo, start, count []int) (*ncvar.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ncvar.ResourceError{Op: "read", Path: h.path, Err: err}
	}
	if err := checkBounds(v, start, count, false); err != nil {
		return nil, err
	}

	out := ncvar.NewBlock(v.Type, append([]int(nil), count...))

	if contiguous(start, count, v.Shape) {
		if err := h.readRange(v.Name, start, count, out.Values, 0, out.Len()); err != nil {
			return nil, err
		}
		return out, nil
	}

	specs := make([]index.Spec, len(start))
	for d := range start {
		specs[d] = index.Spec{Start: start[d], Count: count[d], Step: 1}
	}
	rcount := make([]int, len(start))
	err := index.ForEachRun(specs, func(parentStart []int, n, off int) error {
		for d := range rcount {
			rcount[d] = 1
		}
		if len(rcount) > 0 {
			rcount[len(rcount)-1] = n
		}
		return h.readRange(v.Name, parentStart, rcount, out.Values, off, n)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// readRange reads the n elements of one linear range into dst at off.
// begin and rcount give the range's corner and per-dimension extent.
func (h *handle) readRange(v string, begin, rcount []int, dst any, off, n int) error {
	r := h.cf.Reader(v, begin, lastCorner(begin, rcount))
	if r == nil {
		return &ncvar.ResourceError{Op: "read", Path: h.path + "#" + v, Err: errNoSuchVariable}
	}
	buf := r.Zero(n)
	if _, err := r.Read(buf); err != nil && !errors.Is(err, io.EOF) {
		return &ncvar.ResourceError{Op: "read", Path: h.path + "#" + v, Err: err}
	}
	if err := index.CopyValues(dst, buf, off, 0, n); err != nil {
		return &ncvar.EncodingError{Entity: h.path + "#" + v, Msg: err.Error()}
	}
	return nil
}

// WriteBlock implements ncvar.Handle. Writing past the last record of a
// record variable grows the file; new records are filled before the write so
// sibling record variables hold their fill values.
func (h *handle) WriteBlock(ctx context.Context, v ncvar.VarInfo, start, count []int, b *ncvar.Block) error {
	if err := ctx.Err(); err != nil {
		return &ncvar.ResourceError{Op: "write", Path: h.path, Err: err}
	}
	if h.mode != ncvar.ModeReadWrite {
		return &ncvar.ResourceError{Op: "write", Path: h.path, Err: os.ErrPermission}
	}
	isRecord := h.cf.Header.IsRecordVariable(v.Name)
	if err := checkBounds(v, start, count, isRecord); err != nil {
		return err
	}
	if b == nil || b.Len() != index.Size(count) {
		return &ncvar.RangeError{Entity: v.Name, Start: start, Count: count, Shape: v.Shape,
			Msg: "payload does not cover the request"}
	}
	if b.Missing != nil {
		return &ncvar.EncodingError{Entity: h.path + "#" + v.Name,
			Msg: "missing-value mask cannot be stored; encode fill values instead"}
	}

	if isRecord && len(start) > 0 {
		if err := h.growRecords(start[0] + count[0]); err != nil {
			return err
		}
	}

	if contiguous(start, count, v.Shape) {
		return h.writeRange(v.Name, start, count, b.Values, 0, b.Len())
	}

	specs := make([]index.Spec, len(start))
	for d := range start {
		specs[d] = index.Spec{Start: start[d], Count: count[d], Step: 1}
	}
	rcount := make([]int, len(start))
	return index.ForEachRun(specs, func(parentStart []int, n, off int) error {
		for d := range rcount {
			rcount[d] = 1
		}
		if len(rcount) > 0 {
			rcount[len(rcount)-1] = n
		}
		return h.writeRange(v.Name, parentStart, rcount, b.Values, off, n)
	})
}

// writeRange writes n elements from src at off into one linear range.
func (h *handle) writeRange(v string, begin, rcount []int, src any, off, n int) error {
	w := h.cf.Writer(v, begin, lastCorner(begin, rcount))
	if w == nil {
		return &ncvar.ResourceError{Op: "write", Path: h.path + "#" + v, Err: errNoSuchVariable}
	}
	seg, err := segment(src, off, n)
	if err != nil {
		return &ncvar.EncodingError{Entity: h.path + "#" + v, Msg: err.Error()}
	}
	if _, err := w.Write(seg); err != nil && !errors.Is(err, io.EOF) {
		return &ncvar.ResourceError{Op: "write", Path: h.path + "#" + v, Err: err}
	}
	return nil
}

// SetAttribute implements ncvar.Handle. Classic-format headers are immutable
// once written, so attribute writes are not supported by this backend.
func (h *handle) SetAttribute(entity, name string, _ any) error {
	what := entity
	if what == "" {
		what = h.path
	}
	return &ncvar.EncodingError{Entity: what,
		Msg: fmt.Sprintf("cannot set %q: classic-format headers are immutable once written", name)}
}

// lastCorner returns the inclusive end corner of the region at begin with
// the given per-dimension extent.
func lastCorner(begin, rcount []int) []int {
	if begin == nil {
		return nil
	}
	end := make([]int, len(begin))
	for d := range begin {
		end[d] = begin[d] + rcount[d] - 1
	}
	return end
}

// segment returns src[off : off+n] without copying.
func segment(src any, off, n int) (any, error) {
	switch s := src.(type) {
	case []uint8:
		return s[off : off+n], nil
	case []int16:
		return s[off : off+n], nil
	case []int32:
		return s[off : off+n], nil
	case []float32:
		return s[off : off+n], nil
	case []float64:
		return s[off : off+n], nil
	}
	return nil, fmt.Errorf("unsupported value slice %T", src)
}
