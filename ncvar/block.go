package ncvar

import (
	"fmt"
	"math"

	"github.com/justapithecus/ncvar/internal/index"
)

// Block is a rectangular slab of element values, the unit of every ranged
// read and write.
//
// Values is a flat row-major slice whose Go type corresponds to the block's
// element type: []uint8 (byte/char), []int16, []int32, []float32 or
// []float64. Missing, when non-nil, marks elements that carry no data; it is
// how absent values stay visible for non-floating element types. Floating
// blocks additionally hold NaN at missing positions.
type Block struct {
	Values  any
	Shape   []int
	Missing []bool
}

// NewBlock allocates a zeroed block of the given element type and shape.
func NewBlock(t Type, shape []int) *Block {
	return &Block{Values: zeroValues(t, index.Size(shape)), Shape: shape}
}

// Len returns the number of elements in the block.
func (b *Block) Len() int { return valuesLen(b.Values) }

// IsMissing reports whether element i carries no data.
func (b *Block) IsMissing(i int) bool {
	return b.Missing != nil && b.Missing[i]
}

// setMissing marks element i as missing, allocating the mask on first use.
func (b *Block) setMissing(i int) {
	if b.Missing == nil {
		b.Missing = make([]bool, b.Len())
	}
	b.Missing[i] = true
}

// Float returns element i widened to float64. Missing elements of floating
// blocks read as NaN.
func (b *Block) Float(i int) float64 {
	switch v := b.Values.(type) {
	case []uint8:
		return float64(v[i])
	case []int16:
		return float64(v[i])
	case []int32:
		return float64(v[i])
	case []float32:
		return float64(v[i])
	case []float64:
		return v[i]
	}
	return math.NaN()
}

func zeroValues(t Type, n int) any {
	switch t {
	case TypeByte, TypeChar:
		return make([]uint8, n)
	case TypeShort:
		return make([]int16, n)
	case TypeInt:
		return make([]int32, n)
	case TypeFloat:
		return make([]float32, n)
	case TypeDouble:
		return make([]float64, n)
	}
	return nil
}

func valuesLen(values any) int {
	switch v := values.(type) {
	case []uint8:
		return len(v)
	case []int16:
		return len(v)
	case []int32:
		return len(v)
	case []float32:
		return len(v)
	case []float64:
		return len(v)
	}
	return 0
}

// sliceValues returns values[off : off+n] without copying.
func sliceValues(values any, off, n int) any {
	switch v := values.(type) {
	case []uint8:
		return v[off : off+n]
	case []int16:
		return v[off : off+n]
	case []int32:
		return v[off : off+n]
	case []float32:
		return v[off : off+n]
	case []float64:
		return v[off : off+n]
	}
	return nil
}

func valuesType(values any) (Type, bool) {
	switch values.(type) {
	case []uint8:
		return TypeByte, true
	case []int16:
		return TypeShort, true
	case []int32:
		return TypeInt, true
	case []float32:
		return TypeFloat, true
	case []float64:
		return TypeDouble, true
	}
	return 0, false
}

// checkRequest validates a ranged request against a shape.
func checkRequest(entity string, start, count, shape []int) error {
	if len(start) != len(shape) || len(count) != len(shape) {
		return &RangeError{
			Entity: entity, Start: start, Count: count, Shape: shape,
			Msg: fmt.Sprintf("request rank %d does not match array rank %d", len(start), len(shape)),
		}
	}
	for d := range shape {
		if start[d] < 0 || count[d] < 0 || start[d]+count[d] > shape[d] {
			return &RangeError{Entity: entity, Start: start, Count: count, Shape: shape}
		}
	}
	return nil
}

// checkPayload validates that a block matches a write request.
func checkPayload(entity string, count []int, t Type, b *Block) error {
	if b == nil {
		return &EncodingError{Entity: entity, Msg: "nil block"}
	}
	bt, ok := valuesType(b.Values)
	if !ok {
		return &EncodingError{Entity: entity, Msg: fmt.Sprintf("unsupported value slice %T", b.Values)}
	}
	// Byte and char share a value representation.
	if bt != t && !(bt == TypeByte && t == TypeChar) {
		return &EncodingError{Entity: entity, Msg: fmt.Sprintf("cannot write %s values to %s variable", bt, t)}
	}
	if want := index.Size(count); b.Len() != want {
		return &RangeError{
			Entity: entity, Count: count,
			Msg: fmt.Sprintf("payload has %d elements, request covers %d", b.Len(), want),
		}
	}
	return nil
}
