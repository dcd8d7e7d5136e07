package ncvar

import (
	"context"
	"fmt"
	"math"
)

// CF packing attribute names captured at construction.
const (
	attrFillValue    = "_FillValue"
	attrMissingValue = "missing_value"
	attrScaleFactor  = "scale_factor"
	attrAddOffset    = "add_offset"
)

// unpacked converts between stored and physical values using the CF
// scale/offset/fill convention: physical = stored*scale + offset, with one
// stored value reserved to mean "missing". Parameters are captured once and
// immutable afterwards; no decoded blocks are cached.
type unpacked struct {
	parent  Array
	fill    *float64 // stored-domain fill value
	scale   float64
	offset  float64
	packed  bool // scale or offset attribute present
	outType Type
}

// Unpack wraps a variable in the CF numeric transform described by its
// attributes (_FillValue/missing_value, scale_factor, add_offset). A variable
// carrying none of them is returned unchanged: the transform is then a pure
// pass-through and adds no indirection.
func Unpack(a Array) (Array, error) {
	attrs := a.Attributes()

	u := &unpacked{parent: a, scale: 1, offset: 0, outType: a.Type()}

	fillAttr, hasFill := attrs[attrFillValue]
	if !hasFill {
		fillAttr, hasFill = attrs[attrMissingValue]
	}
	if hasFill {
		f, ok := scalarFloat(fillAttr)
		if !ok {
			return nil, &EncodingError{Entity: entityOf(a), Msg: fmt.Sprintf("fill value %v is not numeric", fillAttr)}
		}
		u.fill = &f
	}

	wide := a.Type() == TypeDouble
	for _, name := range []string{attrScaleFactor, attrAddOffset} {
		v, ok := attrs[name]
		if !ok {
			continue
		}
		f, numeric := scalarFloat(v)
		if !numeric {
			return nil, &EncodingError{Entity: entityOf(a), Msg: fmt.Sprintf("%s %v is not numeric", name, v)}
		}
		u.packed = true
		if name == attrScaleFactor {
			u.scale = f
		} else {
			u.offset = f
		}
		if isWide(v) {
			wide = true
		}
	}

	if u.fill == nil && !u.packed {
		return a, nil
	}
	if u.packed {
		// Packing forces floating output of sufficient precision for the
		// stored values and parameters.
		if wide {
			u.outType = TypeDouble
		} else {
			u.outType = TypeFloat
		}
	}
	return u, nil
}

func (u *unpacked) Shape() []int { return u.parent.Shape() }

func (u *unpacked) Dimensions() []string { return u.parent.Dimensions() }

func (u *unpacked) Type() Type { return u.outType }

func (u *unpacked) Attributes() Attributes { return u.parent.Attributes() }

func (u *unpacked) entity() string { return entityOf(u.parent) }

func (u *unpacked) Read(ctx context.Context, start, count []int) (*Block, error) {
	stored, err := u.parent.Read(ctx, start, count)
	if err != nil {
		return nil, err
	}

	if !u.packed {
		// Fill handling only: type is preserved, missing elements are masked
		// (and set to NaN when the type is floating).
		n := stored.Len()
		for i := 0; i < n; i++ {
			if !u.isFill(stored.Float(i)) {
				continue
			}
			stored.setMissing(i)
			switch v := stored.Values.(type) {
			case []float32:
				v[i] = float32(math.NaN())
			case []float64:
				v[i] = math.NaN()
			}
		}
		return stored, nil
	}

	out := NewBlock(u.outType, stored.Shape)
	n := stored.Len()
	for i := 0; i < n; i++ {
		s := stored.Float(i)
		if u.isFill(s) {
			out.setMissing(i)
			setFloatAt(out.Values, i, math.NaN())
			continue
		}
		setFloatAt(out.Values, i, s*u.scale+u.offset)
	}
	return out, nil
}

func (u *unpacked) Write(ctx context.Context, start, count []int, b *Block) error {
	if err := checkPayload(u.entity(), count, u.outType, b); err != nil {
		return err
	}

	stored := NewBlock(u.parent.Type(), count)
	n := b.Len()
	for i := 0; i < n; i++ {
		phys := b.Float(i)
		if b.IsMissing(i) || (u.outType.Floating() && math.IsNaN(phys)) {
			if u.fill == nil {
				return &EncodingError{Entity: u.entity(), Msg: "missing value written but no fill value is configured"}
			}
			if err := setStoredAt(stored.Values, i, *u.fill, u.entity(), u.parent.Type()); err != nil {
				return err
			}
			continue
		}
		s := (phys - u.offset) / u.scale
		if !u.parent.Type().Floating() {
			s = math.Round(s)
		}
		if err := setStoredAt(stored.Values, i, s, u.entity(), u.parent.Type()); err != nil {
			return err
		}
	}
	return u.parent.Write(ctx, start, count, stored)
}

// isFill compares a stored value against the configured fill, bit-exact for
// the stored domain. A NaN fill matches stored NaNs.
func (u *unpacked) isFill(stored float64) bool {
	if u.fill == nil {
		return false
	}
	if math.IsNaN(*u.fill) {
		return math.IsNaN(stored)
	}
	return stored == *u.fill
}

// -----------------------------------------------------------------------------
// Value helpers
// -----------------------------------------------------------------------------

// entityNamer is implemented by this package's variants to give errors a
// path-qualified entity name.
type entityNamer interface{ entity() string }

func entityOf(a Array) string {
	if n, ok := a.(entityNamer); ok {
		return n.entity()
	}
	return "variable"
}

// scalarFloat widens a scalar attribute value (or a one-element slice of one)
// to float64.
func scalarFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case int16:
		return float64(x), true
	case int8:
		return float64(x), true
	case uint8:
		return float64(x), true
	case int:
		return float64(x), true
	case []float64:
		if len(x) == 1 {
			return x[0], true
		}
	case []float32:
		if len(x) == 1 {
			return float64(x[0]), true
		}
	case []int32:
		if len(x) == 1 {
			return float64(x[0]), true
		}
	case []int16:
		if len(x) == 1 {
			return float64(x[0]), true
		}
	case []uint8:
		if len(x) == 1 {
			return float64(x[0]), true
		}
	}
	return 0, false
}

// isWide reports whether an attribute value needs float64 to represent.
func isWide(v any) bool {
	switch v.(type) {
	case float64, int64, int32, int, []float64, []int32:
		return true
	}
	return false
}

func setFloatAt(values any, i int, f float64) {
	switch v := values.(type) {
	case []float32:
		v[i] = float32(f)
	case []float64:
		v[i] = f
	}
}

// setStoredAt narrows a stored-domain value into the stored slice, failing
// with a RangeError when it does not fit the stored type.
func setStoredAt(values any, i int, f float64, entity string, t Type) error {
	switch v := values.(type) {
	case []uint8:
		if f < 0 || f > math.MaxUint8 {
			return storedRangeErr(entity, f, t)
		}
		v[i] = uint8(f)
	case []int16:
		if f < math.MinInt16 || f > math.MaxInt16 {
			return storedRangeErr(entity, f, t)
		}
		v[i] = int16(f)
	case []int32:
		if f < math.MinInt32 || f > math.MaxInt32 {
			return storedRangeErr(entity, f, t)
		}
		v[i] = int32(f)
	case []float32:
		v[i] = float32(f)
	case []float64:
		v[i] = f
	default:
		return &EncodingError{Entity: entity, Msg: fmt.Sprintf("unsupported stored type %s", t)}
	}
	return nil
}

func storedRangeErr(entity string, f float64, t Type) error {
	return &RangeError{Entity: entity, Msg: fmt.Sprintf("packed value %g overflows stored type %s", f, t)}
}
