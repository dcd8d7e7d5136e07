package nc3

import (
	"fmt"
	"os"

	"github.com/ctessum/cdf"

	"github.com/justapithecus/ncvar/ncvar"
)

// Def defines one variable of a file to be created.
type Def struct {
	// Name is the variable name.
	Name string

	// Type is the stored element type.
	Type ncvar.Type

	// Dims names the variable's dimensions in storage order. A record
	// (unlimited) dimension may only appear first.
	Dims []string

	// Attrs is the variable's attribute set.
	Attrs ncvar.Attributes
}

// Create defines a new classic NetCDF file at path. A dimension of length
// zero is the record (unlimited) dimension; at most one is allowed. The
// file's structure is fixed once created: reopen it through the backend
// with ncvar.ModeReadWrite to fill in data.
func Create(path string, dims []ncvar.Dimension, attrs ncvar.Attributes, defs ...Def) error {
	names := make([]string, len(dims))
	lengths := make([]int, len(dims))
	byName := make(map[string]int, len(dims))
	record := ""
	for i, d := range dims {
		if d.Name == "" {
			return fmt.Errorf("nc3: dimension name must not be empty: %w", ncvar.ErrStructure)
		}
		if _, ok := byName[d.Name]; ok {
			return fmt.Errorf("nc3: duplicate dimension %q: %w", d.Name, ncvar.ErrStructure)
		}
		if d.Length < 0 {
			return fmt.Errorf("nc3: dimension %q: invalid length %d: %w", d.Name, d.Length, ncvar.ErrStructure)
		}
		if d.Length == 0 {
			if record != "" {
				return fmt.Errorf("nc3: dimension %q: second record dimension; %q is already unlimited: %w",
					d.Name, record, ncvar.ErrStructure)
			}
			record = d.Name
		}
		names[i] = d.Name
		lengths[i] = d.Length
		byName[d.Name] = d.Length
	}

	h := cdf.NewHeader(names, lengths)
	for k, v := range attrs {
		av, err := attrValue(v)
		if err != nil {
			return &ncvar.EncodingError{Entity: path, Msg: fmt.Sprintf("attribute %q: %v", k, err)}
		}
		h.AddAttribute("", k, av)
	}

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if seen[def.Name] {
			return fmt.Errorf("nc3: duplicate variable %q: %w", def.Name, ncvar.ErrStructure)
		}
		seen[def.Name] = true
		for i, dn := range def.Dims {
			l, ok := byName[dn]
			if !ok {
				return fmt.Errorf("nc3: variable %q: undeclared dimension %q: %w", def.Name, dn, ncvar.ErrStructure)
			}
			if l == 0 && i != 0 {
				return fmt.Errorf("nc3: variable %q: record dimension %q must be outermost: %w",
					def.Name, dn, ncvar.ErrStructure)
			}
		}
		proto := protoValue(def.Type)
		if proto == nil {
			return &ncvar.EncodingError{Entity: def.Name, Msg: fmt.Sprintf("invalid element type %d", def.Type)}
		}
		h.AddVariable(def.Name, def.Dims, proto)
		for k, v := range def.Attrs {
			av, err := attrValue(v)
			if err != nil {
				return &ncvar.EncodingError{Entity: def.Name, Msg: fmt.Sprintf("attribute %q: %v", k, err)}
			}
			h.AddAttribute(def.Name, k, av)
		}
	}

	h.Define()
	if errs := h.Check(); len(errs) > 0 {
		return &ncvar.EncodingError{Entity: path, Msg: errs[0].Error()}
	}

	f, err := os.Create(path)
	if err != nil {
		return &ncvar.ResourceError{Op: "create", Path: path, Err: err}
	}
	if _, err := cdf.Create(f, h); err != nil {
		_ = f.Close()
		return &ncvar.ResourceError{Op: "create", Path: path, Err: err}
	}
	if record != "" {
		if err := cdf.UpdateNumRecs(f); err != nil {
			_ = f.Close()
			return &ncvar.ResourceError{Op: "create", Path: path, Err: err}
		}
	}
	if err := f.Close(); err != nil {
		return &ncvar.ResourceError{Op: "create", Path: path, Err: err}
	}
	return nil
}

// protoValue returns a zero-length slice of the storage type, used to carry
// the data type into header definitions.
func protoValue(t ncvar.Type) any {
	switch t {
	case ncvar.TypeByte:
		return []uint8{}
	case ncvar.TypeChar:
		return ""
	case ncvar.TypeShort:
		return []int16{}
	case ncvar.TypeInt:
		return []int32{}
	case ncvar.TypeFloat:
		return []float32{}
	case ncvar.TypeDouble:
		return []float64{}
	}
	return nil
}

// attrValue converts an attribute value to a storable representation.
// Scalars become single-element slices; strings and typed slices pass
// through unchanged.
func attrValue(v any) (any, error) {
	switch x := v.(type) {
	case string, []uint8, []int16, []int32, []float32, []float64:
		return x, nil
	case uint8:
		return []uint8{x}, nil
	case int16:
		return []int16{x}, nil
	case int32:
		return []int32{x}, nil
	case int:
		return []int32{int32(x)}, nil
	case float32:
		return []float32{x}, nil
	case float64:
		return []float64{x}, nil
	}
	return nil, fmt.Errorf("unsupported attribute value %T", v)
}
