package ncvar

import (
	"errors"
	"fmt"
)

// Error sentinel values for the error taxonomy. Detail error types below
// unwrap to these, so callers classify failures with errors.Is.
var (
	// ErrResource indicates an underlying open/close/resolve failure.
	ErrResource = errors.New("resource failure")

	// ErrRange indicates an index outside an array's bounds, or a packed
	// write overflowing the stored type.
	ErrRange = errors.New("out of range")

	// ErrStructure indicates an aggregation member disagreeing with the
	// reference member on dimensions or type.
	ErrStructure = errors.New("structural mismatch")

	// ErrEncoding indicates a missing-value write without a configured fill
	// value, or an unsupported element type.
	ErrEncoding = errors.New("encoding failure")
)

var errNoSuchVariable = errors.New("no such variable")

// ResourceError reports a failed open, close, or resolve on a file resource.
type ResourceError struct {
	Op   string // "open", "close", "resolve", "read", "write", or "create"
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("ncvar: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ResourceError) Unwrap() []error { return []error{ErrResource, e.Err} }

// RangeError reports a request outside an entity's bounds or representable
// range.
type RangeError struct {
	Entity string
	Start  []int
	Count  []int
	Shape  []int
	Msg    string
}

func (e *RangeError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("ncvar: %s: %s", e.Entity, e.Msg)
	}
	return fmt.Sprintf("ncvar: %s: request start=%v count=%v outside shape %v",
		e.Entity, e.Start, e.Count, e.Shape)
}

func (e *RangeError) Unwrap() error { return ErrRange }

// StructureError reports an aggregation member that disagrees with the first
// member. Member is the index in construction order.
type StructureError struct {
	Member    int
	Entity    string
	Dimension string
	Msg       string
}

func (e *StructureError) Error() string {
	s := fmt.Sprintf("ncvar: member %d", e.Member)
	if e.Entity != "" {
		s += fmt.Sprintf(" (%s)", e.Entity)
	}
	if e.Dimension != "" {
		s += fmt.Sprintf(": dimension %q", e.Dimension)
	}
	return s + ": " + e.Msg
}

func (e *StructureError) Unwrap() error { return ErrStructure }

// EncodingError reports a value that cannot be represented in the stored
// encoding.
type EncodingError struct {
	Entity string
	Msg    string
}

func (e *EncodingError) Error() string {
	if e.Entity == "" {
		return "ncvar: " + e.Msg
	}
	return fmt.Sprintf("ncvar: %s: %s", e.Entity, e.Msg)
}

func (e *EncodingError) Unwrap() error { return ErrEncoding }
