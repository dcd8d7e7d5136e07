// Package ncvar composes NetCDF-model array datasets into virtual arrays.
//
// ncvar focuses on the logical layer above a raw file-format binding: CF
// scale/offset/fill unpacking, rectangular index views, deferred (open per
// access) file resources, and multi-file aggregation along one dimension.
// It does not implement the binary format itself; backends such as nc3
// supply that through the Backend interface.
package ncvar

import (
	"context"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// Type identifies an element type of the classic NetCDF data model.
type Type int

const (
	// TypeByte is an 8-bit value ([]uint8 in blocks).
	TypeByte Type = iota + 1
	// TypeChar is character data, also carried as []uint8.
	TypeChar
	// TypeShort is a 16-bit signed integer ([]int16).
	TypeShort
	// TypeInt is a 32-bit signed integer ([]int32).
	TypeInt
	// TypeFloat is a 32-bit float ([]float32).
	TypeFloat
	// TypeDouble is a 64-bit float ([]float64).
	TypeDouble
)

// String returns the CDL name of the type.
func (t Type) String() string {
	switch t {
	case TypeByte:
		return "byte"
	case TypeChar:
		return "char"
	case TypeShort:
		return "short"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	}
	return "invalid"
}

// Floating reports whether the type is a floating-point type.
func (t Type) Floating() bool { return t == TypeFloat || t == TypeDouble }

// Dimension is a named axis with a length.
type Dimension struct {
	Name   string
	Length int
}

// Attributes holds the attribute set of a variable or dataset.
// Values are scalars, small slices, or strings, as stored in the file.
type Attributes map[string]any

// Mode selects how a backend opens a file resource.
type Mode int

const (
	// ModeRead opens for reading only.
	ModeRead Mode = iota
	// ModeReadWrite opens for reading and writing.
	ModeReadWrite
)

// -----------------------------------------------------------------------------
// Array interface
// -----------------------------------------------------------------------------

// Array is the capability set shared by every array-like entity: raw
// variables, unpacked (CF-transformed) variables, index views, deferred
// variables, and aggregated variables. Compositions depend only on this
// interface, never on a concrete variant, so entities nest arbitrarily.
type Array interface {
	// Shape returns the dimension lengths in file-storage order.
	Shape() []int

	// Dimensions returns the dimension names, parallel to Shape.
	Dimensions() []string

	// Type returns the element type of blocks produced by Read.
	Type() Type

	// Attributes returns the entity's attribute set.
	Attributes() Attributes

	// Read returns the rectangular region [start, start+count) per dimension.
	Read(ctx context.Context, start, count []int) (*Block, error)

	// Write stores the block into the region [start, start+count).
	Write(ctx context.Context, start, count []int, b *Block) error
}

// -----------------------------------------------------------------------------
// Dataset interface
// -----------------------------------------------------------------------------

// Dataset is a named collection of variables sharing dimensions.
type Dataset interface {
	// Variables lists the variable names in stable order.
	Variables() []string

	// Var returns the named variable.
	Var(name string) (Array, error)

	// Dimensions returns the dataset's dimensions.
	Dimensions() []Dimension

	// Attributes returns the dataset-level (global) attributes.
	Attributes() Attributes

	// SetAttribute writes a dataset-level attribute. Aggregated datasets
	// broadcast the write to every member so members stay consistent.
	SetAttribute(name string, value any) error

	// Close releases any resources held by the dataset. Deferred datasets
	// hold none between accesses; Close is then a no-op.
	Close() error
}

// -----------------------------------------------------------------------------
// Backend interface (the consumed raw-format capability)
// -----------------------------------------------------------------------------

// VarInfo describes a variable resolved inside an open handle.
type VarInfo struct {
	// Name is the variable's path within the file.
	Name string

	// Type is the stored element type.
	Type Type

	// Dims are the dimension names in storage order.
	Dims []string

	// Shape are the dimension lengths, parallel to Dims.
	Shape []int
}

// Backend opens file resources. Implementations bind one on-disk format;
// they perform no semantic transformation.
type Backend interface {
	// Open opens the file at path. The returned handle must be closed.
	Open(ctx context.Context, path string, mode Mode) (Handle, error)
}

// Handle is one open file resource.
//
// Handles are not safe for concurrent use unless the implementation says
// otherwise; distinct handles to the same path may be used concurrently for
// reading.
type Handle interface {
	// Close releases the file resource.
	Close() error

	// Dimensions lists the file's dimensions.
	Dimensions() []Dimension

	// Variables lists the file's variable paths in stable order.
	Variables() []string

	// Attributes returns the attributes of the named variable, or the global
	// attributes when entity is empty.
	Attributes(entity string) (Attributes, error)

	// Resolve locates a variable by its path within the file.
	Resolve(path string) (VarInfo, error)

	// ReadBlock reads the region [start, start+count) of the variable.
	ReadBlock(ctx context.Context, v VarInfo, start, count []int) (*Block, error)

	// WriteBlock writes the block to the region [start, start+count).
	WriteBlock(ctx context.Context, v VarInfo, start, count []int, b *Block) error

	// SetAttribute sets an attribute on the named variable (or globally when
	// entity is empty). Backends without attribute write support return
	// ErrEncoding.
	SetAttribute(entity, name string, value any) error
}
