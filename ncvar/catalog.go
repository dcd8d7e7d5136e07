package ncvar

import (
	"context"
	"errors"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	catalogSchemaName    = "ncvar-catalog"
	catalogFormatVersion = "1.0.0"
)

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

// MemberRef names one member file of an aggregation.
type MemberRef struct {
	// Path is the member's file path, resolvable by the backend.
	Path string `json:"path"`

	// Extent optionally records the member's length along the aggregation
	// dimension. When set it is checked against the opened file, so a
	// catalog that drifted from its files fails loudly instead of shifting
	// every later member's interval.
	Extent int `json:"extent,omitempty"`
}

// Catalog is a persistable description of a multi-file aggregation: which
// files, in which order, joined along which dimension. A catalog written
// once lets a thousand-file dataset be reopened without re-scanning anything
// but the catalog itself.
type Catalog struct {
	// SchemaName identifies the catalog schema ("ncvar-catalog").
	SchemaName string `json:"schema_name"`

	// FormatVersion identifies the catalog schema version.
	FormatVersion string `json:"format_version"`

	// Name labels the aggregation.
	Name string `json:"name"`

	// Dimension is the aggregation dimension.
	Dimension string `json:"dimension"`

	// NewDimension marks stacking (the dimension is newly introduced).
	NewDimension bool `json:"new_dimension,omitempty"`

	// ConstantVariables are taken from the first member only.
	ConstantVariables []string `json:"constant_variables,omitempty"`

	// Members lists the member files in aggregation order.
	Members []MemberRef `json:"members"`

	// Attributes are catalog-level attributes layered over the first
	// member's global attributes when the aggregation is opened.
	Attributes Attributes `json:"attributes,omitempty"`
}

// NewCatalog builds a catalog for the given member paths, in order.
func NewCatalog(name, dimension string, memberPaths []string) *Catalog {
	members := make([]MemberRef, len(memberPaths))
	for i, p := range memberPaths {
		members[i] = MemberRef{Path: p}
	}
	return &Catalog{
		SchemaName:    catalogSchemaName,
		FormatVersion: catalogFormatVersion,
		Name:          name,
		Dimension:     dimension,
		Members:       members,
	}
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

// ErrCatalogInvalid indicates a catalog failed validation.
var ErrCatalogInvalid = errors.New("invalid catalog")

// catalogValidationError details a catalog validation failure.
type catalogValidationError struct {
	Field   string
	Message string
}

func (e *catalogValidationError) Error() string {
	return fmt.Sprintf("invalid catalog: %s: %s", e.Field, e.Message)
}

func (e *catalogValidationError) Unwrap() error { return ErrCatalogInvalid }

func validateCatalog(c *Catalog) error {
	if c == nil {
		return &catalogValidationError{Field: "catalog", Message: "is nil"}
	}
	if c.SchemaName != catalogSchemaName {
		return &catalogValidationError{Field: "schema_name", Message: fmt.Sprintf("must be %q", catalogSchemaName)}
	}
	if c.FormatVersion == "" {
		return &catalogValidationError{Field: "format_version", Message: "is required"}
	}
	if c.Dimension == "" {
		return &catalogValidationError{Field: "dimension", Message: "is required"}
	}
	if len(c.Members) == 0 {
		return &catalogValidationError{Field: "members", Message: "must list at least one member"}
	}
	for i, m := range c.Members {
		if m.Path == "" {
			return &catalogValidationError{
				Field:   fmt.Sprintf("members[%d].path", i),
				Message: "is required",
			}
		}
		if m.Extent < 0 {
			return &catalogValidationError{
				Field:   fmt.Sprintf("members[%d].extent", i),
				Message: "must be non-negative",
			}
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Save / Load / Open
// -----------------------------------------------------------------------------

// SaveCatalog writes the catalog to path as JSON, compressed with the
// configured compressor (default: the one implied by the path's extension).
func SaveCatalog(path string, c *Catalog, opts ...Option) error {
	cfg := catalogConfig{compressor: compressorForPath(path), open: defaultOpenConfig()}
	for _, opt := range opts {
		if err := opt.applyCatalog(&cfg); err != nil {
			return fmt.Errorf("ncvar: %w", err)
		}
	}
	if err := validateCatalog(c); err != nil {
		return fmt.Errorf("ncvar: %w", err)
	}

	data, err := jsonCodec.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("ncvar: failed to encode catalog: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return &ResourceError{Op: "open", Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	cw, err := cfg.compressor.Compress(f)
	if err != nil {
		return fmt.Errorf("ncvar: %w", err)
	}
	if _, err := cw.Write(data); err != nil {
		_ = cw.Close()
		return fmt.Errorf("ncvar: failed to write catalog %s: %w", path, err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("ncvar: failed to write catalog %s: %w", path, err)
	}
	return f.Close()
}

// LoadCatalog reads and validates a catalog from path, decompressing
// according to the path's extension (or an explicit WithCompressor).
func LoadCatalog(path string, opts ...Option) (*Catalog, error) {
	cfg := catalogConfig{compressor: compressorForPath(path), open: defaultOpenConfig()}
	for _, opt := range opts {
		if err := opt.applyCatalog(&cfg); err != nil {
			return nil, fmt.Errorf("ncvar: %w", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &ResourceError{Op: "open", Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	dr, err := cfg.compressor.Decompress(f)
	if err != nil {
		return nil, fmt.Errorf("ncvar: failed to read catalog %s: %w", path, err)
	}
	defer func() { _ = dr.Close() }()

	var c Catalog
	if err := jsonCodec.NewDecoder(dr).Decode(&c); err != nil {
		return nil, fmt.Errorf("ncvar: failed to decode catalog %s: %w", path, err)
	}
	if err := validateCatalog(&c); err != nil {
		return nil, fmt.Errorf("ncvar: %s: %w", path, err)
	}
	return &c, nil
}

// OpenCatalog loads the catalog at path and opens the aggregation it
// describes, with every member deferred: only the catalog file is read here,
// plus one metadata pass per member; afterwards a data access opens exactly
// the member files covering the requested range.
func OpenCatalog(ctx context.Context, backend Backend, path string, opts ...Option) (*AggDataset, error) {
	c, err := LoadCatalog(path, opts...)
	if err != nil {
		return nil, err
	}
	return OpenCatalogged(ctx, backend, c, opts...)
}

// OpenCatalogged opens the aggregation described by an in-memory catalog.
func OpenCatalogged(ctx context.Context, backend Backend, c *Catalog, opts ...Option) (*AggDataset, error) {
	cfg := defaultCatalogConfig()
	for _, opt := range opts {
		if err := opt.applyCatalog(&cfg); err != nil {
			return nil, fmt.Errorf("ncvar: %w", err)
		}
	}
	if err := validateCatalog(c); err != nil {
		return nil, fmt.Errorf("ncvar: %w", err)
	}

	members := make([]Dataset, len(c.Members))
	for i, ref := range c.Members {
		d, err := openDeferred(ctx, backend, ref.Path, cfg.open)
		if err != nil {
			return nil, fmt.Errorf("ncvar: catalog member %d: %w", i, err)
		}
		if ref.Extent > 0 && !c.NewDimension {
			if got := dimLength(d, c.Dimension); got != ref.Extent {
				return nil, &StructureError{Member: i, Entity: ref.Path, Dimension: c.Dimension,
					Msg: fmt.Sprintf("extent %d does not match catalog's recorded %d", got, ref.Extent)}
			}
		}
		members[i] = d
	}

	aggOpts := []Option{WithConstantVariables(c.ConstantVariables...)}
	if c.NewDimension {
		aggOpts = append(aggOpts, WithNewDimension())
	}
	agg, err := AggregateDatasets(c.Dimension, members, aggOpts...)
	if err != nil {
		return nil, err
	}
	if len(c.Attributes) > 0 {
		merged := make(Attributes, len(agg.attrs)+len(c.Attributes))
		for k, v := range agg.attrs {
			merged[k] = v
		}
		for k, v := range c.Attributes {
			merged[k] = v
		}
		agg.attrs = merged
	}
	return agg, nil
}
