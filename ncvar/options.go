package ncvar

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// openConfig holds the resolved configuration for Open and OpenDeferred.
type openConfig struct {
	mode   Mode
	unpack bool
	logger logrus.FieldLogger
}

func defaultOpenConfig() openConfig {
	return openConfig{mode: ModeRead, logger: logrus.StandardLogger()}
}

// aggConfig holds the resolved configuration for dataset aggregation.
type aggConfig struct {
	newDimension bool
	constants    []string
}

// catalogConfig holds the resolved configuration for catalog save/load/open.
type catalogConfig struct {
	compressor Compressor
	open       openConfig
}

func defaultCatalogConfig() catalogConfig {
	return catalogConfig{compressor: NewNoOpCompressor(), open: defaultOpenConfig()}
}

// Option configures Open, OpenDeferred, AggregateDatasets, or the catalog
// functions. Options implement methods for the constructors they support;
// using one elsewhere returns an error.
type Option interface {
	applyOpen(*openConfig) error
	applyAggregate(*aggConfig) error
	applyCatalog(*catalogConfig) error
}

// ErrOptionNotValidForOpen indicates an option used with Open or OpenDeferred
// that applies to another constructor.
var ErrOptionNotValidForOpen = errors.New("option not valid for open")

// ErrOptionNotValidForAggregate indicates an option used with
// AggregateDatasets that applies to another constructor.
var ErrOptionNotValidForAggregate = errors.New("option not valid for aggregate")

// ErrOptionNotValidForCatalog indicates an option used with a catalog
// function that applies to another constructor.
var ErrOptionNotValidForCatalog = errors.New("option not valid for catalog")

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// modeOption implements Option for WithMode.
type modeOption struct {
	mode Mode
}

// WithMode sets the open mode for file resources.
// Default: ModeRead.
func WithMode(m Mode) Option {
	return &modeOption{mode: m}
}

func (o *modeOption) applyOpen(cfg *openConfig) error {
	cfg.mode = o.mode
	return nil
}

func (o *modeOption) applyAggregate(*aggConfig) error {
	return fmt.Errorf("WithMode: %w", ErrOptionNotValidForAggregate)
}

func (o *modeOption) applyCatalog(cfg *catalogConfig) error {
	cfg.open.mode = o.mode
	return nil
}

// unpackOption implements Option for WithUnpack.
type unpackOption struct{}

// WithUnpack wraps every variable in the CF scale/offset/fill transform
// captured from its attributes. Variables without packing attributes remain
// pure pass-throughs.
// Default: off (raw stored values).
func WithUnpack() Option {
	return &unpackOption{}
}

func (o *unpackOption) applyOpen(cfg *openConfig) error {
	cfg.unpack = true
	return nil
}

func (o *unpackOption) applyAggregate(*aggConfig) error {
	return fmt.Errorf("WithUnpack: %w", ErrOptionNotValidForAggregate)
}

func (o *unpackOption) applyCatalog(cfg *catalogConfig) error {
	cfg.open.unpack = true
	return nil
}

// loggerOption implements Option for WithLogger.
type loggerOption struct {
	logger logrus.FieldLogger
}

// WithLogger sets the logger used to report best-effort failures that must
// not mask an original error (deferred close-after-failure).
// Default: logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return &loggerOption{logger: l}
}

func (o *loggerOption) applyOpen(cfg *openConfig) error {
	cfg.logger = o.logger
	return nil
}

func (o *loggerOption) applyAggregate(*aggConfig) error {
	return fmt.Errorf("WithLogger: %w", ErrOptionNotValidForAggregate)
}

func (o *loggerOption) applyCatalog(cfg *catalogConfig) error {
	cfg.open.logger = o.logger
	return nil
}

// newDimensionOption implements Option for WithNewDimension.
type newDimensionOption struct{}

// WithNewDimension switches aggregation to stacking: the aggregation
// dimension is newly introduced and each member contributes one slice.
// Default: concatenation along a dimension already present in each member.
func WithNewDimension() Option {
	return &newDimensionOption{}
}

func (o *newDimensionOption) applyOpen(*openConfig) error {
	return fmt.Errorf("WithNewDimension: %w", ErrOptionNotValidForOpen)
}

func (o *newDimensionOption) applyAggregate(cfg *aggConfig) error {
	cfg.newDimension = true
	return nil
}

func (o *newDimensionOption) applyCatalog(*catalogConfig) error {
	return fmt.Errorf("WithNewDimension: %w", ErrOptionNotValidForCatalog)
}

// constantsOption implements Option for WithConstantVariables.
type constantsOption struct {
	names []string
}

// WithConstantVariables names variables whose value is taken from the first
// member only and assumed identical across members (coordinate variables,
// typically). They are never concatenated.
func WithConstantVariables(names ...string) Option {
	return &constantsOption{names: names}
}

func (o *constantsOption) applyOpen(*openConfig) error {
	return fmt.Errorf("WithConstantVariables: %w", ErrOptionNotValidForOpen)
}

func (o *constantsOption) applyAggregate(cfg *aggConfig) error {
	cfg.constants = append(cfg.constants, o.names...)
	return nil
}

func (o *constantsOption) applyCatalog(*catalogConfig) error {
	return fmt.Errorf("WithConstantVariables: %w", ErrOptionNotValidForCatalog)
}

// compressorOption implements Option for WithCompressor (catalog-only).
type compressorOption struct {
	compressor Compressor
}

// WithCompressor sets the compressor for catalog files.
// Default: NewNoOpCompressor().
func WithCompressor(c Compressor) Option {
	return &compressorOption{compressor: c}
}

func (o *compressorOption) applyOpen(*openConfig) error {
	return fmt.Errorf("WithCompressor: %w", ErrOptionNotValidForOpen)
}

func (o *compressorOption) applyAggregate(*aggConfig) error {
	return fmt.Errorf("WithCompressor: %w", ErrOptionNotValidForAggregate)
}

func (o *compressorOption) applyCatalog(cfg *catalogConfig) error {
	cfg.compressor = o.compressor
	return nil
}
