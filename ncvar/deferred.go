package ncvar

import (
	"context"

	"github.com/sirupsen/logrus"
)

// -----------------------------------------------------------------------------
// Deferred resource
// -----------------------------------------------------------------------------

// resource is a file path, an open mode, and a metadata snapshot captured
// once. No file descriptor is held as part of the resource itself; every
// data access opens the file, acts, and closes it again. This is what lets
// an aggregation span far more files than the process could keep open.
type resource struct {
	backend Backend
	path    string
	mode    Mode
	logger  logrus.FieldLogger
}

// access opens the resource, runs fn, and closes on every exit path. An open
// failure surfaces as a ResourceError. A close failure after a failed fn is
// logged but never masks fn's error; after a successful fn it surfaces.
func (r *resource) access(ctx context.Context, fn func(Handle) error) (err error) {
	h, err := r.backend.Open(ctx, r.path, r.mode)
	if err != nil {
		return &ResourceError{Op: "open", Path: r.path, Err: err}
	}
	defer func() {
		cerr := h.Close()
		if cerr == nil {
			return
		}
		if err == nil {
			err = &ResourceError{Op: "close", Path: r.path, Err: cerr}
			return
		}
		r.logger.WithError(cerr).WithField("path", r.path).
			Warn("close failed while unwinding from an earlier error")
	}()
	return fn(h)
}

// -----------------------------------------------------------------------------
// Deferred dataset
// -----------------------------------------------------------------------------

// deferredDataset answers metadata queries from its snapshot and routes data
// access through the per-access open/close cycle.
type deferredDataset struct {
	res      *resource
	dims     []Dimension
	attrs    Attributes
	varNames []string
	vars     map[string]*deferredVariable
	cfg      openConfig
}

// OpenDeferred opens the file at path once to capture its metadata snapshot
// (dimensions, attributes, variable shapes), closes it, and returns a dataset
// that holds zero file resources between data accesses. Shape and attribute
// queries never reopen the file.
func OpenDeferred(ctx context.Context, backend Backend, path string, opts ...Option) (Dataset, error) {
	cfg := defaultOpenConfig()
	for _, opt := range opts {
		if err := opt.applyOpen(&cfg); err != nil {
			return nil, err
		}
	}
	return openDeferred(ctx, backend, path, cfg)
}

func openDeferred(ctx context.Context, backend Backend, path string, cfg openConfig) (*deferredDataset, error) {
	res := &resource{backend: backend, path: path, mode: cfg.mode, logger: cfg.logger}

	d := &deferredDataset{res: res, cfg: cfg, vars: make(map[string]*deferredVariable)}
	err := res.access(ctx, func(h Handle) error {
		var err error
		if d.attrs, err = h.Attributes(""); err != nil {
			return err
		}
		d.dims = h.Dimensions()
		d.varNames = h.Variables()
		for _, name := range d.varNames {
			info, err := h.Resolve(name)
			if err != nil {
				return err
			}
			attrs, err := h.Attributes(name)
			if err != nil {
				return err
			}
			d.vars[name] = &deferredVariable{res: res, info: info, attrs: attrs}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *deferredDataset) Variables() []string { return d.varNames }

func (d *deferredDataset) Dimensions() []Dimension { return d.dims }

func (d *deferredDataset) Attributes() Attributes { return d.attrs }

func (d *deferredDataset) Var(name string) (Array, error) {
	v, ok := d.vars[name]
	if !ok {
		return nil, &ResourceError{Op: "resolve", Path: d.res.path + "#" + name, Err: errNoSuchVariable}
	}
	if d.cfg.unpack {
		return Unpack(v)
	}
	return v, nil
}

func (d *deferredDataset) SetAttribute(name string, value any) error {
	err := d.res.access(context.Background(), func(h Handle) error {
		return h.SetAttribute("", name, value)
	})
	if err != nil {
		return err
	}
	d.attrs[name] = value
	return nil
}

// Close is a no-op: a deferred dataset holds no file resource between calls.
func (d *deferredDataset) Close() error { return nil }

// -----------------------------------------------------------------------------
// Deferred variable
// -----------------------------------------------------------------------------

// deferredVariable answers shape, dimension, and attribute queries from the
// cached snapshot; Read and Write re-open the file, re-resolve the variable
// inside the fresh handle, perform the access, and close again.
type deferredVariable struct {
	res   *resource
	info  VarInfo
	attrs Attributes
}

func (v *deferredVariable) Shape() []int { return v.info.Shape }

func (v *deferredVariable) Dimensions() []string { return v.info.Dims }

func (v *deferredVariable) Type() Type { return v.info.Type }

func (v *deferredVariable) Attributes() Attributes { return v.attrs }

func (v *deferredVariable) entity() string { return v.res.path + "#" + v.info.Name }

func (v *deferredVariable) Read(ctx context.Context, start, count []int) (*Block, error) {
	if err := checkRequest(v.entity(), start, count, v.info.Shape); err != nil {
		return nil, err
	}
	var b *Block
	err := v.res.access(ctx, func(h Handle) error {
		info, err := h.Resolve(v.info.Name)
		if err != nil {
			return &ResourceError{Op: "resolve", Path: v.entity(), Err: err}
		}
		b, err = h.ReadBlock(ctx, info, start, count)
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (v *deferredVariable) Write(ctx context.Context, start, count []int, b *Block) error {
	if err := checkRequest(v.entity(), start, count, v.info.Shape); err != nil {
		return err
	}
	if err := checkPayload(v.entity(), count, v.info.Type, b); err != nil {
		return err
	}
	if b.Missing != nil {
		return &EncodingError{Entity: v.entity(), Msg: "raw variable cannot store missing values; write through an unpacked variable with a fill value"}
	}
	return v.res.access(ctx, func(h Handle) error {
		info, err := h.Resolve(v.info.Name)
		if err != nil {
			return &ResourceError{Op: "resolve", Path: v.entity(), Err: err}
		}
		return h.WriteBlock(ctx, info, start, count, b)
	})
}
