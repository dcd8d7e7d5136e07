package ncvar

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// -----------------------------------------------------------------------------
// Shared file resource
// -----------------------------------------------------------------------------

// sharedHandle is one open file resource shared by a dataset and every raw
// variable built on it. The handle stays valid until the dataset is closed;
// release is deterministic, never left to garbage collection.
type sharedHandle struct {
	path string

	mu     sync.Mutex
	h      Handle
	closed bool
}

var errClosed = errors.New("dataset closed")

// do runs fn while holding the resource. It fails with a ResourceError once
// the dataset has been closed.
func (s *sharedHandle) do(fn func(Handle) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &ResourceError{Op: "access", Path: s.path, Err: errClosed}
	}
	return fn(s.h)
}

func (s *sharedHandle) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.h.Close(); err != nil {
		return &ResourceError{Op: "close", Path: s.path, Err: err}
	}
	return nil
}

// -----------------------------------------------------------------------------
// File dataset
// -----------------------------------------------------------------------------

// fileDataset implements Dataset over one open backend handle.
type fileDataset struct {
	path     string
	res      *sharedHandle
	dims     []Dimension
	attrs    Attributes
	varNames []string
	cfg      openConfig
}

// Open opens the file at path through the backend and returns a dataset that
// keeps the file resource open until Close. Variables returned by Var borrow
// the dataset's resource and are invalidated by Close.
//
// Defaults: ModeRead, no CF unpacking. Override with WithMode and WithUnpack.
func Open(ctx context.Context, backend Backend, path string, opts ...Option) (Dataset, error) {
	if backend == nil {
		return nil, errors.New("ncvar: backend is required")
	}

	cfg := defaultOpenConfig()
	for _, opt := range opts {
		if err := opt.applyOpen(&cfg); err != nil {
			return nil, fmt.Errorf("ncvar: %w", err)
		}
	}

	h, err := backend.Open(ctx, path, cfg.mode)
	if err != nil {
		return nil, &ResourceError{Op: "open", Path: path, Err: err}
	}

	attrs, err := h.Attributes("")
	if err != nil {
		_ = h.Close()
		return nil, &ResourceError{Op: "open", Path: path, Err: err}
	}

	return &fileDataset{
		path:     path,
		res:      &sharedHandle{path: path, h: h},
		dims:     h.Dimensions(),
		attrs:    attrs,
		varNames: h.Variables(),
		cfg:      cfg,
	}, nil
}

func (d *fileDataset) Variables() []string { return d.varNames }

func (d *fileDataset) Dimensions() []Dimension { return d.dims }

func (d *fileDataset) Attributes() Attributes { return d.attrs }

func (d *fileDataset) Var(name string) (Array, error) {
	var info VarInfo
	var attrs Attributes
	err := d.res.do(func(h Handle) error {
		var err error
		if info, err = h.Resolve(name); err != nil {
			return err
		}
		attrs, err = h.Attributes(name)
		return err
	})
	if err != nil {
		var rerr *ResourceError
		if errors.As(err, &rerr) {
			return nil, err
		}
		return nil, &ResourceError{Op: "resolve", Path: d.path + "#" + name, Err: err}
	}

	raw := &rawVariable{res: d.res, info: info, attrs: attrs}
	if d.cfg.unpack {
		return Unpack(raw)
	}
	return raw, nil
}

func (d *fileDataset) SetAttribute(name string, value any) error {
	err := d.res.do(func(h Handle) error {
		return h.SetAttribute("", name, value)
	})
	if err != nil {
		return err
	}
	d.attrs[name] = value
	return nil
}

func (d *fileDataset) Close() error { return d.res.close() }

// -----------------------------------------------------------------------------
// Raw variable
// -----------------------------------------------------------------------------

// rawVariable is a view over one stored array inside one open file resource.
// It performs no semantic transformation.
type rawVariable struct {
	res   *sharedHandle
	info  VarInfo
	attrs Attributes
}

func (v *rawVariable) Shape() []int { return v.info.Shape }

func (v *rawVariable) Dimensions() []string { return v.info.Dims }

func (v *rawVariable) Type() Type { return v.info.Type }

func (v *rawVariable) Attributes() Attributes { return v.attrs }

func (v *rawVariable) entity() string { return v.res.path + "#" + v.info.Name }

func (v *rawVariable) Read(ctx context.Context, start, count []int) (*Block, error) {
	if err := checkRequest(v.entity(), start, count, v.info.Shape); err != nil {
		return nil, err
	}
	var b *Block
	err := v.res.do(func(h Handle) error {
		var err error
		b, err = h.ReadBlock(ctx, v.info, start, count)
		return err
	})
	return b, err
}

func (v *rawVariable) Write(ctx context.Context, start, count []int, b *Block) error {
	if err := checkRequest(v.entity(), start, count, v.info.Shape); err != nil {
		return err
	}
	if err := checkPayload(v.entity(), count, v.info.Type, b); err != nil {
		return err
	}
	if b.Missing != nil {
		return &EncodingError{Entity: v.entity(), Msg: "raw variable cannot store missing values; write through an unpacked variable with a fill value"}
	}
	return v.res.do(func(h Handle) error {
		return h.WriteBlock(ctx, v.info, start, count, b)
	})
}
