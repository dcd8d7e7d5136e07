package ncvar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/justapithecus/ncvar/internal/index"
)

// -----------------------------------------------------------------------------
// Memory backend
// -----------------------------------------------------------------------------

// MemVar defines one variable of an in-memory file.
type MemVar struct {
	// Dims are dimension names in storage order; each must be declared by
	// the enclosing MemFile.
	Dims []string

	// Attrs is the variable's attribute set.
	Attrs Attributes

	// Values is the flat row-major data: []uint8, []int16, []int32,
	// []float32 or []float64, with length equal to the shape's size.
	Values any
}

// MemFile describes an in-memory file for the Memory backend.
type MemFile struct {
	Dims  []Dimension
	Attrs Attributes
	Vars  map[string]*MemVar
}

// Memory is an in-memory Backend. It is primarily a test double and a
// composition playground: it counts handle opens and currently live handles,
// which makes resource-lifetime properties (the deferred zero-open guarantee)
// directly observable.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	files map[string]*MemFile
	live  int
	opens int
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{files: make(map[string]*MemFile)}
}

// Put registers (or replaces) the file at path.
func (m *Memory) Put(path string, f *MemFile) error {
	if f.Attrs == nil {
		f.Attrs = Attributes{}
	}
	lengths := make(map[string]int, len(f.Dims))
	for _, d := range f.Dims {
		lengths[d.Name] = d.Length
	}
	for name, v := range f.Vars {
		n := 1
		for _, d := range v.Dims {
			l, ok := lengths[d]
			if !ok {
				return fmt.Errorf("ncvar: memory: variable %q uses undeclared dimension %q", name, d)
			}
			n *= l
		}
		if _, ok := valuesType(v.Values); !ok {
			return fmt.Errorf("ncvar: memory: variable %q has unsupported values %T", name, v.Values)
		}
		if valuesLen(v.Values) != n {
			return fmt.Errorf("ncvar: memory: variable %q has %d values for shape of size %d",
				name, valuesLen(v.Values), n)
		}
		if v.Attrs == nil {
			v.Attrs = Attributes{}
		}
	}
	m.mu.Lock()
	m.files[path] = f
	m.mu.Unlock()
	return nil
}

// OpenHandles returns the number of handles currently open.
func (m *Memory) OpenHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Opens returns the cumulative number of Open calls that succeeded.
func (m *Memory) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

var errNotFound = errors.New("not found")

// Open implements Backend.
func (m *Memory) Open(_ context.Context, path string, mode Mode) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, errNotFound)
	}
	m.live++
	m.opens++
	return &memHandle{backend: m, path: path, file: f, mode: mode}, nil
}

// -----------------------------------------------------------------------------
// Memory handle
// -----------------------------------------------------------------------------

type memHandle struct {
	backend *Memory
	path    string
	file    *MemFile
	mode    Mode

	mu     sync.Mutex
	closed bool
}

var errHandleClosed = errors.New("handle closed")

func (h *memHandle) guard() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHandleClosed
	}
	return nil
}

func (h *memHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHandleClosed
	}
	h.closed = true
	h.backend.mu.Lock()
	h.backend.live--
	h.backend.mu.Unlock()
	return nil
}

func (h *memHandle) Dimensions() []Dimension {
	return append([]Dimension(nil), h.file.Dims...)
}

func (h *memHandle) Variables() []string {
	names := make([]string, 0, len(h.file.Vars))
	for name := range h.file.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *memHandle) Attributes(entity string) (Attributes, error) {
	if err := h.guard(); err != nil {
		return nil, err
	}
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	var src Attributes
	if entity == "" {
		src = h.file.Attrs
	} else {
		v, ok := h.file.Vars[entity]
		if !ok {
			return nil, fmt.Errorf("%s: %w", entity, errNotFound)
		}
		src = v.Attrs
	}
	out := make(Attributes, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

func (h *memHandle) Resolve(path string) (VarInfo, error) {
	if err := h.guard(); err != nil {
		return VarInfo{}, err
	}
	v, ok := h.file.Vars[path]
	if !ok {
		return VarInfo{}, fmt.Errorf("%s: %w", path, errNotFound)
	}
	t, _ := valuesType(v.Values)
	shape := make([]int, len(v.Dims))
	for i, d := range v.Dims {
		for _, dd := range h.file.Dims {
			if dd.Name == d {
				shape[i] = dd.Length
			}
		}
	}
	return VarInfo{Name: path, Type: t, Dims: append([]string(nil), v.Dims...), Shape: shape}, nil
}

func (h *memHandle) ReadBlock(_ context.Context, v VarInfo, start, count []int) (*Block, error) {
	if err := h.guard(); err != nil {
		return nil, err
	}
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	mv, ok := h.file.Vars[v.Name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", v.Name, errNotFound)
	}
	out := NewBlock(v.Type, append([]int(nil), count...))
	zero := make([]int, len(count))
	if err := index.CopyRegion(out.Values, count, zero, mv.Values, v.Shape, start, count); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *memHandle) WriteBlock(_ context.Context, v VarInfo, start, count []int, b *Block) error {
	if err := h.guard(); err != nil {
		return err
	}
	if h.mode != ModeReadWrite {
		return fmt.Errorf("%s: write to read-only handle", h.path)
	}
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	mv, ok := h.file.Vars[v.Name]
	if !ok {
		return fmt.Errorf("%s: %w", v.Name, errNotFound)
	}
	zero := make([]int, len(count))
	return index.CopyRegion(mv.Values, v.Shape, start, b.Values, count, zero, count)
}

func (h *memHandle) SetAttribute(entity, name string, value any) error {
	if err := h.guard(); err != nil {
		return err
	}
	if h.mode != ModeReadWrite {
		return fmt.Errorf("%s: attribute write to read-only handle", h.path)
	}
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	if entity == "" {
		h.file.Attrs[name] = value
		return nil
	}
	v, ok := h.file.Vars[entity]
	if !ok {
		return fmt.Errorf("%s: %w", entity, errNotFound)
	}
	v.Attrs[name] = value
	return nil
}
