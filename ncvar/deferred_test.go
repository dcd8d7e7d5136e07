package ncvar

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func mustOpenDeferred(t *testing.T, m *Memory, opts ...Option) Dataset {
	t.Helper()
	ds, err := OpenDeferred(context.Background(), m, "obs.nc", opts...)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

// -----------------------------------------------------------------------------
// Resource lifetime
// -----------------------------------------------------------------------------

func TestOpenDeferred_HoldsNoHandleBetweenAccesses(t *testing.T) {
	m := newObsBackend(t)
	ds := mustOpenDeferred(t, m)

	if m.OpenHandles() != 0 {
		t.Fatalf("expected zero live handles after the metadata snapshot, got %d", m.OpenHandles())
	}

	v := mustVar(t, ds, "t")
	for i := 0; i < 3; i++ {
		if _, err := v.Read(context.Background(), []int{0, 0}, []int{1, 2}); err != nil {
			t.Fatal(err)
		}
	}
	if m.OpenHandles() != 0 {
		t.Errorf("expected zero live handles after reads, got %d", m.OpenHandles())
	}
	// One open for the snapshot, one per read.
	if m.Opens() != 4 {
		t.Errorf("expected 4 opens, got %d", m.Opens())
	}
}

func TestOpenDeferred_MetadataQueries_NeverReopen(t *testing.T) {
	m := newObsBackend(t)
	ds := mustOpenDeferred(t, m)
	v := mustVar(t, ds, "t")

	before := m.Opens()
	_ = ds.Variables()
	_ = ds.Dimensions()
	_ = ds.Attributes()
	_ = v.Shape()
	_ = v.Dimensions()
	_ = v.Type()
	_ = v.Attributes()
	if m.Opens() != before {
		t.Errorf("metadata queries opened the file %d times", m.Opens()-before)
	}
}

func TestOpenDeferred_HandleClosedOnReadFailure(t *testing.T) {
	m := newObsBackend(t)
	ds := mustOpenDeferred(t, m)
	v := mustVar(t, ds, "t")

	// A request outside the snapshot shape fails before opening; a request
	// that fails inside the backend still closes the handle.
	if _, err := v.Read(context.Background(), []int{0, 9}, []int{1, 1}); err == nil {
		t.Fatal("expected range error")
	}
	if m.OpenHandles() != 0 {
		t.Errorf("expected zero live handles after the failed read, got %d", m.OpenHandles())
	}
}

func TestDeferredDataset_Close_IsNoOp(t *testing.T) {
	m := newObsBackend(t)
	ds := mustOpenDeferred(t, m)
	v := mustVar(t, ds, "t")
	if err := ds.Close(); err != nil {
		t.Fatal(err)
	}
	// The dataset holds no resource, so variables stay usable after Close.
	if _, err := v.Read(context.Background(), []int{0, 0}, []int{1, 1}); err != nil {
		t.Errorf("read after close failed: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Snapshot semantics
// -----------------------------------------------------------------------------

func TestOpenDeferred_SnapshotMatchesDirectOpen(t *testing.T) {
	m := newObsBackend(t)
	direct := mustOpen(t, m)
	defer func() { _ = direct.Close() }()
	deferred := mustOpenDeferred(t, m)

	if !reflect.DeepEqual(direct.Variables(), deferred.Variables()) {
		t.Errorf("variables differ: %v vs %v", direct.Variables(), deferred.Variables())
	}
	if !reflect.DeepEqual(direct.Dimensions(), deferred.Dimensions()) {
		t.Errorf("dimensions differ: %v vs %v", direct.Dimensions(), deferred.Dimensions())
	}

	dv := mustVar(t, direct, "t")
	fv := mustVar(t, deferred, "t")
	db := readAll(t, dv)
	fb := readAll(t, fv)
	if !reflect.DeepEqual(db.Values, fb.Values) {
		t.Errorf("reads differ: %v vs %v", db.Values, fb.Values)
	}
}

func TestDeferredDataset_Var_Unknown_ReturnsResourceError(t *testing.T) {
	ds := mustOpenDeferred(t, newObsBackend(t))
	if _, err := ds.Var("nope"); !errors.Is(err, ErrResource) {
		t.Fatalf("expected ErrResource, got: %v", err)
	}
}

func TestOpenDeferred_WithUnpack_TransformsReads(t *testing.T) {
	ds := mustOpenDeferred(t, newObsBackend(t), WithUnpack())
	v := mustVar(t, ds, "p")
	if v.Type() != TypeFloat {
		t.Fatalf("expected unpacked float output, got %s", v.Type())
	}
	b, err := v.Read(context.Background(), []int{0, 0}, []int{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	got := b.Values.([]float32)
	if got[0] != 11 || got[1] != 12 {
		t.Errorf("unpacked values %v, want [11 12]", got)
	}
}

// -----------------------------------------------------------------------------
// Writes
// -----------------------------------------------------------------------------

func TestDeferredVariable_Write_OpensWritesAndCloses(t *testing.T) {
	m := newObsBackend(t)
	ds := mustOpenDeferred(t, m, WithMode(ModeReadWrite), WithLogger(logrus.New()))
	v := mustVar(t, ds, "t")

	err := v.Write(context.Background(), []int{0, 0}, []int{1, 3}, &Block{Values: []float32{9, 8, 7}})
	if err != nil {
		t.Fatal(err)
	}
	if m.OpenHandles() != 0 {
		t.Fatalf("expected zero live handles after the write, got %d", m.OpenHandles())
	}

	b, err := v.Read(context.Background(), []int{0, 0}, []int{1, 3})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(b.Values, []float32{9, 8, 7}) {
		t.Errorf("read back %v, want [9 8 7]", b.Values)
	}
}

func TestDeferredDataset_SetAttribute_UpdatesSnapshot(t *testing.T) {
	m := newObsBackend(t)
	ds := mustOpenDeferred(t, m, WithMode(ModeReadWrite))
	if err := ds.SetAttribute("history", "edited"); err != nil {
		t.Fatal(err)
	}
	if ds.Attributes()["history"] != "edited" {
		t.Errorf("snapshot not updated: %v", ds.Attributes())
	}
	if m.OpenHandles() != 0 {
		t.Errorf("expected zero live handles after the attribute write, got %d", m.OpenHandles())
	}
}

// -----------------------------------------------------------------------------
// Unwinding from failures
// -----------------------------------------------------------------------------

// faultBackend wraps another backend and injects failures into the handles
// it returns. The wrapped handle still closes, so the inner backend's leak
// counters stay accurate.
type faultBackend struct {
	inner    Backend
	readErr  error
	closeErr error
}

func (b *faultBackend) Open(ctx context.Context, path string, mode Mode) (Handle, error) {
	h, err := b.inner.Open(ctx, path, mode)
	if err != nil {
		return nil, err
	}
	return &faultHandle{Handle: h, b: b}, nil
}

type faultHandle struct {
	Handle
	b *faultBackend
}

func (h *faultHandle) ReadBlock(ctx context.Context, v VarInfo, start, count []int) (*Block, error) {
	if h.b.readErr != nil {
		return nil, h.b.readErr
	}
	return h.Handle.ReadBlock(ctx, v, start, count)
}

func (h *faultHandle) Close() error {
	err := h.Handle.Close()
	if h.b.closeErr != nil {
		return h.b.closeErr
	}
	return err
}

func TestDeferredVariable_CloseFailureAfterFailedRead_NeverMasksReadError(t *testing.T) {
	m := newObsBackend(t)
	fb := &faultBackend{inner: m}
	logger, hook := logtest.NewNullLogger()

	ds, err := OpenDeferred(context.Background(), fb, "obs.nc", WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	v := mustVar(t, ds, "t")

	readErr := errors.New("read interrupted")
	closeErr := errors.New("descriptor already gone")
	fb.readErr = readErr
	fb.closeErr = closeErr

	_, err = v.Read(context.Background(), []int{0, 0}, []int{1, 2})
	if !errors.Is(err, readErr) {
		t.Fatalf("expected the read error back, got: %v", err)
	}
	if errors.Is(err, closeErr) {
		t.Errorf("close failure masked the read error: %v", err)
	}

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected the close failure to be logged")
	}
	if entry.Level != logrus.WarnLevel {
		t.Errorf("logged at %v, want warning", entry.Level)
	}
	if got, ok := entry.Data[logrus.ErrorKey].(error); !ok || !errors.Is(got, closeErr) {
		t.Errorf("logged error %v, want the close error", entry.Data[logrus.ErrorKey])
	}
	if m.OpenHandles() != 0 {
		t.Errorf("expected zero live handles after the unwind, got %d", m.OpenHandles())
	}
}

func TestDeferredVariable_CloseFailureAfterSuccessfulRead_Surfaces(t *testing.T) {
	m := newObsBackend(t)
	fb := &faultBackend{inner: m}
	logger, hook := logtest.NewNullLogger()

	ds, err := OpenDeferred(context.Background(), fb, "obs.nc", WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	v := mustVar(t, ds, "t")

	closeErr := errors.New("descriptor already gone")
	fb.closeErr = closeErr

	_, err = v.Read(context.Background(), []int{0, 0}, []int{1, 2})
	if !errors.Is(err, ErrResource) || !errors.Is(err, closeErr) {
		t.Fatalf("expected a resource error carrying the close failure, got: %v", err)
	}
	if hook.LastEntry() != nil {
		t.Errorf("close failure after a successful read should surface, not log: %v", hook.LastEntry())
	}
	if m.OpenHandles() != 0 {
		t.Errorf("expected zero live handles, got %d", m.OpenHandles())
	}
}
