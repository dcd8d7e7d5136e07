package ncvar

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

// timeSeriesFile builds a member file with a "time" dimension of length n.
// The variable "v" holds base+i at time index i; "lon" carries no time
// dimension and is identical across members.
func timeSeriesFile(n int, base float64) *MemFile {
	values := make([]float64, 2*n)
	for i := 0; i < n; i++ {
		values[2*i] = base + float64(i)
		values[2*i+1] = -(base + float64(i))
	}
	return &MemFile{
		Dims:  []Dimension{{Name: "time", Length: n}, {Name: "x", Length: 2}},
		Attrs: Attributes{"source": "member"},
		Vars: map[string]*MemVar{
			"v":   {Dims: []string{"time", "x"}, Values: values},
			"lon": {Dims: []string{"x"}, Values: []float64{-120, -119}},
		},
	}
}

// aggFixture registers member files of the given lengths and opens each as
// a deferred dataset, so member file accesses are observable via the
// backend's open counters.
func aggFixture(t *testing.T, lengths ...int) (*Memory, []Dataset) {
	t.Helper()
	m := NewMemory()
	members := make([]Dataset, len(lengths))
	base := 0.0
	for i, n := range lengths {
		path := fmt.Sprintf("m%d.nc", i)
		if err := m.Put(path, timeSeriesFile(n, base)); err != nil {
			t.Fatal(err)
		}
		d, err := OpenDeferred(context.Background(), m, path)
		if err != nil {
			t.Fatal(err)
		}
		members[i] = d
		base += float64(n)
	}
	return m, members
}

// -----------------------------------------------------------------------------
// Shape laws
// -----------------------------------------------------------------------------

func TestAggregateDatasets_Concatenation_SumsAggregationDimension(t *testing.T) {
	_, members := aggFixture(t, 10, 5, 20)
	agg, err := AggregateDatasets("time", members)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = agg.Close() }()

	v, err := agg.Var("v")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(v.Shape(), []int{35, 2}) {
		t.Errorf("shape %v, want [35 2]", v.Shape())
	}
	for _, d := range agg.Dimensions() {
		if d.Name == "time" && d.Length != 35 {
			t.Errorf("time dimension %d, want 35", d.Length)
		}
	}
}

func TestAggregateVariables_Stacking_PrependsNewDimension(t *testing.T) {
	_, members := aggFixture(t, 3, 3)
	var vars []Array
	for _, d := range members {
		v, err := d.Var("lon")
		if err != nil {
			t.Fatal(err)
		}
		vars = append(vars, v)
	}
	agg, err := AggregateVariables("member", vars, WithNewDimension())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(agg.Shape(), []int{2, 2}) {
		t.Errorf("shape %v, want [2 2]", agg.Shape())
	}
	if !reflect.DeepEqual(agg.Dimensions(), []string{"member", "x"}) {
		t.Errorf("dimensions %v, want [member x]", agg.Dimensions())
	}

	b := readAll(t, agg)
	want := []float64{-120, -119, -120, -119}
	if !reflect.DeepEqual(b.Values, want) {
		t.Errorf("stacked values %v, want %v", b.Values, want)
	}
}

// -----------------------------------------------------------------------------
// Structural validation
// -----------------------------------------------------------------------------

func TestAggregateDatasets_NoMembers_ReturnsStructureError(t *testing.T) {
	_, err := AggregateDatasets("time", nil)
	if !errors.Is(err, ErrStructure) {
		t.Fatalf("expected ErrStructure, got: %v", err)
	}
}

func TestAggregateDatasets_NonAggregationLengthMismatch_FailsAtConstruction(t *testing.T) {
	m := NewMemory()
	_ = m.Put("a.nc", timeSeriesFile(4, 0))
	odd := timeSeriesFile(4, 4)
	odd.Dims[1].Length = 3
	odd.Vars["v"].Values = make([]float64, 12)
	odd.Vars["lon"].Values = []float64{0, 1, 2}
	_ = m.Put("b.nc", odd)

	var members []Dataset
	for _, p := range []string{"a.nc", "b.nc"} {
		d, err := OpenDeferred(context.Background(), m, p)
		if err != nil {
			t.Fatal(err)
		}
		members = append(members, d)
	}

	_, err := AggregateDatasets("time", members)
	if !errors.Is(err, ErrStructure) {
		t.Fatalf("expected ErrStructure for mismatched x length, got: %v", err)
	}
	var serr *StructureError
	if !errors.As(err, &serr) || serr.Member != 1 {
		t.Errorf("expected the error to name member 1, got: %v", err)
	}
}

func TestAggregateVariables_TypeMismatch_FailsAtConstruction(t *testing.T) {
	m := NewMemory()
	_ = m.Put("f.nc", &MemFile{
		Dims: []Dimension{{Name: "time", Length: 2}},
		Vars: map[string]*MemVar{
			"a": {Dims: []string{"time"}, Values: []float64{0, 1}},
			"b": {Dims: []string{"time"}, Values: []float32{0, 1}},
		},
	})
	ds, err := Open(context.Background(), m, "f.nc")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ds.Close() }()

	a := mustVar(t, ds, "a")
	b := mustVar(t, ds, "b")
	if _, err := AggregateVariables("time", []Array{a, b}); !errors.Is(err, ErrStructure) {
		t.Fatalf("expected ErrStructure for element type mismatch, got: %v", err)
	}
}

func TestAggregateVariables_Stacking_DimensionAlreadyPresent_Fails(t *testing.T) {
	_, members := aggFixture(t, 2)
	v, err := members[0].Var("v")
	if err != nil {
		t.Fatal(err)
	}
	_, err = AggregateVariables("time", []Array{v}, WithNewDimension())
	if !errors.Is(err, ErrStructure) {
		t.Fatalf("expected ErrStructure, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Read routing
// -----------------------------------------------------------------------------

func TestAggVariable_FullRead_EqualsConcatenation(t *testing.T) {
	_, members := aggFixture(t, 2, 3)
	agg, err := AggregateDatasets("time", members)
	if err != nil {
		t.Fatal(err)
	}
	v, err := agg.Var("v")
	if err != nil {
		t.Fatal(err)
	}
	b := readAll(t, v)
	want := []float64{0, 0, 1, -1, 2, -2, 3, -3, 4, -4}
	if !reflect.DeepEqual(b.Values, want) {
		t.Errorf("concatenated values %v, want %v", b.Values, want)
	}
}

func TestAggVariable_StraddlingRead_SplitsAcrossThreeMembers(t *testing.T) {
	// Members of lengths 10, 5, 20; the interval [8, 18) takes the last 2
	// elements of the first member, all 5 of the second, and the first 3 of
	// the third.
	_, members := aggFixture(t, 10, 5, 20)
	agg, err := AggregateDatasets("time", members)
	if err != nil {
		t.Fatal(err)
	}
	v, err := agg.Var("v")
	if err != nil {
		t.Fatal(err)
	}

	b, err := v.Read(context.Background(), []int{8, 0}, []int{10, 1})
	if err != nil {
		t.Fatal(err)
	}
	got := b.Values.([]float64)
	for i := 0; i < 10; i++ {
		if got[i] != float64(8+i) {
			t.Errorf("element %d: got %v, want %v", i, got[i], float64(8+i))
		}
	}
}

func TestAggVariable_PartialRead_TouchesOnlyIntersectedMembers(t *testing.T) {
	m, members := aggFixture(t, 10, 5, 20)
	agg, err := AggregateDatasets("time", members)
	if err != nil {
		t.Fatal(err)
	}
	v, err := agg.Var("v")
	if err != nil {
		t.Fatal(err)
	}

	before := m.Opens()
	if _, err := v.Read(context.Background(), []int{9, 0}, []int{2, 2}); err != nil {
		t.Fatal(err)
	}
	if got := m.Opens() - before; got != 2 {
		t.Errorf("read spanning members 0 and 1 opened %d files, want 2", got)
	}
	if m.OpenHandles() != 0 {
		t.Errorf("expected zero live handles after the read, got %d", m.OpenHandles())
	}
}

func TestAggVariable_ReadOutsideShape_ReturnsRangeError(t *testing.T) {
	_, members := aggFixture(t, 2, 3)
	agg, err := AggregateDatasets("time", members)
	if err != nil {
		t.Fatal(err)
	}
	v, err := agg.Var("v")
	if err != nil {
		t.Fatal(err)
	}
	_, err = v.Read(context.Background(), []int{4, 0}, []int{2, 2})
	if !errors.Is(err, ErrRange) {
		t.Fatalf("expected ErrRange, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Constant and non-aggregated variables
// -----------------------------------------------------------------------------

func TestAggregateDatasets_VariableWithoutAggDim_TakenFromFirstMember(t *testing.T) {
	_, members := aggFixture(t, 2, 3)
	agg, err := AggregateDatasets("time", members)
	if err != nil {
		t.Fatal(err)
	}
	lon, err := agg.Var("lon")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(lon.Shape(), []int{2}) {
		t.Errorf("shape %v, want [2]", lon.Shape())
	}
	b := readAll(t, lon)
	if !reflect.DeepEqual(b.Values, []float64{-120, -119}) {
		t.Errorf("constant variable values %v", b.Values)
	}
}

func TestAggregateDatasets_Stacking_ConstantVariablesNotStacked(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 2; i++ {
		_ = m.Put(fmt.Sprintf("s%d.nc", i), &MemFile{
			Dims: []Dimension{{Name: "x", Length: 2}},
			Vars: map[string]*MemVar{
				"field": {Dims: []string{"x"}, Values: []float64{float64(i), float64(i)}},
				"lon":   {Dims: []string{"x"}, Values: []float64{-120, -119}},
			},
		})
	}
	var members []Dataset
	for i := 0; i < 2; i++ {
		d, err := OpenDeferred(context.Background(), m, fmt.Sprintf("s%d.nc", i))
		if err != nil {
			t.Fatal(err)
		}
		members = append(members, d)
	}

	agg, err := AggregateDatasets("run", members,
		WithNewDimension(), WithConstantVariables("lon"))
	if err != nil {
		t.Fatal(err)
	}

	field, err := agg.Var("field")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(field.Shape(), []int{2, 2}) {
		t.Errorf("stacked field shape %v, want [2 2]", field.Shape())
	}
	lon, err := agg.Var("lon")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(lon.Shape(), []int{2}) {
		t.Errorf("constant variable shape %v, want [2]", lon.Shape())
	}
}

// -----------------------------------------------------------------------------
// Write routing
// -----------------------------------------------------------------------------

func TestAggVariable_StraddlingWrite_RoutesToOwningMembers(t *testing.T) {
	m := NewMemory()
	for i, n := range []int{2, 3} {
		_ = m.Put(fmt.Sprintf("w%d.nc", i), timeSeriesFile(n, float64(2*i)))
	}
	var members []Dataset
	for i := 0; i < 2; i++ {
		d, err := OpenDeferred(context.Background(), m, fmt.Sprintf("w%d.nc", i), WithMode(ModeReadWrite))
		if err != nil {
			t.Fatal(err)
		}
		members = append(members, d)
	}
	agg, err := AggregateDatasets("time", members)
	if err != nil {
		t.Fatal(err)
	}
	v, err := agg.Var("v")
	if err != nil {
		t.Fatal(err)
	}

	// Rows 1..2 straddle the member boundary at offset 2.
	payload := &Block{Values: []float64{101, 102, 103, 104}}
	if err := v.Write(context.Background(), []int{1, 0}, []int{2, 2}, payload); err != nil {
		t.Fatal(err)
	}

	b := readAll(t, v)
	want := []float64{0, 0, 101, 102, 103, 104, 3, -3, 4, -4}
	if !reflect.DeepEqual(b.Values, want) {
		t.Errorf("values after straddling write %v, want %v", b.Values, want)
	}
}

// -----------------------------------------------------------------------------
// Dataset-level behavior
// -----------------------------------------------------------------------------

func TestAggDataset_AttributesAndAccessors(t *testing.T) {
	_, members := aggFixture(t, 2, 3)
	agg, err := AggregateDatasets("time", members)
	if err != nil {
		t.Fatal(err)
	}
	if agg.AggregationDimension() != "time" {
		t.Errorf("aggregation dimension %q", agg.AggregationDimension())
	}
	if len(agg.Members()) != 2 {
		t.Errorf("members %d, want 2", len(agg.Members()))
	}
	if agg.Attributes()["source"] != "member" {
		t.Errorf("expected global attributes from the first member, got %v", agg.Attributes())
	}
}

func TestAggDataset_SetAttribute_BroadcastsToEveryMember(t *testing.T) {
	m := NewMemory()
	files := make([]*MemFile, 3)
	members := make([]Dataset, len(files))
	base := 0.0
	for i := range files {
		files[i] = timeSeriesFile(4, base)
		path := fmt.Sprintf("m%d.nc", i)
		if err := m.Put(path, files[i]); err != nil {
			t.Fatal(err)
		}
		d, err := OpenDeferred(context.Background(), m, path, WithMode(ModeReadWrite))
		if err != nil {
			t.Fatal(err)
		}
		members[i] = d
		base += 4
	}

	agg, err := AggregateDatasets("time", members)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = agg.Close() }()

	if err := agg.SetAttribute("history", "amended"); err != nil {
		t.Fatal(err)
	}
	for i, f := range files {
		if f.Attrs["history"] != "amended" {
			t.Errorf("member %d file attributes %v, want history=amended", i, f.Attrs)
		}
	}
	for i, d := range members {
		if d.Attributes()["history"] != "amended" {
			t.Errorf("member %d snapshot missing the attribute", i)
		}
	}
	if agg.Attributes()["history"] != "amended" {
		t.Errorf("aggregate attributes %v, want history=amended", agg.Attributes())
	}
	if m.OpenHandles() != 0 {
		t.Errorf("expected zero live handles after the broadcast, got %d", m.OpenHandles())
	}
}

func TestAggDataset_SetAttribute_ReadOnlyMember_NamesFailingMember(t *testing.T) {
	m := NewMemory()
	first := timeSeriesFile(2, 0)
	second := timeSeriesFile(2, 2)
	if err := m.Put("m0.nc", first); err != nil {
		t.Fatal(err)
	}
	if err := m.Put("m1.nc", second); err != nil {
		t.Fatal(err)
	}
	writable, err := OpenDeferred(context.Background(), m, "m0.nc", WithMode(ModeReadWrite))
	if err != nil {
		t.Fatal(err)
	}
	readonly, err := OpenDeferred(context.Background(), m, "m1.nc")
	if err != nil {
		t.Fatal(err)
	}

	agg, err := AggregateDatasets("time", []Dataset{writable, readonly})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = agg.Close() }()

	err = agg.SetAttribute("history", "amended")
	if err == nil {
		t.Fatal("expected the broadcast to fail on the read-only member")
	}
	if !strings.Contains(err.Error(), "member 1") {
		t.Errorf("error %q does not name the failing member", err)
	}
	// Members before the failure are already written; the aggregate's own
	// attribute view stays unchanged.
	if first.Attrs["history"] != "amended" {
		t.Errorf("member 0 should have been written before the failure: %v", first.Attrs)
	}
	if _, ok := second.Attrs["history"]; ok {
		t.Errorf("read-only member was written: %v", second.Attrs)
	}
	if _, ok := agg.Attributes()["history"]; ok {
		t.Errorf("aggregate attributes updated despite the failure: %v", agg.Attributes())
	}
}
