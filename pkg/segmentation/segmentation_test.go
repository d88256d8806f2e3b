package segmentation

import (
	"errors"
	"reflect"
	"testing"

	"labelstation/internal/models"
	"labelstation/pkg/volume"
)

func testGeometry() volume.Geometry {
	return volume.NewGeometry([3]int{6, 5, 4}, models.Vec3{1, 1, 2}, models.Vec3{-3, 0, 10})
}

// TestAddAndNames verifies insertion order and the added signal
func TestAddAndNames(t *testing.T) {
	ll := NewLayerList(testGeometry())
	var added []string
	ll.LayerAdded.Connect(func(l *Layer) { added = append(added, l.Name()) })

	for _, name := range []string{"Bone", "Vessel", "Liver"} {
		if _, err := ll.NewLayer(name, models.Red); err != nil {
			t.Fatalf("NewLayer(%q) failed: %v", name, err)
		}
	}

	want := []string{"Bone", "Vessel", "Liver"}
	if !reflect.DeepEqual(ll.Names(), want) {
		t.Errorf("Expected names %v, got %v", want, ll.Names())
	}
	if !reflect.DeepEqual(added, want) {
		t.Errorf("Expected added events %v, got %v", want, added)
	}
}

// TestAddRejectsInvalidNames verifies the list is unchanged after a rejected add
func TestAddRejectsInvalidNames(t *testing.T) {
	ll := NewLayerList(testGeometry())
	ll.NewLayer("Bone", models.Red)

	cases := []struct {
		name string
		err  error
	}{
		{"a/b", models.ErrInvalidName},
		{"   ", models.ErrInvalidName},
		{"what?", models.ErrInvalidName},
		{"Bone", models.ErrDuplicateName},
	}
	for _, c := range cases {
		if _, err := ll.NewLayer(c.name, models.Blue); !errors.Is(err, c.err) {
			t.Errorf("NewLayer(%q): expected %v, got %v", c.name, c.err, err)
		}
	}
	if !reflect.DeepEqual(ll.Names(), []string{"Bone"}) {
		t.Errorf("List changed after rejected adds: %v", ll.Names())
	}
}

// TestAddRejectsGeometryMismatch verifies the co-registration invariant
func TestAddRejectsGeometryMismatch(t *testing.T) {
	ll := NewLayerList(testGeometry())

	other := testGeometry()
	other.Origin = models.Vec3{0, 0, 0}
	layer, err := NewLayer("Shifted", models.Red, volume.NewMask(other))
	if err != nil {
		t.Fatalf("NewLayer failed: %v", err)
	}
	if err := ll.Add(layer); !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
	if ll.Len() != 0 {
		t.Errorf("Expected empty list, got %v", ll.Names())
	}
}

// TestRename covers atomic rename, duplicates and the renamed signal
func TestRename(t *testing.T) {
	ll := NewLayerList(testGeometry())
	ll.NewLayer("a", models.Red)
	ll.NewLayer("b", models.Green)

	var renamed []Renamed
	ll.LayerRenamed.Connect(func(r Renamed) { renamed = append(renamed, r) })

	if err := ll.Rename("a", "b"); !errors.Is(err, models.ErrDuplicateName) {
		t.Errorf("Expected ErrDuplicateName, got %v", err)
	}
	if err := ll.Rename("a", "x|y"); !errors.Is(err, models.ErrInvalidName) {
		t.Errorf("Expected ErrInvalidName, got %v", err)
	}
	if !reflect.DeepEqual(ll.Names(), []string{"a", "b"}) {
		t.Fatalf("List changed after rejected renames: %v", ll.Names())
	}

	if err := ll.Rename("a", "c"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if !reflect.DeepEqual(ll.Names(), []string{"c", "b"}) {
		t.Errorf("Expected [c b], got %v", ll.Names())
	}
	if _, ok := ll.Get("a"); ok {
		t.Error("Old name still resolves")
	}
	if len(renamed) != 1 || renamed[0].OldName != "a" || renamed[0].Layer.Name() != "c" {
		t.Errorf("Unexpected rename events %+v", renamed)
	}

	// Renaming through the layer goes through the same checks
	layer, _ := ll.Get("c")
	if err := layer.SetName("b"); !errors.Is(err, models.ErrDuplicateName) {
		t.Errorf("Expected ErrDuplicateName from SetName, got %v", err)
	}
}

// TestActiveLayer covers SetActive and removal of the active layer
func TestActiveLayer(t *testing.T) {
	ll := NewLayerList(testGeometry())
	ll.NewLayer("a", models.Red)
	ll.NewLayer("b", models.Green)

	var active []*Layer
	ll.ActiveChanged.Connect(func(l *Layer) { active = append(active, l) })

	if err := ll.SetActive("b"); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if ll.Active() == nil || ll.Active().Name() != "b" {
		t.Fatalf("Expected b active")
	}
	if err := ll.SetActive("missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := ll.Remove("b"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if ll.Active() != nil {
		t.Error("Expected no active layer after removing it")
	}
	if len(active) != 2 || active[1] != nil {
		t.Errorf("Expected activation then clear, got %v", active)
	}
}

// TestModifiedTracking verifies the list-level modified flag
func TestModifiedTracking(t *testing.T) {
	ll := NewLayerList(testGeometry())
	layer, _ := ll.NewLayer("a", models.Red)
	if !ll.Modified() {
		t.Error("Expected list modified after add")
	}

	ll.ResetModified()
	if ll.Modified() || layer.Modified() {
		t.Fatal("Expected clean state after ResetModified")
	}

	var modified int
	ll.LayerModified.Connect(func(*Layer) { modified++ })
	layer.Mask().Set(0, 0, 0, 1)
	layer.MarkModified()
	if !ll.Modified() || modified != 1 {
		t.Errorf("Expected one LayerModified and modified list, got %d, %v", modified, ll.Modified())
	}

	ll.ResetModified()
	var changes []ChangeKind
	ll.LayerChanged.Connect(func(c Change) { changes = append(changes, c.Kind) })
	layer.SetAlpha(2)
	layer.SetAlpha(1)
	layer.SetVisible(false)
	layer.SetColor(models.Blue)
	if layer.Alpha() != 1 {
		t.Errorf("Expected alpha clamped to 1, got %f", layer.Alpha())
	}
	want := []ChangeKind{ChangeAlpha, ChangeVisibility, ChangeColor}
	if !reflect.DeepEqual(changes, want) {
		t.Errorf("Expected changes %v, got %v", want, changes)
	}

	ll.ResetModified()
	ll.Remove("a")
	if !ll.Modified() {
		t.Error("Expected list modified after remove")
	}
}

// TestDuplicateAndMove verifies deep copies and explicit reordering
func TestDuplicateAndMove(t *testing.T) {
	ll := NewLayerList(testGeometry())
	src, _ := ll.NewLayer("Bone", models.Red)
	src.SetAlpha(0.3)
	src.Mask().Set(1, 1, 1, 1)
	ll.NewLayer("Vessel", models.Blue)

	dup, err := ll.Duplicate("Bone")
	if err != nil {
		t.Fatalf("Duplicate failed: %v", err)
	}
	if dup.Name() != "Bone_1" {
		t.Errorf("Expected Bone_1, got %q", dup.Name())
	}
	if dup.Alpha() != 0.3 || dup.Color() != models.Red {
		t.Errorf("Duplicate lost attributes: alpha %f color %v", dup.Alpha(), dup.Color())
	}
	dup.Mask().Set(2, 2, 2, 1)
	if src.Mask().Get(2, 2, 2) != 0 {
		t.Error("Duplicate shares mask storage")
	}

	if err := ll.Move("Bone_1", 0); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	want := []string{"Bone_1", "Bone", "Vessel"}
	if !reflect.DeepEqual(ll.Names(), want) {
		t.Errorf("Expected %v, got %v", want, ll.Names())
	}
	if err := ll.Move("Bone", 3); !errors.Is(err, models.ErrIndexOutOfBounds) {
		t.Errorf("Expected ErrIndexOutOfBounds, got %v", err)
	}
}

// TestCombineAndSplit verifies label order and the round trip through a label image
func TestCombineAndSplit(t *testing.T) {
	g := testGeometry()
	ll := NewLayerList(g)
	bone, _ := ll.NewLayer("bone", models.Red)
	vessel, _ := ll.NewLayer("vessel", models.Blue)
	extra, _ := ll.NewLayer("notes", models.Green)

	bone.Mask().Set(1, 1, 1, 1)
	bone.Mask().Set(2, 2, 2, 1)
	vessel.Mask().Set(2, 2, 2, 1)
	extra.Mask().Set(0, 0, 0, 1)

	labels := []Label{{"background", 0}, {"bone", 1}, {"vessel", 2}}
	combined, skipped, err := Combine(g, ll.Layers(), labels)
	if err != nil {
		t.Fatalf("Combine failed: %v", err)
	}
	if combined.ScalarType() != volume.UInt16 {
		t.Errorf("Expected uint16 label image, got %v", combined.ScalarType())
	}
	if combined.Value(1, 1, 1) != 1 || combined.Value(2, 2, 2) != 2 || combined.Value(0, 0, 0) != 0 {
		t.Errorf("Unexpected label values %f %f %f",
			combined.Value(1, 1, 1), combined.Value(2, 2, 2), combined.Value(0, 0, 0))
	}
	if !reflect.DeepEqual(skipped, []string{"notes"}) {
		t.Errorf("Expected notes skipped, got %v", skipped)
	}

	layers, err := Split(combined, labels)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(layers) != 2 || layers[0].Name() != "bone" || layers[1].Name() != "vessel" {
		t.Fatalf("Unexpected split layers")
	}
	if layers[0].Mask().Count() != 1 || layers[1].Mask().Count() != 1 {
		t.Errorf("Expected one voxel per label, got %d and %d", layers[0].Mask().Count(), layers[1].Mask().Count())
	}
}
