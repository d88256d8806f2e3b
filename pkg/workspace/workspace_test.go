package workspace

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"labelstation/internal/models"
	"labelstation/pkg/annotation"
	"labelstation/pkg/imageio"
	"labelstation/pkg/volume"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	g := volume.NewGeometry([3]int{10, 10, 10}, models.Vec3{1, 1, 2}, models.Vec3{-5, -5, 0})
	vol, err := volume.NewFromFunc(g, volume.Int16, func(i, j, k int) float64 { return float64(i*j - k) })
	if err != nil {
		t.Fatalf("Failed to create volume: %v", err)
	}
	return New(vol)
}

// TestRoundTrip saves two painted layers with window 500/40 and opens them again
func TestRoundTrip(t *testing.T) {
	ws := newWorkspace(t)
	bone, err := ws.Layers.NewLayer("Bone", models.Red)
	if err != nil {
		t.Fatal(err)
	}
	bone.SetAlpha(0.4)
	vessel, err := ws.Layers.NewLayer("Vessel", models.Blue)
	if err != nil {
		t.Fatal(err)
	}
	vessel.SetAlpha(0.7)
	bone.Mask().Set(1, 2, 3, 1)
	bone.MarkModified()
	vessel.Mask().Set(7, 8, 9, 1)
	vessel.MarkModified()
	ws.SetWindow(models.WindowLevel{Width: 500, Level: 40})

	ws.Points.Add(annotation.NewPoint("apex", models.Vec3{1, 2, 3}, models.Green))
	line := annotation.NewLine("", models.Vec3{0, 0, 0}, models.Vec3{3, 4, 0}, models.Yellow)
	line.SetWidth(3)
	ws.Lines.Add(line)
	ws.Lines.SetVisible("line", false)
	rect, _ := annotation.NewRect("roi", models.AxisZ, models.Vec3{0, 0, 4}, models.Vec3{5, 6, 4}, models.Red)
	ws.Rects.Add(rect)

	path := filepath.Join(t.TempDir(), "ws")
	if err := ws.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if ws.Modified() {
		t.Error("Expected workspace unmodified after save")
	}
	for _, f := range []string{BaseImageFile, "Bone.mha", "Vessel.mha"} {
		if _, err := os.Stat(filepath.Join(DataDir(path), f)); err != nil {
			t.Errorf("Expected %s in the data directory: %v", f, err)
		}
	}

	got, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(got.LoadErrors) != 0 {
		t.Fatalf("Unexpected load errors: %v", got.LoadErrors)
	}
	names := got.Layers.Names()
	if len(names) != 2 || names[0] != "Bone" || names[1] != "Vessel" {
		t.Fatalf("Expected [Bone Vessel], got %v", names)
	}
	gb, _ := got.Layers.Get("Bone")
	gv, _ := got.Layers.Get("Vessel")
	if gb.Color() != models.Red || gb.Alpha() != 0.4 || gv.Color() != models.Blue || gv.Alpha() != 0.7 {
		t.Errorf("Layer attributes changed: %v %v %v %v", gb.Color(), gb.Alpha(), gv.Color(), gv.Alpha())
	}
	if gb.Mask().Get(1, 2, 3) != 1 || gb.Mask().Count() != 1 {
		t.Error("Bone voxel lost")
	}
	if gv.Mask().Get(7, 8, 9) != 1 || gv.Mask().Count() != 1 {
		t.Error("Vessel voxel lost")
	}
	if w := got.Window(); w.Width != 500 || w.Level != 40 || w != ws.Window() {
		t.Errorf("Expected window settings %+v, got %+v", ws.Window(), w)
	}
	if !got.Volume.Equal(ws.Volume) {
		t.Error("Base volume changed")
	}
	if got.Modified() {
		t.Error("Expected nothing modified after load")
	}

	p, ok := got.Points.Get("apex")
	if !ok || p.Position() != (models.Vec3{1, 2, 3}) || p.Color() != models.Green {
		t.Error("Point not restored")
	}
	l, ok := got.Lines.Get("line")
	if !ok || l.Width() != 3 || l.Visible() || l.Length() != 5 {
		t.Error("Line not restored")
	}
	r, ok := got.Rects.Get("roi")
	if !ok || r.Axis() != models.AxisZ {
		t.Error("Rect not restored")
	} else if c1, c2 := r.Corners(); c1 != (models.Vec3{0, 0, 4}) || c2 != (models.Vec3{5, 6, 4}) {
		t.Errorf("Rect corners changed: %v %v", c1, c2)
	}
}

// TestSingleSliceRoundTrip saves a sagittal slice at x = 42 with 3mm thickness
func TestSingleSliceRoundTrip(t *testing.T) {
	g := volume.NewGeometry([3]int{4, 4, 1}, models.Vec3{1, 1, 3}, models.Vec3{0, 0, 42})
	g.Direction = [9]float64{0, 0, 1, 1, 0, 0, 0, 1, 0}
	vol, err := volume.NewFromFunc(g, volume.Int16, func(i, j, k int) float64 { return float64(i + 4*j) })
	if err != nil {
		t.Fatal(err)
	}
	ws := New(vol)
	bone, err := ws.Layers.NewLayer("Bone", models.Red)
	if err != nil {
		t.Fatal(err)
	}
	bone.Mask().Set(2, 3, 0, 1)
	bone.MarkModified()

	path := filepath.Join(t.TempDir(), "ws")
	if err := ws.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(got.LoadErrors) != 0 {
		t.Fatalf("Unexpected load errors: %v", got.LoadErrors)
	}
	if !got.Volume.Geometry().Equal(g) {
		t.Errorf("Expected geometry %+v, got %+v", g, got.Volume.Geometry())
	}
	gb, ok := got.Layers.Get("Bone")
	if !ok {
		t.Fatal("Expected layer Bone")
	}
	if gb.Mask().Value(2, 3, 0) != 1 || gb.Mask().Count() != 1 {
		t.Errorf("Expected one voxel at (2, 3, 0), got %d", gb.Mask().Count())
	}
}

func TestManifestLayout(t *testing.T) {
	ws := newWorkspace(t)
	ws.Layers.NewLayer("Bone", models.Red)
	path := filepath.Join(t.TempDir(), "ws.json")
	if err := ws.Save(path); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Manifest is not JSON: %v", err)
	}
	for _, key := range []string{"window_settings", "segmentations", "points", "lines", "rects"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("Manifest misses %q", key)
		}
	}
	ws2 := doc["window_settings"].(map[string]interface{})
	for _, key := range []string{"level", "width", "range_min", "range_max"} {
		if _, ok := ws2[key]; !ok {
			t.Errorf("window_settings misses %q", key)
		}
	}

	// No temporary files are left next to the manifest
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 2 {
		t.Errorf("Expected manifest and data directory only, got %d entries", len(entries))
	}
}

func TestRenamedLayerFileIsReplaced(t *testing.T) {
	ws := newWorkspace(t)
	ws.Layers.NewLayer("Bone", models.Red)
	path := filepath.Join(t.TempDir(), "ws")
	if err := ws.Save(path); err != nil {
		t.Fatal(err)
	}
	if err := ws.Layers.Rename("Bone", "Skull"); err != nil {
		t.Fatal(err)
	}
	if err := ws.Save(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(DataDir(path), "Bone.mha")); !os.IsNotExist(err) {
		t.Error("Expected the stale Bone.mha to be removed")
	}
	if _, err := os.Stat(filepath.Join(DataDir(path), "Skull.mha")); err != nil {
		t.Errorf("Expected Skull.mha: %v", err)
	}
}

func TestLoadSkipsBrokenLayer(t *testing.T) {
	ws := newWorkspace(t)
	ws.Layers.NewLayer("Bone", models.Red)
	ws.Layers.NewLayer("Vessel", models.Blue)
	path := filepath.Join(t.TempDir(), "ws")
	if err := ws.Save(path); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(DataDir(path), "Bone.mha"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(got.LoadErrors) != 1 || !errors.Is(got.LoadErrors[0], models.ErrLoadError) {
		t.Fatalf("Expected one LoadError, got %v", got.LoadErrors)
	}
	if names := got.Layers.Names(); len(names) != 1 || names[0] != "Vessel" {
		t.Errorf("Expected [Vessel], got %v", names)
	}
	if got.Modified() {
		t.Error("Expected nothing modified after a partial load")
	}
}

func TestLoadRejectsMismatchedLayer(t *testing.T) {
	ws := newWorkspace(t)
	ws.Layers.NewLayer("Bone", models.Red)
	path := filepath.Join(t.TempDir(), "ws")
	if err := ws.Save(path); err != nil {
		t.Fatal(err)
	}

	// Replace the layer with a mask of another shape
	other := volume.NewMask(volume.NewGeometry([3]int{4, 4, 4}, models.Vec3{1, 1, 1}, models.Vec3{}))
	if err := imageio.WriteMask(filepath.Join(DataDir(path), "Bone.mha"), other, imageio.WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	got, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(got.LoadErrors) != 1 || !errors.Is(got.LoadErrors[0], models.ErrLoadError) {
		t.Errorf("Expected a load error for the mismatched layer, got %v", got.LoadErrors)
	}
	if got.Layers.Len() != 0 {
		t.Error("Mismatched layer was attached")
	}
}

func TestLoadCorrupt(t *testing.T) {
	ws := newWorkspace(t)
	path := filepath.Join(t.TempDir(), "ws")
	if err := ws.Save(path); err != nil {
		t.Fatal(err)
	}

	// Missing base volume
	if err := os.Remove(filepath.Join(DataDir(path), BaseImageFile)); err != nil {
		t.Fatal(err)
	}
	before := ws.Volume
	if err := ws.Load(path); !errors.Is(err, models.ErrWorkspaceCorrupt) {
		t.Errorf("Expected ErrWorkspaceCorrupt for a missing base, got %v", err)
	}
	if ws.Volume != before {
		t.Error("Failed load replaced the volume")
	}

	// Missing data directory
	if err := os.RemoveAll(DataDir(path)); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, models.ErrWorkspaceCorrupt) {
		t.Errorf("Expected ErrWorkspaceCorrupt for a missing data directory, got %v", err)
	}

	// Manifest violating the schema
	bad := filepath.Join(t.TempDir(), "bad")
	os.WriteFile(bad, []byte(`{"window_settings":{"level":40,"width":400},"segmentations":[{"name":"a","color":[1,2],"alpha":2,"file":"a.mha"}]}`), 0o644)
	os.MkdirAll(DataDir(bad), 0o755)
	if _, err := Open(bad); !errors.Is(err, models.ErrWorkspaceCorrupt) {
		t.Errorf("Expected ErrWorkspaceCorrupt for an invalid manifest, got %v", err)
	}

	if _, err := Open(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, models.ErrWorkspaceCorrupt) {
		t.Errorf("Expected ErrWorkspaceCorrupt for a missing manifest, got %v", err)
	}
}
