package main

import (
	"os"
	"path/filepath"
	"testing"

	"labelstation/internal/models"
	"labelstation/pkg/volume"
	"labelstation/pkg/workspace"
)

func TestParseLabels(t *testing.T) {
	m, err := parseLabels([]string{"background=0", "liver=1", "tumor=2"})
	if err != nil {
		t.Fatal(err)
	}
	labels := m.Labels()
	if len(labels) != 3 || labels[1].Name != "liver" || labels[2].Value != 2 {
		t.Errorf("Unexpected labels %+v", labels)
	}
	for _, bad := range []string{"liver", "liver=one"} {
		if _, err := parseLabels([]string{bad}); err == nil {
			t.Errorf("Expected an error for %q", bad)
		}
	}
}

func TestIsWorkspace(t *testing.T) {
	dir := t.TempDir()
	g := volume.NewGeometry([3]int{4, 4, 4}, models.Vec3{1, 1, 1}, models.Vec3{})
	vol, err := volume.NewFromFunc(g, volume.UInt8, func(i, j, k int) float64 { return float64(i) })
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "ws")
	if err := workspace.New(vol).Save(path); err != nil {
		t.Fatal(err)
	}
	if !isWorkspace(path) {
		t.Error("Expected a saved workspace to be detected")
	}

	img := filepath.Join(dir, "image.mha")
	os.WriteFile(img, []byte("ObjectType = Image\n"), 0o644)
	if isWorkspace(img) || isWorkspace(filepath.Join(dir, "missing")) {
		t.Error("Expected plain files not to be workspaces")
	}
}
