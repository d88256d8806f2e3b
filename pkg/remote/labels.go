package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"labelstation/internal/models"
	"labelstation/pkg/imageio"
	"labelstation/pkg/segmentation"
	"labelstation/pkg/volume"
)

// ExportPair writes the base volume and the label image combined from layers
// in the label order of labels. It returns the two file paths and the names of
// layers that match no label.
func ExportPair(dir string, vol *volume.Volume, layers []*segmentation.Layer, labels LabelMap) (imagePath, labelsPath string, skipped []string, err error) {
	if vol == nil {
		return "", "", nil, models.ErrNoVolumeLoaded
	}
	labelImage, skipped, err := segmentation.Combine(vol.Geometry(), layers, labels.Labels())
	if err != nil {
		return "", "", nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", nil, fmt.Errorf("create export directory: %w", err)
	}
	imagePath = filepath.Join(dir, "image.mha")
	labelsPath = filepath.Join(dir, "labels.mha")
	opts := imageio.WriteOptions{Compress: true}
	if err := imageio.Write(imagePath, vol, opts); err != nil {
		return "", "", nil, err
	}
	if err := imageio.Write(labelsPath, labelImage, opts); err != nil {
		return "", "", nil, err
	}
	return imagePath, labelsPath, skipped, nil
}

// UploadLayers combines layers into a label image for ds and adds it with the
// base volume to the given split. Temporary files go to tempDir.
func (c *Client) UploadLayers(ctx context.Context, ds Dataset, split Split, vol *volume.Volume, layers []*segmentation.Layer, tempDir string) (Dataset, error) {
	dir, err := os.MkdirTemp(tempDir, "upload-*")
	if err != nil {
		return Dataset{}, fmt.Errorf("create upload directory: %w", err)
	}
	defer os.RemoveAll(dir)

	imagePath, labelsPath, skipped, err := ExportPair(dir, vol, layers, ds.Labels)
	if err != nil {
		return Dataset{}, err
	}
	if len(skipped) > 0 {
		c.logger.Warn("Layers without a dataset label were not uploaded", "dataset", ds.Name, "layers", skipped)
	}
	return c.AddImageAndLabels(ctx, ds.ID, split, imagePath, labelsPath)
}

// ImportLabels reads a label image and splits it into one layer per label.
// The label image must match the geometry g of the open volume.
func ImportLabels(path string, g volume.Geometry, labels LabelMap) ([]*segmentation.Layer, error) {
	labelImage, err := imageio.Read(path)
	if err != nil {
		return nil, err
	}
	if err := g.CheckCompatible(labelImage.Geometry()); err != nil {
		return nil, fmt.Errorf("label image %s: %w", filepath.Base(path), err)
	}
	return segmentation.Split(labelImage, labels.Labels())
}

// ExtractPrediction unpacks a prediction archive into dir and returns the
// extracted file paths in archive order.
func ExtractPrediction(zipPath, dir string) ([]string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open prediction archive: %v", models.ErrServer, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create extract directory: %w", err)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dst := filepath.Join(root, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dst, root+string(os.PathSeparator)) {
			return nil, fmt.Errorf("%w: archive entry %q escapes the target directory", models.ErrServer, f.Name)
		}
		if err := extractFile(f, dst); err != nil {
			return nil, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		files = append(files, dst)
	}
	return files, nil
}

func extractFile(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// LabelFile picks the label image among extracted prediction files: the first
// MetaImage whose name mentions "label", else the only MetaImage.
func LabelFile(files []string) (string, error) {
	var images []string
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f))
		if ext != ".mha" && ext != ".mhd" {
			continue
		}
		if strings.Contains(strings.ToLower(filepath.Base(f)), "label") {
			return f, nil
		}
		images = append(images, f)
	}
	if len(images) == 1 {
		return images[0], nil
	}
	return "", fmt.Errorf("%w: no label image in prediction archive", models.ErrServer)
}

// FetchPrediction downloads a prediction, unpacks it under dir and returns
// its labels as layers on g.
func (c *Client) FetchPrediction(ctx context.Context, ds Dataset, requestID string, imageNum int, dir string, g volume.Geometry) ([]*segmentation.Layer, error) {
	zipPath, err := c.DownloadPrediction(ctx, ds.ID, requestID, imageNum, dir)
	if err != nil {
		return nil, err
	}
	files, err := ExtractPrediction(zipPath, strings.TrimSuffix(zipPath, ".zip"))
	if err != nil {
		return nil, err
	}
	labelPath, err := LabelFile(files)
	if err != nil {
		return nil, err
	}
	return ImportLabels(labelPath, g, ds.Labels)
}
