package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"labelstation/internal/models"
	"labelstation/pkg/imageio"
	"labelstation/pkg/segmentation"
	"labelstation/pkg/volume"
)

func newClient(t *testing.T, h http.Handler, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "secret", opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestLabelMapKeepsOrder(t *testing.T) {
	var m LabelMap
	if err := json.Unmarshal([]byte(`{"background":0,"vessel":2,"bone":1}`), &m); err != nil {
		t.Fatal(err)
	}
	labels := m.Labels()
	if len(labels) != 3 || labels[1].Name != "vessel" || labels[2].Name != "bone" || labels[2].Value != 1 {
		t.Fatalf("Unexpected label order: %v", labels)
	}
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"background":0,"vessel":2,"bone":1}` {
		t.Errorf("Unexpected encoding %s", out)
	}
	if s := m.SortedByValue(); s[1].Name != "bone" {
		t.Errorf("Expected bone second by value, got %v", s)
	}
}

// TestCreateDatasetRejectsName checks that an invalid name is rejected
// without a request reaching the server.
func TestCreateDatasetRejectsName(t *testing.T) {
	var hits atomic.Int32
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	m := DatasetManifest{Name: "has space", TensorImageSize: "3D", Labels: NewLabelMap(segmentation.Label{Name: "background"})}
	_, err := c.CreateDataset(context.Background(), m)
	if !errors.Is(err, models.ErrInvalidName) {
		t.Fatalf("Expected ErrInvalidName, got %v", err)
	}
	if !strings.Contains(err.Error(), "name must be alphanumeric") {
		t.Errorf("Unexpected message %q", err)
	}
	if hits.Load() != 0 {
		t.Error("Request was sent for an invalid manifest")
	}

	m.Name = "Liver3D"
	m.TensorImageSize = "4D"
	if _, err := c.CreateDataset(context.Background(), m); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("Expected ErrInvalidManifest for tensorImageSize, got %v", err)
	}
	m.TensorImageSize = "3D"
	m.Labels = NewLabelMap(segmentation.Label{Name: "background", Value: 1})
	if _, err := c.CreateDataset(context.Background(), m); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("Expected ErrInvalidManifest for background label, got %v", err)
	}
}

func TestCreateDataset(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/datasets/new" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"labels":{"background":0,"liver":1}`) {
			http.Error(w, "bad labels "+string(body), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"id": "ds1", "name": "Liver", "labels": map[string]int{"background": 0, "liver": 1}})
	}))

	m := DatasetManifest{
		Name:            "Liver",
		TensorImageSize: "3D",
		Labels:          NewLabelMap(segmentation.Label{Name: "background"}, segmentation.Label{Name: "liver", Value: 1}),
	}
	ds, err := c.CreateDataset(context.Background(), m)
	if err != nil {
		t.Fatalf("CreateDataset failed: %v", err)
	}
	if ds.ID != "ds1" || ds.Labels.Len() != 2 {
		t.Errorf("Unexpected dataset %+v", ds)
	}
}

func TestErrorKinds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"message": "pong"})
	})
	mux.HandleFunc("/datasets/list", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]string{"detail": "database offline"})
	})
	mux.HandleFunc("/train/run", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/predictions/list", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, []Prediction{})
	})
	c, srv := newClient(t, mux, WithTimeout(50*time.Millisecond))
	ctx := context.Background()

	msg, err := c.Ping(ctx)
	if err != nil || msg != "pong" {
		t.Fatalf("Ping: %q %v", msg, err)
	}

	_, err = c.ListDatasets(ctx)
	if !errors.Is(err, models.ErrServer) || !strings.Contains(err.Error(), "database offline") {
		t.Errorf("Expected ErrServer with detail, got %v", err)
	}
	if models.Kind(err) != "ServerError" {
		t.Errorf("Expected kind ServerError, got %s", models.Kind(err))
	}

	if _, err := c.RunTraining(ctx, "ds1"); !errors.Is(err, models.ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}

	if _, err := c.ListPredictions(ctx, "ds1"); !errors.Is(err, models.ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}

	srv.Close()
	if _, err := c.Ping(ctx); !errors.Is(err, models.ErrNetwork) {
		t.Errorf("Expected ErrNetwork after shutdown, got %v", err)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New("", "x"); err == nil {
		t.Error("Expected an error for an empty URL")
	}
	if _, err := New("not a url", "x"); err == nil {
		t.Error("Expected an error for a relative URL")
	}
}

func TestJobs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/plan_and_preprocess/run", func(w http.ResponseWriter, r *http.Request) {
		var req datasetRequest
		json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, Job{JobID: "job-" + req.DatasetID, QueuePosition: 2})
	})
	mux.HandleFunc("/plan_and_preprocess/job_status/job-ds1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "running", "progress": 0.5})
	})
	mux.HandleFunc("/train/job_status/t1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "failed", "progress": 0.1, "error": "out of memory"})
	})
	c, _ := newClient(t, mux)
	ctx := context.Background()

	job, err := c.RunPlanAndPreprocess(ctx, "ds1")
	if err != nil || job.JobID != "job-ds1" || job.QueuePosition != 2 {
		t.Fatalf("RunPlanAndPreprocess: %+v %v", job, err)
	}
	st, err := c.PlanAndPreprocessStatus(ctx, job.JobID)
	if err != nil || st.Status != JobRunning || st.Progress != 0.5 || st.Done() {
		t.Errorf("Unexpected status %+v %v", st, err)
	}
	st, err = c.TrainingStatus(ctx, "t1")
	if err != nil || !st.Done() || st.Error != "out of memory" {
		t.Errorf("Unexpected training status %+v %v", st, err)
	}
}

func testVolume(t *testing.T) *volume.Volume {
	t.Helper()
	g := volume.NewGeometry([3]int{6, 5, 4}, [3]float64{1, 1, 2}, [3]float64{-3, 0, 10})
	v, err := volume.NewFromFunc(g, volume.Int16, func(i, j, k int) float64 { return float64(i + j*10 - k) })
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestUploadLayers(t *testing.T) {
	vol := testVolume(t)
	list := segmentation.NewLayerList(vol.Geometry())
	liver, _ := list.NewLayer("liver", models.Red)
	tumor, _ := list.NewLayer("tumor", models.Green)
	extra, _ := list.NewLayer("scratch", models.Blue)
	liver.Mask().Set(1, 1, 1, 1)
	liver.Mask().Set(2, 2, 2, 1)
	tumor.Mask().Set(2, 2, 2, 1)
	extra.Mask().Set(0, 0, 0, 1)

	var labelImage *volume.Volume
	var fields map[string]string
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/datasets/add_image_and_labels" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fields = map[string]string{"dataset_id": r.FormValue("dataset_id"), "split": r.FormValue("split")}
		f, _, err := r.FormFile("labels")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		tmp := filepath.Join(t.TempDir(), "labels.mha")
		out, _ := os.Create(tmp)
		io.Copy(out, f)
		out.Close()
		labelImage, err = imageio.Read(tmp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"id": "ds1", "numTraining": 1})
	}))

	ds := Dataset{ID: "ds1", Name: "Liver", Labels: NewLabelMap(
		segmentation.Label{Name: "background"},
		segmentation.Label{Name: "liver", Value: 1},
		segmentation.Label{Name: "tumor", Value: 2},
	)}
	got, err := c.UploadLayers(context.Background(), ds, SplitTrain, vol, list.Layers(), t.TempDir())
	if err != nil {
		t.Fatalf("UploadLayers failed: %v", err)
	}
	if got.NumTraining != 1 || fields["dataset_id"] != "ds1" || fields["split"] != "train" {
		t.Errorf("Unexpected upload %+v %v", got, fields)
	}
	if labelImage == nil {
		t.Fatal("Server did not receive a label image")
	}
	if labelImage.ScalarType() != volume.UInt16 || !labelImage.Geometry().Equal(vol.Geometry()) {
		t.Error("Label image does not share the base geometry")
	}
	// tumor comes after liver in the manifest and wins the overlap
	if labelImage.Value(1, 1, 1) != 1 || labelImage.Value(2, 2, 2) != 2 || labelImage.Value(0, 0, 0) != 0 {
		t.Errorf("Unexpected label values %v %v %v", labelImage.Value(1, 1, 1), labelImage.Value(2, 2, 2), labelImage.Value(0, 0, 0))
	}
}

func TestGetImageAndLabels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/datasets/get_image_and_labels", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("dataset_id") != "ds1" || q.Get("split") != "test" || q.Get("num") != "3" {
			http.Error(w, "bad query "+r.URL.RawQuery, http.StatusBadRequest)
			return
		}
		writeJSON(w, fileURLs{ImageURL: "/files/img.mha", LabelsURL: "files/lbl.mha"})
	})
	mux.HandleFunc("/files/img.mha", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "image-bytes") })
	mux.HandleFunc("/files/lbl.mha", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "label-bytes") })
	c, _ := newClient(t, mux)

	dir := t.TempDir()
	img, lbl, err := c.GetImageAndLabels(context.Background(), "ds1", SplitTest, 3, dir)
	if err != nil {
		t.Fatalf("GetImageAndLabels failed: %v", err)
	}
	if b, _ := os.ReadFile(img); string(b) != "image-bytes" || filepath.Ext(img) != ".mha" {
		t.Errorf("Unexpected image file %s: %q", img, b)
	}
	if b, _ := os.ReadFile(lbl); string(b) != "label-bytes" {
		t.Errorf("Unexpected label file %s: %q", lbl, b)
	}

	if _, _, err := c.GetImageAndLabels(context.Background(), "ds1", Split("val"), 0, dir); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("Expected an error for an unknown split, got %v", err)
	}
}

func TestTokenStaysOnServer(t *testing.T) {
	var storageAuth, apiAuth atomic.Int32
	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			storageAuth.Add(1)
		}
		io.WriteString(w, "bytes")
	}))
	t.Cleanup(storage.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/datasets/get_image_and_labels", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer secret" {
			apiAuth.Add(1)
		}
		writeJSON(w, fileURLs{ImageURL: storage.URL + "/img.mha", LabelsURL: storage.URL + "/lbl.mha"})
	})
	c, _ := newClient(t, mux)

	if _, _, err := c.GetImageAndLabels(context.Background(), "ds1", SplitTrain, 0, t.TempDir()); err != nil {
		t.Fatalf("GetImageAndLabels failed: %v", err)
	}
	if apiAuth.Load() != 1 {
		t.Errorf("Expected the API call to carry the token, got %d authorized calls", apiAuth.Load())
	}
	if n := storageAuth.Load(); n != 0 {
		t.Errorf("Expected no Authorization header on storage downloads, got %d", n)
	}
}

func TestDeleteAndUpdate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/datasets/delete_image_and_labels", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Query().Get("num") != "0" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		writeJSON(w, Dataset{ID: "ds1", NumTraining: 0})
	})
	mux.HandleFunc("/datasets/update_image_and_labels", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "bad method", http.StatusMethodNotAllowed)
			return
		}
		r.ParseMultipartForm(1 << 20)
		if r.FormValue("num") != "4" {
			http.Error(w, "bad num", http.StatusBadRequest)
			return
		}
		writeJSON(w, Dataset{ID: "ds1", NumTraining: 5})
	})
	c, _ := newClient(t, mux)
	ctx := context.Background()

	if _, err := c.DeleteImageAndLabels(ctx, "ds1", SplitTrain, 0); err != nil {
		t.Errorf("DeleteImageAndLabels failed: %v", err)
	}
	dir := t.TempDir()
	img := filepath.Join(dir, "a.mha")
	lbl := filepath.Join(dir, "b.mha")
	os.WriteFile(img, []byte("a"), 0o644)
	os.WriteFile(lbl, []byte("b"), 0o644)
	ds, err := c.UpdateImageAndLabels(ctx, "ds1", SplitTrain, 4, img, lbl)
	if err != nil || ds.NumTraining != 5 {
		t.Errorf("UpdateImageAndLabels: %+v %v", ds, err)
	}
	if _, err := c.UpdateImageAndLabels(ctx, "ds1", SplitTrain, 4, filepath.Join(dir, "missing"), lbl); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func writeZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf strings.Builder
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(data)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return []byte(buf.String())
}

func TestPredictionRoundTrip(t *testing.T) {
	vol := testVolume(t)
	labelVol, err := volume.NewFromFunc(vol.Geometry(), volume.UInt16, func(i, j, k int) float64 {
		switch {
		case i == 1 && j == 1 && k == 1:
			return 1
		case i == 4:
			return 2
		}
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}
	labelPath := filepath.Join(t.TempDir(), "labels.mha")
	if err := imageio.Write(labelPath, labelVol, imageio.WriteOptions{Compress: true}); err != nil {
		t.Fatal(err)
	}
	labelBytes, _ := os.ReadFile(labelPath)
	archive := writeZip(t, map[string][]byte{"case_0000.mha": []byte("image"), "case_labels.mha": labelBytes})

	var requester string
	mux := http.NewServeMux()
	mux.HandleFunc("/predictions/predict", func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		requester = r.FormValue("requester_id")
		var meta map[string]any
		json.Unmarshal([]byte(r.FormValue("metadata")), &meta)
		writeJSON(w, Prediction{RequestID: "req1", DatasetID: r.FormValue("dataset_id"), RequesterID: requester, Status: "queued", Metadata: meta})
	})
	mux.HandleFunc("/predictions/list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []Prediction{{RequestID: "req1", Status: "finished"}})
	})
	mux.HandleFunc("/predictions/image_and_label_metadata", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("request_id") != "req1" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, downloadURL{URL: "http://" + r.Host + "/archives/req1.zip"})
	})
	mux.HandleFunc("/archives/req1.zip", func(w http.ResponseWriter, r *http.Request) { w.Write(archive) })
	c, _ := newClient(t, mux)
	ctx := context.Background()

	img := filepath.Join(t.TempDir(), "image.mha")
	if err := imageio.Write(img, vol, imageio.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	p, err := c.SubmitPrediction(ctx, PredictionInput{DatasetID: "ds1", ImageID: "case", ImagePath: img, Metadata: map[string]any{"site": "A"}})
	if err != nil {
		t.Fatalf("SubmitPrediction failed: %v", err)
	}
	if requester == "" || p.RequesterID != requester || p.Metadata["site"] != "A" {
		t.Errorf("Unexpected prediction record %+v", p)
	}
	list, err := c.ListPredictions(ctx, "ds1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListPredictions: %v %v", list, err)
	}

	ds := Dataset{ID: "ds1", Labels: NewLabelMap(
		segmentation.Label{Name: "background"},
		segmentation.Label{Name: "liver", Value: 1},
		segmentation.Label{Name: "tumor", Value: 2},
	)}
	layers, err := c.FetchPrediction(ctx, ds, "req1", 0, t.TempDir(), vol.Geometry())
	if err != nil {
		t.Fatalf("FetchPrediction failed: %v", err)
	}
	if len(layers) != 2 || layers[0].Name() != "liver" || layers[1].Name() != "tumor" {
		t.Fatalf("Unexpected layers %v", layers)
	}
	if layers[0].Mask().Count() != 1 || layers[0].Mask().Get(1, 1, 1) != 1 {
		t.Error("Liver label not split correctly")
	}
	if layers[1].Mask().Count() != 5*4 {
		t.Errorf("Expected 20 tumor voxels, got %d", layers[1].Mask().Count())
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "bad.zip")
	os.WriteFile(zipPath, writeZip(t, map[string][]byte{"../evil.mha": []byte("x")}), 0o644)
	if _, err := ExtractPrediction(zipPath, filepath.Join(dir, "out")); err == nil {
		t.Error("Expected an error for an entry outside the target directory")
	}
}

func TestLabelFile(t *testing.T) {
	if f, err := LabelFile([]string{"a/img.mha", "a/seg_labels.mha"}); err != nil || f != "a/seg_labels.mha" {
		t.Errorf("Expected the labels file, got %q %v", f, err)
	}
	if f, err := LabelFile([]string{"a/readme.txt", "a/seg.mha"}); err != nil || f != "a/seg.mha" {
		t.Errorf("Expected the single image, got %q %v", f, err)
	}
	if _, err := LabelFile([]string{"a/x.mha", "a/y.mha"}); err == nil {
		t.Error("Expected an error for ambiguous archives")
	}
}
