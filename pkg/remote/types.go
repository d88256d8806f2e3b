package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"labelstation/pkg/segmentation"
)

// Split selects the training or test part of a dataset.
type Split string

const (
	SplitTrain Split = "train"
	SplitTest  Split = "test"
)

// Valid reports whether s is a known split.
func (s Split) Valid() bool { return s == SplitTrain || s == SplitTest }

// LabelMap maps label names to pixel values and keeps the order in which the
// labels appear in the dataset manifest.
type LabelMap struct {
	names  []string
	values map[string]int
}

// NewLabelMap builds a label map from labels in order.
func NewLabelMap(labels ...segmentation.Label) LabelMap {
	var m LabelMap
	for _, l := range labels {
		m.Set(l.Name, l.Value)
	}
	return m
}

// Set adds or updates a label. New labels go last.
func (m *LabelMap) Set(name string, value int) {
	if m.values == nil {
		m.values = make(map[string]int)
	}
	if _, ok := m.values[name]; !ok {
		m.names = append(m.names, name)
	}
	m.values[name] = value
}

// Get returns the value of a label.
func (m LabelMap) Get(name string) (int, bool) {
	v, ok := m.values[name]
	return v, ok
}

// Len returns the number of labels.
func (m LabelMap) Len() int { return len(m.names) }

// Labels returns the labels in manifest order.
func (m LabelMap) Labels() []segmentation.Label {
	out := make([]segmentation.Label, len(m.names))
	for i, n := range m.names {
		out[i] = segmentation.Label{Name: n, Value: m.values[n]}
	}
	return out
}

// MarshalJSON writes the labels as an object in manifest order.
func (m LabelMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, n := range m.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		fmt.Fprintf(&buf, ":%d", m.values[n])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a label object keeping the key order.
func (m *LabelMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("labels must be a JSON object")
	}
	*m = LabelMap{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name := tok.(string)
		var value int
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("label %q: %w", name, err)
		}
		m.Set(name, value)
	}
	_, err = dec.Token()
	return err
}

// SortedByValue returns the labels ordered by pixel value.
func (m LabelMap) SortedByValue() []segmentation.Label {
	out := m.Labels()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// DatasetManifest is the body of a dataset creation request.
type DatasetManifest struct {
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	TensorImageSize string         `json:"tensorImageSize"`
	Modality        map[string]any `json:"modality,omitempty"`
	Labels          LabelMap       `json:"labels"`
	FileEnding      string         `json:"file_ending,omitempty"`
}

// Dataset describes a dataset stored on the server.
type Dataset struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	TensorImageSize string   `json:"tensorImageSize,omitempty"`
	Labels          LabelMap `json:"labels"`
	NumTraining     int      `json:"numTraining"`
	NumTest         int      `json:"numTest"`
}

// ImageList names the images of a dataset.
type ImageList struct {
	TrainImages []string `json:"train_images"`
	TestImages  []string `json:"test_images"`
}

// Job is the receipt of a submitted background job.
type Job struct {
	JobID         string `json:"job_id"`
	QueuePosition int    `json:"queue_position"`
}

// Job states reported by the server.
const (
	JobQueued   = "queued"
	JobRunning  = "running"
	JobFinished = "finished"
	JobFailed   = "failed"
)

// JobStatus is the state of a background job.
type JobStatus struct {
	Status   string          `json:"status"`
	Progress float64         `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Done reports whether the job reached a final state.
func (s JobStatus) Done() bool { return s.Status == JobFinished || s.Status == JobFailed }

// PredictionInput describes an image submitted for inference.
type PredictionInput struct {
	DatasetID string
	ImageID   string
	// RequesterID identifies this workstation; a new one is generated when empty
	RequesterID string
	Metadata    map[string]any
	ImagePath   string
}

// Prediction is a prediction request record.
type Prediction struct {
	RequestID   string         `json:"request_id"`
	DatasetID   string         `json:"dataset_id"`
	ImageID     string         `json:"image_id"`
	RequesterID string         `json:"requester_id"`
	Status      string         `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type fileURLs struct {
	ImageURL  string `json:"image_url"`
	LabelsURL string `json:"labels_url"`
}

type downloadURL struct {
	URL string `json:"url"`
}

type pingResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Detail  any    `json:"detail"`
	Message string `json:"message"`
}
