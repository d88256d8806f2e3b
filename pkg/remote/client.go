// Package remote is an HTTP client for the nnU-Net dataset, training and
// inference service. The client keeps no session state; every call carries
// the bearer token.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"labelstation/internal/models"
)

// DefaultTimeout bounds control calls. Uploads and downloads are not bounded.
const DefaultTimeout = 10 * time.Second

// ErrInvalidManifest reports a dataset manifest rejected before sending.
var ErrInvalidManifest = errors.New("invalid dataset manifest")

var alphanumeric = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Client talks to one server.
type Client struct {
	baseURL  *url.URL
	token    string
	control  *http.Client
	transfer *http.Client
	logger   *slog.Logger

	// one upload or download at a time
	transferMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the control call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.control.Timeout = d
		}
	}
}

// WithLogger sets the logger used for transfer messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTransport replaces the HTTP transport of both underlying clients.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.control.Transport = rt
		c.transfer.Transport = rt
	}
}

// New creates a client for the server at baseURL.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: server URL is not configured", models.ErrNetwork)
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid server URL %q", models.ErrNetwork, baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	c := &Client{
		baseURL:  u,
		token:    token,
		control:  &http.Client{Timeout: DefaultTimeout},
		transfer: &http.Client{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// resolve turns an endpoint path or a server-returned URL into an absolute URL.
func (c *Client) resolve(ref string, query url.Values) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: bad URL %q", models.ErrServer, ref)
	}
	var u *url.URL
	if r.IsAbs() {
		u = r
	} else {
		base := *c.baseURL
		if strings.HasPrefix(r.Path, "/") {
			base.Path = c.baseURL.Path + r.Path
		} else {
			base.Path = path.Join(c.baseURL.Path, r.Path)
		}
		base.RawQuery = r.RawQuery
		u = &base
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) newRequest(ctx context.Context, method, ref string, query url.Values, body io.Reader, contentType string) (*http.Request, error) {
	u, err := c.resolve(ref, query)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	// server-returned storage URLs on other hosts never see the token
	if c.token != "" && req.URL.Host == c.baseURL.Host {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// send performs req and maps failures onto the remote error kinds. The caller
// closes the body of a successful response.
func (c *Client) send(hc *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, transportError(req, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	msg := errorMessage(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s %s (status %d): %s", models.ErrUnauthorized, req.Method, req.URL.Path, resp.StatusCode, msg)
	}
	return nil, fmt.Errorf("%w: %s %s (status %d): %s", models.ErrServer, req.Method, req.URL.Path, resp.StatusCode, msg)
}

func transportError(req *http.Request, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %s %s: %w", models.ErrTimeout, req.Method, req.URL.Path, err)
	}
	return fmt.Errorf("%w: %s %s: %w", models.ErrNetwork, req.Method, req.URL.Path, err)
}

func errorMessage(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var er errorResponse
	if json.Unmarshal(body, &er) == nil {
		switch d := er.Detail.(type) {
		case string:
			return d
		case nil:
		default:
			if b, err := json.Marshal(d); err == nil {
				return string(b)
			}
		}
		if er.Message != "" {
			return er.Message
		}
	}
	return strings.TrimSpace(string(body))
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", models.ErrServer, resp.Request.URL.Path, err)
	}
	return nil
}

// call runs a control request with a JSON body and decodes a JSON response.
func (c *Client) call(ctx context.Context, method, ref string, query url.Values, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	req, err := c.newRequest(ctx, method, ref, query, body, contentType)
	if err != nil {
		return err
	}
	resp, err := c.send(c.control, req)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// Ping checks the server is alive and returns its message.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var out pingResponse
	if err := c.call(ctx, http.MethodGet, "/status/ping", nil, nil, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// ListDatasets returns the datasets on the server.
func (c *Client) ListDatasets(ctx context.Context) ([]Dataset, error) {
	var out []Dataset
	if err := c.call(ctx, http.MethodGet, "/datasets/list", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateManifest checks a dataset manifest the way the server would.
func ValidateManifest(m DatasetManifest) error {
	if !alphanumeric.MatchString(m.Name) {
		return fmt.Errorf("%w: name must be alphanumeric", models.ErrInvalidName)
	}
	if m.TensorImageSize != "2D" && m.TensorImageSize != "3D" {
		return fmt.Errorf("%w: tensorImageSize must be 2D or 3D, got %q", ErrInvalidManifest, m.TensorImageSize)
	}
	if v, ok := m.Labels.Get("background"); !ok || v != 0 {
		return fmt.Errorf("%w: labels.background must be 0", ErrInvalidManifest)
	}
	return nil
}

// CreateDataset validates m and creates the dataset. Nothing is sent when
// validation fails.
func (c *Client) CreateDataset(ctx context.Context, m DatasetManifest) (Dataset, error) {
	if err := ValidateManifest(m); err != nil {
		return Dataset{}, err
	}
	var out Dataset
	if err := c.call(ctx, http.MethodPost, "/datasets/new", nil, m, &out); err != nil {
		return Dataset{}, err
	}
	c.logger.Info("Dataset created", "name", m.Name, "id", out.ID)
	return out, nil
}

// ImageNameList returns the image names of a dataset.
func (c *Client) ImageNameList(ctx context.Context, datasetID string) (ImageList, error) {
	var out ImageList
	q := url.Values{"dataset_id": {datasetID}}
	if err := c.call(ctx, http.MethodGet, "/datasets/image_name_list", q, nil, &out); err != nil {
		return ImageList{}, err
	}
	return out, nil
}

func splitQuery(datasetID string, split Split, num int) (url.Values, error) {
	if !split.Valid() {
		return nil, fmt.Errorf("%w: unknown split %q", ErrInvalidManifest, split)
	}
	q := url.Values{"dataset_id": {datasetID}, "split": {string(split)}}
	if num >= 0 {
		q.Set("num", strconv.Itoa(num))
	}
	return q, nil
}

// GetImageAndLabels downloads image num of a dataset split and its label
// image into dir. Both files are fetched concurrently.
func (c *Client) GetImageAndLabels(ctx context.Context, datasetID string, split Split, num int, dir string) (imagePath, labelsPath string, err error) {
	q, err := splitQuery(datasetID, split, num)
	if err != nil {
		return "", "", err
	}
	var urls fileURLs
	if err := c.call(ctx, http.MethodGet, "/datasets/get_image_and_labels", q, nil, &urls); err != nil {
		return "", "", err
	}
	if urls.ImageURL == "" || urls.LabelsURL == "" {
		return "", "", fmt.Errorf("%w: missing file URLs in response", models.ErrServer)
	}

	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	prefix := fmt.Sprintf("%s_%s_%03d", datasetID, split, num)
	imagePath = filepath.Join(dir, prefix+"_image"+fileExt(urls.ImageURL))
	labelsPath = filepath.Join(dir, prefix+"_labels"+fileExt(urls.LabelsURL))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.download(gctx, urls.ImageURL, imagePath) })
	g.Go(func() error { return c.download(gctx, urls.LabelsURL, labelsPath) })
	if err := g.Wait(); err != nil {
		os.Remove(imagePath)
		os.Remove(labelsPath)
		return "", "", err
	}
	return imagePath, labelsPath, nil
}

func fileExt(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil {
		p = u.Path
	}
	base := path.Base(p)
	for _, ext := range []string{".nii.gz", ".mha", ".mhd", ".nii", ".zip"} {
		if strings.HasSuffix(base, ext) {
			return ext
		}
	}
	return path.Ext(base)
}

// download streams ref into dst through a temporary file.
func (c *Client) download(ctx context.Context, ref, dst string) error {
	start := time.Now()
	req, err := c.newRequest(ctx, http.MethodGet, ref, nil, nil, "")
	if err != nil {
		return err
	}
	req.Header.Del("Accept")
	resp, err := c.send(c.transfer, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return transportError(req, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save download: %w", err)
	}
	c.logger.Info("Downloaded file", "file", filepath.Base(dst), "size", humanize.Bytes(uint64(n)), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// formFile is one file part of a multipart upload.
type formFile struct {
	field string
	path  string
}

// upload streams a multipart form to ref and decodes the JSON response.
func (c *Client) upload(ctx context.Context, method, ref string, fields map[string]string, files []formFile, out any) error {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()

	var size int64
	for _, f := range files {
		info, err := os.Stat(f.path)
		if err != nil {
			return fmt.Errorf("upload %s: %w", f.field, err)
		}
		size += info.Size()
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, fields, files))
	}()
	defer pr.Close()

	start := time.Now()
	req, err := c.newRequest(ctx, method, ref, nil, pr, mw.FormDataContentType())
	if err != nil {
		return err
	}
	resp, err := c.send(c.transfer, req)
	if err != nil {
		return err
	}
	if err := decode(resp, out); err != nil {
		return err
	}
	c.logger.Info("Uploaded files", "endpoint", ref, "files", len(files), "size", humanize.Bytes(uint64(size)), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func writeForm(mw *multipart.Writer, fields map[string]string, files []formFile) error {
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	for _, f := range files {
		if err := copyPart(mw, f); err != nil {
			return err
		}
	}
	return mw.Close()
}

func copyPart(mw *multipart.Writer, f formFile) error {
	src, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer src.Close()
	part, err := mw.CreateFormFile(f.field, filepath.Base(f.path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, src)
	return err
}

// AddImageAndLabels uploads a new image and label pair to a dataset split.
func (c *Client) AddImageAndLabels(ctx context.Context, datasetID string, split Split, imagePath, labelsPath string) (Dataset, error) {
	if !split.Valid() {
		return Dataset{}, fmt.Errorf("%w: unknown split %q", ErrInvalidManifest, split)
	}
	fields := map[string]string{"dataset_id": datasetID, "split": string(split)}
	var out Dataset
	err := c.upload(ctx, http.MethodPost, "/datasets/add_image_and_labels", fields,
		[]formFile{{"image", imagePath}, {"labels", labelsPath}}, &out)
	return out, err
}

// UpdateImageAndLabels replaces image num of a dataset split.
func (c *Client) UpdateImageAndLabels(ctx context.Context, datasetID string, split Split, num int, imagePath, labelsPath string) (Dataset, error) {
	if !split.Valid() {
		return Dataset{}, fmt.Errorf("%w: unknown split %q", ErrInvalidManifest, split)
	}
	fields := map[string]string{"dataset_id": datasetID, "split": string(split), "num": strconv.Itoa(num)}
	var out Dataset
	err := c.upload(ctx, http.MethodPut, "/datasets/update_image_and_labels", fields,
		[]formFile{{"image", imagePath}, {"labels", labelsPath}}, &out)
	return out, err
}

// DeleteImageAndLabels removes image num of a dataset split.
func (c *Client) DeleteImageAndLabels(ctx context.Context, datasetID string, split Split, num int) (Dataset, error) {
	q, err := splitQuery(datasetID, split, num)
	if err != nil {
		return Dataset{}, err
	}
	var out Dataset
	if err := c.call(ctx, http.MethodDelete, "/datasets/delete_image_and_labels", q, nil, &out); err != nil {
		return Dataset{}, err
	}
	return out, nil
}

type datasetRequest struct {
	DatasetID string `json:"dataset_id"`
}

// RunPlanAndPreprocess queues nnU-Net planning and preprocessing.
func (c *Client) RunPlanAndPreprocess(ctx context.Context, datasetID string) (Job, error) {
	var out Job
	err := c.call(ctx, http.MethodPost, "/plan_and_preprocess/run", nil, datasetRequest{datasetID}, &out)
	return out, err
}

// PlanAndPreprocessStatus polls a planning job.
func (c *Client) PlanAndPreprocessStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var out JobStatus
	err := c.call(ctx, http.MethodGet, "/plan_and_preprocess/job_status/"+url.PathEscape(jobID), nil, nil, &out)
	return out, err
}

// RunTraining queues training. The server refuses while predictions are queued.
func (c *Client) RunTraining(ctx context.Context, datasetID string) (Job, error) {
	var out Job
	err := c.call(ctx, http.MethodPost, "/train/run", nil, datasetRequest{datasetID}, &out)
	return out, err
}

// TrainingStatus polls a training job.
func (c *Client) TrainingStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var out JobStatus
	err := c.call(ctx, http.MethodGet, "/train/job_status/"+url.PathEscape(jobID), nil, nil, &out)
	return out, err
}

// SubmitPrediction uploads an image for inference.
func (c *Client) SubmitPrediction(ctx context.Context, in PredictionInput) (Prediction, error) {
	if in.RequesterID == "" {
		in.RequesterID = uuid.NewString()
	}
	meta := in.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Prediction{}, fmt.Errorf("marshal metadata: %w", err)
	}
	fields := map[string]string{
		"dataset_id":   in.DatasetID,
		"image_id":     in.ImageID,
		"requester_id": in.RequesterID,
		"metadata":     string(metaJSON),
	}
	var out Prediction
	err = c.upload(ctx, http.MethodPost, "/predictions/predict", fields, []formFile{{"image", in.ImagePath}}, &out)
	return out, err
}

// ListPredictions returns the prediction requests of a dataset.
func (c *Client) ListPredictions(ctx context.Context, datasetID string) ([]Prediction, error) {
	var out []Prediction
	q := url.Values{"dataset_id": {datasetID}}
	if err := c.call(ctx, http.MethodGet, "/predictions/list", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadPrediction fetches the result archive of a prediction request into
// dir and returns its path.
func (c *Client) DownloadPrediction(ctx context.Context, datasetID, requestID string, imageNum int, dir string) (string, error) {
	q := url.Values{
		"dataset_id": {datasetID},
		"request_id": {requestID},
		"image_num":  {strconv.Itoa(imageNum)},
	}
	var meta downloadURL
	if err := c.call(ctx, http.MethodGet, "/predictions/image_and_label_metadata", q, nil, &meta); err != nil {
		return "", err
	}
	if meta.URL == "" {
		return "", fmt.Errorf("%w: missing archive URL in response", models.ErrServer)
	}

	c.transferMu.Lock()
	defer c.transferMu.Unlock()
	dst := filepath.Join(dir, fmt.Sprintf("prediction_%s_%03d.zip", requestID, imageNum))
	if err := c.download(ctx, meta.URL, dst); err != nil {
		return "", err
	}
	return dst, nil
}
