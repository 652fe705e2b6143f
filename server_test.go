package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/Tutortoise/object-detection-lambda/detections"
	"github.com/Tutortoise/object-detection-lambda/metrics"
	"github.com/Tutortoise/object-detection-lambda/models"
	"github.com/Tutortoise/object-detection-lambda/pipeline"
	"github.com/Tutortoise/object-detection-lambda/scratch"
	"github.com/Tutortoise/object-detection-lambda/storage/disk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubModel struct {
	dets []models.Detection
}

func (m stubModel) Detect(context.Context, image.Image, *models.ProcessingTimings) ([]models.Detection, error) {
	return m.dets, nil
}

type testServer struct {
	*httptest.Server
	bucket string
}

func newTestServer(t *testing.T, source pipeline.ModelSource, stats func() (detections.PoolStats, bool)) *testServer {
	t.Helper()
	root := t.TempDir()
	bucket := filepath.Join(root, "bucket")

	store, err := disk.NewAdapter(bucket)
	require.NoError(t, err)
	ws, err := scratch.New(filepath.Join(root, "in"), filepath.Join(root, "out"))
	require.NoError(t, err)

	prom := metrics.NewProm("test")
	if stats == nil {
		stats = func() (detections.PoolStats, bool) { return detections.PoolStats{}, false }
	}
	s := &Server{
		handler:   pipeline.New(store, source, ws, 0.7, pipeline.WithMetrics(prom)),
		source:    source,
		poolStats: stats,
		metrics:   prom.Handler(),
		threshold: 0.7,
	}

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, bucket: bucket}
}

func sampleDetections() []models.Detection {
	return []models.Detection{
		{ClassID: 0, Label: "person", Score: 0.92, BBox: [4]int32{4, 4, 40, 40}},
		{ClassID: 16, Label: "dog", Score: 0.4, BBox: [4]int32{10, 10, 20, 20}},
	}
}

func fixedSource(dets []models.Detection) pipeline.ModelSource {
	return pipeline.ModelSourceFunc(func(context.Context) (pipeline.Model, error) {
		return stubModel{dets: dets}, nil
	})
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(1, 1, color.RGBA{R: 10, A: 255})
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func eventBody(key string) []byte {
	detail, _ := json.Marshal(map[string]interface{}{
		"version": "0",
		"bucket":  map[string]string{"name": "images"},
		"object":  map[string]interface{}{"key": key, "size": 1},
	})
	body, _ := json.Marshal(map[string]interface{}{
		"version":     "0",
		"id":          "ev-1",
		"detail-type": "Object Created",
		"source":      "aws.s3",
		"detail":      json.RawMessage(detail),
	})
	return body
}

func TestInvoke_ProcessesObject(t *testing.T) {
	ts := newTestServer(t, fixedSource(sampleDetections()), nil)
	require.NoError(t, os.MkdirAll(filepath.Join(ts.bucket, "inputs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ts.bucket, "inputs", "street.jpg"), jpegBytes(t), 0o644))

	resp, err := http.Post(ts.URL+"/invoke", "application/json", bytes.NewReader(eventBody("inputs/street.jpg")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out InvokeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "outputs/street.jpg", out.OutputKey)
	assert.Equal(t, MsgSingleObject, out.Message)
	assert.Len(t, out.Rendered, 1)
	assert.FileExists(t, filepath.Join(ts.bucket, "outputs", "street.jpg"))
}

func TestInvoke_SkippedKey(t *testing.T) {
	ts := newTestServer(t, fixedSource(nil), nil)

	resp, err := http.Post(ts.URL+"/invoke", "application/json", bytes.NewReader(eventBody("inputs/notes.txt")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out InvokeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Skipped)
	assert.Equal(t, MsgSkipped, out.Message)
}

func TestInvoke_ErrorMapping(t *testing.T) {
	ts := newTestServer(t, fixedSource(nil), nil)

	tests := []struct {
		name   string
		body   []byte
		status int
		code   string
	}{
		{"missing object", eventBody("inputs/absent.jpg"), http.StatusNotFound, "not_found"},
		{"missing key", eventBody(""), http.StatusBadRequest, "invalid_event"},
		{"not json", []byte("{"), http.StatusBadRequest, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/invoke", "application/json", bytes.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)

			var out ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, tt.code, out.Code)
		})
	}
}

func TestDetect_RequestFormats(t *testing.T) {
	ts := newTestServer(t, fixedSource(sampleDetections()), nil)
	img := jpegBytes(t)

	jsonBody, _ := json.Marshal(map[string]string{"image": base64.StdEncoding.EncodeToString(img)})

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	part, err := mw.CreateFormFile("file", "street.jpg")
	require.NoError(t, err)
	_, err = part.Write(img)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	tests := []struct {
		name        string
		contentType string
		body        []byte
	}{
		{"raw", "image/jpeg", img},
		{"json", "application/json", jsonBody},
		{"multipart", mw.FormDataContentType(), form.Bytes()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/detect", tt.contentType, bytes.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var out DetectResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, 1, out.Count)
			require.Len(t, out.Detections, 1)
			assert.Equal(t, "person", out.Detections[0].Label)
		})
	}
}

// withOrientation inserts an EXIF APP1 segment carrying the given
// orientation tag right after the JPEG start-of-image marker.
func withOrientation(jpg []byte, orientation byte) []byte {
	app1 := []byte{
		0xFF, 0xE1, 0x00, 0x22,
		'E', 'x', 'i', 'f', 0x00, 0x00,
		'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00,
		0x01, 0x00,
		0x12, 0x01, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, orientation, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	out := append([]byte{}, jpg[:2]...)
	out = append(out, app1...)
	return append(out, jpg[2:]...)
}

type boundsModel struct {
	seen chan image.Rectangle
}

func (m boundsModel) Detect(_ context.Context, img image.Image, _ *models.ProcessingTimings) ([]models.Detection, error) {
	m.seen <- img.Bounds()
	return nil, nil
}

func TestDetect_AppliesExifOrientation(t *testing.T) {
	model := boundsModel{seen: make(chan image.Rectangle, 1)}
	source := pipeline.ModelSourceFunc(func(context.Context) (pipeline.Model, error) {
		return model, nil
	})
	ts := newTestServer(t, source, nil)

	// Orientation 6 is stored landscape and displayed portrait.
	resp, err := http.Post(ts.URL+"/detect", "image/jpeg", bytes.NewReader(withOrientation(jpegBytes(t), 6)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bounds := <-model.seen
	assert.Equal(t, 48, bounds.Dx())
	assert.Equal(t, 64, bounds.Dy())
}

func TestDetect_InvalidImage(t *testing.T) {
	ts := newTestServer(t, fixedSource(nil), nil)

	resp, err := http.Post(ts.URL+"/detect", "image/jpeg", bytes.NewReader([]byte("not an image")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDetect_ModelUnavailable(t *testing.T) {
	source := pipeline.ModelSourceFunc(func(context.Context) (pipeline.Model, error) {
		return nil, errors.New("artifact missing")
	})
	ts := newTestServer(t, source, nil)

	resp, err := http.Post(ts.URL+"/detect", "image/jpeg", bytes.NewReader(jpegBytes(t)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndPool(t *testing.T) {
	var loaded atomic.Bool
	ts := newTestServer(t, fixedSource(nil), func() (detections.PoolStats, bool) {
		return detections.PoolStats{Size: 2}, loaded.Load()
	})

	resp, err := http.Get(ts.URL + "/debug/pool")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	loaded.Store(true)
	resp, err = http.Get(ts.URL + "/debug/pool")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats detections.PoolStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Size)

	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(health.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["model_loaded"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, fixedSource(nil), nil)

	invoke, err := http.Post(ts.URL+"/invoke", "application/json", bytes.NewReader(eventBody("inputs/notes.txt")))
	require.NoError(t, err)
	invoke.Body.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `test_invocations_total{outcome="skipped"} 1`)
}
