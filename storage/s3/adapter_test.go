package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/Tutortoise/object-detection-lambda/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const noSuchKey = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`

// fakeS3 is a minimal path-style S3 endpoint backed by a map.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[path] = body
		f.types[path] = r.Header.Get("Content-Type")
		f.puts++
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		data, ok := f.objects[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(noSuchKey))
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestAdapter(t *testing.T, fake *fakeS3) *Adapter {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                credentials.NewStaticCredentialsProvider("test", "test", ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	return NewAdapterWithClient(client, "detections-test")
}

func TestS3Adapter_RoundTrip(t *testing.T) {
	fake := newFakeS3()
	store := newTestAdapter(t, fake)
	ctx := context.Background()

	dir := t.TempDir()
	src := filepath.Join(dir, "cat.jpg")
	require.NoError(t, os.WriteFile(src, []byte("rendered image bytes"), 0o644))

	t.Run("Upload", func(t *testing.T) {
		err := store.Upload(ctx, src, "outputs/cat.jpg", "image/jpeg")
		require.NoError(t, err)
		assert.Equal(t, []byte("rendered image bytes"), fake.objects["/detections-test/outputs/cat.jpg"])
		assert.Equal(t, "image/jpeg", fake.types["/detections-test/outputs/cat.jpg"])
	})

	t.Run("Size", func(t *testing.T) {
		n, err := store.Size(ctx, "outputs/cat.jpg")
		require.NoError(t, err)
		assert.Equal(t, int64(len("rendered image bytes")), n)

		_, err = store.Size(ctx, "outputs/missing.jpg")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Download", func(t *testing.T) {
		dst := filepath.Join(dir, "downloaded", "cat.jpg")
		n, err := store.Download(ctx, "outputs/cat.jpg", dst)
		require.NoError(t, err)
		assert.Equal(t, int64(len("rendered image bytes")), n)

		content, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "rendered image bytes", string(content))
	})

	t.Run("DownloadMissing", func(t *testing.T) {
		dst := filepath.Join(dir, "missing.jpg")
		_, err := store.Download(ctx, "inputs/missing.jpg", dst)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, statErr := os.Stat(dst)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("UploadOverwrites", func(t *testing.T) {
		require.NoError(t, os.WriteFile(src, []byte("second render"), 0o644))
		require.NoError(t, store.Upload(ctx, src, "outputs/cat.jpg", "image/jpeg"))
		assert.Equal(t, "second render", string(fake.objects["/detections-test/outputs/cat.jpg"]))
		assert.Equal(t, 2, fake.puts)
	})
}

func TestS3Adapter_UploadMissingFile(t *testing.T) {
	store := newTestAdapter(t, newFakeS3())
	err := store.Upload(context.Background(), "/nonexistent/file.jpg", "outputs/file.jpg", "image/jpeg")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no such file"))
}

func TestNewAdapter_MissingBucket(t *testing.T) {
	_, err := NewAdapter(context.Background(), Config{Region: "us-east-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
}
