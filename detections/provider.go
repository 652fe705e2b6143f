package detections

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Tutortoise/object-detection-lambda/logging"
	"github.com/Tutortoise/object-detection-lambda/storage"

	ort "github.com/yalue/onnxruntime_go"
)

const remoteModelPrefix = "models/"

// Fetcher pulls a model artifact from the object store on a cache miss.
type Fetcher interface {
	Size(ctx context.Context, key string) (int64, error)
	Download(ctx context.Context, key, dst string) (int64, error)
}

type Options struct {
	ModelName string
	Dataset   string
	// ModelDir holds artifacts baked into the image; CacheDir is writable
	// ephemeral storage used for downloads.
	ModelDir       string
	CacheDir       string
	LibraryPath    string
	InputSize      int
	Sessions       int
	Threads        int
	AcquireTimeout time.Duration
}

// Provider owns the instance's model. The first successful Get loads it
// and every later call returns the same Engine until Close. A failed load
// is not cached, so the next invocation tries again.
type Provider struct {
	opts       Options
	fetcher    Fetcher
	spaceCheck func(dir string, n int64) error

	mu       sync.Mutex
	engine   *Engine
	envReady bool
	load     func(ctx context.Context) (*Engine, error)
}

func NewProvider(opts Options, fetcher Fetcher) *Provider {
	if opts.InputSize <= 0 {
		opts.InputSize = DefaultInputSize
	}
	p := &Provider{opts: opts, fetcher: fetcher}
	p.load = p.loadEngine
	return p
}

// SetSpaceCheck installs a free-space check run before artifact downloads.
func (p *Provider) SetSpaceCheck(fn func(dir string, n int64) error) {
	p.spaceCheck = fn
}

func (p *Provider) Get(ctx context.Context) (*Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.engine != nil {
		return p.engine, nil
	}

	start := time.Now()
	engine, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	p.engine = engine
	logging.Info("model", "model loaded",
		"model", p.opts.ModelName,
		"dataset", p.opts.Dataset,
		"classes", len(engine.Classes()),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return engine, nil
}

// Loaded returns the engine if it has been loaded, without loading it.
func (p *Provider) Loaded() (*Engine, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine, p.engine != nil
}

func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.engine != nil {
		p.engine.Destroy()
		p.engine = nil
	}
	if p.envReady {
		if err := ort.DestroyEnvironment(); err != nil {
			logging.Error("model", "destroy onnxruntime environment", "err", err)
		}
		p.envReady = false
	}
}

func (p *Provider) loadEngine(ctx context.Context) (*Engine, error) {
	modelPath, err := p.resolveArtifact(ctx)
	if err != nil {
		return nil, err
	}

	classes, err := LoadClasses(p.opts.Dataset, labelsPath(modelPath))
	if err != nil {
		return nil, err
	}

	if !p.envReady {
		ort.SetSharedLibraryPath(resolveLibrary(p.opts.LibraryPath))
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
		p.envReady = true
	}

	pool, err := NewModelSessionPool(func() (inferenceSession, error) {
		return initSession(modelPath, p.opts.InputSize, len(classes), p.opts.Threads)
	}, p.opts.Sessions, p.opts.AcquireTimeout)
	if err != nil {
		return nil, fmt.Errorf("create model session pool: %w", err)
	}

	return NewEngine(pool, classes, p.opts.InputSize), nil
}

// ArtifactName is the file name of the model for a name and dataset tag.
func ArtifactName(modelName, dataset string) string {
	return fmt.Sprintf("%s_%s.onnx", modelName, dataset)
}

// resolveArtifact finds the model file locally or downloads it into the
// cache directory.
func (p *Provider) resolveArtifact(ctx context.Context) (string, error) {
	name := ArtifactName(p.opts.ModelName, p.opts.Dataset)

	for _, dir := range []string{p.opts.ModelDir, p.opts.CacheDir} {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	if p.fetcher == nil || p.opts.CacheDir == "" {
		return "", fmt.Errorf("model artifact %s not found", name)
	}

	key := remoteModelPrefix + name
	size, err := p.fetcher.Size(ctx, key)
	if err != nil {
		return "", fmt.Errorf("locate model artifact %s: %w", key, err)
	}
	if err := os.MkdirAll(p.opts.CacheDir, 0755); err != nil {
		return "", fmt.Errorf("create model cache dir: %w", err)
	}
	if p.spaceCheck != nil {
		if err := p.spaceCheck(p.opts.CacheDir, size); err != nil {
			return "", err
		}
	}

	dst := filepath.Join(p.opts.CacheDir, name)
	logging.Info("model", "downloading model artifact", "key", key, "bytes", size)
	if _, err := p.fetcher.Download(ctx, key, dst); err != nil {
		return "", fmt.Errorf("download model artifact %s: %w", key, err)
	}

	p.fetchLabels(ctx, remoteModelPrefix+strings.TrimSuffix(name, ".onnx")+".names", labelsPath(dst))
	return dst, nil
}

// fetchLabels downloads the optional labels file next to the model. An
// object that cannot be located is treated as absent; without s3:ListBucket
// S3 reports a missing key as 403 rather than 404.
func (p *Provider) fetchLabels(ctx context.Context, key, dst string) {
	if _, err := p.fetcher.Size(ctx, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logging.Debug("model", "no labels file, using dataset classes", "key", key)
		} else {
			logging.Info("model", "labels file unavailable, using dataset classes", "key", key, "err", err)
		}
		return
	}
	if _, err := p.fetcher.Download(ctx, key, dst); err != nil {
		logging.Error("model", "download labels", "key", key, "err", err)
	}
}

func labelsPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".names"
}

// resolveLibrary accepts either the shared library itself or the directory
// containing it.
func resolveLibrary(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, defaultLibraryName())
	}
	return path
}

func defaultLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}
