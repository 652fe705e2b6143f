package main

import (
	"context"
	"fmt"

	"github.com/Tutortoise/object-detection-lambda/config"
	"github.com/Tutortoise/object-detection-lambda/detections"
	"github.com/Tutortoise/object-detection-lambda/metrics"
	"github.com/Tutortoise/object-detection-lambda/pipeline"
	"github.com/Tutortoise/object-detection-lambda/scratch"
	"github.com/Tutortoise/object-detection-lambda/storage"
	"github.com/Tutortoise/object-detection-lambda/storage/disk"
	"github.com/Tutortoise/object-detection-lambda/storage/s3"
)

// App holds the process-wide services shared by every invocation.
type App struct {
	Config    *config.Config
	Store     storage.Store
	Provider  *detections.Provider
	Workspace *scratch.Workspace
	Metrics   *metrics.Prom
	Handler   *pipeline.Handler
}

// NewApp wires the services. The model itself is not loaded here; the
// first accepted event loads it.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := initStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}

	ws, err := scratch.New(cfg.Scratch.InputDir, cfg.Scratch.OutputDir)
	if err != nil {
		return nil, err
	}

	provider := detections.NewProvider(detections.Options{
		ModelName:      cfg.Model.Name,
		Dataset:        cfg.Model.Dataset,
		ModelDir:       cfg.Model.Dir,
		CacheDir:       cfg.Model.CacheDir,
		LibraryPath:    cfg.Model.Library,
		InputSize:      cfg.Model.InputSize,
		Sessions:       cfg.Model.Sessions,
		Threads:        cfg.Model.Threads,
		AcquireTimeout: cfg.Model.AcquireWait,
	}, store)
	provider.SetSpaceCheck(ws.EnsureSpace)

	prom := metrics.NewProm("detector")
	handler := pipeline.New(store, engineSource{provider: provider, metrics: prom}, ws,
		float32(cfg.Render.Threshold), pipeline.WithMetrics(prom))

	return &App{
		Config:    cfg,
		Store:     store,
		Provider:  provider,
		Workspace: ws,
		Metrics:   prom,
		Handler:   handler,
	}, nil
}

func (a *App) Close() {
	a.Provider.Close()
	a.Metrics.SetModelLoaded(false)
}

func initStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("s3 bucket is required")
		}
		return s3.NewAdapter(ctx, s3.Config{
			Endpoint: cfg.Endpoint,
			Region:   cfg.Region,
			Bucket:   cfg.Bucket,
		})
	case "disk":
		return disk.NewAdapter(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// engineSource adapts the provider to the pipeline's model source.
type engineSource struct {
	provider *detections.Provider
	metrics  metrics.Recorder
}

func (s engineSource) Model(ctx context.Context) (pipeline.Model, error) {
	engine, err := s.provider.Get(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.SetModelLoaded(true)
	return engine, nil
}
