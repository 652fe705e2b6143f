package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Tutortoise/object-detection-lambda/config"
	"github.com/Tutortoise/object-detection-lambda/storage/disk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Model: config.ModelConfig{
			Name:      "yolov8n",
			Dataset:   "coco",
			Dir:       filepath.Join(root, "models"),
			CacheDir:  filepath.Join(root, "cache"),
			Sessions:  1,
			InputSize: 640,
		},
		Storage: config.StorageConfig{
			Type: "disk",
			Path: filepath.Join(root, "bucket"),
		},
		Scratch: config.ScratchConfig{
			InputDir:  filepath.Join(root, "input_images"),
			OutputDir: filepath.Join(root, "output_images"),
		},
		Render: config.RenderConfig{Threshold: config.RenderThreshold},
		Server: config.ServerConfig{Addr: "127.0.0.1:0"},
	}
}

func TestInitStore(t *testing.T) {
	ctx := context.Background()

	t.Run("disk", func(t *testing.T) {
		store, err := initStore(ctx, config.StorageConfig{Type: "disk", Path: t.TempDir()})
		require.NoError(t, err)
		assert.IsType(t, &disk.Adapter{}, store)
	})

	t.Run("s3 without bucket", func(t *testing.T) {
		_, err := initStore(ctx, config.StorageConfig{Type: "s3"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket is required")
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := initStore(ctx, config.StorageConfig{Type: "gcs"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported storage type")
	})
}

func TestNewAppDoesNotLoadModel(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer app.Close()

	_, loaded := app.Provider.Loaded()
	assert.False(t, loaded)
	assert.DirExists(t, app.Workspace.InputDir)
	assert.DirExists(t, app.Workspace.OutputDir)
}

func TestEngineSourceReportsLoadFailure(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer app.Close()

	_, err = engineSource{provider: app.Provider, metrics: app.Metrics}.Model(context.Background())
	require.Error(t, err)

	_, loaded := app.Provider.Loaded()
	assert.False(t, loaded)
}

func TestGetDetectionMessage(t *testing.T) {
	assert.Equal(t, MsgNoObjects, getDetectionMessage(0))
	assert.Equal(t, MsgSingleObject, getDetectionMessage(1))
	assert.Equal(t, "3 objects detected.", getDetectionMessage(3))
}
