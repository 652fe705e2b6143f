// Package pipeline implements the per-event inference flow: filter, fetch,
// detect, render, upload.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/object-detection-lambda/logging"
	"github.com/Tutortoise/object-detection-lambda/metrics"
	"github.com/Tutortoise/object-detection-lambda/models"
	"github.com/Tutortoise/object-detection-lambda/objectkey"
	"github.com/Tutortoise/object-detection-lambda/render"
	"github.com/Tutortoise/object-detection-lambda/scratch"
	"github.com/Tutortoise/object-detection-lambda/storage"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"
)

const component = "inference"

// Model runs detection on one decoded image.
type Model interface {
	Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error)
}

// ModelSource yields the instance's model, loading it on first use.
type ModelSource interface {
	Model(ctx context.Context) (Model, error)
}

type ModelSourceFunc func(ctx context.Context) (Model, error)

func (f ModelSourceFunc) Model(ctx context.Context) (Model, error) { return f(ctx) }

type Handler struct {
	store     storage.Store
	source    ModelSource
	workspace *scratch.Workspace
	metrics   metrics.Recorder
	render    render.Options
}

type Option func(*Handler)

func WithMetrics(m metrics.Recorder) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithRenderOptions(opts render.Options) Option {
	return func(h *Handler) { h.render = opts }
}

func New(store storage.Store, source ModelSource, workspace *scratch.Workspace, threshold float32, opts ...Option) *Handler {
	h := &Handler{
		store:     store,
		source:    source,
		workspace: workspace,
		metrics:   metrics.Noop{},
		render:    render.DefaultOptions(threshold),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Result describes one invocation. Skipped results carry only the key.
type Result struct {
	Key        string                   `json:"key"`
	OutputKey  string                   `json:"output_key,omitempty"`
	Skipped    bool                     `json:"skipped"`
	Detections []models.Detection       `json:"detections,omitempty"`
	Rendered   []models.Detection       `json:"rendered,omitempty"`
	Timings    models.ProcessingTimings `json:"-"`
}

// Handle is the Lambda entry point for EventBridge deliveries.
func (h *Handler) Handle(ctx context.Context, event events.CloudWatchEvent) error {
	detail, err := ParseEvent(event)
	if err != nil {
		return err
	}
	_, err = h.Process(ctx, detail.Object.Key)
	return err
}

// Process runs the whole flow for one object key. Keys that are not
// supported input images are skipped without error.
func (h *Handler) Process(ctx context.Context, key string) (*Result, error) {
	start := time.Now()
	res := &Result{Key: key}
	res.Timings.RequestID = requestID(ctx)

	logging.Info(component, "fetching image from storage", "request_id", res.Timings.RequestID, "key", key)
	if !objectkey.Accept(key) {
		logging.Info(component, "unsupported input object", "key", key)
		res.Skipped = true
		h.metrics.ObserveInvocation(metrics.OutcomeSkipped, time.Since(start).Seconds())
		return res, nil
	}

	outcome := metrics.OutcomeFailed
	defer func() {
		h.metrics.ObserveInvocation(outcome, time.Since(start).Seconds())
	}()

	files, err := h.workspace.Allocate(key)
	if err != nil {
		return nil, err
	}
	defer files.Clean()
	localInput, localOutput := files.Input, files.Output

	fetchStart := time.Now()
	if err := h.fetch(ctx, key, localInput); err != nil {
		logging.Error(component, "fetch failed", "key", key, "err", err)
		return nil, err
	}
	res.Timings.Fetch = time.Since(fetchStart)
	logging.Info(component, "fetched object", "elapsed", seconds(res.Timings.Fetch))

	loadStart := time.Now()
	model, err := h.source.Model(ctx)
	if err != nil {
		logging.Error(component, "model load failed", "err", err)
		return nil, fmt.Errorf("load model: %w", err)
	}
	res.Timings.ModelLoad = time.Since(loadStart)
	logging.Info(component, "get model done", "elapsed", seconds(res.Timings.ModelLoad))

	decodeStart := time.Now()
	img, err := render.Open(localInput)
	if err != nil {
		return nil, err
	}
	res.Timings.ImageDecode = time.Since(decodeStart)

	dets, err := model.Detect(ctx, img, &res.Timings)
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", key, err)
	}
	logging.Info(component, "resized image", "elapsed", seconds(res.Timings.ImageDecode+res.Timings.Resize+res.Timings.Preprocess))

	renderStart := time.Now()
	canvas, drawn := render.Plot(img, dets, h.render)
	if err := render.Save(canvas, localOutput); err != nil {
		return nil, err
	}
	res.Timings.Render = time.Since(renderStart)
	logging.Info(component, "inference and plot completed",
		"elapsed", seconds(res.Timings.Inference+res.Timings.Postprocess+res.Timings.Render),
		"detections", len(dets),
		"rendered", len(drawn))

	outputKey := objectkey.OutputKey(key)
	uploadStart := time.Now()
	if err := h.store.Upload(ctx, localOutput, outputKey, objectkey.ContentType(outputKey)); err != nil {
		logging.Error(component, "upload failed", "key", outputKey, "err", err)
		return nil, fmt.Errorf("upload %s: %w", outputKey, err)
	}
	res.Timings.Upload = time.Since(uploadStart)
	res.Timings.Total = time.Since(start)

	res.OutputKey = outputKey
	res.Detections = dets
	res.Rendered = drawn
	outcome = metrics.OutcomeProcessed

	logging.Info(component, "finished", "output_key", outputKey, "elapsed", seconds(res.Timings.Total))
	h.observe(res)
	return res, nil
}

func (h *Handler) fetch(ctx context.Context, key, dst string) error {
	size, err := h.store.Size(ctx, key)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	if err := h.workspace.EnsureSpace(h.workspace.InputDir, size); err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	if _, err := h.store.Download(ctx, key, dst); err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	return nil
}

func (h *Handler) observe(res *Result) {
	t := res.Timings
	for phase, d := range map[string]time.Duration{
		"fetch":       t.Fetch,
		"model_load":  t.ModelLoad,
		"decode":      t.ImageDecode,
		"resize":      t.Resize,
		"preprocess":  t.Preprocess,
		"inference":   t.Inference,
		"postprocess": t.Postprocess,
		"render":      t.Render,
		"upload":      t.Upload,
	} {
		h.metrics.ObservePhase(phase, d.Seconds())
	}
	h.metrics.AddDetections(len(res.Detections), len(res.Rendered))
	logTimings(&t)
}

func logTimings(t *models.ProcessingTimings) {
	if !logging.DebugEnabled() {
		return
	}
	logging.Debug(component, "processing times",
		"request_id", t.RequestID,
		"fetch", t.Fetch,
		"model_load", t.ModelLoad,
		"decode", t.ImageDecode,
		"resize", t.Resize,
		"preprocess", t.Preprocess,
		"inference", t.Inference,
		"postprocess", t.Postprocess,
		"render", t.Render,
		"upload", t.Upload,
		"total", t.Total)
}

func requestID(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	return uuid.NewString()
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}
