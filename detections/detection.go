package detections

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/Tutortoise/object-detection-lambda/models"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

// Engine runs the detection model on decoded images.
type Engine struct {
	pool      *ModelSessionPool
	classes   []string
	inputSize int
	anchors   int
}

func NewEngine(pool *ModelSessionPool, classes []string, inputSize int) *Engine {
	if inputSize <= 0 {
		inputSize = DefaultInputSize
	}
	return &Engine{
		pool:      pool,
		classes:   classes,
		inputSize: inputSize,
		anchors:   anchorCount(inputSize),
	}
}

func (e *Engine) Classes() []string { return e.classes }

func (e *Engine) Stats() PoolStats { return e.pool.Stats() }

func (e *Engine) Destroy() { e.pool.Destroy() }

// Detect runs one forward pass over img and returns every detection with a
// class score of at least CandidateThreshold that survives suppression,
// highest score first. Boxes are in img's pixel space.
func (e *Engine) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	session, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer e.pool.Release(session)

	resizeStart := time.Now()
	resized := imaging.Resize(img, e.inputSize, e.inputSize, imaging.Linear)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	if err := prepareInput(resized, session.InputData()); err != nil {
		return nil, fmt.Errorf("prepare input buffer: %w", err)
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	bounds := img.Bounds()
	candidates, err := processPredictions(session.OutputData(), predictionLayout{
		numClasses: len(e.classes),
		anchors:    e.anchors,
		inputSize:  e.inputSize,
		origWidth:  bounds.Dx(),
		origHeight: bounds.Dy(),
		threshold:  CandidateThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}
	detections := nonMaxSuppression(candidates, IouThreshold, MaxDetections)
	for i := range detections {
		detections[i].Label = e.label(detections[i].ClassID)
	}
	timings.Postprocess = time.Since(postStart)

	return detections, nil
}

func (e *Engine) label(classID int) string {
	if classID >= 0 && classID < len(e.classes) {
		return e.classes[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}

// prepareInput writes pic into dst as planar RGB scaled to [0, 1].
func prepareInput(pic *image.NRGBA, dst []float32) error {
	width, height := pic.Bounds().Dx(), pic.Bounds().Dy()
	channelSize := width * height
	if len(dst) != channelSize*3 {
		return fmt.Errorf("input tensor holds %d values, image needs %d", len(dst), channelSize*3)
	}

	numWorkers := min(runtime.GOMAXPROCS(0), height)
	rowsPerWorker := height / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == numWorkers-1 {
			endRow = height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				row := pic.Pix[y*pic.Stride:]
				offset := y * width
				for x := 0; x < width; x++ {
					i := offset + x
					dst[i] = float32(row[4*x]) / 255.0
					dst[channelSize+i] = float32(row[4*x+1]) / 255.0
					dst[channelSize*2+i] = float32(row[4*x+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
	return nil
}

type predictionLayout struct {
	numClasses int
	anchors    int
	inputSize  int
	origWidth  int
	origHeight int
	threshold  float32
}

// processPredictions decodes a [4+classes, anchors] head output. Rows 0-3
// hold cx, cy, w, h in input pixels, the remaining rows per-class scores.
func processPredictions(predictions []float32, layout predictionLayout) ([]models.Detection, error) {
	n := layout.anchors
	expectedSize := (4 + layout.numClasses) * n
	if layout.numClasses <= 0 {
		return nil, fmt.Errorf("model has no classes")
	}
	if len(predictions) != expectedSize {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(predictions), expectedSize)
	}

	scaleX := float32(layout.origWidth) / float32(layout.inputSize)
	scaleY := float32(layout.origHeight) / float32(layout.inputSize)

	chunks := make([][]models.Detection, (n+decodeSpan-1)/decodeSpan)
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())

	for c := range chunks {
		g.Go(func() error {
			start := c * decodeSpan
			end := min(start+decodeSpan, n)
			var local []models.Detection

			for i := start; i < end; i++ {
				bestClass, bestScore := -1, float32(0)
				for k := 0; k < layout.numClasses; k++ {
					if s := predictions[(4+k)*n+i]; s > bestScore {
						bestClass, bestScore = k, s
					}
				}
				if bestClass < 0 || bestScore < layout.threshold {
					continue
				}
				bbox := calculateBBox(
					[4]float32{
						predictions[i],
						predictions[n+i],
						predictions[2*n+i],
						predictions[3*n+i],
					},
					scaleX, scaleY,
					float32(layout.origWidth),
					float32(layout.origHeight),
				)
				if emptyBox(bbox) {
					continue
				}
				local = append(local, models.Detection{
					ClassID: bestClass,
					Score:   bestScore,
					BBox:    bbox,
				})
			}

			chunks[c] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	detections := make([]models.Detection, 0, 100)
	for _, chunk := range chunks {
		detections = append(detections, chunk...)
	}
	sortDetectionsByScore(detections)
	return detections, nil
}

// calculateBBox converts a centre/size box in input pixels to corners in
// original image pixels, each clamped to [0, dim].
func calculateBBox(coords [4]float32, scaleX, scaleY, origWidth, origHeight float32) [4]int32 {
	centerX, centerY := coords[0], coords[1]
	width, height := coords[2], coords[3]

	x1 := (centerX - width/2) * scaleX
	y1 := (centerY - height/2) * scaleY
	x2 := (centerX + width/2) * scaleX
	y2 := (centerY + height/2) * scaleY

	return [4]int32{
		int32(clamp(x1, origWidth)),
		int32(clamp(y1, origHeight)),
		int32(clamp(x2, origWidth)),
		int32(clamp(y2, origHeight)),
	}
}

func clamp(v, limit float32) float32 {
	return min(max(v, 0), limit)
}

func emptyBox(b [4]int32) bool {
	return b[2] <= b[0] || b[3] <= b[1]
}

func sortDetectionsByScore(detections []models.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Score > detections[j].Score
	})
}
