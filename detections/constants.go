package detections

import "time"

const (
	DefaultInputSize = 640
	// CandidateThreshold is the minimum class score kept from the raw
	// output before suppression. Rendering applies its own, higher cut.
	CandidateThreshold = 0.25
	IouThreshold       = 0.45
	MaxDetections      = 300

	DefaultPoolSize = 1
	AcquireTimeout  = 5 * time.Second

	inputName  = "images"
	outputName = "output0"
	decodeSpan = 512
)

// anchorCount is the number of predictions a YOLOv8 style head emits for a
// square input: one per cell at strides 8, 16 and 32.
func anchorCount(inputSize int) int {
	total := 0
	for _, stride := range []int{8, 16, 32} {
		cells := inputSize / stride
		total += cells * cells
	}
	return total
}
