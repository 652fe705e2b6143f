package detections

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// inferenceSession is one loaded copy of the model with bound input and
// output buffers. It is not safe for concurrent use.
type inferenceSession interface {
	InputData() []float32
	OutputData() []float32
	Run() error
	Destroy()
}

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) InputData() []float32  { return m.Input.GetData() }
func (m *ModelSession) OutputData() []float32 { return m.Output.GetData() }
func (m *ModelSession) Run() error            { return m.Session.Run() }

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

func initSession(modelPath string, inputSize, numClasses, threads int) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}

	inputShape := ort.NewShape(1, 3, int64(inputSize), int64(inputSize))
	outputShape := ort.NewShape(1, int64(4+numClasses), int64(anchorCount(inputSize)))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}
