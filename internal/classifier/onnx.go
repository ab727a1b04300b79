package classifier

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/binary-classifier/internal/imageprocessor"
)

// ONNXOptions controls how the ONNX Runtime environment is prepared.
type ONNXOptions struct {
	// SharedLibraryPath points at libonnxruntime; empty uses the platform default.
	SharedLibraryPath string
}

var envMu sync.Mutex

// ONNXModel is a Model backed by an ONNX Runtime dynamic session. The input
// size is taken from the artifact's declared input shape.
type ONNXModel struct {
	session     *ort.DynamicAdvancedSession
	shape       Shape
	outputShape ort.Shape
	ownsEnv     bool
}

// LoadONNX opens the model at path and validates its input/output contract:
// one float input shaped (batch, height, width, 3) and one scalar output per sample.
func LoadONNX(path string, opts ONNXOptions) (*ONNXModel, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	ownsEnv, err := initEnvironment(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: initialize onnxruntime: %w", ErrModelLoad, err)
	}

	model, err := openSession(path)
	if err != nil {
		if ownsEnv {
			_ = destroyEnvironment()
		}
		return nil, err
	}
	model.ownsEnv = ownsEnv
	return model, nil
}

func openSession(path string) (*ONNXModel, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read model info: %w", ErrModelLoad, err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("%w: want 1 input and 1 output, model has %d and %d", ErrModelLoad, len(inputs), len(outputs))
	}

	in, out := inputs[0], outputs[0]
	if in.DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("%w: input %q is %v, want float", ErrModelLoad, in.Name, in.DataType)
	}
	shape, err := shapeFromDims(in.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("%w: input %q: %w", ErrModelLoad, in.Name, err)
	}
	outputShape, err := scalarOutputShape(out.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("%w: output %q: %w", ErrModelLoad, out.Name, err)
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{in.Name}, []string{out.Name}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %w", ErrModelLoad, err)
	}

	return &ONNXModel{
		session:     session,
		shape:       shape,
		outputShape: outputShape,
	}, nil
}

// shapeFromDims reads (batch, height, width, channels); batch may be dynamic.
func shapeFromDims(dims ort.Shape) (Shape, error) {
	if len(dims) != 4 {
		return Shape{}, fmt.Errorf("rank %d, want 4 (batch, height, width, channels)", len(dims))
	}
	height, width, channels := dims[1], dims[2], dims[3]
	if height <= 0 || width <= 0 {
		return Shape{}, fmt.Errorf("spatial size %dx%d must be fixed and positive", width, height)
	}
	if channels != imageprocessor.Channels {
		return Shape{}, fmt.Errorf("%d channels, want %d", channels, imageprocessor.Channels)
	}
	return Shape{Width: int(width), Height: int(height), Channels: int(channels)}, nil
}

// scalarOutputShape accepts (batch) or (batch, 1) and returns it with batch fixed to 1.
func scalarOutputShape(dims ort.Shape) (ort.Shape, error) {
	switch {
	case len(dims) == 1:
		return ort.NewShape(1), nil
	case len(dims) == 2 && dims[1] == 1:
		return ort.NewShape(1, 1), nil
	default:
		return nil, fmt.Errorf("shape %v is not one score per sample", dims)
	}
}

// InputShape implements Model.
func (m *ONNXModel) InputShape() Shape {
	return m.shape
}

// Predict implements Model. Tensors are allocated per call so concurrent
// predictions never share buffers.
func (m *ONNXModel) Predict(t *imageprocessor.Tensor) (float32, error) {
	if t.Width != m.shape.Width || t.Height != m.shape.Height || t.Channels != m.shape.Channels || t.Batch != 1 {
		return 0, fmt.Errorf("tensor shape %v does not match model input %dx%dx%d", t.Shape(), m.shape.Height, m.shape.Width, m.shape.Channels)
	}

	input, err := ort.NewTensor(ort.NewShape(t.Shape()...), t.Data)
	if err != nil {
		return 0, fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](m.outputShape)
	if err != nil {
		return 0, fmt.Errorf("create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := m.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return 0, err
	}

	data := output.GetData()
	if len(data) != 1 {
		return 0, fmt.Errorf("model returned %d values, want 1", len(data))
	}
	return data[0], nil
}

// Close implements Model.
func (m *ONNXModel) Close() error {
	var err error
	if m.session != nil {
		err = m.session.Destroy()
		m.session = nil
	}
	if m.ownsEnv {
		m.ownsEnv = false
		if envErr := destroyEnvironment(); err == nil {
			err = envErr
		}
	}
	return err
}

func initEnvironment(opts ONNXOptions) (bool, error) {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return false, nil
	}
	if opts.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(opts.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}
	return true, nil
}

func destroyEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	return ort.DestroyEnvironment()
}
