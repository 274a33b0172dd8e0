//go:build cgo
// +build cgo

package inference

import (
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/cardvision/cardback/checkpoints"
	"github.com/cardvision/cardback/export"
)

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// onnxSession holds a session with pre-allocated single-image tensors.
type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func openSession(modelPath string, info export.ModelInfo, opts Options) (Session, error) {
	if err := initEnvironment(opts.LibraryPath); err != nil {
		return nil, errors.Wrap(err, "initializing onnx runtime")
	}

	h, w, units := info.Height(), info.Width(), info.Units()
	input, err := ort.NewTensor(ort.NewShape(1, int64(h), int64(w), 3), make([]float32, h*w*3))
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}
	output, err := ort.NewTensor(ort.NewShape(1, int64(units)), make([]float32, units))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "creating output tensor")
	}

	inputName, outputName := info.InputName, info.OutputName
	if inputName == "" {
		inputName = checkpoints.InputName
	}
	if outputName == "" {
		outputName = checkpoints.OutputName
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrapf(err, "creating onnx session for %s", modelPath)
	}
	return &onnxSession{session: session, input: input, output: output}, nil
}

func (s *onnxSession) Run(input []float32) ([]float32, error) {
	data := s.input.GetData()
	if len(input) != len(data) {
		return nil, errors.Errorf("input has %d values, model expects %d", len(input), len(data))
	}
	copy(data, input)
	if err := s.session.Run(); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}
	return append([]float32(nil), s.output.GetData()...), nil
}

func (s *onnxSession) Close() error {
	var err error
	if s.session != nil {
		err = s.session.Destroy()
		s.session = nil
	}
	if s.input != nil {
		_ = s.input.Destroy()
		s.input = nil
	}
	if s.output != nil {
		_ = s.output.Destroy()
		s.output = nil
	}
	return err
}
