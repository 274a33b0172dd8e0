// Package inference runs exported card-back models. It reads the export
// sidecar to learn the input size and class names, preprocesses images the
// same way training did and scores them through ONNX Runtime.
package inference

import (
	"context"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/cardvision/cardback/export"
	"github.com/cardvision/cardback/logging"
	"github.com/cardvision/cardback/vision/preprocessing"
)

// Threshold separates the two classes of a single-unit model. Scores above
// it are labelled 1.
const Threshold = 0.5

// ErrUnavailable is returned when the binary was built without ONNX Runtime.
var ErrUnavailable = errors.New("onnx inference requires cgo and the onnxruntime shared library")

// Session scores one preprocessed NHWC image and returns the raw model output.
type Session interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

// Options configures NewClassifier.
type Options struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// platform default.
	LibraryPath string
	// Workers bounds concurrent image decoding in PredictAll. Zero uses
	// one worker per CPU.
	Workers int
}

// Prediction is the result for one image.
type Prediction struct {
	Path        string    `json:"path"`
	Probability float32   `json:"probability"`
	Label       int       `json:"label"`
	ClassName   string    `json:"class_name"`
	Scores      []float32 `json:"scores"`
}

// Classifier scores images with an exported model. It is safe for
// concurrent use; sessions are serialized.
type Classifier struct {
	info      export.ModelInfo
	processor *preprocessing.ImageProcessor
	workers   int
	log       *zap.Logger

	mu      sync.Mutex
	session Session
}

// NewClassifier opens the export in dir. The sidecar and the images are read
// through fs; the ONNX graph itself is loaded by the runtime from the
// operating system path.
func NewClassifier(fs afero.Fs, dir string, opts Options, log *zap.Logger) (*Classifier, error) {
	log = logging.OrNop(log)
	info, err := export.ReadInfo(fs, dir)
	if err != nil {
		return nil, err
	}
	if err := checkInfo(info); err != nil {
		return nil, errors.Wrapf(err, "model info in %s", dir)
	}
	modelFile := info.ModelFile
	if modelFile == "" {
		modelFile = export.ModelFile
	}
	session, err := openSession(filepath.Join(dir, modelFile), info, opts)
	if err != nil {
		return nil, err
	}
	log.Info("loaded exported model",
		zap.String("dir", dir),
		zap.String("model_type", info.ModelType),
		zap.Int("height", info.Height()),
		zap.Int("width", info.Width()))
	c := newClassifier(fs, info, session, log)
	if opts.Workers > 0 {
		c.workers = opts.Workers
	}
	return c, nil
}

func newClassifier(fs afero.Fs, info export.ModelInfo, session Session, log *zap.Logger) *Classifier {
	return &Classifier{
		info:      info,
		processor: preprocessing.NewImageProcessor(fs, info.Height(), info.Width()),
		workers:   runtime.NumCPU(),
		log:       logging.OrNop(log),
		session:   session,
	}
}

func checkInfo(info export.ModelInfo) error {
	switch {
	case info.Height() <= 0 || info.Width() <= 0:
		return errors.Errorf("input shape %s has no image size", formatShape(info.InputShape))
	case info.Units() <= 0:
		return errors.Errorf("output shape %s has no units", formatShape(info.OutputShape))
	case info.Normalization != "" && info.Normalization != export.Normalization:
		return errors.Errorf("unsupported normalization %q", info.Normalization)
	}
	return nil
}

// Info returns the sidecar the classifier was opened with.
func (c *Classifier) Info() export.ModelInfo {
	return c.info
}

// Predict scores the image at path.
func (c *Classifier) Predict(ctx context.Context, path string) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	img, err := c.processor.Load(path)
	if err != nil {
		return Prediction{}, err
	}
	return c.score(path, img)
}

// PredictAll decodes every image concurrently, then scores them in order.
// Nothing is scored when an image cannot be loaded.
func (c *Classifier) PredictAll(ctx context.Context, paths []string) ([]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	images, err := preprocessing.PreprocessBatch(c.processor, paths, c.workers)
	if err != nil {
		return nil, err
	}
	out := make([]Prediction, 0, len(paths))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		p, err := c.score(paths[i], img)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Classifier) score(path string, img *preprocessing.Tensor) (Prediction, error) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return Prediction{}, errors.New("classifier is closed")
	}
	scores, err := c.session.Run(img.Data)
	c.mu.Unlock()
	if err != nil {
		return Prediction{}, errors.Wrapf(err, "scoring %s", path)
	}

	p, err := c.interpret(scores)
	if err != nil {
		return Prediction{}, errors.Wrap(err, path)
	}
	p.Path = path
	c.log.Debug("prediction",
		zap.String("path", path),
		zap.String("class", p.ClassName),
		zap.Float32("probability", p.Probability))
	return p, nil
}

// interpret maps raw output to a prediction. A single unit is the
// probability of label 1; wider outputs pick the arg max.
func (c *Classifier) interpret(scores []float32) (Prediction, error) {
	units := c.info.Units()
	if len(scores) < units {
		return Prediction{}, errors.Errorf("model returned %d scores, want %d", len(scores), units)
	}
	scores = append([]float32(nil), scores[:units]...)

	var p Prediction
	p.Scores = scores
	if units == 1 {
		p.Probability = scores[0]
		if scores[0] > Threshold {
			p.Label = 1
		}
	} else {
		for i, s := range scores {
			if s > scores[p.Label] {
				p.Label = i
			}
		}
		p.Probability = scores[p.Label]
	}
	p.ClassName = c.className(p.Label)
	return p, nil
}

func (c *Classifier) className(label int) string {
	if label < len(c.info.Classes) {
		return c.info.Classes[label]
	}
	return ""
}

// Close releases the runtime session.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

func formatShape(shape []*int) string {
	out := "["
	for i, d := range shape {
		if i > 0 {
			out += ","
		}
		if d == nil {
			out += "null"
		} else {
			out += strconv.Itoa(*d)
		}
	}
	return out + "]"
}
