package inference

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cardvision/cardback/export"
	"github.com/cardvision/cardback/vision/dataset"
)

type fakeSession struct {
	scores []float32
	err    error
	inputs [][]float32
	closed bool
}

func (s *fakeSession) Run(input []float32) ([]float32, error) {
	s.inputs = append(s.inputs, append([]float32(nil), input...))
	if s.err != nil {
		return nil, s.err
	}
	return s.scores, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func intp(v int) *int { return &v }

func binaryInfo() export.ModelInfo {
	return export.ModelInfo{
		InputShape:    []*int{nil, intp(8), intp(6), intp(3)},
		OutputShape:   []*int{nil, intp(1)},
		ModelType:     "binary_classification",
		Classes:       dataset.ClassNames,
		Normalization: export.Normalization,
		ModelFile:     export.ModelFile,
	}
}

func writeImage(t *testing.T, fs afero.Fs, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := fs.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestPredictBinary(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImage(t, fs, "card.png", color.RGBA{R: 255, A: 255})

	tests := []struct {
		name  string
		score float32
		label int
		class string
	}{
		{"above threshold", 0.9, 1, dataset.ForeignerCardBack},
		{"at threshold", 0.5, 0, dataset.OtherDocuments},
		{"below threshold", 0.1, 0, dataset.OtherDocuments},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			session := &fakeSession{scores: []float32{tc.score}}
			c := newClassifier(fs, binaryInfo(), session, zaptest.NewLogger(t))

			p, err := c.Predict(context.Background(), "card.png")
			require.NoError(t, err)
			assert.Equal(t, "card.png", p.Path)
			assert.Equal(t, tc.label, p.Label)
			assert.Equal(t, tc.class, p.ClassName)
			assert.InDelta(t, tc.score, p.Probability, 1e-6)

			require.Len(t, session.inputs, 1)
			input := session.inputs[0]
			require.Len(t, input, 8*6*3)
			assert.InDelta(t, 1.0, input[0], 1e-3)
			assert.InDelta(t, 0.0, input[1], 1e-3)
		})
	}
}

func TestPredictMultiClass(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImage(t, fs, "card.png", color.Gray{Y: 128})

	info := binaryInfo()
	info.OutputShape = []*int{nil, intp(3)}
	info.Classes = []string{"a", "b", "c"}
	session := &fakeSession{scores: []float32{0.2, 0.1, 0.7, 99}}
	c := newClassifier(fs, info, session, nil)

	p, err := c.Predict(context.Background(), "card.png")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Label)
	assert.Equal(t, "c", p.ClassName)
	assert.InDelta(t, 0.7, p.Probability, 1e-6)
	assert.Len(t, p.Scores, 3)
}

func TestPredictErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImage(t, fs, "card.png", color.White)
	require.NoError(t, afero.WriteFile(fs, "broken.png", []byte("not an image"), 0o644))

	c := newClassifier(fs, binaryInfo(), &fakeSession{scores: []float32{0.3}}, nil)
	_, err := c.Predict(context.Background(), "broken.png")
	assert.Error(t, err)
	_, err = c.Predict(context.Background(), "missing.png")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Predict(ctx, "card.png")
	assert.ErrorIs(t, err, context.Canceled)

	failing := newClassifier(fs, binaryInfo(), &fakeSession{err: errors.New("boom")}, nil)
	_, err = failing.Predict(context.Background(), "card.png")
	assert.ErrorContains(t, err, "boom")

	short := newClassifier(fs, binaryInfo(), &fakeSession{}, nil)
	_, err = short.Predict(context.Background(), "card.png")
	assert.ErrorContains(t, err, "0 scores")
}

func TestPredictAll(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImage(t, fs, "a.png", color.White)
	writeImage(t, fs, "b.png", color.Black)

	session := &fakeSession{scores: []float32{0.8}}
	c := newClassifier(fs, binaryInfo(), session, nil)
	preds, err := c.PredictAll(context.Background(), []string{"a.png", "b.png"})
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, "a.png", preds[0].Path)
	assert.Equal(t, "b.png", preds[1].Path)
	require.Len(t, session.inputs, 2)
	assert.InDelta(t, 1.0, session.inputs[0][0], 1e-3)
	assert.InDelta(t, 0.0, session.inputs[1][0], 1e-3)

	session.inputs = nil
	preds, err = c.PredictAll(context.Background(), []string{"a.png", "c.png"})
	assert.Error(t, err)
	assert.Empty(t, preds)
	assert.Empty(t, session.inputs)
}

func TestClose(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeImage(t, fs, "a.png", color.White)
	session := &fakeSession{scores: []float32{0.8}}
	c := newClassifier(fs, binaryInfo(), session, nil)

	require.NoError(t, c.Close())
	assert.True(t, session.closed)
	require.NoError(t, c.Close())
	_, err := c.Predict(context.Background(), "a.png")
	assert.ErrorContains(t, err, "closed")
}

func TestNewClassifierRejectsBadInfo(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*export.ModelInfo)
		want   string
	}{
		{"no size", func(i *export.ModelInfo) { i.InputShape = []*int{nil} }, "image size"},
		{"no units", func(i *export.ModelInfo) { i.OutputShape = nil }, "units"},
		{"normalization", func(i *export.ModelInfo) { i.Normalization = "imagenet" }, "normalization"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			info := binaryInfo()
			tc.mutate(&info)
			raw, err := json.Marshal(info)
			require.NoError(t, err)
			require.NoError(t, afero.WriteFile(fs, filepath.Join("export", export.InfoFile), raw, 0o644))

			_, err = NewClassifier(fs, "export", Options{}, nil)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestNewClassifierMissingInfo(t *testing.T) {
	_, err := NewClassifier(afero.NewMemMapFs(), "nowhere", Options{}, nil)
	assert.Error(t, err)
}
