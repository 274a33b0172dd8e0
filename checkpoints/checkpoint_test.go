package checkpoints

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/cardvision/cardback/layers"
)

func tinyModel(t *testing.T) *layers.ModelSpec {
	t.Helper()
	model, err := layers.NewModelBuilder("tiny", []int{-1, 3, 8, 8}).
		AddRescaling(1.0/255, 0, "rescaling").
		AddConv2D(4, 3, 1, 1, true, "conv").
		AddBatchNorm(1e-3, 0.99, "bn").
		AddReLU("relu").
		AddMaxPool2D(2, 2, "pool").
		AddGlobalAveragePool("gap").
		AddDropout(0.2, "drop").
		AddDense(1, true, "predictions").
		AddSigmoid("predictions_sigmoid").
		Compile()
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}
	return model
}

func tinyCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	model := tinyModel(t)
	values := map[string][]float32{}
	for _, l := range model.Layers {
		names := append(l.ParameterNames(), l.BufferNames()...)
		shapes := append(append([][]int{}, l.ParameterShapes...), l.BufferShapes...)
		for i, name := range names {
			data := make([]float32, elements(shapes[i]))
			for j := range data {
				data[j] = float32(j%7)*0.125 - 0.25
			}
			if strings.HasSuffix(name, layers.SuffixRunningVar) {
				for j := range data {
					data[j] = 1
				}
			}
			values[name] = data
		}
	}
	weights, err := WeightsFromSpec(model, values)
	if err != nil {
		t.Fatalf("WeightsFromSpec: %v", err)
	}
	return &Checkpoint{
		ModelSpec: model,
		Weights:   weights,
		TrainingState: TrainingState{
			Epoch:        10,
			Step:         1000,
			LearningRate: 0.001,
			BestLoss:     0.5,
			BestAccuracy: 0.85,
			BestEpoch:    7,
			TotalSteps:   1000,
		},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   Framework,
			CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			RunID:       "20240501_120000",
			Description: "test checkpoint",
			Tags:        []string{"test"},
		},
	}
}

func TestCheckpointJSONSaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	checkpoint := tinyCheckpoint(t)
	saver := NewCheckpointSaver(fs, FormatJSON)

	path := "/models/best_model.json"
	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}

	if loaded.TrainingState != checkpoint.TrainingState {
		t.Errorf("training state mismatch: got %+v, want %+v", loaded.TrainingState, checkpoint.TrainingState)
	}
	if loaded.Metadata.RunID != "20240501_120000" {
		t.Errorf("run id not preserved: %q", loaded.Metadata.RunID)
	}
	if len(loaded.Weights) != len(checkpoint.Weights) {
		t.Fatalf("weight count mismatch: got %d, want %d", len(loaded.Weights), len(checkpoint.Weights))
	}
	for i, w := range loaded.Weights {
		orig := checkpoint.Weights[i]
		if w.Name != orig.Name || w.Layer != orig.Layer || w.Type != orig.Type {
			t.Errorf("weight %d: got %s/%s/%s, want %s/%s/%s", i, w.Name, w.Layer, w.Type, orig.Name, orig.Layer, orig.Type)
		}
		for j := range w.Data {
			if w.Data[j] != orig.Data[j] {
				t.Fatalf("weight %s[%d] = %v, want %v", w.Name, j, w.Data[j], orig.Data[j])
			}
		}
	}
	if !loaded.ModelSpec.Compiled || len(loaded.ModelSpec.Layers) != len(checkpoint.ModelSpec.Layers) {
		t.Errorf("model spec not restored")
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("loaded checkpoint failed validation: %v", err)
	}

	// no temporary files remain next to the checkpoint
	entries, err := afero.ReadDir(fs, "/models")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the checkpoint file, found %d entries", len(entries))
	}
}

func TestCheckpointOverwrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	saver := NewCheckpointSaver(fs, FormatJSON)
	checkpoint := tinyCheckpoint(t)
	path := "/models/best_model.json"

	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatal(err)
	}
	checkpoint.TrainingState.BestEpoch = 9
	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.TrainingState.BestEpoch != 9 {
		t.Errorf("expected overwritten checkpoint, best epoch %d", loaded.TrainingState.BestEpoch)
	}
}

func TestCheckpointFormatString(t *testing.T) {
	tests := []struct {
		format   CheckpointFormat
		expected string
	}{
		{FormatJSON, "JSON"},
		{FormatONNX, "ONNX"},
		{CheckpointFormat(999), "Unknown"},
	}

	for _, test := range tests {
		if result := test.format.String(); result != test.expected {
			t.Errorf("Expected %s, got %s", test.expected, result)
		}
	}
}

func TestFormatForPath(t *testing.T) {
	if FormatForPath("model.onnx") != FormatONNX || FormatForPath("MODEL.ONNX") != FormatONNX {
		t.Error("expected ONNX for .onnx files")
	}
	if FormatForPath("best_model.json") != FormatJSON || FormatForPath("model") != FormatJSON {
		t.Error("expected JSON for everything else")
	}
}

func TestUnsupportedCheckpointFormat(t *testing.T) {
	saver := NewCheckpointSaver(afero.NewMemMapFs(), CheckpointFormat(999))

	err := saver.SaveCheckpoint(&Checkpoint{}, "/test.unknown")
	if err == nil || !strings.Contains(err.Error(), "unsupported checkpoint format") {
		t.Errorf("Expected unsupported format error, got %v", err)
	}

	_, err = saver.LoadCheckpoint("/test.unknown")
	if err == nil || !strings.Contains(err.Error(), "unsupported checkpoint format") {
		t.Errorf("Expected unsupported format error, got %v", err)
	}
}

func TestJSONLoadFileErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	saver := NewCheckpointSaver(fs, FormatJSON)

	if _, err := saver.LoadCheckpoint("/does/not/exist.json"); err == nil {
		t.Error("Expected error when loading non-existent file")
	}

	if err := afero.WriteFile(fs, "/bad.json", []byte("{invalid json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := saver.LoadCheckpoint("/bad.json"); err == nil {
		t.Error("Expected error when loading invalid JSON")
	}
}

func TestJSONSaveReadOnlyFs(t *testing.T) {
	saver := NewCheckpointSaver(afero.NewReadOnlyFs(afero.NewMemMapFs()), FormatJSON)
	if err := saver.SaveCheckpoint(tinyCheckpoint(t), "/models/best_model.json"); err == nil {
		t.Error("Expected error when saving to a read-only filesystem")
	}
}

func TestCheckpointMetadataDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	checkpoint := tinyCheckpoint(t)
	checkpoint.Metadata = CheckpointMetadata{}

	saver := NewCheckpointSaver(fs, FormatJSON)
	if err := saver.SaveCheckpoint(checkpoint, "/cp.json"); err != nil {
		t.Fatal(err)
	}
	if checkpoint.Metadata.Framework != Framework {
		t.Errorf("Expected framework %q, got %q", Framework, checkpoint.Metadata.Framework)
	}
	if checkpoint.Metadata.Version != Version {
		t.Errorf("Expected version %q, got %q", Version, checkpoint.Metadata.Version)
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}
}

func TestCheckpointValidate(t *testing.T) {
	checkpoint := tinyCheckpoint(t)
	if err := checkpoint.Validate(); err != nil {
		t.Fatalf("valid checkpoint rejected: %v", err)
	}

	missing := tinyCheckpoint(t)
	missing.Weights = missing.Weights[1:]
	if err := missing.Validate(); err == nil || !strings.Contains(err.Error(), "missing tensor") {
		t.Errorf("expected missing tensor error, got %v", err)
	}

	short := tinyCheckpoint(t)
	short.Weights[0].Data = short.Weights[0].Data[:1]
	if err := short.Validate(); err == nil {
		t.Error("expected size mismatch error")
	}

	if err := (&Checkpoint{}).Validate(); err == nil {
		t.Error("expected error for checkpoint without model spec")
	}
}

func TestWeightsFromSpec(t *testing.T) {
	model := tinyModel(t)
	if _, err := WeightsFromSpec(model, map[string][]float32{}); err == nil {
		t.Error("expected error for missing values")
	}

	checkpoint := tinyCheckpoint(t)
	names := []string{
		"conv.weight", "conv.bias",
		"bn.weight", "bn.bias", "bn.running_mean", "bn.running_var",
		"predictions.weight", "predictions.bias",
	}
	if len(checkpoint.Weights) != len(names) {
		t.Fatalf("expected %d tensors, got %d", len(names), len(checkpoint.Weights))
	}
	for i, name := range names {
		if checkpoint.Weights[i].Name != name {
			t.Errorf("tensor %d: got %s, want %s", i, checkpoint.Weights[i].Name, name)
		}
	}
	if w := checkpoint.Weights[4]; w.Layer != "bn" || w.Type != "running_mean" {
		t.Errorf("unexpected annotation %s/%s", w.Layer, w.Type)
	}
	if w := checkpoint.Weights[6]; len(w.Shape) != 2 || w.Shape[0] != 4 || w.Shape[1] != 1 {
		t.Errorf("dense weight shape %v, want [4 1]", w.Shape)
	}
}

func TestONNXExport(t *testing.T) {
	checkpoint := tinyCheckpoint(t)
	data, err := NewONNXExporter().Encode(checkpoint)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	model, err := ParseONNX(data)
	if err != nil {
		t.Fatalf("ParseONNX: %v", err)
	}
	if model.IRVersion != ONNXIRVersion || model.Opset != ONNXOpset {
		t.Errorf("got IR %d opset %d", model.IRVersion, model.Opset)
	}
	if model.ProducerName != ONNXProducer {
		t.Errorf("producer %q", model.ProducerName)
	}
	if model.Metadata["run_id"] != "20240501_120000" {
		t.Errorf("run id metadata %q", model.Metadata["run_id"])
	}

	if len(model.Inputs) != 1 || model.Inputs[0].Name != InputName {
		t.Fatalf("unexpected inputs %+v", model.Inputs)
	}
	wantIn := []int64{-1, 8, 8, 3}
	for i, d := range wantIn {
		if model.Inputs[0].Dims[i] != d {
			t.Errorf("input dims %v, want %v", model.Inputs[0].Dims, wantIn)
			break
		}
	}
	if len(model.Outputs) != 1 || model.Outputs[0].Name != OutputName {
		t.Fatalf("unexpected outputs %+v", model.Outputs)
	}
	if dims := model.Outputs[0].Dims; len(dims) != 2 || dims[0] != -1 || dims[1] != 1 {
		t.Errorf("output dims %v", dims)
	}

	if model.Nodes[0].OpType != "Transpose" {
		t.Errorf("first node %s, want Transpose", model.Nodes[0].OpType)
	}
	perm := model.Nodes[0].Attributes["perm"].Ints
	if len(perm) != 4 || perm[1] != 3 {
		t.Errorf("transpose perm %v", perm)
	}
	last := model.Nodes[len(model.Nodes)-1]
	if last.OpType != "Sigmoid" || last.Outputs[0] != OutputName {
		t.Errorf("last node %s -> %v", last.OpType, last.Outputs)
	}
	if _, ok := model.Node("Dropout"); ok {
		t.Error("dropout must not be exported")
	}

	conv, ok := model.Node("Conv")
	if !ok {
		t.Fatal("no Conv node")
	}
	if pads := conv.Attributes["pads"].Ints; len(pads) != 4 || pads[0] != 1 {
		t.Errorf("conv pads %v", pads)
	}
	bn, _ := model.Node("BatchNormalization")
	if eps := bn.Attributes["epsilon"].F; math.Abs(float64(eps)-1e-3) > 1e-9 {
		t.Errorf("epsilon %v", eps)
	}
	if bn.Attributes["epsilon"].Type != attrFloat {
		t.Errorf("attribute type not recorded")
	}
	sm, _ := model.Node("Gemm")
	if len(sm.Inputs) != 3 || sm.Inputs[1] != "predictions.weight" {
		t.Errorf("gemm inputs %v", sm.Inputs)
	}

	casts := 0
	for _, n := range model.Nodes {
		if n.OpType == "Cast" {
			casts++
			if n.Attributes["to"].I != onnxFloat {
				t.Errorf("cast %s to %d", n.Name, n.Attributes["to"].I)
			}
		}
	}
	if casts != len(checkpoint.Weights) {
		t.Errorf("expected %d casts, got %d", len(checkpoint.Weights), casts)
	}

	for _, init := range model.Initializers {
		if strings.HasSuffix(init.Name, fp16Suffix) && init.DataType != onnxFloat16 {
			t.Errorf("%s stored as type %d", init.Name, init.DataType)
		}
	}
}

func TestONNXExportDeterministic(t *testing.T) {
	a, err := NewONNXExporter().Encode(tinyCheckpoint(t))
	if err != nil {
		t.Fatal(err)
	}
	exporter := NewONNXExporter()
	b, err := exporter.Encode(tinyCheckpoint(t))
	if err != nil {
		t.Fatal(err)
	}
	c, err := exporter.Encode(tinyCheckpoint(t))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) || !bytes.Equal(b, c) {
		t.Error("ONNX output differs between identical checkpoints")
	}
}

func TestONNXExportMissingWeight(t *testing.T) {
	checkpoint := tinyCheckpoint(t)
	checkpoint.Weights = checkpoint.Weights[:2]
	if _, err := NewONNXExporter().Encode(checkpoint); err == nil {
		t.Error("expected error for missing weights")
	}
	if _, err := NewONNXExporter().Encode(&Checkpoint{}); err == nil {
		t.Error("expected error for checkpoint without model spec")
	}
}

func TestONNXWeightsRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	checkpoint := tinyCheckpoint(t)
	saver := NewCheckpointSaver(fs, FormatONNX)
	if err := saver.SaveCheckpoint(checkpoint, "/export/model.onnx"); err != nil {
		t.Fatalf("save ONNX: %v", err)
	}

	weights, err := NewONNXImporter().ImportWeights(fs, "/export/model.onnx")
	if err != nil {
		t.Fatalf("ImportWeights: %v", err)
	}
	imported := map[string]WeightTensor{}
	for _, w := range weights {
		imported[w.Name] = w
	}
	for _, orig := range checkpoint.Weights {
		w, ok := imported[orig.Name]
		if !ok {
			t.Errorf("weight %s not imported", orig.Name)
			continue
		}
		if w.Layer != orig.Layer || w.Type != orig.Type {
			t.Errorf("%s: annotation %s/%s", orig.Name, w.Layer, w.Type)
		}
		for i := range orig.Data {
			if d := math.Abs(float64(w.Data[i] - orig.Data[i])); d > 1e-3 {
				t.Fatalf("%s[%d] = %v, want %v", orig.Name, i, w.Data[i], orig.Data[i])
			}
		}
	}
	if scale, ok := imported["rescaling_scale"]; !ok || math.Abs(float64(scale.Data[0])-1.0/255) > 1e-9 {
		t.Errorf("rescaling constant not kept at full precision: %+v", scale)
	}

	loaded, err := saver.LoadCheckpoint("/export/model.onnx")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ModelSpec != nil || loaded.Metadata.RunID != "20240501_120000" {
		t.Errorf("unexpected ONNX checkpoint %+v", loaded.Metadata)
	}
}

func TestONNXImportFileErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	importer := NewONNXImporter()
	if _, err := importer.ImportWeights(fs, "/missing.onnx"); err == nil {
		t.Error("expected error for missing file")
	}
	if err := afero.WriteFile(fs, "/bad.onnx", []byte{0xff, 0xff, 0xff}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := importer.ImportWeights(fs, "/bad.onnx"); err == nil {
		t.Error("expected error for malformed file")
	}
}
