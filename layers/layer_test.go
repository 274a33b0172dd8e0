package layers

import (
	"encoding/json"
	"strings"
	"testing"
)

func buildSmallModel(t *testing.T) *ModelSpec {
	t.Helper()
	model, err := NewModelBuilder("small", []int{-1, 3, 32, 32}).
		InGroup(GroupBackbone).
		AddRescaling(1.0/255, 0, "rescale").
		AddConv2D(8, 3, 1, 1, true, "conv1").
		AddBatchNorm(1e-3, 0.99, "bn1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		InGroup(GroupHead).
		AddGlobalAveragePool("gap").
		AddDropout(0.2, "drop").
		AddDense(1, true, "predictions").
		AddSigmoid("predictions_sigmoid").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	return model
}

func TestCompileShapes(t *testing.T) {
	model := buildSmallModel(t)

	tests := []struct {
		name string
		want []int
	}{
		{"rescale", []int{-1, 3, 32, 32}},
		{"conv1", []int{-1, 8, 32, 32}},
		{"bn1", []int{-1, 8, 32, 32}},
		{"pool1", []int{-1, 8, 16, 16}},
		{"gap", []int{-1, 8}},
		{"predictions", []int{-1, 1}},
	}
	for _, tt := range tests {
		l, ok := model.Layer(tt.name)
		if !ok {
			t.Fatalf("layer %s missing", tt.name)
		}
		if len(l.OutputShape) != len(tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, l.OutputShape, tt.want)
			continue
		}
		for i := range tt.want {
			if l.OutputShape[i] != tt.want[i] {
				t.Errorf("%s: got %v, want %v", tt.name, l.OutputShape, tt.want)
				break
			}
		}
	}
	if model.OutputUnits() != 1 {
		t.Errorf("expected 1 output unit, got %d", model.OutputUnits())
	}
}

func TestCompileParameterCounts(t *testing.T) {
	model := buildSmallModel(t)

	// conv: 8*3*3*3 + 8, bn: 2*8, dense: 8*1 + 1
	wantParams := int64(8*3*3*3+8) + 16 + 9
	if model.TotalParameters != wantParams {
		t.Errorf("expected %d parameters, got %d", wantParams, model.TotalParameters)
	}
	if model.TotalBuffers != 16 {
		t.Errorf("expected 16 buffer values, got %d", model.TotalBuffers)
	}
	if len(model.ParameterShapes) != 6 {
		t.Errorf("expected 6 parameter tensors, got %d", len(model.ParameterShapes))
	}
	if model.TrainableParameters() != wantParams {
		t.Errorf("all layers should start trainable")
	}
	if model.NonTrainableParameters() != 16 {
		t.Errorf("expected buffers as non-trainable, got %d", model.NonTrainableParameters())
	}
}

func TestParameterNames(t *testing.T) {
	model := buildSmallModel(t)
	conv, _ := model.Layer("conv1")
	if got := conv.ParameterNames(); len(got) != 2 || got[0] != "conv1.weight" || got[1] != "conv1.bias" {
		t.Errorf("unexpected conv names %v", got)
	}
	bn, _ := model.Layer("bn1")
	if got := bn.BufferNames(); len(got) != 2 || got[0] != "bn1.running_mean" || got[1] != "bn1.running_var" {
		t.Errorf("unexpected bn buffers %v", got)
	}
	relu, _ := model.Layer("relu1")
	if relu.ParameterNames() != nil {
		t.Errorf("relu has no parameters")
	}
}

func TestFreezeGroup(t *testing.T) {
	model := buildSmallModel(t)
	model.FreezeGroup(GroupBackbone, 2)

	want := map[string]bool{
		"rescale": false, "conv1": false, "bn1": false,
		"relu1": true, "pool1": true,
		"gap": true, "predictions": true,
	}
	for name, trainable := range want {
		l, _ := model.Layer(name)
		if l.Trainable != trainable {
			t.Errorf("%s: trainable=%v, want %v", name, l.Trainable, trainable)
		}
	}
	if model.TrainableParameters() != 9 {
		t.Errorf("expected only the dense layer trainable, got %d", model.TrainableParameters())
	}

	model.FreezeGroup(GroupBackbone, 100)
	if l, _ := model.Layer("conv1"); !l.Trainable {
		t.Errorf("keepLast larger than the group must unfreeze everything")
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := NewModelBuilder("empty", []int{1, 3, 8, 8}).Compile(); err == nil {
		t.Errorf("expected error for empty model")
	}
	if _, err := NewModelBuilder("dense", []int{1, 3, 8, 8}).AddDense(2, true, "d").Compile(); err == nil {
		t.Errorf("expected error for dense on 4D input")
	}
	if _, err := NewModelBuilder("dup", []int{1, 3, 8, 8}).AddReLU("a").AddReLU("a").Compile(); err == nil {
		t.Errorf("expected error for duplicate names")
	}
	if _, err := NewModelBuilder("tiny", []int{1, 3, 2, 2}).AddConv2D(4, 3, 1, 0, true, "c").Compile(); err == nil {
		t.Errorf("expected error for kernel larger than input")
	}
	if _, err := NewModelBuilder("pool", []int{1, 3, 1, 1}).AddMaxPool2D(2, 2, "p").Compile(); err == nil {
		t.Errorf("expected error for pool window larger than input")
	}
	if _, err := NewModelBuilder("strided", []int{1, 3, 2, 2}).AddConv2D(4, 5, 2, 1, true, "c").Compile(); err == nil {
		t.Errorf("expected error for strided kernel larger than padded input")
	}
}

func TestRecompileAfterJSONRoundTrip(t *testing.T) {
	model := buildSmallModel(t)
	raw, err := json.Marshal(model)
	if err != nil {
		t.Fatal(err)
	}
	var back ModelSpec
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if err := back.Recompile(); err != nil {
		t.Fatalf("Recompile: %v", err)
	}
	if back.TotalParameters != model.TotalParameters {
		t.Errorf("parameter count changed: %d vs %d", back.TotalParameters, model.TotalParameters)
	}
	conv, _ := back.Layer("conv1")
	if GetIntParam(conv.Parameters, "kernel_size", 0) != 3 {
		t.Errorf("kernel size lost in round trip")
	}
	if GetFloatParam(back.Layers[0].Parameters, "scale", 0) != float32(1.0/255) {
		t.Errorf("rescale factor lost in round trip")
	}
}

func TestSummary(t *testing.T) {
	model := buildSmallModel(t)
	s := model.Summary()
	for _, want := range []string{`Model: "small"`, "conv1 (Conv2D)", "(None, 8, 32, 32)", "Total params:", "Trainable params:"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
	if (&ModelSpec{}).Summary() != "Model not compiled" {
		t.Errorf("unexpected summary for uncompiled model")
	}
}

func TestLayerTypeString(t *testing.T) {
	if GlobalAveragePool.String() != "GlobalAveragePool" || LayerType(99).String() != "Unknown" {
		t.Errorf("unexpected layer type names")
	}
}
