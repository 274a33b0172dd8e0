// Package models builds the three classifier architectures as layer
// specifications.
package models

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/cardvision/cardback/config"
	"github.com/cardvision/cardback/layers"
)

// Architecture is the tagged variant selecting a network family.
type Architecture int

const (
	// Transfer is a pretrained-style convolutional backbone with a small head.
	Transfer Architecture = iota
	// Compact is a four-block convolutional network with a light head.
	Compact
	// CustomDeep is a wider four-block network with heavier dropout.
	CustomDeep
)

func (a Architecture) String() string {
	switch a {
	case Transfer:
		return string(config.ModelMobileNet)
	case Compact:
		return string(config.ModelEfficient)
	case CustomDeep:
		return string(config.ModelCustom)
	default:
		return "unknown"
	}
}

// ParseArchitecture maps a configured model type to its architecture.
func ParseArchitecture(s string) (Architecture, error) {
	mt, err := config.ParseModelType(s)
	if err != nil {
		return 0, err
	}
	return FromModelType(mt)
}

// FromModelType maps a validated model type to its architecture.
func FromModelType(mt config.ModelType) (Architecture, error) {
	switch mt {
	case config.ModelMobileNet:
		return Transfer, nil
	case config.ModelEfficient:
		return Compact, nil
	case config.ModelCustom:
		return CustomDeep, nil
	default:
		return 0, errors.Wrapf(config.ErrUnsupportedModelType, "%q", mt)
	}
}

// Options parameterise Build.
type Options struct {
	Height     int
	Width      int
	NumClasses int
	// TrainableLayers is the number of trailing backbone layers left
	// trainable in the Transfer architecture.
	TrainableLayers int
}

// OutputLayer names the final dense layer of every architecture.
const OutputLayer = "predictions"

// ModelName is the name every architecture is registered under.
const ModelName = "foreigner_card_classifier"

// Build returns the compiled specification of arch. The network takes a
// [batch, 3, height, width] input with pixel values in [0, 255] or [0, 1]
// and ends in a single sigmoid unit when NumClasses is 2, or NumClasses
// softmax units otherwise.
func Build(arch Architecture, opts Options) (*layers.ModelSpec, error) {
	if opts.Height <= 0 || opts.Width <= 0 {
		return nil, errors.Errorf("input size must be positive, got %dx%d", opts.Height, opts.Width)
	}
	if opts.NumClasses < 2 {
		return nil, errors.Errorf("need at least 2 classes, got %d", opts.NumClasses)
	}

	mb := layers.NewModelBuilder(ModelName, []int{-1, 3, opts.Height, opts.Width})
	switch arch {
	case Transfer:
		addTransfer(mb)
	case Compact:
		addCompact(mb)
	case CustomDeep:
		addCustomDeep(mb)
	default:
		return nil, errors.Wrapf(config.ErrUnsupportedModelType, "architecture %d", arch)
	}
	addOutput(mb, opts.NumClasses)

	spec, err := mb.Compile()
	if err != nil {
		return nil, errors.Wrapf(err, "compiling %s for a %dx%d input", arch, opts.Height, opts.Width)
	}
	if arch == Transfer {
		spec.FreezeGroup(layers.GroupBackbone, opts.TrainableLayers)
	}
	return spec, nil
}

func addOutput(mb *layers.ModelBuilder, numClasses int) {
	if numClasses == 2 {
		mb.AddDense(1, true, OutputLayer).AddSigmoid(OutputLayer + "_sigmoid")
		return
	}
	mb.AddDense(numClasses, true, OutputLayer).AddSoftmax(OutputLayer + "_softmax")
}

// addCompact: rescale, four conv-BN-ReLU-pool blocks of 16..128 filters,
// global pooling and a 64-unit head.
func addCompact(mb *layers.ModelBuilder) {
	mb.InGroup(layers.GroupBackbone).AddRescaling(1.0/255, 0, "rescaling")
	for i, filters := range []int{16, 32, 64, 128} {
		block := fmt.Sprintf("block%d", i+1)
		mb.AddConv2D(filters, 3, 1, 1, true, block+"_conv").
			AddBatchNorm(1e-3, 0.99, block+"_bn").
			AddReLU(block+"_relu").
			AddMaxPool2D(2, 2, block+"_pool")
	}
	mb.InGroup(layers.GroupHead).
		AddGlobalAveragePool("global_average_pooling").
		AddDropout(0.2, "dropout_1").
		AddDense(64, true, "dense_1").
		AddReLU("dense_1_relu").
		AddDropout(0.2, "dropout_2")
}

// addCustomDeep: four valid-padded conv-ReLU-BN-pool blocks of 32..256
// filters, global pooling and a 128-unit head with heavier dropout.
func addCustomDeep(mb *layers.ModelBuilder) {
	mb.InGroup(layers.GroupBackbone)
	for i, filters := range []int{32, 64, 128, 256} {
		block := fmt.Sprintf("block%d", i+1)
		mb.AddConv2D(filters, 3, 1, 0, true, block+"_conv").
			AddReLU(block+"_relu").
			AddBatchNorm(1e-3, 0.99, block+"_bn").
			AddMaxPool2D(2, 2, block+"_pool")
	}
	mb.InGroup(layers.GroupHead).
		AddGlobalAveragePool("global_average_pooling").
		AddDropout(0.5, "dropout_1").
		AddDense(128, true, "dense_1").
		AddReLU("dense_1_relu").
		AddDropout(0.3, "dropout_2")
}

// transferStages lists the backbone stages after the stem: filters and stride.
var transferStages = []struct{ filters, stride int }{
	{64, 1}, {128, 2}, {128, 1}, {256, 2}, {256, 1}, {512, 2}, {512, 1},
}

// addTransfer: inputs scaled to [-1, 1], a strided stem and seven
// conv-BN-ReLU stages, then a 128-unit head.
func addTransfer(mb *layers.ModelBuilder) {
	mb.InGroup(layers.GroupBackbone).
		AddRescaling(2, -1, "backbone_rescaling").
		AddConv2D(32, 3, 2, 1, false, "stem_conv").
		AddBatchNorm(1e-3, 0.999, "stem_bn").
		AddReLU("stem_relu")
	for i, st := range transferStages {
		block := fmt.Sprintf("stage%d", i+1)
		mb.AddConv2D(st.filters, 3, st.stride, 1, false, block+"_conv").
			AddBatchNorm(1e-3, 0.999, block+"_bn").
			AddReLU(block + "_relu")
	}
	mb.InGroup(layers.GroupHead).
		AddGlobalAveragePool("global_average_pooling").
		AddDropout(0.2, "dropout_1").
		AddDense(128, true, "dense_1").
		AddReLU("dense_1_relu").
		AddDropout(0.2, "dropout_2")
}
