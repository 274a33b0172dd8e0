// Package preprocessing decodes images into fixed-size HWC tensors and
// applies training-time augmentation.
package preprocessing
