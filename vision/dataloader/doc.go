// Package dataloader turns indexed samples into lazy, per-epoch streams of
// preprocessed batches with shuffling, augmentation and prefetch.
package dataloader
