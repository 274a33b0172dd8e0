package dataloader

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cardvision/cardback/logging"
	"github.com/cardvision/cardback/vision/preprocessing"
)

// MinShuffleBuffer is the smallest shuffle window used for training streams.
const MinShuffleBuffer = 1000

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int
	// Shuffle enables the streaming shuffle buffer. Training streams shuffle,
	// validation streams keep dataset order.
	Shuffle       bool
	ShuffleBuffer int
	// Prefetch is the number of finished batches buffered ahead of the consumer.
	Prefetch   int
	NumWorkers int // Number of parallel workers for preprocessing
	Seed       int64
	// Augmenter, when set, is applied per sample after the cache.
	Augmenter    *preprocessing.Augmenter
	CacheManager *CacheManager // Optional shared cache manager
}

// Batch is one fully materialised group of samples.
type Batch struct {
	Images   []float32 // Size×Height×Width×3, NHWC
	Labels   []int
	Paths    []string
	Size     int
	Height   int
	Width    int
	Channels int
}

// DataLoader produces per-epoch streams of preprocessed batches
type DataLoader struct {
	dataset   Dataset
	processor *preprocessing.ImageProcessor
	config    Config
	log       *zap.Logger

	mu    sync.Mutex
	epoch int64
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, processor *preprocessing.ImageProcessor, config Config, log *zap.Logger) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Prefetch < 1 {
		config.Prefetch = 1
	}
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}
	if config.Shuffle && config.ShuffleBuffer < MinShuffleBuffer {
		config.ShuffleBuffer = MinShuffleBuffer
	}
	if config.Seed == 0 {
		config.Seed = time.Now().UnixNano()
	}
	return &DataLoader{
		dataset:   dataset,
		processor: processor,
		config:    config,
		log:       logging.OrNop(log),
	}, nil
}

// Len returns the number of samples per epoch.
func (dl *DataLoader) Len() int {
	return dl.dataset.Len()
}

// StepsPerEpoch returns the number of batches per epoch; the last may be partial.
func (dl *DataLoader) StepsPerEpoch() int {
	n := dl.dataset.Len()
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	if dl.config.CacheManager == nil {
		return "Cache: disabled"
	}
	return dl.config.CacheManager.Stats().String()
}

// Epoch starts a fresh pass over the dataset. Each call reshuffles (when
// shuffling) and redraws augmentation. The returned iterator must be
// drained or closed.
func (dl *DataLoader) Epoch(ctx context.Context) *Iterator {
	dl.mu.Lock()
	epoch := dl.epoch
	dl.epoch++
	dl.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan result, dl.config.Prefetch)
	rng := rand.New(rand.NewSource(dl.config.Seed + epoch*7919))

	go dl.produce(ctx, ch, rng)
	return &Iterator{ch: ch, cancel: cancel}
}

type result struct {
	batch *Batch
	err   error
}

func (dl *DataLoader) produce(ctx context.Context, ch chan<- result, rng *rand.Rand) {
	defer close(ch)

	n := dl.dataset.Len()
	order := make([]int, n)
	if dl.config.Shuffle {
		order = shuffleOrder(n, dl.config.ShuffleBuffer, rng)
	} else {
		for i := range order {
			order[i] = i
		}
	}

	for start := 0; start < n; start += dl.config.BatchSize {
		end := start + dl.config.BatchSize
		if end > n {
			end = n
		}
		seeds := make([]int64, end-start)
		for i := range seeds {
			seeds[i] = rng.Int63()
		}

		batch, err := dl.assemble(order[start:end], seeds)
		select {
		case ch <- result{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// shuffleOrder emulates a streaming shuffle with a window of bufferSize
// elements: the window is filled in dataset order and each output is a
// uniformly chosen window element, replaced by the next unread index.
func shuffleOrder(n, bufferSize int, rng *rand.Rand) []int {
	if bufferSize < 1 {
		bufferSize = 1
	}
	out := make([]int, 0, n)
	window := make([]int, 0, bufferSize)
	for i := 0; i < n; i++ {
		if len(window) < bufferSize {
			window = append(window, i)
			continue
		}
		j := rng.Intn(len(window))
		out = append(out, window[j])
		window[j] = i
	}
	for len(window) > 0 {
		j := rng.Intn(len(window))
		out = append(out, window[j])
		window[j] = window[len(window)-1]
		window = window[:len(window)-1]
	}
	return out
}

// assemble loads the samples at indices with a worker pool. Any failure
// fails the whole batch.
func (dl *DataLoader) assemble(indices []int, seeds []int64) (*Batch, error) {
	height, width := dl.processor.Size()
	size := len(indices)
	per := height * width * 3
	batch := &Batch{
		Images:   make([]float32, size*per),
		Labels:   make([]int, size),
		Paths:    make([]string, size),
		Size:     size,
		Height:   height,
		Width:    width,
		Channels: 3,
	}

	errs := make([]error, size)
	jobs := make(chan int, size)
	var wg sync.WaitGroup
	workers := dl.config.NumWorkers
	if workers > size {
		workers = size
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range jobs {
				path, label, err := dl.dataset.GetItem(indices[k])
				if err != nil {
					errs[k] = err
					continue
				}
				t, err := dl.load(path)
				if err != nil {
					errs[k] = err
					continue
				}
				if dl.config.Augmenter != nil {
					t = dl.config.Augmenter.Apply(t, rand.New(rand.NewSource(seeds[k])))
				}
				copy(batch.Images[k*per:(k+1)*per], t.Data)
				batch.Labels[k] = label
				batch.Paths[k] = path
			}
		}()
	}
	for k := range indices {
		jobs <- k
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// load loads an image with caching support
func (dl *DataLoader) load(path string) (*preprocessing.Tensor, error) {
	if t, ok := dl.config.CacheManager.Get(path); ok {
		return t, nil
	}
	t, err := dl.processor.Load(path)
	if err != nil {
		dl.log.Error("image preprocessing failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	dl.config.CacheManager.Put(path, t)
	return t, nil
}

// Iterator walks one epoch of batches.
type Iterator struct {
	ch     <-chan result
	cancel context.CancelFunc
	err    error
}

// Next returns the next batch, io.EOF at the end of the epoch, or the error
// that ended the stream. Once an error is returned every later call returns it.
func (it *Iterator) Next() (*Batch, error) {
	if it.err != nil {
		return nil, it.err
	}
	r, ok := <-it.ch
	if !ok {
		it.err = io.EOF
		it.cancel()
		return nil, io.EOF
	}
	if r.err != nil {
		it.err = r.err
		it.cancel()
		return nil, r.err
	}
	return r.batch, nil
}

// Close stops the producer and releases buffered batches.
func (it *Iterator) Close() {
	it.cancel()
	for range it.ch {
	}
	if it.err == nil {
		it.err = io.EOF
	}
}
