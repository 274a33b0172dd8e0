package training

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/cardvision/cardback/checkpoints"
	"github.com/cardvision/cardback/config"
	"github.com/cardvision/cardback/device"
	"github.com/cardvision/cardback/engine"
	"github.com/cardvision/cardback/models"
	"github.com/cardvision/cardback/registry"
	"github.com/cardvision/cardback/vision/dataloader"
	"github.com/cardvision/cardback/vision/dataset"
	"github.com/cardvision/cardback/vision/preprocessing"
)

// RunOptions carries the environment of a run.
type RunOptions struct {
	Fs       afero.Fs
	Log      *zap.Logger
	Progress io.Writer
	// Now stamps the run id; defaults to time.Now.
	Now func() time.Time
	// SkipRegistry leaves the run registry untouched.
	SkipRegistry bool
}

// RunResult describes a finished run.
type RunResult struct {
	ID         string
	State      State
	Trail      []State
	Fit        *FitResult
	Evaluation EvaluationResult
	Paths      ArtifactPaths
	Checkpoint string
	Device     device.Info
}

// Run executes the whole training pipeline: index both splits, build the
// streams and the model, fit, evaluate and persist the artifact set. A
// failure at any step leaves no artifact set behind.
func Run(ctx context.Context, cfg config.Config, opts RunOptions) (*RunResult, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	lifecycle := NewLifecycle(log)

	result, err := run(ctx, cfg, opts, lifecycle)
	if err != nil {
		lifecycle.Fail()
		log.Error("training run failed", zap.Stringer("state", lifecycle.State()), zap.Error(err))
		return nil, err
	}
	result.State = lifecycle.State()
	result.Trail = lifecycle.Trail()
	return result, nil
}

func run(ctx context.Context, cfg config.Config, opts RunOptions, lifecycle *Lifecycle) (*RunResult, error) {
	log := opts.Log

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	arch, err := models.FromModelType(cfg.ModelType)
	if err != nil {
		return nil, err
	}
	id := NewRunID(opts.Now())
	log = log.With(zap.String("run", id))

	info := device.Detect(log)
	workers := cfg.Workers
	if workers <= 0 {
		workers = info.Workers()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = opts.Now().UnixNano()
	}

	trainSamples, err := dataset.Index(opts.Fs, cfg.DataDir, dataset.Train, log)
	if err != nil {
		return nil, err
	}
	valSamples, err := dataset.Index(opts.Fs, cfg.DataDir, dataset.Validation, log)
	if err != nil {
		return nil, err
	}
	if trainSamples.Len() == 0 {
		return nil, errors.Errorf("no training images under %s", filepath.Join(cfg.DataDir, dataset.Train.String()))
	}
	if valSamples.Len() == 0 {
		return nil, errors.Errorf("no validation images under %s", filepath.Join(cfg.DataDir, dataset.Validation.String()))
	}
	classWeights := dataloader.ClassWeights(trainSamples.Counts())
	log.Info("indexed dataset",
		zap.Stringer("train", trainSamples),
		zap.Stringer("validation", valSamples),
		zap.Any("class_weights", classWeights))

	train, val, err := buildStreams(opts.Fs, cfg, trainSamples, valSamples, workers, seed, log)
	if err != nil {
		return nil, err
	}

	spec, err := models.Build(arch, models.Options{
		Height:          cfg.Height(),
		Width:           cfg.Width(),
		NumClasses:      len(dataset.ClassNames),
		TrainableLayers: cfg.TrainableLayers,
	})
	if err != nil {
		return nil, err
	}
	tc := engine.DefaultTrainingConfig()
	tc.LearningRate = float32(cfg.LearningRate)
	tc.Seed = seed
	tc.UseCUDA = info.Kind == device.GPU
	eng, err := engine.NewModelTrainingEngine(spec, tc, log)
	if err != nil {
		return nil, err
	}
	defer eng.Cleanup()

	if MissingBackboneWeights(cfg) {
		log.Warn("no backbone weights configured, backbone starts from random initialization")
	} else if arch == models.Transfer && cfg.ResumeFrom == "" {
		if _, err := eng.LoadBackboneWeights(opts.Fs, cfg.BackboneWeights); err != nil {
			return nil, err
		}
	}
	if cfg.ResumeFrom != "" {
		if err := resume(opts.Fs, eng, cfg.ResumeFrom, log); err != nil {
			return nil, err
		}
	}
	if opts.Progress != nil {
		io.WriteString(opts.Progress, spec.Summary()+"\n")
	}

	ckpt := NewCheckpointManager(opts.Fs, filepath.Join(cfg.ModelDir, BestCheckpointName), id, log)
	trainer := NewTrainer(eng, TrainerConfig{
		Epochs:       cfg.Epochs,
		LearningRate: cfg.LearningRate,
		ClassWeights: classWeights,
		Progress:     opts.Progress,
	}, NewController(ControllerConfigFrom(cfg)), ckpt, lifecycle, log)
	if err := trainer.Compile(); err != nil {
		return nil, err
	}
	fit, err := trainer.Fit(ctx, train, val)
	if err != nil {
		return nil, err
	}

	evaluation, err := Evaluate(context.WithoutCancel(ctx), eng, val)
	if err != nil {
		return nil, errors.Wrap(err, "evaluating model")
	}
	if err := lifecycle.To(Evaluated); err != nil {
		return nil, err
	}
	log.Info("evaluation",
		zap.Float64("val_loss", evaluation.ValLoss),
		zap.Float64("val_accuracy", evaluation.ValAccuracy),
		zap.Float64("val_precision", evaluation.ValPrecision),
		zap.Float64("val_recall", evaluation.ValRecall),
		zap.Float64("f1_score", evaluation.F1Score))

	snapshot, err := eng.Checkpoint(checkpoints.TrainingState{
		Epoch:        fit.History.Len(),
		BestLoss:     float32(fit.BestLoss),
		BestAccuracy: float32(evaluation.ValAccuracy),
		BestEpoch:    fit.BestEpoch,
	})
	if err != nil {
		return nil, err
	}
	snapshot.Metadata = checkpoints.CheckpointMetadata{
		Version:     checkpoints.Version,
		Framework:   checkpoints.Framework,
		CreatedAt:   opts.Now(),
		RunID:       id,
		Description: fit.Reason,
		Tags:        []string{string(cfg.ModelType), fit.Outcome.String()},
	}

	store := NewArtifactStore(opts.Fs, cfg.ModelDir, log)
	paths, err := store.Persist(RunArtifacts{
		ID:         id,
		Model:      snapshot,
		Config:     cfg,
		History:    fit.History,
		Evaluation: evaluation,
		Plot:       cfg.PlotHistory,
	})
	if err != nil {
		return nil, err
	}
	if err := lifecycle.To(Persisted); err != nil {
		return nil, err
	}

	if !opts.SkipRegistry {
		recordRun(ctx, cfg, id, fit, evaluation, paths, log)
	}
	return &RunResult{
		ID:         id,
		Fit:        fit,
		Evaluation: evaluation,
		Paths:      paths,
		Checkpoint: ckpt.Path(),
		Device:     info,
	}, nil
}

// MissingBackboneWeights reports whether cfg selects the transfer
// architecture with neither backbone weights nor a checkpoint to resume
// from. The backbone then trains from random initialization.
func MissingBackboneWeights(cfg config.Config) bool {
	arch, err := models.FromModelType(cfg.ModelType)
	return err == nil && arch == models.Transfer && cfg.BackboneWeights == "" && cfg.ResumeFrom == ""
}

// resume restores weights and optimizer state from a saved checkpoint.
func resume(fs afero.Fs, eng *engine.ModelTrainingEngine, path string, log *zap.Logger) error {
	cp, err := checkpoints.NewCheckpointSaver(fs, checkpoints.FormatForPath(path)).LoadCheckpoint(path)
	if err != nil {
		return errors.Wrapf(err, "loading checkpoint to resume from %s", path)
	}
	if err := eng.Restore(cp); err != nil {
		return errors.Wrapf(err, "resuming from %s", path)
	}
	log.Info("resumed from checkpoint",
		zap.String("path", path),
		zap.Int("step", cp.TrainingState.Step),
		zap.String("source_run", cp.Metadata.RunID))
	return nil
}

func buildStreams(fs afero.Fs, cfg config.Config, trainSamples, valSamples *dataset.Samples, workers int, seed int64, log *zap.Logger) (Stream, Stream, error) {
	processor := preprocessing.NewImageProcessor(fs, cfg.Height(), cfg.Width())
	cache, err := dataloader.NewCacheManager(cfg.CacheSize)
	if err != nil {
		return nil, nil, err
	}
	var augmenter *preprocessing.Augmenter
	if cfg.UseAugmentation {
		augmenter = preprocessing.NewAugmenter(preprocessing.DefaultAugmentConfig())
	}

	trainLoader, err := dataloader.NewDataLoader(trainSamples, processor, dataloader.Config{
		BatchSize:     cfg.BatchSize,
		Shuffle:       true,
		ShuffleBuffer: cfg.ShuffleBuffer,
		Prefetch:      cfg.Prefetch,
		NumWorkers:    workers,
		Seed:          seed,
		Augmenter:     augmenter,
		CacheManager:  cache,
	}, log.Named("train"))
	if err != nil {
		return nil, nil, err
	}
	valLoader, err := dataloader.NewDataLoader(valSamples, processor, dataloader.Config{
		BatchSize:    cfg.BatchSize,
		Prefetch:     cfg.Prefetch,
		NumWorkers:   workers,
		Seed:         seed,
		CacheManager: cache,
	}, log.Named("validation"))
	if err != nil {
		return nil, nil, err
	}
	return FromLoader(trainLoader), FromLoader(valLoader), nil
}

// recordRun stores the run in the registry. The artifacts are already on
// disk, so failures are only logged.
func recordRun(ctx context.Context, cfg config.Config, id string, fit *FitResult, ev EvaluationResult, paths ArtifactPaths, log *zap.Logger) {
	reg, err := registry.Open(cfg.RegistryFile(), log)
	if err != nil {
		log.Warn("run registry unavailable", zap.Error(err))
		return
	}
	defer reg.Close()

	err = reg.RecordRun(ctx, registry.Run{
		ID:             id,
		ModelType:      string(cfg.ModelType),
		Outcome:        fit.Outcome.String(),
		ModelPath:      paths.Model,
		ConfigPath:     paths.Config,
		HistoryPath:    paths.History,
		EvaluationPath: paths.Evaluation,
		PlotPath:       paths.Plot,
		Epochs:         fit.History.Len(),
		BestEpoch:      fit.BestEpoch,
		ValLoss:        ev.ValLoss,
		ValAccuracy:    ev.ValAccuracy,
		ValPrecision:   ev.ValPrecision,
		ValRecall:      ev.ValRecall,
		F1Score:        ev.F1Score,
	})
	if err != nil {
		log.Warn("failed to record run", zap.Error(err))
	}
}
