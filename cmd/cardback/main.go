// Command cardback trains, exports and runs the card-back classifier.
//
//	cardback train --config config.yaml --epochs 30
//	cardback export --model-path models/foreigner_card_classifier_20240101_120000.json
//	cardback predict --model-dir models/tfjs_model card.jpg
//	cardback runs
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/cardvision/cardback/config"
	"github.com/cardvision/cardback/export"
	"github.com/cardvision/cardback/inference"
	"github.com/cardvision/cardback/logging"
	"github.com/cardvision/cardback/registry"
	"github.com/cardvision/cardback/training"
)

type trainCmd struct {
	Config          string  `arg:"-c,--config" help:"YAML config file"`
	DataDir         string  `arg:"--data-dir" help:"dataset root with train/ and validation/"`
	ModelDir        string  `arg:"--model-dir" help:"where artifacts are written"`
	ModelType       string  `arg:"--model-type" help:"mobilenet, efficient or custom"`
	Epochs          int     `arg:"--epochs" help:"epoch budget"`
	BatchSize       int     `arg:"--batch-size"`
	LearningRate    float64 `arg:"--learning-rate"`
	ImgSize         int     `arg:"--img-size" help:"square input size in pixels"`
	NoAugmentation  bool    `arg:"--no-augmentation"`
	BackboneWeights string  `arg:"--backbone-weights" help:"pretrained backbone checkpoint"`
	Resume          string  `arg:"--resume" help:"model checkpoint to continue training from"`
	Seed            int64   `arg:"--seed"`
}

type exportCmd struct {
	ModelPath string `arg:"--model-path,required" help:"trained model artifact"`
	OutputDir string `arg:"--output-dir" help:"export directory"`
	Registry  string `arg:"--registry" help:"run registry database"`
}

type predictCmd struct {
	ModelDir    string   `arg:"--model-dir" help:"export directory"`
	LibraryPath string   `arg:"--onnxruntime" help:"onnxruntime shared library"`
	Images      []string `arg:"positional,required" help:"images to classify"`
}

type runsCmd struct {
	Registry string `arg:"--registry" help:"run registry database"`
	Limit    int    `arg:"--limit" help:"number of runs to list, 0 for all"`
}

type args struct {
	Train   *trainCmd   `arg:"subcommand:train" help:"train a model"`
	Export  *exportCmd  `arg:"subcommand:export" help:"convert a trained model for deployment"`
	Predict *predictCmd `arg:"subcommand:predict" help:"classify images with an exported model"`
	Runs    *runsCmd    `arg:"subcommand:runs" help:"list recorded training runs"`
	Debug   bool        `arg:"--debug" help:"verbose development logging"`
}

func (args) Description() string {
	return "cardback trains and ships the foreigner card back classifier"
}

func main() {
	var a args
	p := arg.MustParse(&a)

	log, err := logging.New(a.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	switch {
	case a.Train != nil:
		err = train(ctx, fs, *a.Train, a.Debug, log)
	case a.Export != nil:
		err = exportModel(ctx, fs, *a.Export, log)
	case a.Predict != nil:
		err = predict(ctx, fs, *a.Predict, log)
	case a.Runs != nil:
		err = listRuns(ctx, *a.Runs, log)
	default:
		p.Fail("missing command: train, export, predict or runs")
	}
	if err != nil {
		log.Error("command failed", zap.Error(err))
		stop()
		log.Sync()
		os.Exit(1)
	}
}

func train(ctx context.Context, fs afero.Fs, cmd trainCmd, debug bool, log *zap.Logger) error {
	cfg := config.Default()
	if cmd.Config != "" {
		loaded, err := config.Load(fs, cmd.Config)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg = cfg.WithOverrides(config.Overrides{
		DataDir:         cmd.DataDir,
		ModelDir:        cmd.ModelDir,
		ModelType:       cmd.ModelType,
		Epochs:          cmd.Epochs,
		BatchSize:       cmd.BatchSize,
		LearningRate:    cmd.LearningRate,
		ImgSize:         cmd.ImgSize,
		NoAugmentation:  cmd.NoAugmentation,
		BackboneWeights: cmd.BackboneWeights,
		ResumeFrom:      cmd.Resume,
		Seed:            cmd.Seed,
		Debug:           debug,
	})
	if cfg.Debug && !debug {
		if dev, err := logging.New(true); err == nil {
			log = dev
		}
	}

	if training.MissingBackboneWeights(cfg) {
		fmt.Fprintln(os.Stderr, "warning: model_type mobilenet without --backbone-weights trains the backbone from scratch")
	}

	res, err := training.Run(ctx, cfg, training.RunOptions{
		Fs:       fs,
		Log:      log,
		Progress: os.Stdout,
	})
	if err != nil {
		return err
	}

	ev := res.Evaluation
	fmt.Printf("\nTraining finished: %s after %d epochs (best epoch %d)\n",
		res.Fit.Outcome, res.Fit.History.Len(), res.Fit.BestEpoch)
	fmt.Printf("  val_loss      %.4f\n", ev.ValLoss)
	fmt.Printf("  val_accuracy  %.4f\n", ev.ValAccuracy)
	fmt.Printf("  val_precision %.4f\n", ev.ValPrecision)
	fmt.Printf("  val_recall    %.4f\n", ev.ValRecall)
	fmt.Printf("  f1_score      %.4f\n", ev.F1Score)
	fmt.Printf("Model saved to %s\n", res.Paths.Model)
	return nil
}

// openRegistry returns nil when the registry cannot be opened; commands that
// only enrich their output from it carry on without.
func openRegistry(path string, log *zap.Logger) *registry.Registry {
	if path == "" {
		path = config.Default().RegistryFile()
	}
	reg, err := registry.Open(path, log)
	if err != nil {
		log.Warn("run registry unavailable", zap.String("path", path), zap.Error(err))
		return nil
	}
	return reg
}

func exportModel(ctx context.Context, fs afero.Fs, cmd exportCmd, log *zap.Logger) error {
	var reg export.Registry
	if r := openRegistry(cmd.Registry, log); r != nil {
		defer r.Close()
		reg = r
	}
	outputDir := cmd.OutputDir
	if outputDir == "" {
		outputDir = export.DefaultOutputDir
	}

	res, err := export.NewExporter(fs, reg, log).Export(ctx, cmd.ModelPath, outputDir)
	if err != nil {
		return err
	}
	fmt.Printf("Exported %s to %s (%s)\n", cmd.ModelPath, res.OutputDir, humanize.Bytes(uint64(res.Size)))
	fmt.Printf("  model: %s\n  info:  %s\n", res.ModelPath, res.InfoPath)
	return nil
}

func predict(ctx context.Context, fs afero.Fs, cmd predictCmd, log *zap.Logger) error {
	dir := cmd.ModelDir
	if dir == "" {
		dir = export.DefaultOutputDir
	}
	c, err := inference.NewClassifier(fs, dir, inference.Options{LibraryPath: cmd.LibraryPath}, log)
	if err != nil {
		return err
	}
	defer c.Close()

	preds, err := c.PredictAll(ctx, cmd.Images)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, pred := range preds {
		if err := enc.Encode(pred); err != nil {
			return errors.Wrap(err, "writing prediction")
		}
	}
	return nil
}

func listRuns(ctx context.Context, cmd runsCmd, log *zap.Logger) error {
	path := cmd.Registry
	if path == "" {
		path = config.Default().RegistryFile()
	}
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "no run registry at %s", path)
	}
	reg, err := registry.Open(path, log)
	if err != nil {
		return err
	}
	defer reg.Close()

	runs, err := reg.ListRuns(ctx, cmd.Limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tOUTCOME\tEPOCHS\tVAL_LOSS\tVAL_ACC\tF1\tEXPORTS\tCREATED\tARTIFACT")
	for _, r := range runs {
		exports, err := reg.Exports(ctx, r.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.4f\t%.4f\t%.4f\t%d\t%s\t%s\n",
			r.ID, r.ModelType, r.Outcome, r.Epochs, r.ValLoss, r.ValAccuracy, r.F1Score,
			len(exports), humanize.Time(r.CreatedAt), filepath.Base(r.ModelPath))
	}
	return w.Flush()
}
