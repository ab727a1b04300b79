// Command classify labels a single local image and, unless told otherwise,
// adds the result to the persistent tally.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"github.com/example/binary-classifier/internal/classifier"
	"github.com/example/binary-classifier/internal/config"
	"github.com/example/binary-classifier/internal/logging"
	"github.com/example/binary-classifier/internal/repository"
	"github.com/example/binary-classifier/internal/usecase"
)

type args struct {
	Image      string `arg:"positional,required" help:"JPEG or PNG image to classify"`
	Model      string `arg:"--model,env:MODEL_PATH" help:"ONNX model artifact"`
	ONNXLib    string `arg:"--onnx-lib,env:ONNXRUNTIME_LIB" help:"path to the onnxruntime shared library"`
	Store      string `arg:"--store,env:COUNT_STORE" help:"count store backend: file, bolt, sqlite, postgres, redis"`
	Counts     string `arg:"--counts,env:COUNTS_PATH" help:"JSON count file for the file backend"`
	NoCount    bool   `arg:"--no-count" help:"classify without updating the tally"`
	LogLevel   string `arg:"--log-level,env:LOG_LEVEL" default:"warn" help:"log level"`
	ShowCounts bool   `arg:"--show-counts" default:"true" help:"print the tally after classifying"`
}

func (args) Description() string {
	return "Classifies one image as Chapri or Decent and records the result."
}

func main() {
	var flags args
	arg.MustParse(&flags)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyFlags(cfg, flags)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.NewLogger(flags.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(context.Background(), os.Stdout, cfg, flags, logger); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config, flags args) {
	if flags.Model != "" {
		cfg.ModelPath = flags.Model
	}
	if flags.ONNXLib != "" {
		cfg.ONNXLibraryPath = flags.ONNXLib
	}
	if flags.Store != "" {
		cfg.CountStore = strings.ToLower(flags.Store)
	}
	if flags.Counts != "" {
		cfg.CountsPath = flags.Counts
	}
}

func run(ctx context.Context, out io.Writer, cfg *config.Config, flags args, logger *zap.Logger) error {
	data, err := os.ReadFile(flags.Image)
	if err != nil {
		return err
	}

	loader := classifier.NewLoader(func() (classifier.Model, error) {
		return classifier.LoadONNX(cfg.ModelPath, classifier.ONNXOptions{SharedLibraryPath: cfg.ONNXLibraryPath})
	}, logger)
	defer loader.Close()

	clf, err := loader.Get()
	if err != nil {
		return err
	}

	var store repository.CountStore = discardStore{}
	if !flags.NoCount {
		openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		store, err = repository.Open(openCtx, cfg, logger)
		cancel()
		if err != nil {
			return err
		}
	}
	defer store.Close()

	uc := usecase.NewClassificationUseCase(clf, store, logger, cfg.ClassifyTimeout)
	outcome, err := uc.ClassifyImage(ctx, data)
	if err != nil {
		return err
	}
	return printOutcome(out, outcome, flags)
}

func printOutcome(out io.Writer, outcome *usecase.Outcome, flags args) error {
	if _, err := fmt.Fprintf(out, "Prediction: %s\nConfidence: %s\n",
		outcome.Prediction.Label, outcome.Prediction.ConfidenceText()); err != nil {
		return err
	}
	if flags.NoCount {
		return nil
	}
	if outcome.CountErr != nil {
		_, err := fmt.Fprintf(out, "Count not saved: %v\n", outcome.CountErr)
		return err
	}
	if flags.ShowCounts && outcome.Counts != nil {
		_, err := fmt.Fprintf(out, "Chapri: %d\nDecent: %d\n", outcome.Counts.Chapri, outcome.Counts.Decent)
		return err
	}
	return nil
}
