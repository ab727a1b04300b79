package usecase

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/binary-classifier/internal/imageprocessor"
	"github.com/example/binary-classifier/internal/logging"
	"github.com/example/binary-classifier/internal/repository"
	"github.com/example/binary-classifier/internal/verdict"
)

// Classifier scores one decoded image. Calls block until the forward pass ends.
type Classifier interface {
	Classify(img image.Image) (verdict.Prediction, error)
}

// ClassificationUseCase runs the decode → classify → count flow for one upload.
type ClassificationUseCase struct {
	classifier Classifier
	counts     repository.CountStore
	logger     *zap.Logger
	timeout    time.Duration
}

// Outcome is the result of one classification request. CountErr is set when
// the prediction succeeded but the tally could not be updated or re-read.
type Outcome struct {
	RequestID  string
	Format     string
	Prediction verdict.Prediction
	Counts     *repository.CountRecord
	CountErr   error
}

type classifyResult struct {
	prediction verdict.Prediction
	err        error
}

// NewClassificationUseCase constructs a new use case instance. A zero timeout
// lets classification run for as long as the request context allows.
func NewClassificationUseCase(classifier Classifier, counts repository.CountStore, logger *zap.Logger, timeout time.Duration) *ClassificationUseCase {
	return &ClassificationUseCase{
		classifier: classifier,
		counts:     counts,
		logger:     logger.Named("classification_usecase"),
		timeout:    timeout,
	}
}

// ClassifyImage decodes imageBytes, classifies it and records the label.
//
// The forward pass runs on its own goroutine. If ctx ends first the request is
// abandoned: the pass still finishes in the background but its result is
// discarded and not counted.
func (uc *ClassificationUseCase) ClassifyImage(ctx context.Context, imageBytes []byte) (*Outcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify_image", requestID)

	img, format, err := imageprocessor.Decode(imageBytes)
	if err != nil {
		opLogger.Warn("image rejected", zap.Error(err))
		return nil, logging.NewOperationError("usecase.decode_image", requestID, err)
	}

	if uc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan classifyResult, 1)
	go func() {
		p, err := uc.classifier.Classify(img)
		done <- classifyResult{prediction: p, err: err}
	}()

	var result classifyResult
	select {
	case result = <-done:
	case <-ctx.Done():
		abandonedRequests.Inc()
		opLogger.Warn("classification abandoned", zap.Error(ctx.Err()))
		return nil, logging.NewOperationError("usecase.classify", requestID, ctx.Err())
	}
	inferenceSeconds.Observe(time.Since(start).Seconds())

	if result.err != nil {
		inferenceFailures.Inc()
		wrapped := logging.NewOperationError("usecase.classify", requestID, result.err)
		opLogger.Error("classification failed", zap.Error(wrapped))
		return nil, wrapped
	}

	prediction := result.prediction
	predictionsTotal.WithLabelValues(prediction.Label.Key()).Inc()
	opLogger.Info("image classified",
		zap.String("label", prediction.Label.String()),
		zap.Float64("confidence", prediction.Confidence),
		zap.String("format", format),
	)

	outcome := &Outcome{RequestID: requestID, Format: format, Prediction: prediction}

	// The prediction stands even if the tally cannot be updated.
	countCtx := context.WithoutCancel(ctx)
	if err := uc.counts.Increment(countCtx, prediction.Label); err != nil {
		outcome.CountErr = uc.countFailure(opLogger, "usecase.increment_count", requestID, err)
		return outcome, nil
	}
	record, err := uc.counts.Read(countCtx)
	if err != nil {
		outcome.CountErr = uc.countFailure(opLogger, "usecase.read_counts", requestID, err)
		return outcome, nil
	}
	outcome.Counts = &record
	return outcome, nil
}

// Counts returns the current tally.
func (uc *ClassificationUseCase) Counts(ctx context.Context) (*CountSummary, error) {
	record, err := uc.counts.Read(ctx)
	if err != nil {
		storeFailures.WithLabelValues("read").Inc()
		wrapped := logging.NewOperationError("usecase.read_counts", "", err)
		uc.logger.Error("failed to read counts", zap.Error(wrapped))
		return nil, wrapped
	}
	return summarize(record), nil
}

func (uc *ClassificationUseCase) countFailure(logger *zap.Logger, operation, requestID string, err error) error {
	kind := "increment"
	if operation == "usecase.read_counts" {
		kind = "read"
	}
	storeFailures.WithLabelValues(kind).Inc()
	wrapped := logging.NewOperationError(operation, requestID, err)
	logger.Error("count update failed; returning prediction without totals", zap.Error(wrapped))
	return wrapped
}

// IsAbandoned reports whether err came from a request that ended before the
// classification finished.
func IsAbandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
