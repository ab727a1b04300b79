package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/binary-classifier/internal/classifier"
	"github.com/example/binary-classifier/internal/imageprocessor"
	"github.com/example/binary-classifier/internal/logging"
	"github.com/example/binary-classifier/internal/repository"
	"github.com/example/binary-classifier/internal/verdict"
)

type stubClassifier struct {
	prediction verdict.Prediction
	err        error
	release    chan struct{}
	calls      int
	mu         sync.Mutex
}

func (s *stubClassifier) Classify(img image.Image) (verdict.Prediction, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.release != nil {
		<-s.release
	}
	return s.prediction, s.err
}

type stubStore struct {
	record       repository.CountRecord
	incrementErr error
	readErr      error
	increments   []verdict.Label
	mu           sync.Mutex
}

func (s *stubStore) Read(ctx context.Context) (repository.CountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return repository.CountRecord{}, s.readErr
	}
	return s.record, nil
}

func (s *stubStore) Increment(ctx context.Context, label verdict.Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrementErr != nil {
		return s.incrementErr
	}
	s.increments = append(s.increments, label)
	if label == verdict.Decent {
		s.record.Decent++
	} else {
		s.record.Chapri++
	}
	return nil
}

func (s *stubStore) Close() error { return nil }

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func TestClassifyImageCountsPrediction(t *testing.T) {
	store := &stubStore{record: repository.CountRecord{Chapri: 2, Decent: 5}}
	clf := &stubClassifier{prediction: verdict.FromScore(0.73)}
	uc := NewClassificationUseCase(clf, store, zap.NewNop(), 0)

	outcome, err := uc.ClassifyImage(context.Background(), pngBytes(t, 30, 12))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if outcome.RequestID == "" {
		t.Fatal("expected a request id")
	}
	if outcome.Format != "png" {
		t.Fatalf("unexpected format: %s", outcome.Format)
	}
	if outcome.Prediction.Label != verdict.Decent {
		t.Fatalf("expected Decent, got %v", outcome.Prediction.Label)
	}
	if outcome.CountErr != nil {
		t.Fatalf("unexpected count error: %v", outcome.CountErr)
	}
	if outcome.Counts == nil || *outcome.Counts != (repository.CountRecord{Chapri: 2, Decent: 6}) {
		t.Fatalf("unexpected counts: %+v", outcome.Counts)
	}
	if len(store.increments) != 1 {
		t.Fatalf("expected exactly one increment, got %d", len(store.increments))
	}
}

func TestClassifyImageKeepsPredictionWhenCountFails(t *testing.T) {
	store := &stubStore{incrementErr: repository.ErrStorage}
	clf := &stubClassifier{prediction: verdict.FromScore(0.2)}
	uc := NewClassificationUseCase(clf, store, zap.NewNop(), 0)

	outcome, err := uc.ClassifyImage(context.Background(), pngBytes(t, 4, 4))
	if err != nil {
		t.Fatalf("expected prediction despite storage failure, got %v", err)
	}
	if outcome.Prediction.Label != verdict.Chapri {
		t.Fatalf("expected Chapri, got %v", outcome.Prediction.Label)
	}
	if outcome.Counts != nil {
		t.Fatalf("expected no counts, got %+v", outcome.Counts)
	}
	if !errors.Is(outcome.CountErr, repository.ErrStorage) {
		t.Fatalf("expected storage error, got %v", outcome.CountErr)
	}
	if got := logging.OperationOf(outcome.CountErr); got != "usecase.increment_count" {
		t.Fatalf("unexpected operation: %s", got)
	}
}

func TestClassifyImageReportsReadFailureAfterIncrement(t *testing.T) {
	store := &stubStore{readErr: repository.ErrStorage}
	uc := NewClassificationUseCase(&stubClassifier{prediction: verdict.FromScore(0.9)}, store, zap.NewNop(), 0)

	outcome, err := uc.ClassifyImage(context.Background(), pngBytes(t, 4, 4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.increments) != 1 {
		t.Fatalf("expected the increment to be applied, got %d", len(store.increments))
	}
	if got := logging.OperationOf(outcome.CountErr); got != "usecase.read_counts" {
		t.Fatalf("unexpected operation: %s", got)
	}
}

func TestClassifyImageInferenceFailureIsNotCounted(t *testing.T) {
	store := &stubStore{}
	clf := &stubClassifier{err: classifier.ErrInference}
	uc := NewClassificationUseCase(clf, store, zap.NewNop(), 0)

	_, err := uc.ClassifyImage(context.Background(), pngBytes(t, 4, 4))
	if !errors.Is(err, classifier.ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.classify" || opErr.RequestID == "" {
		t.Fatalf("expected OperationError for usecase.classify, got %#v", err)
	}
	if len(store.increments) != 0 {
		t.Fatalf("expected no increments, got %d", len(store.increments))
	}
}

func TestClassifyImageRejectsUndecodableInput(t *testing.T) {
	clf := &stubClassifier{}
	uc := NewClassificationUseCase(clf, &stubStore{}, zap.NewNop(), 0)

	_, err := uc.ClassifyImage(context.Background(), []byte("GIF89a nope"))
	if !errors.Is(err, imageprocessor.ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage, got %v", err)
	}
	if clf.calls != 0 {
		t.Fatalf("expected classifier not to run, got %d calls", clf.calls)
	}
}

func TestClassifyImageAbandonsOnTimeout(t *testing.T) {
	store := &stubStore{}
	clf := &stubClassifier{prediction: verdict.FromScore(0.9), release: make(chan struct{})}
	defer close(clf.release)
	uc := NewClassificationUseCase(clf, store, zap.NewNop(), 20*time.Millisecond)

	_, err := uc.ClassifyImage(context.Background(), pngBytes(t, 4, 4))
	if !IsAbandoned(err) {
		t.Fatalf("expected abandoned request, got %v", err)
	}
	if len(store.increments) != 0 {
		t.Fatalf("expected abandoned classification not to be counted, got %d", len(store.increments))
	}
}

func TestCountsSummary(t *testing.T) {
	uc := NewClassificationUseCase(&stubClassifier{}, &stubStore{record: repository.CountRecord{Chapri: 1, Decent: 3}}, zap.NewNop(), 0)

	summary, err := uc.Counts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Total != 4 || summary.Decent != 3 || summary.Chapri != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.DecentShare != 0.75 {
		t.Fatalf("unexpected share: %v", summary.DecentShare)
	}

	empty := summarize(repository.CountRecord{})
	if empty.DecentShare != 0 {
		t.Fatalf("expected zero share for empty tally, got %v", empty.DecentShare)
	}
}

func TestCountsPropagatesStorageError(t *testing.T) {
	uc := NewClassificationUseCase(&stubClassifier{}, &stubStore{readErr: repository.ErrStorage}, zap.NewNop(), 0)

	if _, err := uc.Counts(context.Background()); !errors.Is(err, repository.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}
