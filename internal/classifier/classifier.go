// Package classifier owns the loaded binary model and turns decoded images
// into labelled predictions.
package classifier

import (
	"errors"
	"fmt"
	"image"
	"math"

	"go.uber.org/zap"

	"github.com/example/binary-classifier/internal/imageprocessor"
	"github.com/example/binary-classifier/internal/verdict"
)

var (
	// ErrModelLoad is returned when the model artifact is missing, corrupt or
	// declares an input/output contract the classifier cannot serve.
	ErrModelLoad = errors.New("model load failed")
	// ErrInference is returned when a forward pass cannot produce a usable score.
	ErrInference = errors.New("inference failed")
)

// Shape is the spatial input size a model was trained on.
type Shape struct {
	Width    int
	Height   int
	Channels int
}

// Model is a loaded binary classifier. Implementations must be safe for
// concurrent Predict calls and must not change their shape after loading.
type Model interface {
	InputShape() Shape
	// Predict runs a forward pass and returns the single sigmoid output.
	Predict(t *imageprocessor.Tensor) (float32, error)
	Close() error
}

// Classifier scores images with a shared, read-only model.
type Classifier struct {
	model  Model
	logger *zap.Logger
}

// New wraps a loaded model.
func New(model Model, logger *zap.Logger) *Classifier {
	return &Classifier{model: model, logger: logger.Named("classifier")}
}

// InputShape reports the size images are resized to.
func (c *Classifier) InputShape() Shape {
	return c.model.InputShape()
}

// Classify normalizes img to the model's input size, runs the model and applies
// the decision rule. The call blocks for the whole forward pass.
func (c *Classifier) Classify(img image.Image) (verdict.Prediction, error) {
	shape := c.model.InputShape()
	tensor, err := imageprocessor.Normalize(img, shape.Width, shape.Height)
	if err != nil {
		return verdict.Prediction{}, fmt.Errorf("%w: %w", ErrInference, err)
	}

	score, err := c.model.Predict(tensor)
	if err != nil {
		return verdict.Prediction{}, fmt.Errorf("%w: %w", ErrInference, err)
	}

	s := float64(score)
	if math.IsNaN(s) || s < 0 || s > 1 {
		return verdict.Prediction{}, fmt.Errorf("%w: score %v outside [0, 1]", ErrInference, score)
	}

	prediction := verdict.FromScore(s)
	c.logger.Debug("image classified",
		zap.String("label", prediction.Label.String()),
		zap.Float64("score", s),
		zap.Int("source_width", img.Bounds().Dx()),
		zap.Int("source_height", img.Bounds().Dy()),
	)
	return prediction, nil
}

// Close releases the underlying model.
func (c *Classifier) Close() error {
	return c.model.Close()
}
