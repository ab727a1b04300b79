package classifier

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// LoadFunc produces a model. It runs at most once per Loader.
type LoadFunc func() (Model, error)

// Loader memoizes an expensive model load for the lifetime of the process.
// The first Get performs the load; later calls, including concurrent ones,
// receive the same classifier or the same error. Failed loads are not retried.
type Loader struct {
	load   LoadFunc
	logger *zap.Logger

	once       sync.Once
	classifier *Classifier
	err        error
}

// NewLoader returns a Loader that calls load on first use.
func NewLoader(load LoadFunc, logger *zap.Logger) *Loader {
	return &Loader{load: load, logger: logger}
}

// Get returns the shared classifier, loading the model on first call.
func (l *Loader) Get() (*Classifier, error) {
	l.once.Do(func() {
		model, err := l.load()
		if err != nil {
			l.err = err
			l.logger.Error("model load failed", zap.Error(err))
			return
		}
		shape := model.InputShape()
		l.logger.Info("model loaded",
			zap.Int("width", shape.Width),
			zap.Int("height", shape.Height),
			zap.Int("channels", shape.Channels),
		)
		l.classifier = New(model, l.logger)
	})
	return l.classifier, l.err
}

// Close releases the model if it was loaded. A Loader that was never used is
// marked spent so no load can start afterwards.
func (l *Loader) Close() error {
	l.once.Do(func() {
		l.err = fmt.Errorf("%w: loader closed before first use", ErrModelLoad)
	})
	if l.classifier == nil {
		return nil
	}
	return l.classifier.Close()
}
