package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/binary-classifier/internal/classifier"
	"github.com/example/binary-classifier/internal/config"
	"github.com/example/binary-classifier/internal/grpcserver"
	"github.com/example/binary-classifier/internal/handlers"
	"github.com/example/binary-classifier/internal/logging"
	"github.com/example/binary-classifier/internal/repository"
	"github.com/example/binary-classifier/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	health := grpcserver.New(logger)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen for gRPC", zap.Error(err), zap.String("addr", cfg.GRPCAddr))
	}
	go func() {
		if err := health.Serve(grpcListener); err != nil {
			logger.Error("gRPC health server stopped", zap.Error(err))
		}
	}()
	defer health.Stop()

	loader := classifier.NewLoader(func() (classifier.Model, error) {
		return classifier.LoadONNX(cfg.ModelPath, classifier.ONNXOptions{SharedLibraryPath: cfg.ONNXLibraryPath})
	}, logger)
	defer loader.Close()

	clf, err := loader.Get()
	if err != nil {
		logger.Fatal("classifier unavailable; refusing to serve", zap.Error(err), zap.String("model_path", cfg.ModelPath))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := repository.Open(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("failed to open count store", zap.Error(err))
	}
	defer store.Close()

	uc := usecase.NewClassificationUseCase(clf, store, logger, cfg.ClassifyTimeout)

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(uc, cfg.MaxUploadBytes, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	health.MarkServing()
	logger.Info("classifier API listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger, health.MarkNotServing); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}

func newRouter(uc *usecase.ClassificationUseCase, maxUpload int64, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinMiddleware(logger))
	if maxUpload > 0 {
		r.MaxMultipartMemory = maxUpload
	}
	handlers.RegisterRoutes(r, uc, maxUpload)
	return r
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, onShutdown func()) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil, onShutdown)
}

// serveHTTPServerWithOptions serves until the server fails or a signal arrives,
// then drains in-flight requests for up to shutdownTimeout. onShutdown runs
// before draining starts.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal, onShutdown func()) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		if onShutdown != nil {
			onShutdown()
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
