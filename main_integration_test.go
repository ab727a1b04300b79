package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/binary-classifier/internal/grpcserver"
	"github.com/example/binary-classifier/internal/repository"
	"github.com/example/binary-classifier/internal/usecase"
	"github.com/example/binary-classifier/internal/verdict"
)

// gatedClassifier blocks every Classify call until release is closed.
type gatedClassifier struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedClassifier) Classify(image.Image) (verdict.Prediction, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return verdict.FromScore(0.8), nil
}

type tallyStore struct {
	mu     sync.Mutex
	record repository.CountRecord
}

func (s *tallyStore) Read(context.Context) (repository.CountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record, nil
}

func (s *tallyStore) Increment(_ context.Context, label verdict.Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if label == verdict.Decent {
		s.record.Decent++
	} else {
		s.record.Chapri++
	}
	return nil
}

func (s *tallyStore) Close() error { return nil }

func TestServerDrainsClassificationOnShutdown(t *testing.T) {
	logger := zap.NewNop()
	gin.SetMode(gin.TestMode)

	clf := &gatedClassifier{started: make(chan struct{}), release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(clf.release) }) }
	defer release()

	store := &tallyStore{}
	uc := usecase.NewClassificationUseCase(clf, store, logger, 0)

	health := grpcserver.New(logger)
	grpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen for gRPC: %v", err)
	}
	go func() { _ = health.Serve(grpcListener) }()
	defer health.Stop()
	healthStatus := dialHealth(t, grpcListener.Addr().String())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: newRouter(uc, 0, logger)}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh, health.MarkNotServing)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)
	health.MarkServing()
	if got := healthStatus(); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING while accepting requests, got %v", got)
	}

	body, contentType := uploadBody(t)
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post("http://"+addr+"/classify", contentType, body)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-clf.started:
	case <-time.After(2 * time.Second):
		t.Fatal("classification did not start in time")
	}

	signalCh <- syscall.SIGTERM

	deadline := time.Now().Add(2 * time.Second)
	for healthStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("health did not switch to NOT_SERVING on shutdown")
		}
		time.Sleep(10 * time.Millisecond)
	}

	release()

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(data))
		}
		var payload struct {
			Label  string           `json:"label"`
			Counts map[string]int64 `json:"counts"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		if payload.Label != "Decent" || payload.Counts["decent"] != 1 {
			t.Fatalf("unexpected payload: %s", string(data))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight classification was not drained")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func dialHealth(t *testing.T, addr string) func() healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		t.Fatalf("failed to dial gRPC health: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	return func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: grpcserver.ServiceName})
		if err != nil {
			t.Fatalf("health check failed: %v", err)
		}
		return resp.GetStatus()
	}
}

func uploadBody(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	var img bytes.Buffer
	if err := png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 16, 9))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", "upload.png")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(img.Bytes()); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
