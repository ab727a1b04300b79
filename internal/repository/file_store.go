package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/example/binary-classifier/internal/verdict"
)

const lockRetryDelay = 10 * time.Millisecond

// FileStore keeps the record in a small JSON document. Each read-modify-write
// holds an in-process mutex plus an exclusive lock on a sidecar lock file, and
// every write replaces the document atomically.
type FileStore struct {
	path   string
	mu     sync.Mutex
	lock   *flock.Flock
	logger *zap.Logger
}

var _ CountStore = (*FileStore)(nil)

// NewFileStore prepares a store at path, creating parent directories.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageError("create directory", err)
	}
	return &FileStore{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger.Named("file_store"),
	}, nil
}

// Read implements CountStore.
func (s *FileStore) Read(ctx context.Context) (CountRecord, error) {
	var rec CountRecord
	err := s.withLock(ctx, func() error {
		current, created, err := s.loadOrInit()
		if err != nil {
			return err
		}
		if created {
			s.logger.Info("initialized count file", zap.String("path", s.path))
		}
		rec = current
		return nil
	})
	return rec, err
}

// Increment implements CountStore.
func (s *FileStore) Increment(ctx context.Context, label verdict.Label) error {
	if err := checkLabel(label); err != nil {
		return err
	}
	return s.withLock(ctx, func() error {
		rec, _, err := s.loadOrInit()
		if err != nil {
			return err
		}
		rec.set(label, rec.Get(label)+1)
		return s.write(rec)
	})
}

// Close implements CountStore.
func (s *FileStore) Close() error {
	return s.lock.Unlock()
}

func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return storageError("lock", err)
	}
	if !locked {
		return storageError("lock", fmt.Errorf("could not acquire %s", s.lock.Path()))
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release count file lock", zap.Error(err))
		}
	}()
	return fn()
}

// loadOrInit must run under the lock.
func (s *FileStore) loadOrInit() (CountRecord, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		var zero CountRecord
		if err := s.write(zero); err != nil {
			return CountRecord{}, false, err
		}
		return zero, true, nil
	}
	if err != nil {
		return CountRecord{}, false, storageError("read", err)
	}

	var rec CountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CountRecord{}, false, storageError("decode "+s.path, err)
	}
	return rec, false, nil
}

func (s *FileStore) write(rec CountRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return storageError("encode", err)
	}
	data = append(data, '\n')
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return storageError("write", err)
	}
	return nil
}
