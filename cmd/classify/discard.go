package main

import (
	"context"

	"github.com/example/binary-classifier/internal/repository"
	"github.com/example/binary-classifier/internal/verdict"
)

// discardStore is used with --no-count; it never touches persistent state.
type discardStore struct{}

func (discardStore) Read(context.Context) (repository.CountRecord, error) {
	return repository.CountRecord{}, nil
}

func (discardStore) Increment(context.Context, verdict.Label) error { return nil }

func (discardStore) Close() error { return nil }
