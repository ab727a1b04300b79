// Package repository persists the running tally of classifications per label.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/example/binary-classifier/internal/verdict"
)

// ErrStorage is returned when the persisted record cannot be read, is
// malformed, or cannot be written back.
var ErrStorage = errors.New("count storage failed")

// CountStore is a durable label counter. Implementations must make Increment
// atomic with respect to other Increments on the same backing store, across
// goroutines and processes.
type CountStore interface {
	// Read returns the current counts, creating and persisting a zero record
	// when none exists yet.
	Read(ctx context.Context) (CountRecord, error)
	// Increment adds exactly one to label's count.
	Increment(ctx context.Context, label verdict.Label) error
	Close() error
}

// CountRecord holds one non-negative count per label.
type CountRecord struct {
	Chapri int64
	Decent int64
}

// Get returns the count for label.
func (r CountRecord) Get(label verdict.Label) int64 {
	if label == verdict.Decent {
		return r.Decent
	}
	return r.Chapri
}

// Total returns the number of classifications recorded.
func (r CountRecord) Total() int64 {
	return r.Chapri + r.Decent
}

func (r *CountRecord) set(label verdict.Label, n int64) {
	if label == verdict.Decent {
		r.Decent = n
		return
	}
	r.Chapri = n
}

// ByKey returns the record keyed by storage key.
func (r CountRecord) ByKey() map[string]int64 {
	out := make(map[string]int64, len(verdict.Labels))
	for _, l := range verdict.Labels {
		out[l.Key()] = r.Get(l)
	}
	return out
}

// MarshalJSON writes the record as an object with one field per label key.
func (r CountRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ByKey())
}

// UnmarshalJSON accepts only objects carrying exactly the label keys with
// non-negative integer values.
func (r *CountRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rec, err := recordFromMap(raw)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

func recordFromMap(raw map[string]int64) (CountRecord, error) {
	if len(raw) != len(verdict.Labels) {
		return CountRecord{}, fmt.Errorf("record has %d fields, want %d", len(raw), len(verdict.Labels))
	}
	// With the length fixed, distinct valid keys cover every label.
	var rec CountRecord
	for key, n := range raw {
		l, err := verdict.ParseLabel(key)
		if err != nil {
			return CountRecord{}, fmt.Errorf("record field: %w", err)
		}
		if n < 0 {
			return CountRecord{}, fmt.Errorf("record has negative count %d for %q", n, key)
		}
		rec.set(l, n)
	}
	return rec, nil
}

func recordFromStrings(raw map[string]string) (CountRecord, error) {
	parsed := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return CountRecord{}, fmt.Errorf("field %q: %w", k, err)
		}
		parsed[k] = n
	}
	return recordFromMap(parsed)
}

func checkLabel(label verdict.Label) error {
	if !label.Valid() {
		return fmt.Errorf("%w: unknown label %d", ErrStorage, int(label))
	}
	return nil
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
