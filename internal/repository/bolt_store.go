package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/example/binary-classifier/internal/verdict"
)

var countsBucket = []byte("class_counts")

// BoltStore keeps counts in a bbolt bucket. bbolt allows one writer at a time
// and holds an exclusive file lock while open, so each Update is the whole
// read-modify-write.
type BoltStore struct {
	db *bbolt.DB
}

var _ CountStore = (*BoltStore)(nil)

// OpenBoltStore opens (or creates) the database file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, storageError("open "+path, err)
	}
	return &BoltStore{db: db}, nil
}

// Read implements CountStore.
func (s *BoltStore) Read(ctx context.Context) (CountRecord, error) {
	if err := ctx.Err(); err != nil {
		return CountRecord{}, storageError("read counts", err)
	}
	var rec CountRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := seedBucket(tx)
		if err != nil {
			return err
		}
		rec, err = readBucket(b)
		return err
	})
	if err != nil {
		return CountRecord{}, storageError("read counts", err)
	}
	return rec, nil
}

// Increment implements CountStore.
func (s *BoltStore) Increment(ctx context.Context, label verdict.Label) error {
	if err := checkLabel(label); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storageError("increment "+label.Key(), err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := seedBucket(tx)
		if err != nil {
			return err
		}
		rec, err := readBucket(b)
		if err != nil {
			return err
		}
		return putCount(b, label, rec.Get(label)+1)
	})
	if err != nil {
		return storageError("increment "+label.Key(), err)
	}
	return nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seedBucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b, err := tx.CreateBucketIfNotExists(countsBucket)
	if err != nil {
		return nil, err
	}
	for _, l := range verdict.Labels {
		if b.Get([]byte(l.Key())) == nil {
			if err := putCount(b, l, 0); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

func readBucket(b *bbolt.Bucket) (CountRecord, error) {
	raw := make(map[string]string)
	err := b.ForEach(func(k, v []byte) error {
		raw[string(k)] = string(v)
		return nil
	})
	if err != nil {
		return CountRecord{}, err
	}
	rec, err := recordFromStrings(raw)
	if err != nil {
		return CountRecord{}, fmt.Errorf("decode counts: %w", err)
	}
	return rec, nil
}

func putCount(b *bbolt.Bucket, label verdict.Label, n int64) error {
	return b.Put([]byte(label.Key()), []byte(strconv.FormatInt(n, 10)))
}
