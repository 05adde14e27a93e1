// Package ledger persists reaper filter registrations in a bbolt file so an
// agent restarted mid-session still knows what to reap.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/bnema/testbay/internal/boundaries/out"
	"github.com/bnema/testbay/internal/domain"
)

var filtersBucket = []byte("filters")

// BoltStore implements out.LedgerStore on bbolt.
type BoltStore struct {
	db   *bbolt.DB
	path string
}

var _ out.LedgerStore = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the ledger at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(filtersBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltStore{db: db, path: path}, nil
}

// Path returns the ledger file location.
func (s *BoltStore) Path() string { return s.path }

// Save records filters under key, replacing any previous value.
func (s *BoltStore) Save(ctx context.Context, key string, f domain.Filters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal filters: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(filtersBucket)
		if bucket == nil {
			return errors.New("filters bucket not found")
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("failed to save filters: %w", err)
		}
		return nil
	})
}

// Delete forgets key. Unknown keys are ignored.
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(filtersBucket)
		if bucket == nil {
			return errors.New("filters bucket not found")
		}
		return bucket.Delete([]byte(key))
	})
}

// List returns every recorded registration.
func (s *BoltStore) List(ctx context.Context) (map[string]domain.Filters, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make(map[string]domain.Filters)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(filtersBucket)
		if bucket == nil {
			return errors.New("filters bucket not found")
		}

		return bucket.ForEach(func(k, v []byte) error {
			var f domain.Filters
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("failed to unmarshal filters for %s: %w", k, err)
			}
			result[string(k)] = f
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
