// Package badger persists accounting records in BadgerDB so totals survive
// restarts.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/veil/internal/logger"
	"github.com/marmos91/veil/pkg/accounting"
)

// Key layout: acct:{clientIP} -> JSON(accounting.Record)
const prefixRecord = "acct:"

// maxConflictRetries bounds read-modify-write retries under contention.
const maxConflictRetries = 16

// Store implements accounting.Store on BadgerDB.
//
// Thread Safety: All operations use Badger transactions; concurrent Add
// calls on the same key retry on conflict.
type Store struct {
	db  *badgerdb.DB
	now func() time.Time
}

var _ accounting.Store = (*Store)(nil)

// Open opens or creates a database in dir.
func Open(dir string) (*Store, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(badgerLogger{})
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open accounting database at %s: %w", dir, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// OpenInMemory opens a non-persistent database. Used by tests.
func OpenInMemory() (*Store, error) {
	opts := badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{})
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory accounting database: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func recordKey(key string) []byte {
	return []byte(prefixRecord + key)
}

// Add merges d into the record for key.
func (s *Store) Add(ctx context.Context, key string, d accounting.Delta) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(txn *badgerdb.Txn) error {
			r, err := getTx(txn, key)
			if errors.Is(err, accounting.ErrNotFound) {
				r = accounting.Record{Key: key}
			} else if err != nil {
				return err
			}
			r.Apply(d, s.now())

			data, err := json.Marshal(&r)
			if err != nil {
				return fmt.Errorf("failed to marshal accounting record: %w", err)
			}
			return txn.Set(recordKey(key), data)
		})
		if errors.Is(err, badgerdb.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		return err
	}
}

func getTx(txn *badgerdb.Txn, key string) (accounting.Record, error) {
	item, err := txn.Get(recordKey(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return accounting.Record{}, accounting.ErrNotFound
	}
	if err != nil {
		return accounting.Record{}, err
	}
	var r accounting.Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	})
	return r, err
}

// Get returns the record for key.
func (s *Store) Get(ctx context.Context, key string) (accounting.Record, error) {
	if err := ctx.Err(); err != nil {
		return accounting.Record{}, err
	}
	var r accounting.Record
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		r, err = getTx(txn, key)
		return err
	})
	return r, err
}

// List returns all records ordered by key.
func (s *Store) List(ctx context.Context) ([]accounting.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result []accounting.Record
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRecord)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r accounting.Record
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				result = append(result, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger routes Badger's internal logging through the process logger.
// Badger is chatty at info level, so that is demoted to debug.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Warningf(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Infof(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Debugf(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}
