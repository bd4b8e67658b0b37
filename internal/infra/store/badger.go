// Package store implements the local fallback store: a durable
// key/value mirror of each entity collection, used when the cloud
// backend is unreachable. Backed by BadgerDB on disk, with an
// in-memory variant for tests.
package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Badger is a FallbackStore backed by an embedded BadgerDB database.
type Badger struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadger opens (or creates) the store at dir. SyncWrites is on: the
// fallback store is the only copy of offline mutations, losing it on a
// power cut would lose records.
func OpenBadger(dir string, logger *zap.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open fallback store at %s: %w", dir, err)
	}
	return &Badger{db: db, logger: logger}, nil
}

// Get returns the raw JSON stored under key, or (nil, nil) when the key
// has never been written.
func (b *Badger) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fallback store get %q: %w", key, err)
	}
	return value, nil
}

// Put stores value under key.
func (b *Badger) Put(key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("fallback store put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Badger) Delete(key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("fallback store delete %q: %w", key, err)
	}
	return nil
}

// Close flushes and closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}
