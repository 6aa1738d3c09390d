package settings

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"tillpoint/evictor/pkg/retention"
)

// keyPrefix namespaces eviction settings inside a shared badger instance.
const keyPrefix = "settings:"

// BadgerStore implements retention.KeyValueStore with BadgerDB.
type BadgerStore struct {
	db   *badger.DB
	owns bool
}

// OpenBadger opens (or creates) a badger database in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("settings directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(nil).                // Disable verbose logging
		WithNumVersionsToKeep(1).       // Keep only latest version
		WithValueLogFileSize(16 << 20). // Settings are tiny
		WithCompactL0OnClose(true)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, retention.NewStoreError("badger", "open", err)
	}
	return &BadgerStore{db: db, owns: true}, nil
}

// NewBadgerStore wraps an already open database. Close leaves it open.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Get implements retention.KeyValueStore.
func (s *BadgerStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, retention.NewStoreError("badger", "get", err)
	}
	return value, true, nil
}

// Set implements retention.KeyValueStore.
func (s *BadgerStore) Set(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), value)
	})
	if err != nil {
		return retention.NewStoreError("badger", "set", err)
	}
	return nil
}

// Delete implements retention.KeyValueStore.
func (s *BadgerStore) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
	if err != nil {
		return retention.NewStoreError("badger", "delete", err)
	}
	return nil
}

// Keys lists every stored settings key.
func (s *BadgerStore) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, retention.NewStoreError("badger", "keys", err)
	}
	return keys, nil
}

// Close closes the database if this store opened it.
func (s *BadgerStore) Close() error {
	if !s.owns {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return retention.NewStoreError("badger", "close", err)
	}
	return nil
}
