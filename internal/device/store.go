package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// ErrKeyNotFound indicates the key has no stored value.
var ErrKeyNotFound = errors.New("device: key not found")

// Store is device-local persistent storage that survives process restarts.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// BadgerStore keeps device-local values in an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens (or creates) the badger directory at path.
func OpenBadger(path string) (*BadgerStore, error) {
	if path == "" {
		return nil, fmt.Errorf("device: storage path is required")
	}
	return openBadger(badger.DefaultOptions(path))
}

// OpenInMemory opens a badger store that lives only as long as the process.
func OpenInMemory() (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(options badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(options.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("device: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("device: get %s: %w", key, err)
	}
	return string(value), nil
}

func (s *BadgerStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("device: set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Removing an absent key succeeds.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("device: delete %s: %w", key, err)
	}
	return nil
}
