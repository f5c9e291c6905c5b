// Package cache provides the key-value cache that holds serialized snapshots
// of the message list. Entries expire after a TTL and are removed explicitly
// on invalidation; values are never modified in place.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// MessagesKey is the key under which the full message list is cached.
const MessagesKey = "chat:messages"

// Cache is the contract the message service relies on.
type Cache interface {
	// Get returns the value stored under key. found is false on a miss.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Badger is a Cache backed by an in-memory badger database.
type Badger struct {
	db  *badger.DB
	log *slog.Logger
}

// OpenBadger opens an in-memory badger instance.
func OpenBadger(log *slog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	log.Info("Cache opened", "backend", "badger", "in_memory", true)
	return &Badger{db: db, log: log}, nil
}

// Close releases the badger instance.
func (b *Badger) Close() error {
	return b.db.Close()
}

// Get returns the value stored under key and whether it was present.
func (b *Badger) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
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
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, expiring after ttl when ttl is positive.
func (b *Badger) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Badger) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}
