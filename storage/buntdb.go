package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/buntdb"
)

type BuntDBProvider struct {
	db   *buntdb.DB
	path string
	mu   sync.RWMutex
}

// NewBuntDBProvider creates a new BuntDB storage provider
// If path is empty, it creates an in-memory database
func NewBuntDBProvider(path string) *BuntDBProvider {
	return &BuntDBProvider{
		path: path,
	}
}

// Initialize opens the BuntDB database
func (b *BuntDBProvider) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return fmt.Errorf("opening buntdb: %w", err)
	}

	// Prefix indices keep Keys() scans cheap
	for _, prefix := range []string{KeyPrefixReplied, KeyPrefixPending} {
		indexName := "idx_" + prefix
		err = db.CreateIndex(indexName, prefix+"*", buntdb.IndexString)
		if err != nil && !errors.Is(err, buntdb.ErrIndexExists) {
			db.Close()
			return fmt.Errorf("creating index %s: %w", indexName, err)
		}
	}

	b.db = db
	return nil
}

// Close closes the BuntDB database
func (b *BuntDBProvider) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *BuntDBProvider) handle() (*buntdb.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, ErrNotOpen
	}
	return b.db, nil
}

// Set stores a key-value pair
func (b *BuntDBProvider) Set(key string, value []byte) error {
	return b.SetWithTTL(key, value, 0)
}

// SetWithTTL stores a key-value pair that buntdb expires after ttl
func (b *BuntDBProvider) SetWithTTL(key string, value []byte, ttl time.Duration) error {
	db, err := b.handle()
	if err != nil {
		return err
	}
	var opts *buntdb.SetOptions
	if ttl > 0 {
		opts = &buntdb.SetOptions{Expires: true, TTL: ttl}
	}
	return db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), opts)
		return err
	})
}

// Get retrieves a value by key
func (b *BuntDBProvider) Get(key string) ([]byte, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	var value string
	err = db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err != nil {
			return err
		}
		value = val
		return nil
	})

	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	return []byte(value), nil
}

// Delete removes a key
func (b *BuntDBProvider) Delete(key string) error {
	db, err := b.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil // Deleting non-existent key is not an error
		}
		return err
	})
}

// Exists checks if a key exists
func (b *BuntDBProvider) Exists(key string) (bool, error) {
	_, err := b.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Keys returns all keys with the given prefix
func (b *BuntDBProvider) Keys(prefix string) ([]string, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	var keys []string
	err = db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			keys = append(keys, key)
			return true
		})
	})
	return keys, err
}
