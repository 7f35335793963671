package storage

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrNotOpen     = errors.New("storage not initialized")
)

const (
	KeyPrefixReplied = "replied:" // Reply journal: msg id -> reply record
	KeyPrefixPending = "pending:" // Reply journal: msg id of a request being worked on
)

// StorageProvider is the low-level storage abstraction behind the reply journal.
type StorageProvider interface {
	// Initialize prepares the storage backend
	Initialize() error

	// Close cleanly shuts down the storage backend
	Close() error

	// Basic operations
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Exists(key string) (bool, error)

	// SetWithTTL stores a value that expires after ttl. A zero ttl never expires.
	SetWithTTL(key string, value []byte, ttl time.Duration) error

	// Keys returns all keys with the given prefix
	Keys(prefix string) ([]string, error)
}
