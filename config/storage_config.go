package config

import (
	"fmt"
	"time"
)

type StorageType string

const (
	StorageTypeNone   StorageType = "none"   // Reply journal disabled
	StorageTypeMemory StorageType = "memory" // In-memory (using BuntDB)
	StorageTypeBuntDB StorageType = "buntdb" // Persistent BuntDB
)

// JournalConfig configures the reply journal that remembers which RPC requests were
// already answered, so a redelivered request is not executed twice.
type JournalConfig struct {
	Type StorageType `yaml:"type" env:"JOURNAL_TYPE"`

	// Path of the BuntDB file for StorageTypeBuntDB
	Path string `yaml:"path" env:"JOURNAL_PATH"`

	// RetentionSeconds is how long a replied msg id is remembered.
	RetentionSeconds uint `yaml:"retention" env:"JOURNAL_RETENTION"`
}

// Retention returns the retention as a duration.
func (jc JournalConfig) Retention() time.Duration {
	return time.Duration(jc.RetentionSeconds) * time.Second
}

// Validate ensures the journal configuration is valid
func (jc JournalConfig) Validate() error {
	switch jc.Type {
	case StorageTypeNone, StorageTypeMemory:
		return nil

	case StorageTypeBuntDB:
		if jc.Path == "" {
			return fmt.Errorf("journal path is required for buntdb journal")
		}
		return nil

	case "":
		return fmt.Errorf("journal type not specified")

	default:
		return fmt.Errorf("unknown journal type: %s", jc.Type)
	}
}
