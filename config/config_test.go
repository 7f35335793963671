package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsNeedGuestID(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guest id is required")

	cfg.GuestID = "abc"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "guestagent.abc", cfg.Topic())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guest.yaml")
	content := `
guest_id: from-file
rabbit:
  host: rabbit.internal
  port: 5673
  reconnect_wait_times: [3, 6]
journal:
  type: buntdb
  path: /var/lib/guest/journal.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("RABBIT_PASSWORD", "s3cret")
	t.Setenv("GUEST_ID", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "rabbit.internal", cfg.Rabbit.Host)
	assert.Equal(t, 5673, cfg.Rabbit.Port)
	assert.Equal(t, "s3cret", cfg.Rabbit.Password)
	assert.Equal(t, "guest", cfg.Rabbit.UserID, "untouched defaults survive")
	assert.Equal(t, "from-env", cfg.GuestID)
	assert.Equal(t, []time.Duration{3 * time.Second, 6 * time.Second}, cfg.ReconnectSchedule())
	assert.Equal(t, StorageTypeBuntDB, cfg.Journal.Type)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.GuestID = "abc"
	cfg.Rabbit.Host = ""
	cfg.Rabbit.Port = 70000
	cfg.Rabbit.ReconnectWaitTimes = nil
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "rabbit host is required")
	assert.Contains(t, msg, "port out of range")
	assert.Contains(t, msg, "reconnect wait times")
	assert.Contains(t, msg, "unknown log format")
}

func TestJournalValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     JournalConfig
		wantErr bool
	}{
		{"none", JournalConfig{Type: StorageTypeNone}, false},
		{"memory", JournalConfig{Type: StorageTypeMemory}, false},
		{"buntdb with path", JournalConfig{Type: StorageTypeBuntDB, Path: "j.db"}, false},
		{"buntdb without path", JournalConfig{Type: StorageTypeBuntDB}, true},
		{"empty", JournalConfig{}, true},
		{"unknown", JournalConfig{Type: "redis"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
