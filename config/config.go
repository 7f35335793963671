package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// AgentConfig is the complete guest agent configuration.
type AgentConfig struct {
	Rabbit  RabbitConfig  `yaml:"rabbit"`
	Logging LoggingConfig `yaml:"logging"`
	Journal JournalConfig `yaml:"journal"`

	// GuestID identifies this instance. The agent listens on "guestagent.<GuestID>".
	GuestID string `yaml:"guest_id" env:"GUEST_ID"`

	// ControlExchange is the topic exchange requests arrive on.
	ControlExchange string `yaml:"control_exchange" env:"CONTROL_EXCHANGE"`

	// ConductorQueue is the topic status reports are sent to.
	ConductorQueue string `yaml:"conductor_queue" env:"CONDUCTOR_QUEUE"`

	// PeriodicIntervalSeconds is how often the status heartbeat runs.
	PeriodicIntervalSeconds uint `yaml:"periodic_interval" env:"PERIODIC_INTERVAL"`

	// MetricsAddr serves Prometheus metrics when set, e.g. "127.0.0.1:9140".
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() AgentConfig {
	return AgentConfig{
		Rabbit: RabbitConfig{
			Host:               "localhost",
			Port:               5672,
			UserID:             "guest",
			Password:           "guest",
			ClientMemory:       131072,
			ReconnectWaitTimes: []uint{1, 2, 4, 8, 16, 30},
			DialTimeoutSeconds: 10,
		},
		Logging: LoggingConfig{Format: "text"},
		Journal: JournalConfig{Type: StorageTypeMemory, RetentionSeconds: 3600},

		ControlExchange:         "nova",
		ConductorQueue:          "trove-conductor",
		PeriodicIntervalSeconds: 60,
	}
}

// Load reads the YAML file at path (if path is not empty) on top of the defaults and
// then applies environment overrides.
func Load(path string) (AgentConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("applying environment overrides: %w", err)
	}
	return cfg, nil
}

// Topic is the queue and routing key this guest consumes from.
func (c AgentConfig) Topic() string {
	return "guestagent." + c.GuestID
}

// ReconnectSchedule converts the wait times to durations.
func (c AgentConfig) ReconnectSchedule() []time.Duration {
	schedule := make([]time.Duration, len(c.Rabbit.ReconnectWaitTimes))
	for i, s := range c.Rabbit.ReconnectWaitTimes {
		schedule[i] = time.Duration(s) * time.Second
	}
	return schedule
}

// PeriodicInterval returns the status heartbeat interval.
func (c AgentConfig) PeriodicInterval() time.Duration {
	return time.Duration(c.PeriodicIntervalSeconds) * time.Second
}

// Validate ensures the configuration is usable.
func (c AgentConfig) Validate() error {
	var errs []error
	if c.Rabbit.Host == "" {
		errs = append(errs, errors.New("rabbit host is required"))
	}
	if c.Rabbit.Port <= 0 || c.Rabbit.Port > 65535 {
		errs = append(errs, fmt.Errorf("rabbit port out of range: %d", c.Rabbit.Port))
	}
	if len(c.Rabbit.ReconnectWaitTimes) == 0 {
		errs = append(errs, errors.New("reconnect wait times must not be empty"))
	}
	if c.GuestID == "" {
		errs = append(errs, errors.New("guest id is required"))
	}
	if c.ControlExchange == "" {
		errs = append(errs, errors.New("control exchange is required"))
	}
	if c.PeriodicIntervalSeconds == 0 {
		errs = append(errs, errors.New("periodic interval must be positive"))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format: %q", c.Logging.Format))
	}
	if err := c.Journal.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
