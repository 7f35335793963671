package config

// RabbitConfig defines how the agent reaches and authenticates with the broker.
// Only PLAIN SASL over vhost "/" is spoken.
type RabbitConfig struct {
	Host     string `yaml:"host" env:"RABBIT_HOST"`
	Port     int    `yaml:"port" env:"RABBIT_PORT"`
	UserID   string `yaml:"userid" env:"RABBIT_USERID"`
	Password string `yaml:"password" env:"RABBIT_PASSWORD"`

	// ClientMemory is the frame-max hint sent in connection.tune-ok. Zero accepts the
	// broker's value.
	ClientMemory uint32 `yaml:"client_memory" env:"RABBIT_CLIENT_MEMORY"`

	// ReconnectWaitTimes is the backoff schedule in seconds. The last entry repeats.
	ReconnectWaitTimes []uint `yaml:"reconnect_wait_times" env:"RABBIT_RECONNECT_WAIT_TIMES" envSeparator:","`

	// DialTimeoutSeconds bounds the TCP connect.
	DialTimeoutSeconds uint `yaml:"dial_timeout" env:"RABBIT_DIAL_TIMEOUT"`
}
