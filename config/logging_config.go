package config

// LoggingConfig defines configuration for logging behavior
type LoggingConfig struct {
	// Format is "text" (terminal-aware printf lines) or "json" (logrus JSON).
	Format string `yaml:"format" env:"LOG_FORMAT"`

	// FilePath sends logs to a file instead of stdout when set.
	FilePath string `yaml:"file" env:"LOG_FILE"`

	// Debug enables Debug level output
	Debug bool `yaml:"debug" env:"LOG_DEBUG"`

	// FrameLogging logs every frame read and written at Debug level.
	// Default is false to reduce log noise
	FrameLogging bool `yaml:"frame_logging" env:"LOG_FRAMES"`
}
