package agent

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/TimSimpsonR/sneaky-pete-sub001/config"
	"github.com/TimSimpsonR/sneaky-pete-sub001/logger"
)

// NewLogger builds the logger described by cfg writing to w (stdout when nil). The
// "json" format uses logrus; anything else prints level-tagged text lines.
func NewLogger(cfg config.LoggingConfig, w io.Writer) logger.Logger {
	if w == nil {
		w = os.Stdout
	}
	if cfg.Format == "json" {
		l := logrus.New()
		l.SetOutput(w)
		l.SetFormatter(&logrus.JSONFormatter{})
		if cfg.Debug || os.Getenv(logger.DebugEnv) == "1" {
			l.SetLevel(logrus.DebugLevel)
		}
		return logger.NewLogrusLogger(l, logrus.Fields{"component": "guest-agent"})
	}
	return logger.NewStdLogger(w, logger.StdOptions{Prefix: "[GUEST] ", Debug: cfg.Debug})
}
