// Package logging configures the process-wide logrus logger, the way
// MoreShields-Gamba's workers and NATS client use log.WithFields throughout.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls Setup. LogFile may be empty, in which case logs go to
// stdout only.
type Options struct {
	Level   string // "info" | "debug" | "trace", spec §6 LOG env var
	LogFile string // spec §6 "--log-file <path>"
}

// Setup installs the global logrus configuration. It is called once at
// startup; components obtain loggers via log.WithField the way the teacher's
// infrastructure package does.
func Setup(opts Options) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	level, err := log.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	var out io.Writer = os.Stdout
	if opts.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
	}
	log.SetOutput(out)
}
