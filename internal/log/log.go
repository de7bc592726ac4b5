// Package log provides the process-wide structured logger, backed by logrus.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"firestige.xyz/loramesh/internal/config"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

const (
	defaultPattern    = "%time %level [%field] %msg\n"
	defaultTimeFormat = "2006-01-02T15:04:05.000Z07:00"
)

var (
	mu     sync.RWMutex
	logger Logger
	output *MultiWriter
)

// GetLogger returns the process logger. Before Init it logs text at info level to stdout.
func GetLogger() Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		base := logrus.New()
		base.SetFormatter(&formatter{pattern: defaultPattern, time: defaultTimeFormat})
		base.SetOutput(os.Stdout)
		logger = &logrusAdapter{entry: logrus.NewEntry(base)}
	}
	return logger
}

// Init (re)configures the process logger. It may be called again to apply a new config.
func Init(cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	base := logrus.New()
	base.SetLevel(level)
	switch strings.ToLower(cfg.Format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text":
		base.SetFormatter(&formatter{pattern: defaultPattern, time: defaultTimeFormat})
	default:
		return fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	out := NewMultiWriter().Add(os.Stdout)
	if cfg.Outputs.File.Enabled {
		fc := cfg.Outputs.File
		if fc.Path == "" {
			return fmt.Errorf("file output requires 'path' field")
		}
		out.AddFileAppender(FileAppenderOpt{
			Filename:   fc.Path,
			MaxSize:    fc.Rotation.MaxSizeMB,
			MaxBackups: fc.Rotation.MaxBackups,
			MaxAge:     fc.Rotation.MaxAgeDays,
			Compress:   fc.Rotation.Compress,
		})
	}
	base.SetOutput(out)

	mu.Lock()
	prev := output
	logger = &logrusAdapter{entry: logrus.NewEntry(base)}
	output = out
	mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Flush closes the file appenders of the current logger.
func Flush() error {
	mu.RLock()
	out := output
	mu.RUnlock()
	if out == nil {
		return nil
	}
	return out.Close()
}
