// Package logging configures the process-wide logrus logger and re-exports
// the logging helpers used across the gateway.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nghyane/omnigate/internal/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias so callers don't import logrus directly.
type Fields = logrus.Fields

// Entry is an alias for a prepared log entry.
type Entry = logrus.Entry

var rotating *lumberjack.Logger

// SetupBaseLogger installs the default formatter before config is known.
func SetupBaseLogger() {
	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
}

// ConfigureLogOutput applies level, format and the optional rotating file sink.
func ConfigureLogOutput(cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	}

	if rotating != nil {
		_ = rotating.Close()
		rotating = nil
	}
	if cfg.File == "" {
		logrus.SetOutput(os.Stdout)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return err
	}
	rotating = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stdout, rotating))
	return nil
}

func WithField(key string, value any) *logrus.Entry { return logrus.WithField(key, value) }
func WithFields(fields Fields) *logrus.Entry       { return logrus.WithFields(fields) }
func WithError(err error) *logrus.Entry            { return logrus.WithError(err) }

func Debug(args ...any)                 { logrus.Debug(args...) }
func Debugf(format string, args ...any) { logrus.Debugf(format, args...) }
func Info(args ...any)                  { logrus.Info(args...) }
func Infof(format string, args ...any)  { logrus.Infof(format, args...) }
func Warn(args ...any)                  { logrus.Warn(args...) }
func Warnf(format string, args ...any)  { logrus.Warnf(format, args...) }
func Error(args ...any)                 { logrus.Error(args...) }
func Errorf(format string, args ...any) { logrus.Errorf(format, args...) }
func Fatalf(format string, args ...any) { logrus.Fatalf(format, args...) }

// IsDebug reports whether debug logging is enabled.
func IsDebug() bool { return logrus.IsLevelEnabled(logrus.DebugLevel) }
