// Package logger wraps logrus with the service layer's defaults.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls log level, encoding and destination.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL,default=info"`
	Format     string `yaml:"format" env:"LOG_FORMAT,default=text"`
	Output     string `yaml:"output" env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX,default=raffle"`
}

// Logger is a logrus logger tagged with a component name.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a logger from configuration. Invalid values fall back to
// info/text/stdout rather than failing startup.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	base.SetOutput(openOutput(cfg))
	return &Logger{Logger: base, component: cfg.FilePrefix}
}

// NewDefault returns an info-level text logger writing to stdout.
func NewDefault(component string) *Logger {
	l := New(LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
	l.component = component
	return l
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	l := NewDefault("discard")
	l.SetOutput(io.Discard)
	return l
}

// Component returns the name the logger was created for.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns an entry carrying the component field.
func (l *Logger) WithComponent() *logrus.Entry {
	return l.WithField("component", l.component)
}

func openOutput(cfg LoggingConfig) io.Writer {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "raffle"
		}
		name := fmt.Sprintf("%s-%s.log", prefix, time.Now().UTC().Format("20060102"))
		f, err := os.OpenFile(filepath.Join("logs", name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			if mkErr := os.MkdirAll("logs", 0o750); mkErr != nil {
				return os.Stdout
			}
			f, err = os.OpenFile(filepath.Join("logs", name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
			if err != nil {
				return os.Stdout
			}
		}
		return f
	default:
		return os.Stdout
	}
}
