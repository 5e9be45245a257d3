package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the logging format
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config represents the logging configuration
type Config struct {
	Level         LogLevel  `json:"level" yaml:"level"`
	Format        LogFormat `json:"format" yaml:"format"`
	OutputFile    string    `json:"output_file" yaml:"output_file"`
	EnableConsole bool      `json:"enable_console" yaml:"enable_console"`
}

// Logger wraps slog.Logger with additional context
type Logger struct {
	*slog.Logger
	config Config
	file   *os.File
}

// New creates a new structured logger
func New(config Config) (*Logger, error) {
	var writers []io.Writer
	var file *os.File

	if config.EnableConsole {
		writers = append(writers, os.Stdout)
	}

	if config.OutputFile != "" {
		dir := filepath.Dir(config.OutputFile)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}

		var err error
		file, err = os.OpenFile(config.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	var output io.Writer
	if len(writers) == 1 {
		output = writers[0]
	} else {
		output = io.MultiWriter(writers...)
	}

	var level slog.Level
	switch config.Level {
	case LevelDebug:
		level = slog.LevelDebug
	case LevelInfo:
		level = slog.LevelInfo
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: config,
		file:   file,
	}, nil
}

// Close closes any open file handles
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// WithComponent creates a logger with a component context
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		config: l.config,
		file:   l.file,
	}
}

// WithQueue creates a logger with queue context
func (l *Logger) WithQueue(topic string, queueID int32) *Logger {
	return &Logger{
		Logger: l.Logger.With("topic", topic, "queue_id", queueID),
		config: l.config,
		file:   l.file,
	}
}

// WithError creates a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
		config: l.config,
		file:   l.file,
	}
}

// Global logger instance
var defaultLogger *Logger

// Initialize sets up the global logger
func Initialize(config Config) error {
	logger, err := New(config)
	if err != nil {
		return err
	}
	defaultLogger = logger
	return nil
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	if defaultLogger == nil {
		config := Config{
			Level:         LevelInfo,
			Format:        FormatText,
			EnableConsole: true,
		}
		logger, _ := New(config)
		defaultLogger = logger
	}
	return defaultLogger
}

// Close closes the global logger
func Close() error {
	if defaultLogger != nil {
		return defaultLogger.Close()
	}
	return nil
}
