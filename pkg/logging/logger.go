// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Log file rotation limits.
const (
	FileMaxSizeMB  = 5
	FileMaxBackups = 3
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level for Output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stdout).
	Output io.Writer

	// File, when set, adds a rotating log file that records debug and above
	// regardless of Level.
	File string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stdout,
	}
}

var (
	fileMu   sync.Mutex
	fileSink *lumberjack.Logger
)

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)

	var console io.Writer = cfg.Output
	if console == nil {
		console = os.Stdout
	}
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: console}
	}

	var output io.Writer = console
	globalLevel := level

	fileMu.Lock()
	if fileSink != nil {
		fileSink.Close()
		fileSink = nil
	}
	if cfg.File != "" {
		fileSink = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    FileMaxSizeMB,
			MaxBackups: FileMaxBackups,
		}
		output = zerolog.MultiLevelWriter(
			&zerolog.FilteredLevelWriter{Writer: zerolog.LevelWriterAdapter{Writer: console}, Level: level},
			&zerolog.FilteredLevelWriter{Writer: zerolog.LevelWriterAdapter{Writer: fileSink}, Level: zerolog.DebugLevel},
		)
		globalLevel = zerolog.DebugLevel
	}
	fileMu.Unlock()

	zerolog.SetGlobalLevel(globalLevel)

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// Close flushes and closes the log file opened by Setup, if any.
func Close() error {
	fileMu.Lock()
	defer fileMu.Unlock()

	if fileSink == nil {
		return nil
	}
	err := fileSink.Close()
	fileSink = nil
	return err
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Request URLs and quota headers
//   - Limiter waits
//   - Upsert pages and row counts per table
//
// Info: Normal operation events
//   - Job start and finish, ID counts
//   - Progress lines with rate and ETA
//   - Requests that succeeded after a retry
//
// Warn: Warning conditions that don't prevent operation
//   - Every retry decision (throttled, server fault, network fault)
//   - Records dropped or skipped during conversion
//   - Low remaining quota
//
// Error: Error conditions requiring attention
//   - Requests rejected with a 4xx
//   - Fetch, decode or write failures that end the run
//   - Configuration errors
//
// Context Fields:
//   - job: items, prices or recipes
//   - url / endpoint: request target
//   - status: HTTP status code
//   - error_class: client, server, rate_limit or network
//   - attempt / max_attempts: retry position
//   - chunk / first_id / last_id / size: chunk being processed
