package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nerrad567/nbe-bridge/internal/infrastructure/config"
)

// serviceName is attached to every log entry.
const serviceName = "nbe-bridge"

// Logger wraps zerolog.Logger with a key/value call style.
//
// It provides structured logging with default fields and level-based filtering.
// Its Debug/Info/Warn/Error methods satisfy the small Logger interfaces
// declared by the protocol client, poller and bridge packages.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	zl zerolog.Logger
}

// New creates a new Logger with the specified configuration.
//
// It configures:
//   - Output format (JSON for production, console text for development)
//   - Log level filtering
//   - Default fields (service name, version, timestamp)
//   - Output destination
//
// Parameters:
//   - cfg: Logging configuration from config.yaml
//   - version: Application version for default field
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return NewWithWriter(cfg, version, output)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.LoggingConfig, version string, output io.Writer) *Logger {
	if strings.ToLower(cfg.Format) == "text" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(output).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Logger()

	return &Logger{zl: zl}
}

// parseLevel converts a string log level to a zerolog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug logs at debug level with alternating key/value fields.
func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.zl.Debug().Fields(keysAndValues).Msg(msg)
}

// Info logs at info level with alternating key/value fields.
func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.zl.Info().Fields(keysAndValues).Msg(msg)
}

// Warn logs at warn level with alternating key/value fields.
func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.zl.Warn().Fields(keysAndValues).Msg(msg)
}

// Error logs at error level with alternating key/value fields.
func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.zl.Error().Fields(keysAndValues).Msg(msg)
}

// With returns a new Logger with additional default fields.
//
// Parameters:
//   - keysAndValues: Key-value pairs to add as default fields
//
// Returns:
//   - *Logger: New logger with added fields
//
// Example:
//
//	mqttLogger := logger.With("component", "mqtt")
//	mqttLogger.Info("connected") // Includes component=mqtt
func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{zl: l.zl.With().Fields(keysAndValues).Logger()}
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stdout in JSON format at info level.
// It should only be used during early startup before config is available.
//
// Returns:
//   - *Logger: Default logger
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
