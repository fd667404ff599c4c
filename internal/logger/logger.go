package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Logger is a zap logger that can carry sandbox request fields
type Logger struct {
	*zap.Logger
}

// New creates a JSON logger at the given level; unknown levels fall back to info.
func New(level string) (*Logger, error) {
	return NewWithFormat(level, FormatJSON)
}

// NewWithFormat creates a logger writing format ("json" or "console") to stdout
func NewWithFormat(level, format string) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	return build(lvl, format, false)
}

// NewDevelopment creates a debug-level console logger
func NewDevelopment() (*Logger, error) {
	return build(zapcore.DebugLevel, FormatConsole, true)
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

func build(lvl zapcore.Level, format string, development bool) (*Logger, error) {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.MessageKey = "message"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	if format == FormatConsole {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc.EncodeDuration = zapcore.StringDurationEncoder
	} else {
		format = FormatJSON
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      development,
		Encoding:         format,
		EncoderConfig:    enc,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: zl}, nil
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String(key, value))}
}

// WithSandbox tags entries with the remote sandbox id
func (l *Logger) WithSandbox(sandboxID string) *Logger { return l.with("sandbox_id", sandboxID) }

// WithModel tags entries with the requested model
func (l *Logger) WithModel(model string) *Logger { return l.with("model", model) }

// WithUser tags entries with the caller
func (l *Logger) WithUser(userID string) *Logger { return l.with("user_id", userID) }

// WithOperation tags entries with the lifecycle step, e.g. "acquire"
func (l *Logger) WithOperation(op string) *Logger { return l.with("operation", op) }
