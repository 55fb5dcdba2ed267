// Package observability builds the process loggers.
//
// Logs always go to stderr: stdout is reserved for machine-readable
// progress output, and the two streams must not interleave.
package observability

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	// ProfileStructured emits JSON lines for log collectors.
	ProfileStructured = "STRUCTURED"

	// ProfileCLI emits tab-separated human-readable lines.
	ProfileCLI = "CLI"
)

// CLILogger is the human-oriented logger used by CLI commands. It writes
// to stderr so command output on stdout stays parseable. It starts as a
// no-op; InitCLILogger replaces it once the log level is known.
var CLILogger = zap.NewNop()

// InitCLILogger replaces CLILogger with a console logger at the given
// level. Unparseable levels fall back to info. Quiet raises the floor to
// error so progress chatter disappears but failures still surface.
func InitCLILogger(level string, quiet bool) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if quiet && lvl < zapcore.ErrorLevel {
		lvl = zapcore.ErrorLevel
	}

	encoder, err := newEncoder(ProfileCLI)
	if err != nil {
		return
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), lvl)
	CLILogger = zap.New(core)
}

// NewLogger builds a logger writing to stderr with the given minimum
// level ("debug", "info", "warn", "error") and profile.
func NewLogger(level, profile string) (*zap.Logger, error) {
	return NewLoggerTo(os.Stderr, level, profile)
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(w io.Writer, level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	encoder, err := newEncoder(profile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), lvl)
	return zap.New(core), nil
}

func newEncoder(profile string) (zapcore.Encoder, error) {
	switch strings.ToUpper(profile) {
	case "", ProfileStructured:
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg), nil
	case ProfileCLI:
		cfg := zapcore.EncoderConfig{
			TimeKey:          "ts",
			LevelKey:         "level",
			MessageKey:       "msg",
			NameKey:          "logger",
			EncodeLevel:      zapcore.CapitalLevelEncoder,
			EncodeTime:       zapcore.ISO8601TimeEncoder,
			ConsoleSeparator: "\t",
		}
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown logging profile %q", profile)
	}
}
