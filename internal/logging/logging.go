// Package logging implements structured, leveled logging on top of go-kit/log.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/pflag"
)

var (
	_ pflag.Value = (*Level)(nil)
	_ pflag.Value = (*Format)(nil)
)

// Format is a logging format.
type Format uint

const (
	// FmtLogfmt is the "logfmt" logging format.
	FmtLogfmt Format = iota
	// FmtJSON is the JSON logging format.
	FmtJSON
)

// String returns the string representation of a Format.
func (f *Format) String() string {
	switch *f {
	case FmtLogfmt:
		return "logfmt"
	case FmtJSON:
		return "JSON"
	default:
		return fmt.Sprintf("Format(%d)", uint(*f))
	}
}

// Set sets the Format to the value specified by the provided string.
func (f *Format) Set(s string) error {
	switch strings.ToUpper(s) {
	case "LOGFMT":
		*f = FmtLogfmt
	case "JSON":
		*f = FmtJSON
	default:
		return fmt.Errorf("logging: invalid log format: '%s'", s)
	}

	return nil
}

// Type returns the list of supported Formats.
func (f *Format) Type() string {
	return "[logfmt,JSON]"
}

// Level is a log level.
type Level uint

const (
	// LevelDebug is the log level for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the log level for informative messages.
	LevelInfo
	// LevelWarn is the log level for warning messages.
	LevelWarn
	// LevelError is the log level for error messages.
	LevelError
)

func (l Level) toOption() level.Option {
	switch l {
	case LevelDebug:
		return level.AllowDebug()
	case LevelInfo:
		return level.AllowInfo()
	case LevelWarn:
		return level.AllowWarn()
	default:
		return level.AllowError()
	}
}

// String returns the string representation of a Level.
func (l *Level) String() string {
	switch *l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("Level(%d)", uint(*l))
	}
}

// Set sets the Level to the value specified by the provided string.
func (l *Level) Set(s string) error {
	switch strings.ToUpper(s) {
	case "DEBUG":
		*l = LevelDebug
	case "INFO":
		*l = LevelInfo
	case "WARN":
		*l = LevelWarn
	case "ERROR":
		*l = LevelError
	default:
		return fmt.Errorf("logging: invalid log level: '%s'", s)
	}

	return nil
}

// Type returns the list of supported Levels.
func (l *Level) Type() string {
	return "[DEBUG,INFO,WARN,ERROR]"
}

// Logger is a leveled structured logger.
// Messages are logged with the "msg" key, followed by the given key value pairs.
type Logger struct {
	logger log.Logger
	level  Level
}

// New creates a logger writing to w in the given format.
// Messages below lvl are discarded.
func New(w io.Writer, format Format, lvl Level) (*Logger, error) {
	w = log.NewSyncWriter(w)

	var logger log.Logger
	switch format {
	case FmtLogfmt:
		logger = log.NewLogfmtLogger(w)
	case FmtJSON:
		logger = log.NewJSONLogger(w)
	default:
		return nil, fmt.Errorf("logging: unsupported log format: %v", format)
	}

	logger = level.NewFilter(logger, lvl.toOption())
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	return &Logger{logger: logger, level: lvl}, nil
}

// NewNop returns a logger that discards all messages.
func NewNop() *Logger {
	return &Logger{logger: log.NewNopLogger(), level: LevelError + 1}
}

// Debug logs the message and key value pairs at the Debug log level.
func (l *Logger) Debug(msg string, keyvals ...any) {
	if l.level > LevelDebug {
		return
	}
	_ = level.Debug(l.logger).Log(prepend(msg, keyvals)...)
}

// Info logs the message and key value pairs at the Info log level.
func (l *Logger) Info(msg string, keyvals ...any) {
	if l.level > LevelInfo {
		return
	}
	_ = level.Info(l.logger).Log(prepend(msg, keyvals)...)
}

// Warn logs the message and key value pairs at the Warn log level.
func (l *Logger) Warn(msg string, keyvals ...any) {
	if l.level > LevelWarn {
		return
	}
	_ = level.Warn(l.logger).Log(prepend(msg, keyvals)...)
}

// Error logs the message and key value pairs at the Error log level.
func (l *Logger) Error(msg string, keyvals ...any) {
	if l.level > LevelError {
		return
	}
	_ = level.Error(l.logger).Log(prepend(msg, keyvals)...)
}

// With returns a clone of the logger with the provided key/value pairs added to every message.
func (l *Logger) With(keyvals ...any) *Logger {
	return &Logger{
		logger: log.With(l.logger, keyvals...),
		level:  l.level,
	}
}

func prepend(msg string, keyvals []any) []any {
	return append([]any{"msg", msg}, keyvals...)
}
