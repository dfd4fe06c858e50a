// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// Logger writes levelled messages through zerolog.  Verbose messages are
// emitted at zerolog's debug level and Debug messages at trace level, so
// JSON consumers can filter on the standard level field.
type Logger struct {
	level      LogLevel
	output     io.Writer
	json       bool
	timestamps bool
	fields     []field

	mu *sync.Mutex
	zl zerolog.Logger
}

// Debug output is emitted at trace level, below zerolog's default floor.
func init() { zerolog.SetGlobalLevel(zerolog.TraceLevel) }

type field struct {
	key   string
	value string
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	l := &Logger{
		level:      LogLevel(verbosity),
		output:     os.Stderr,
		timestamps: verbosity >= 3, // auto-enable timestamps in debug mode
		mu:         &sync.Mutex{},
	}
	l.rebuild()
	return l
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) {
	l.timestamps = on
	l.rebuild()
}

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	l.rebuild()
}

// SetJSON switches between human-readable console lines and JSON lines.
func (l *Logger) SetJSON(on bool) {
	l.json = on
	l.rebuild()
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// With returns a child logger that attaches key=value to every message.
func (l *Logger) With(key string, value interface{}) *Logger {
	child := *l
	child.fields = append(append([]field(nil), l.fields...), field{key, fmt.Sprint(value)})
	child.rebuild()
	return &child
}

// Info prints when verbosity ≥ 1.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write(zerolog.InfoLevel, format, args...)
	}
}

// Warn prints when verbosity ≥ 1.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write(zerolog.WarnLevel, format, args...)
	}
}

// Verbose prints when verbosity ≥ 2.
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l.level >= LogVerbose {
		l.write(zerolog.DebugLevel, format, args...)
	}
}

// Debug prints when verbosity ≥ 3.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level >= LogDebug {
		l.write(zerolog.TraceLevel, format, args...)
	}
}

// Error always prints regardless of verbosity.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(zerolog.ErrorLevel, format, args...)
}

func (l *Logger) write(level zerolog.Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.zl.WithLevel(level).Msgf(format, args...)
}

// rebuild recreates the zerolog backend after a setting changed.
func (l *Logger) rebuild() {
	w := l.output
	if !l.json {
		cw := zerolog.ConsoleWriter{
			Out:         l.output,
			NoColor:     !isTerminal(l.output),
			TimeFormat:  "15:04:05.000",
			FormatLevel: formatLevel,
		}
		if !l.timestamps {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		w = cw
	}

	ctx := zerolog.New(w).Level(zerolog.TraceLevel).With()
	if l.timestamps {
		ctx = ctx.Timestamp()
	}
	for _, f := range l.fields {
		ctx = ctx.Str(f.key, f.value)
	}
	l.zl = ctx.Logger()
}

// formatLevel renders the console level tag.
func formatLevel(i interface{}) string {
	s, _ := i.(string)
	switch s {
	case zerolog.LevelErrorValue:
		return "[ERR]"
	case zerolog.LevelWarnValue:
		return "[WRN]"
	case zerolog.LevelInfoValue:
		return "[INF]"
	case zerolog.LevelDebugValue:
		return "[VRB]"
	case zerolog.LevelTraceValue:
		return "[DBG]"
	}
	return "[" + strings.ToUpper(s) + "]"
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
