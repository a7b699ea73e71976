// Package logger provides leveled console and file logging for dirhound.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"

	"github.com/specterops/dirhound/internal/config"
)

const timeFormat = "2006-01-02 15:04:05.000"

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]+m`)

// Logger provides logging functionality with color support and file output.
type Logger struct {
	config      *config.Config
	zl          zerolog.Logger
	out         io.Writer
	logfile     *os.File
	logfilePath string
	indentLevel int
	mu          sync.Mutex
}

// NewLogger creates a new Logger writing to stdout and, when logfilePath is
// set, to a rotated log file.
func NewLogger(cfg *config.Config, logfilePath string) *Logger {
	var out io.Writer = colorable.NewColorableStdout()
	if cfg.NoColors() {
		out = colorable.NewNonColorable(os.Stdout)
	}
	l := &Logger{config: cfg, out: out}

	writers := []io.Writer{consoleWriter(out, cfg.NoColors())}
	if logfilePath != "" {
		if f := l.openLogFile(logfilePath); f != nil {
			writers = append(writers, consoleWriter(f, true))
		}
	}
	l.zl = newZerolog(cfg, zerolog.MultiLevelWriter(writers...))
	if l.logfilePath != "" {
		l.Debug("Writing logs to logfile: '" + l.logfilePath + "'")
	}
	return l
}

// newWithWriter builds a Logger on an arbitrary writer, without color.
func newWithWriter(cfg *config.Config, w io.Writer) *Logger {
	return &Logger{
		config: cfg,
		out:    w,
		zl:     newZerolog(cfg, consoleWriter(w, true)),
	}
}

func consoleWriter(w io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, NoColor: noColor, TimeFormat: timeFormat}
}

func newZerolog(cfg *config.Config, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	switch {
	case cfg.Trace():
		level = zerolog.TraceLevel
	case cfg.Debug():
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// openLogFile opens a log file, handling rotation if the file exists.
func (l *Logger) openLogFile(path string) *os.File {
	finalPath := path

	if _, err := os.Stat(path); err == nil {
		k := 1
		for {
			newPath := fmt.Sprintf("%s.%d", path, k)
			if _, err := os.Stat(newPath); os.IsNotExist(err) {
				finalPath = newPath
				break
			}
			k++
		}
	}

	if dir := filepath.Dir(finalPath); dir != "" && dir != "." {
		os.MkdirAll(dir, 0755)
	}

	file, err := os.Create(finalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not create log file %s: %v\n", finalPath, err)
		return nil
	}

	l.logfile = file
	l.logfilePath = finalPath
	return file
}

// Close closes the log file if one is open.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logfile != nil {
		l.logfile.Close()
		l.logfile = nil
	}
}

func stripAnsiCodes(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func (l *Logger) format(message string, indent int) string {
	if l.config.NoColors() {
		message = stripAnsiCodes(message)
	}
	return strings.Repeat("  │ ", indent) + message
}

func (l *Logger) emit(level zerolog.Level, prefix, message string, indent int) {
	if level < l.zl.GetLevel() {
		return
	}
	msg := prefix + l.format(message, indent)
	l.mu.Lock()
	defer l.mu.Unlock()
	if level == zerolog.NoLevel {
		l.zl.Log().Msg(msg)
		return
	}
	l.zl.WithLevel(level).Msg(msg)
}

func (l *Logger) indent() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.indentLevel
}

// Print prints a message without a level.
func (l *Logger) Print(message string) {
	l.emit(zerolog.NoLevel, "", message, l.indent())
}

// PrintWithEnd prints a message with a custom line ending, bypassing the
// structured writer when the ending is not a newline.
func (l *Logger) PrintWithEnd(message string, end string) {
	if end == "\n" {
		l.Print(message)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, l.format(message, l.indentLevel)+end)
}

// Trace logs a message at the TRACE level.
func (l *Logger) Trace(message string) {
	l.emit(zerolog.TraceLevel, "", message, l.indent())
}

// Debug logs a message at the DEBUG level if debugging is enabled.
func (l *Logger) Debug(message string) {
	l.emit(zerolog.DebugLevel, "", message, l.indent())
}

// Info logs a message at the INFO level.
func (l *Logger) Info(message string) {
	l.emit(zerolog.InfoLevel, "", message, l.indent())
}

// Warning logs a message at the WARNING level.
func (l *Logger) Warning(message string) {
	l.emit(zerolog.WarnLevel, "", message, l.indent())
}

// Error logs a message at the ERROR level.
func (l *Logger) Error(message string) {
	l.emit(zerolog.ErrorLevel, "", message, l.indent())
}

// Critical logs a message at the highest level without exiting.
func (l *Logger) Critical(message string) {
	l.emit(zerolog.FatalLevel, "", message, l.indent())
}

// IncrementIndent increases the indentation level.
func (l *Logger) IncrementIndent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.indentLevel++
}

// DecrementIndent decreases the indentation level.
func (l *Logger) DecrementIndent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indentLevel > 0 {
		l.indentLevel--
	}
}

// Config returns the logger's config.
func (l *Logger) Config() *config.Config {
	return l.config
}
