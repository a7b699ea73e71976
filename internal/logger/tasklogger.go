package logger

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/specterops/dirhound/internal/config"
)

// TaskLogger provides task-specific logging with isolated indentation.
// Each concurrent task gets its own TaskLogger to avoid indent conflicts.
type TaskLogger struct {
	baseLogger  *Logger
	taskID      string
	indentLevel int
}

// NewTaskLogger creates a new TaskLogger wrapping a base Logger.
func NewTaskLogger(baseLogger *Logger, taskID string) *TaskLogger {
	return &TaskLogger{
		baseLogger: baseLogger,
		taskID:     taskID,
	}
}

func (t *TaskLogger) prefix() string {
	if t.taskID == "" {
		return ""
	}
	return "[" + t.taskID + "] "
}

func (t *TaskLogger) Print(message string) {
	t.baseLogger.emit(zerolog.NoLevel, t.prefix(), message, t.indentLevel)
}

func (t *TaskLogger) PrintWithEnd(message string, end string) {
	t.baseLogger.PrintWithEnd(t.prefix()+message, end)
}

func (t *TaskLogger) Trace(message string) {
	t.baseLogger.emit(zerolog.TraceLevel, t.prefix(), message, t.indentLevel)
}

func (t *TaskLogger) Debug(message string) {
	t.baseLogger.emit(zerolog.DebugLevel, t.prefix(), message, t.indentLevel)
}

func (t *TaskLogger) Info(message string) {
	t.baseLogger.emit(zerolog.InfoLevel, t.prefix(), message, t.indentLevel)
}

func (t *TaskLogger) Warning(message string) {
	t.baseLogger.emit(zerolog.WarnLevel, t.prefix(), message, t.indentLevel)
}

func (t *TaskLogger) Error(message string) {
	t.baseLogger.emit(zerolog.ErrorLevel, t.prefix(), message, t.indentLevel)
}

func (t *TaskLogger) Critical(message string) {
	t.baseLogger.emit(zerolog.FatalLevel, t.prefix(), message, t.indentLevel)
}

// IncrementIndent increases the indentation level for this task.
func (t *TaskLogger) IncrementIndent() {
	t.indentLevel++
}

// DecrementIndent decreases the indentation level for this task.
func (t *TaskLogger) DecrementIndent() {
	if t.indentLevel > 0 {
		t.indentLevel--
	}
}

// Config returns the underlying logger's config.
func (t *TaskLogger) Config() *config.Config {
	return t.baseLogger.config
}

// LoggerInterface defines the common interface for Logger and TaskLogger.
type LoggerInterface interface {
	Print(message string)
	PrintWithEnd(message string, end string)
	Trace(message string)
	Debug(message string)
	Info(message string)
	Warning(message string)
	Error(message string)
	Critical(message string)
	IncrementIndent()
	DecrementIndent()
	Config() *config.Config
}

var _ LoggerInterface = (*Logger)(nil)
var _ LoggerInterface = (*TaskLogger)(nil)

// Nop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func Nop() *Logger {
	return &Logger{
		config: config.NewConfig(false, boolPtr(true)),
		out:    io.Discard,
		zl:     zerolog.Nop(),
	}
}

func boolPtr(b bool) *bool { return &b }
