package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_trace/internal/correlation"
	"github.com/austindbirch/harbor_trace/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelRank = map[LogLevel]int32{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel accepts the level names case-insensitively; "warning" is an
// alias for warn.
func ParseLevel(s string) (LogLevel, error) {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if l == "warning" {
		l = LevelWarn
	}
	if _, ok := levelRank[l]; !ok {
		return "", fmt.Errorf("logging: unknown level %q", s)
	}
	return l, nil
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Time          time.Time      `json:"time"`
	Level         LogLevel       `json:"level"`
	Message       string         `json:"msg"`
	Service       string         `json:"service,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	AttachmentID  string         `json:"attachment_id,omitempty"`
	JobKind       string         `json:"job_kind,omitempty"`
	Sink          string         `json:"sink,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// Logger provides structured logging with trace and correlation ids
type Logger struct {
	service string
	min     atomic.Int32

	mu  sync.Mutex
	out io.Writer
}

// New creates a logger for the given service writing to stdout. The minimum
// level comes from LOG_LEVEL and defaults to info.
func New(service string) *Logger {
	l := NewWithWriter(service, os.Stdout)
	level, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = LevelInfo
	}
	l.SetLevel(level)
	return l
}

// NewWithWriter creates a logger that writes one JSON object per line to w.
// It logs every level until SetLevel is called.
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{
		service: service,
		out:     w,
	}
}

// SetLevel drops entries below level. Fatal entries are always written.
func (l *Logger) SetLevel(level LogLevel) {
	l.min.Store(levelRank[level])
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level == LevelFatal || levelRank[level] >= l.min.Load()
}

// Service returns the service name stamped on every entry
func (l *Logger) Service() string {
	return l.service
}

func (l *Logger) entry(fields map[string]any) *LogEntry {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  fields,
		logger:  l,
	}
}

// WithContext creates a log entry stamped with the trace id and the flow's
// correlation id carried by ctx
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry(nil)

	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	if id := correlation.Current(ctx); id != correlation.Empty {
		entry.CorrelationID = id.String()
	}

	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry(nil)
}

// Fluent interface methods for LogEntry

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithCorrelation sets the correlation ID for the log entry
func (e *LogEntry) WithCorrelation(id correlation.ID) *LogEntry {
	if id != correlation.Empty {
		e.CorrelationID = id.String()
	}
	return e
}

// WithAttachment sets the attachment ID for the log entry
func (e *LogEntry) WithAttachment(attachmentID string) *LogEntry {
	e.AttachmentID = attachmentID
	return e
}

// WithJobKind sets the background job kind for the log entry
func (e *LogEntry) WithJobKind(kind fmt.Stringer) *LogEntry {
	e.JobKind = kind.String()
	return e
}

// WithSink sets the sink (transmitter or store) name for the log entry
func (e *LogEntry) WithSink(sink string) *LogEntry {
	e.Sink = sink
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields["error"] = err.Error()
	}
	return e
}

// Log methods

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.emit(LevelDebug, message)
}

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.emit(LevelDebug, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.emit(LevelInfo, message)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.emit(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.emit(LevelWarn, message)
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.emit(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.emit(LevelError, message)
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.emit(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.emit(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.emit(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (e *LogEntry) emit(level LogLevel, message string) {
	if e.logger != nil && !e.logger.Enabled(level) {
		return
	}
	e.Level = level
	e.Message = message
	e.output()
}

// output writes the log entry to the logger's writer as one JSON line
func (e *LogEntry) output() {
	// Clean up empty fields
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	l := e.logger
	if l == nil {
		l = defaultLogger
	}

	data, err := json.Marshal(e)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(l.out, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}

	data = append(data, '\n')
	_, _ = l.out.Write(data)
}

// Global convenience functions

var defaultLogger = New("harbortrace")

// Default returns the process-wide logger
func Default() *Logger {
	return defaultLogger
}

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}

// SetDefaultLevel sets the minimum level of the default logger
func SetDefaultLevel(level LogLevel) {
	defaultLogger.SetLevel(level)
}
