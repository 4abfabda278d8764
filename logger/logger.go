package logger

import (
	"agent-interceptor/internal"
	"context"
	"fmt"
	"log"
	"strings"
)

// Level represents the severity level of a log message
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of a log level
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns the emoji prefix for a log level
func (l Level) Emoji() string {
	switch l {
	case DEBUG:
		return "🔍"
	case INFO:
		return "ℹ️"
	case WARN:
		return "⚠️"
	case ERROR:
		return "❌"
	default:
		return "📝"
	}
}

// Logger defines the interface for structured logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	WithField(key, value string) Logger
	WithProvider(provider string) Logger
	WithComponent(component string) Logger
}

// LoggerConfig holds configuration for the logger
type LoggerConfig interface {
	GetMinLogLevel() Level
	ShouldMaskAPIKeys() bool
}

// ContextLogger implements the Logger interface with request-ID-aware output
type ContextLogger struct {
	ctx       context.Context
	config    LoggerConfig
	fields    map[string]string
	provider  string
	component string
}

// New creates a new ContextLogger with the given config
func New(ctx context.Context, config LoggerConfig) Logger {
	return &ContextLogger{
		ctx:    ctx,
		config: config,
		fields: make(map[string]string),
	}
}

// WithField adds a field to the logger context
func (l *ContextLogger) WithField(key, value string) Logger {
	newFields := make(map[string]string, len(l.fields)+1)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value

	return &ContextLogger{
		ctx:       l.ctx,
		config:    l.config,
		fields:    newFields,
		provider:  l.provider,
		component: l.component,
	}
}

// WithProvider tags log lines with the detected provider
func (l *ContextLogger) WithProvider(provider string) Logger {
	return &ContextLogger{
		ctx:       l.ctx,
		config:    l.config,
		fields:    l.fields,
		provider:  provider,
		component: l.component,
	}
}

// WithComponent sets the component for the logger
func (l *ContextLogger) WithComponent(component string) Logger {
	return &ContextLogger{
		ctx:       l.ctx,
		config:    l.config,
		fields:    l.fields,
		provider:  l.provider,
		component: component,
	}
}

func (l *ContextLogger) shouldLog(level Level) bool {
	return level >= l.config.GetMinLogLevel()
}

// formatMessage creates a structured log message
func (l *ContextLogger) formatMessage(level Level, format string, args ...interface{}) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("%s [%s]", level.Emoji(), level.String()))

	if requestID := internal.GetRequestID(l.ctx); requestID != "" && requestID != "unknown" {
		parts = append(parts, fmt.Sprintf("[%s]", requestID))
	}

	if l.component != "" {
		parts = append(parts, fmt.Sprintf("[%s]", l.component))
	}
	if l.provider != "" {
		parts = append(parts, fmt.Sprintf("[%s]", l.provider))
	}

	message := fmt.Sprintf(format, args...)
	if l.config.ShouldMaskAPIKeys() {
		message = maskAPIKeys(message)
	}
	parts = append(parts, message)

	if len(l.fields) > 0 {
		var fieldParts []string
		for k, v := range l.fields {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%s", k, v))
		}
		parts = append(parts, fmt.Sprintf("fields={%s}", strings.Join(fieldParts, ", ")))
	}

	return strings.Join(parts, " ")
}

// maskAPIKeys masks likely API key material in log messages
func maskAPIKeys(message string) string {
	for _, prefix := range []string{"Bearer sk-", "sk-ant-", "sk-"} {
		from := 0
		for {
			rel := strings.Index(message[from:], prefix)
			if rel < 0 {
				break
			}
			idx := from + rel
			end := idx + len(prefix)
			for end < len(message) && isKeyChar(message[end]) {
				end++
			}
			from = idx + len(prefix)
			if end == from {
				continue
			}
			message = message[:from] + "***" + message[end:]
			from += len("***")
		}
	}
	return message
}

func isKeyChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
}

// Debug logs a debug level message
func (l *ContextLogger) Debug(format string, args ...interface{}) {
	if l.shouldLog(DEBUG) {
		log.Println(l.formatMessage(DEBUG, format, args...))
	}
}

// Info logs an info level message
func (l *ContextLogger) Info(format string, args ...interface{}) {
	if l.shouldLog(INFO) {
		log.Println(l.formatMessage(INFO, format, args...))
	}
}

// Warn logs a warning level message
func (l *ContextLogger) Warn(format string, args ...interface{}) {
	if l.shouldLog(WARN) {
		log.Println(l.formatMessage(WARN, format, args...))
	}
}

// Error logs an error level message
func (l *ContextLogger) Error(format string, args ...interface{}) {
	if l.shouldLog(ERROR) {
		log.Println(l.formatMessage(ERROR, format, args...))
	}
}
