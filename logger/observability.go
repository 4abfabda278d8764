package logger

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// ObservabilityLogger provides structured JSONL logging using logrus,
// suitable for ingestion by log aggregators.
type ObservabilityLogger struct {
	logger *logrus.Logger
	file   *os.File
}

// Component constants for consistent labeling
const (
	ComponentProxy     = "proxy_core"
	ComponentProviders = "provider_parse"
	ComponentStream    = "stream_intercept"
	ComponentStorage   = "storage"
	ComponentThreading = "threading"
	ComponentConfig    = "configuration"
	ComponentServer    = "server"
)

// Category constants for log classification
const (
	CategoryRequest     = "request"
	CategoryStream      = "stream"
	CategoryPersistence = "persistence"
	CategoryError       = "error"
	CategoryLifecycle   = "lifecycle"
)

// NewObservabilityLogger creates a structured logger writing JSONL to
// interceptor.jsonl under logDir.
func NewObservabilityLogger(logDir string) (*ObservabilityLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	logPath := filepath.Join(logDir, "interceptor.jsonl")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetOutput(file)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	l.SetLevel(logrus.InfoLevel)

	return &ObservabilityLogger{logger: l, file: file}, nil
}

// Close closes the log file
func (o *ObservabilityLogger) Close() error {
	if o.file != nil {
		return o.file.Close()
	}
	return nil
}

// createEntry creates a logrus entry with standard fields
func (o *ObservabilityLogger) createEntry(component, category, requestID string, fields map[string]interface{}) *logrus.Entry {
	entry := o.logger.WithFields(logrus.Fields{
		"service":   "agent-interceptor",
		"component": component,
		"category":  category,
	})

	if requestID != "" {
		entry = entry.WithField("request_id", requestID)
	}
	if fields != nil {
		entry = entry.WithFields(fields)
	}

	return entry
}

// Debug logs a debug message
func (o *ObservabilityLogger) Debug(component, category, requestID, message string, fields map[string]interface{}) {
	o.createEntry(component, category, requestID, fields).Debug(message)
}

// Info logs an info message
func (o *ObservabilityLogger) Info(component, category, requestID, message string, fields map[string]interface{}) {
	o.createEntry(component, category, requestID, fields).Info(message)
}

// Warn logs a warning message
func (o *ObservabilityLogger) Warn(component, category, requestID, message string, fields map[string]interface{}) {
	o.createEntry(component, category, requestID, fields).Warn(message)
}

// Error logs an error message
func (o *ObservabilityLogger) Error(component, category, requestID, message string, fields map[string]interface{}) {
	o.createEntry(component, category, requestID, fields).Error(message)
}

// Interaction logs a persisted interaction summary
func (o *ObservabilityLogger) Interaction(requestID, provider, model string, streaming bool, latencyMs float64) {
	o.Info(ComponentProxy, CategoryPersistence, requestID, "Interaction persisted", map[string]interface{}{
		"provider":   provider,
		"model":      model,
		"streaming":  streaming,
		"latency_ms": latencyMs,
	})
}
