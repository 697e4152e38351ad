package resilience

import (
	"fmt"
	"log/slog"
	"time"
)

// ErrorContext describes one failed attempt. It is built by the Retrier for
// its decision and log entry and then dropped.
type ErrorContext struct {
	Err        error
	Operation  string
	Severity   Severity
	Category   Category
	RetryCount int
	MaxRetries int
	Metadata   map[string]any
	Timestamp  time.Time
}

// NewErrorContext classifies err and wraps it with attempt details.
func NewErrorContext(err error, operation string, retryCount, maxRetries int) *ErrorContext {
	severity, category := Classify(err)
	return &ErrorContext{
		Err:        err,
		Operation:  operation,
		Severity:   severity,
		Category:   category,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		Metadata:   make(map[string]any),
		Timestamp:  time.Now(),
	}
}

// ShouldRetry reports whether another attempt is allowed.
func (c *ErrorContext) ShouldRetry() bool {
	return shouldRetry(c.Severity, c.Category, c.RetryCount, c.MaxRetries)
}

// LogValue implements slog.LogValuer.
func (c *ErrorContext) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("error_type", fmt.Sprintf("%T", c.Err)),
		slog.String("error", errString(c.Err)),
		slog.String("operation", c.Operation),
		slog.String("severity", string(c.Severity)),
		slog.String("category", string(c.Category)),
		slog.Int("retry_count", c.RetryCount),
		slog.Int("max_retries", c.MaxRetries),
		slog.Time("timestamp", c.Timestamp),
	}
	if len(c.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", c.Metadata))
	}
	return slog.GroupValue(attrs...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
