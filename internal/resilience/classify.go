// Package resilience classifies executor failures and retries them with
// backoff, and provides the per-kind circuit breaker.
package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// Severity ranks how bad a failure is.
type Severity string

const (
	SeverityCritical Severity = "critical" // cannot continue
	SeverityHigh     Severity = "high"     // operation failed, system continues
	SeverityMedium   Severity = "medium"   // recoverable
	SeverityLow      Severity = "low"      // warning only
)

// Category groups failures by cause.
type Category string

const (
	CategoryConnection Category = "connection"
	CategoryParsing    Category = "parsing"
	CategoryProcess    Category = "process"
	CategoryValidation Category = "validation"
	CategoryTimeout    Category = "timeout"
	CategoryUnknown    Category = "unknown"
)

// Retryable reports whether failures in this category may succeed on a later attempt.
func (c Category) Retryable() bool {
	switch c {
	case CategoryConnection, CategoryTimeout, CategoryProcess:
		return true
	}
	return false
}

// Classify maps a failure to exactly one (severity, category) pair.
// Unrecognized failures are (high, unknown).
func Classify(err error) (Severity, Category) {
	if err == nil {
		return SeverityLow, CategoryUnknown
	}

	// Explicitly typed errors first.
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return SeverityCritical, CategoryConnection
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return SeverityHigh, CategoryConnection
	}

	var procErr *ProcessError
	if errors.As(err, &procErr) {
		if procErr.ExitCode == 0 {
			return SeverityLow, CategoryUnknown
		}
		return SeverityHigh, CategoryProcess
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return SeverityMedium, CategoryParsing
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return SeverityMedium, CategoryValidation
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return SeverityMedium, CategoryTimeout
	}

	// Standard library shapes.
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return SeverityCritical, CategoryConnection
	}

	if isTimeout(err) {
		return SeverityMedium, CategoryTimeout
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			return SeverityLow, CategoryUnknown
		}
		return SeverityHigh, CategoryProcess
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return SeverityCritical, CategoryConnection
		}
		return SeverityHigh, CategoryConnection
	}

	if isConnectionSyscall(err) {
		return SeverityHigh, CategoryConnection
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return SeverityHigh, CategoryConnection
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return SeverityMedium, CategoryParsing
	}

	if errors.Is(err, strconv.ErrSyntax) || errors.Is(err, strconv.ErrRange) {
		return SeverityMedium, CategoryValidation
	}

	return SeverityHigh, CategoryUnknown
}

// Retryable applies the retry decision rule to a failure on its
// retryCount-th retry: never for critical failures, never past maxRetries,
// and only for connection, timeout and process categories.
func Retryable(err error, retryCount, maxRetries int) bool {
	severity, category := Classify(err)
	return shouldRetry(severity, category, retryCount, maxRetries)
}

func shouldRetry(severity Severity, category Category, retryCount, maxRetries int) bool {
	if severity == SeverityCritical {
		return false
	}
	if retryCount >= maxRetries {
		return false
	}
	return category.Retryable()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionSyscall(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
			syscall.EPIPE, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}
