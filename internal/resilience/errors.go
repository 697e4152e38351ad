package resilience

import "fmt"

// ConnectionError marks a dependency that is transiently unreachable.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotFoundError marks a dependency that is fundamentally absent (binary not
// installed, endpoint not configured). Retrying will not help.
type NotFoundError struct {
	Target string
	Err    error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %v", e.Target, e.Err)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// ProcessError is a failed executor process. ExitCode 0 means the process
// reported an error but exited cleanly.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("process exited with code %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("process exited with code %d: %v", e.ExitCode, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// ParseError is malformed structured output.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("malformed output: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError is an invalid argument handed to an executor.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid input: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TimeoutError is an operation that exceeded its deadline.
type TimeoutError struct {
	Operation string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Operation, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
