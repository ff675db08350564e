package sandbox

import "time"

// ErrorKind classifies sandbox failures.
type ErrorKind string

const (
	ErrKindNone              ErrorKind = ""
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindMemoryExceeded    ErrorKind = "memory_exceeded"
	ErrKindRuntimeError      ErrorKind = "runtime_error"
	ErrKindSecurityViolation ErrorKind = "security_violation"
)

// Job is one code fragment to execute with its inputs and limits.
// Zero-valued Timeout and MemoryLimitMB fall back to the executor config.
type Job struct {
	Code          string
	Bindings      map[string]interface{}
	Timeout       time.Duration
	MemoryLimitMB int
}

// Result is the immutable outcome of a job.
type Result struct {
	Stdout      string
	ReturnValue interface{}
	Success     bool
	ErrKind     ErrorKind
	ErrMessage  string
	WallTime    time.Duration
}

func failure(kind ErrorKind, msg string, stdout string, wall time.Duration) Result {
	return Result{
		Stdout:     stdout,
		Success:    false,
		ErrKind:    kind,
		ErrMessage: msg,
		WallTime:   wall,
	}
}
