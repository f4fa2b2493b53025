package apilog

import (
	"errors"
	"fmt"
)

// ErrShutdown is returned by operations attempted after Shutdown has begun.
var ErrShutdown = errors.New("apilog: exporter is shut down")

// TransportError reports a send that failed after the retry policy gave up.
// Err is the last underlying cause.
type TransportError struct {
	Op       string // "batch" or "entry"
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("apilog: send %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx answer from the collector.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("collector responded with status %d: %s", e.StatusCode, e.Body)
}

// ConfigurationError is returned by New when the exporter cannot operate.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("apilog: invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("apilog: invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SerializationError marks a captured body that could not be decoded as JSON.
// Adapters skip the field and still log the rest of the entry.
type SerializationError struct {
	Field string // "request_body" or "response_body"
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("apilog: cannot decode %s: %v", e.Field, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
