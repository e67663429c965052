// Package errors provides the standardized error taxonomy used across the
// ingestion pipeline: every failure the server reports is tagged with one of
// a fixed set of Kinds so callers can branch on behavior (retry, drop, close
// connection) without string matching driver messages.
package errors

import (
	"fmt"
	"runtime"
	"time"
)

// Kind identifies one of the error categories the ingestion pipeline
// distinguishes behaviorally, per the error handling design.
type Kind string

const (
	// KindParse marks a malformed element or unexpected attribute value in
	// the streaming parser. The connection is preserved; parsing resynchronizes.
	KindParse Kind = "PARSE_ERROR"
	// KindCorruptStore marks a dimension id read back from the store that
	// could not be coerced to a non-negative integer. Fatal for the entry.
	KindCorruptStore Kind = "CORRUPT_STORE"
	// KindStoreFull marks a commit failure whose underlying cause is the
	// engine's storage-full signal. Triggers one archival-and-retry cycle.
	KindStoreFull Kind = "STORE_FULL"
	// KindArchiveCreationFailed marks failure to create the archive
	// directory or the archive database file itself.
	KindArchiveCreationFailed Kind = "ARCHIVE_CREATION_FAILED"
	// KindProtocol marks a GUI handshake failure: wrong magic cookie or
	// unsupported protocol version.
	KindProtocol Kind = "PROTOCOL_ERROR"
	// KindTransport marks a socket-level failure, scoped to the connection
	// that produced it.
	KindTransport Kind = "TRANSPORT_ERROR"
)

// AppError is the standardized error value carried across component
// boundaries. It never crosses a task boundary unwrapped — every component
// that can fail returns one of these (or wraps it) so the caller can act on
// Kind rather than parsing the message.
type AppError struct {
	Kind      Kind                   `json:"kind"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation"`
	Message   string                 `json:"message"`
	Cause     error                  `json:"cause,omitempty"`
	Where     string                 `json:"where,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// New creates an AppError of the given kind.
func New(kind Kind, component, operation, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)
	return &AppError{
		Kind:      kind,
		Component: component,
		Operation: operation,
		Message:   message,
		Where:     fmt.Sprintf("%s:%d", file, line),
		Metadata:  make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Wrap attaches a cause and returns the receiver for chaining.
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithMetadata attaches a diagnostic key/value pair.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ToFields renders the error as a flat map suitable for structured logging.
func (e *AppError) ToFields() map[string]interface{} {
	fields := map[string]interface{}{
		"error_kind":      string(e.Kind),
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_message":   e.Message,
		"error_timestamp": e.Timestamp,
	}
	if e.Cause != nil {
		fields["error_cause"] = e.Cause.Error()
	}
	for k, v := range e.Metadata {
		fields["error_meta_"+k] = v
	}
	return fields
}

// Is reports whether err is an *AppError of the given kind.
func Is(err error, kind Kind) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Kind == kind
}

// ParseError builds a KindParse error for the streaming XML parser.
func ParseError(operation, message string) *AppError {
	return New(KindParse, "parser", operation, message)
}

// CorruptStoreError builds a KindCorruptStore error for normalization caches.
func CorruptStoreError(operation, message string) *AppError {
	return New(KindCorruptStore, "normalize", operation, message)
}

// StoreFullError builds a KindStoreFull error for the transaction layer.
func StoreFullError(operation string, cause error) *AppError {
	return New(KindStoreFull, "store", operation, "storage device reports full").Wrap(cause)
}

// ArchiveCreationFailedError builds a KindArchiveCreationFailed error.
func ArchiveCreationFailedError(operation string, cause error) *AppError {
	return New(KindArchiveCreationFailed, "archive", operation, "failed to create archive").Wrap(cause)
}

// ProtocolError builds a KindProtocol error for the GUI fan-out handshake.
func ProtocolError(operation, message string) *AppError {
	return New(KindProtocol, "fanout", operation, message)
}

// TransportError builds a KindTransport error for socket-level failures.
func TransportError(component, operation string, cause error) *AppError {
	return New(KindTransport, component, operation, "transport failure").Wrap(cause)
}
