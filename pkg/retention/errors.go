package retention

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is matched by every ConfigError.
	ErrInvalidConfig = errors.New("invalid retention config")

	// ErrNoLocation is returned when an operation needs the device location
	// and none is known.
	ErrNoLocation = errors.New("no current location")

	// ErrRunInProgress is returned when a run is requested while another is
	// still executing.
	ErrRunInProgress = errors.New("eviction run already in progress")
)

// ConfigError reports a malformed RetentionConfig.
type ConfigError struct {
	Field   string // Dotted field path, empty for whole-document errors
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("invalid retention config [%s]: %v", msg, e.Cause)
	}
	return fmt.Sprintf("invalid retention config [%s]", msg)
}

// Unwrap returns the underlying cause error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is makes every ConfigError match ErrInvalidConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string, cause error) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

// QueryError represents a failed eviction or subscription query.
type QueryError struct {
	Collection string
	Query      string
	Cause      error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("query error [collection=%s]: %v", e.Collection, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *QueryError) Unwrap() error {
	return e.Cause
}

// NewQueryError creates a new QueryError.
func NewQueryError(collection, query string, cause error) *QueryError {
	return &QueryError{
		Collection: collection,
		Query:      query,
		Cause:      cause,
	}
}

// StoreError represents an error from a storage backend.
type StoreError struct {
	Backend   string // "sqlite", "badger", "memory"
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// NewStoreError creates a new StoreError.
func NewStoreError(backend, operation string, cause error) *StoreError {
	return &StoreError{
		Backend:   backend,
		Operation: operation,
		Cause:     cause,
	}
}

// ExportError represents a failure while exporting audit entries.
type ExportError struct {
	Format string // "json", "csv"
	Count  int    // Number of entries being exported
	Cause  error
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	return fmt.Sprintf("export error [format=%s, count=%d]: %v", e.Format, e.Count, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *ExportError) Unwrap() error {
	return e.Cause
}

// NewExportError creates a new ExportError.
func NewExportError(format string, count int, cause error) *ExportError {
	return &ExportError{
		Format: format,
		Count:  count,
		Cause:  cause,
	}
}
