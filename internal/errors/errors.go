// Package errors provides structured error types for the tunnel client.
// All errors include a category, code, message, and retryable flag so the
// resumable-read path can classify failures consistently.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies errors by failure domain.
type Category string

const (
	CategoryValidation Category = "VALIDATION"
	CategoryTransport  Category = "TRANSPORT"
	CategoryProtocol   Category = "PROTOCOL"
	CategoryData       Category = "DATA"
	CategoryInternal   Category = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes. Raised immediately, never retried.
	CodeInvalidSlice    = "INVALID_SLICE"
	CodeSchemaMismatch  = "SCHEMA_MISMATCH"
	CodeDecimalOverflow = "DECIMAL_OVERFLOW"
	CodeBadLiteral      = "BAD_LITERAL"
	CodeBadArgument     = "BAD_ARGUMENT"

	// Transport codes. Connection-level failures classified by the
	// transport collaborator.
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeServerBusy       = "SERVER_BUSY"
	CodeReadTimeout      = "READ_TIMEOUT"
	CodeWriteTimeout     = "WRITE_TIMEOUT"
	CodeBadResponse      = "BAD_RESPONSE"

	// Protocol codes. Server-reported session conditions.
	CodeSessionExpired  = "SESSION_EXPIRED"
	CodeSessionCritical = "SESSION_CRITICAL"
	CodeInvalidState    = "INVALID_STATE"
	CodeBlockMismatch   = "BLOCK_MISMATCH"
	CodeUnsupported     = "UNSUPPORTED"
	CodeRequestRejected = "REQUEST_REJECTED"

	// Data codes. Payload-level failures.
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	CodeDatetimeOverflow = "DATETIME_OVERFLOW"
	CodeMalformedPayload = "MALFORMED_PAYLOAD"

	// Internal codes.
	CodeUnexpected = "UNEXPECTED"
)

// TunnelError is the structured error type used throughout the client.
type TunnelError struct {
	Category  Category
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *TunnelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TunnelError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *TunnelError) Is(target error) bool {
	var t *TunnelError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TunnelError.
func New(category Category, code, message string) *TunnelError {
	return &TunnelError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new TunnelError wrapping an existing error.
func Wrap(category Category, code, message string, cause error) *TunnelError {
	return &TunnelError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// IsRetryable checks whether an error (or its chain) is retryable. Only
// retryable transport failures feed the download resumable-read algorithm;
// everything else is fatal to the attempt that raised it.
func IsRetryable(err error) bool {
	var te *TunnelError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetCategory extracts the category from an error chain, or "".
func GetCategory(err error) Category {
	var te *TunnelError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the code from an error chain, or "".
func GetCode(err error) string {
	var te *TunnelError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

func isRetryable(category Category, code string) bool {
	switch {
	case category == CategoryTransport && code == CodeConnectionFailed:
		return true
	case category == CategoryTransport && code == CodeServerBusy:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *TunnelError {
	return New(CategoryValidation, code, message)
}

func NewTransportError(code, message string, cause error) *TunnelError {
	return Wrap(CategoryTransport, code, message, cause)
}

func NewProtocolError(code, message string) *TunnelError {
	return New(CategoryProtocol, code, message)
}

func NewDataError(code, message string) *TunnelError {
	return New(CategoryData, code, message)
}

func NewInternalError(message string, cause error) *TunnelError {
	return Wrap(CategoryInternal, CodeUnexpected, message, cause)
}

// NewReadTimeout builds the dedicated read-timeout error, retaining the
// transport failure as its cause.
func NewReadTimeout(message string, cause error) *TunnelError {
	return Wrap(CategoryTransport, CodeReadTimeout, message, cause)
}

// NewWriteTimeout builds the dedicated write-timeout error, retaining the
// transport failure as its cause.
func NewWriteTimeout(message string, cause error) *TunnelError {
	return Wrap(CategoryTransport, CodeWriteTimeout, message, cause)
}

// NewDatetimeOverflow reports a date or datetime outside the representable
// range, raised unless suppressed by the antique-date policy.
func NewDatetimeOverflow(message string) *TunnelError {
	return New(CategoryData, CodeDatetimeOverflow, message)
}
