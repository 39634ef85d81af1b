// Package errors provides structured error handling for the offline engine.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Network errors are transient: timeouts, refused connections, 5xx and
	// throttling responses. They feed the retry path.
	CodeNetwork Code = "NETWORK"

	// CodeConflict covers validation and conflict rejections (4xx-class). They
	// are terminal and never retried automatically.
	CodeConflict Code = "CONFLICT"

	// CodeStorage marks a persistent-store read or write failure.
	CodeStorage Code = "STORAGE"

	// CodeExhaustedRetries marks a queued item that hit its retry ceiling.
	CodeExhaustedRetries Code = "EXHAUSTED_RETRIES"

	// CodeUnavailable is returned by reads when neither network nor cache can
	// serve the request.
	CodeUnavailable Code = "UNAVAILABLE"

	// Queue and cache errors
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeEntryTooLarge     Code = "ENTRY_TOO_LARGE"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
)

// Retryable reports whether errors with this code may succeed when repeated.
func (c Code) Retryable() bool {
	return c == CodeNetwork || c == CodeUnknown
}

// Terminal reports whether errors with this code must not be retried.
func (c Code) Terminal() bool {
	switch c {
	case CodeConflict, CodeExhaustedRetries, CodeInvalidArgument:
		return true
	default:
		return false
	}
}
