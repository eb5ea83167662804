package extract

import "fmt"

// Code identifies why an extraction did not produce text.
type Code string

const (
	// CodeInvalidFile means the input failed validation. Never retried.
	CodeInvalidFile Code = "INVALID_FILE"

	// CodeExtractionFailed means the embedded text layer could not be read.
	// It triggers the OCR fallback and is only surfaced for unexpected
	// failures.
	CodeExtractionFailed Code = "EXTRACTION_FAILED"

	// CodeOCRFailed means OCR exhausted its attempts.
	CodeOCRFailed Code = "OCR_FAILED"

	// CodeTimeout means a single OCR attempt ran past its deadline.
	CodeTimeout Code = "TIMEOUT"

	// CodeUnsupportedFormat means OCR ran but still yielded too little text.
	CodeUnsupportedFormat Code = "UNSUPPORTED_FORMAT"
)

// Error is an extraction failure with a stable code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the failed operation may succeed if repeated.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeTimeout, CodeExtractionFailed:
		return true
	default:
		return false
	}
}

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
