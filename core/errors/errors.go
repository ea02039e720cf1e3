package errors

import "errors"

type Category string

const (
	CategoryInvalidInput    Category = "invalid_input"
	CategoryNotFound        Category = "not_found"
	CategoryIOFailure       Category = "io_failure"
	CategorySerialization   Category = "serialization_failed"
	CategoryDecryption      Category = "decryption_failed"
	CategorySaltMismatch    Category = "salt_mismatch"
	CategoryConfiguration   Category = "configuration"
	CategoryStateContention Category = "state_contention"
	CategoryInternalFailure Category = "internal_failure"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

// Wrap classifies cause. A nil cause stays nil so call sites can wrap unconditionally.
func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// IO classifies a filesystem failure.
func IO(cause error, code string) error {
	return Wrap(cause, CategoryIOFailure, code, "check file permissions and free space", false)
}

// Serialization classifies a payload that is present but cannot be decoded.
func Serialization(cause error, code string) error {
	return Wrap(cause, CategorySerialization, code, "the file exists but is not a readable document", false)
}

// Configuration classifies a request the handle is not set up to serve.
func Configuration(cause error, code string) error {
	return Wrap(cause, CategoryConfiguration, code, "check storage options for this handle", false)
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}
