package errors

import (
	"errors"
	"fmt"
)

// Category classifies error types for targeted handling and monitoring.
type Category string

const (
	CategoryDecode    Category = "decode"
	CategoryEncode    Category = "encode"
	CategoryPipeline  Category = "pipeline"
	CategoryStorage   Category = "storage"
	CategoryConfig    Category = "config"
	CategoryTransient Category = "transient"
	CategoryInput     Category = "input"
	CategoryCache     Category = "cache"
)

// ProcessingError is the structured error type used throughout the module.
type ProcessingError struct {
	Category  Category
	Op        string // operation name
	Err       error
	Retryable bool
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// New creates a non-retryable ProcessingError.
func New(category Category, op string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Err: err}
}

// Transient creates a retryable ProcessingError.
func Transient(op string, err error) *ProcessingError {
	return &ProcessingError{Category: CategoryTransient, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with context.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(category, op, err)
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category == cat
	}
	return false
}

// Sentinel errors for common failure modes.
var (
	ErrUnsupportedFormat  = errors.New("unsupported image format")
	ErrInvalidDimensions  = errors.New("invalid dimensions")
	ErrEmptyInput         = errors.New("empty input")
	ErrContextCanceled    = errors.New("context canceled")
	ErrWorkerPoolFull     = errors.New("worker pool queue full")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("image not found")

	// Decode outcomes.
	ErrFormatNotRecognized = errors.New("format not recognized")
	ErrFileCorrupted       = errors.New("file corrupted")
	ErrCacheExhausted      = errors.New("cache exhausted")

	// ErrBusy is returned by non-blocking cache acquisition.
	ErrBusy = errors.New("buffer busy")
)

// NotRecognized reports that a decoder does not handle the input. The probe
// chain moves on to the next decoder.
func NotRecognized(op string, cause error) error {
	return New(CategoryDecode, op, join(ErrFormatNotRecognized, cause))
}

// Corrupted reports malformed input in the format the decoder handles.
func Corrupted(op string, cause error) error {
	return New(CategoryDecode, op, join(ErrFileCorrupted, cause))
}

// Exhausted reports that no buffer could be allocated. It is retryable once
// the caller has freed other buffers.
func Exhausted(op string, cause error) error {
	return &ProcessingError{
		Category:  CategoryCache,
		Op:        op,
		Err:       join(ErrCacheExhausted, cause),
		Retryable: true,
	}
}

// Library translates an error raised by a third-party codec into one of the
// decode outcomes. Errors already carrying an outcome pass through.
func Library(op string, cause error, outOfMemory bool) error {
	if cause == nil {
		return nil
	}
	switch {
	case errors.Is(cause, ErrFormatNotRecognized),
		errors.Is(cause, ErrFileCorrupted),
		errors.Is(cause, ErrCacheExhausted):
		return cause
	case outOfMemory:
		return Exhausted(op, cause)
	}
	return Corrupted(op, cause)
}

// IsNotRecognized reports whether err is a format-not-recognized outcome.
func IsNotRecognized(err error) bool { return errors.Is(err, ErrFormatNotRecognized) }

// IsCorrupted reports whether err is a file-corrupted outcome.
func IsCorrupted(err error) bool { return errors.Is(err, ErrFileCorrupted) }

// IsExhausted reports whether err is a cache-exhausted outcome.
func IsExhausted(err error) bool { return errors.Is(err, ErrCacheExhausted) }

func join(sentinel, cause error) error {
	if cause == nil || cause == sentinel {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
