package imageapi

import (
	"errors"
	"fmt"
)

// Kind classifies a failed upstream call at the point of failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindNetwork
	KindServerError
	KindRateLimited
	KindInvalidCredentials
	KindBadRequest
	KindRejected
	KindInvalidResponseFormat
	KindConfigurationMissing
	KindCanceled
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindTimeout:               "timeout",
	KindNetwork:               "network",
	KindServerError:           "server_error",
	KindRateLimited:           "rate_limited",
	KindInvalidCredentials:    "invalid_credentials",
	KindBadRequest:            "bad_request",
	KindRejected:              "rejected",
	KindInvalidResponseFormat: "invalid_response_format",
	KindConfigurationMissing:  "configuration_missing",
	KindCanceled:              "canceled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindServerError:
		return true
	default:
		return false
	}
}

// Metric error types reported to the performance collaborator.
const (
	MetricTimeout      = "timeout"
	MetricAPIError     = "api_error"
	MetricUnknownError = "unknown_error"
)

// MetricType maps a kind onto the coarse metric error classes.
func (k Kind) MetricType() string {
	switch k {
	case KindTimeout:
		return MetricTimeout
	case KindNetwork, KindServerError, KindRateLimited, KindInvalidCredentials,
		KindBadRequest, KindRejected, KindInvalidResponseFormat:
		return MetricAPIError
	default:
		return MetricUnknownError
	}
}

// Error is returned for every failed upstream call.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("HTTP %d: %s", e.StatusCode, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("imageapi: %s: %v", msg, e.Err)
	}
	return "imageapi: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, ErrRateLimited) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.StatusCode == 0 && t.Message == "" && t.Err == nil
}

func (e *Error) Retryable() bool { return e.Kind.Retryable() }

func (e *Error) MetricType() string { return e.Kind.MetricType() }

var (
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrNetwork               = &Error{Kind: KindNetwork}
	ErrServerError           = &Error{Kind: KindServerError}
	ErrRateLimited           = &Error{Kind: KindRateLimited}
	ErrInvalidCredentials    = &Error{Kind: KindInvalidCredentials}
	ErrBadRequest            = &Error{Kind: KindBadRequest}
	ErrRejected              = &Error{Kind: KindRejected}
	ErrInvalidResponseFormat = &Error{Kind: KindInvalidResponseFormat}
	ErrConfigurationMissing  = &Error{Kind: KindConfigurationMissing}
	ErrCanceled              = &Error{Kind: KindCanceled}
)

// NewConfigurationError reports missing or incomplete upstream credentials.
func NewConfigurationError(message string, cause error) *Error {
	return &Error{Kind: KindConfigurationMissing, Message: message, Err: cause}
}

// KindOf extracts the kind of err, KindUnknown if it is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Validation errors, all raised before any network call.
var (
	ErrInvalidPrompt      = errors.New("invalid prompt")
	ErrInvalidModel       = errors.New("invalid model")
	ErrInvalidSize        = errors.New("invalid size")
	ErrMissingImage       = errors.New("at least one image is required")
	ErrTooManyImages      = fmt.Errorf("at most %d images are allowed", MaxImages)
	ErrInvalidImageFormat = errors.New("unsupported image format")
)

// IsValidationError reports whether err is one of the input validation errors.
func IsValidationError(err error) bool {
	for _, target := range []error{ErrInvalidPrompt, ErrInvalidModel, ErrInvalidSize, ErrMissingImage, ErrTooManyImages, ErrInvalidImageFormat} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
