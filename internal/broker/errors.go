package broker

import (
	"errors"
	"fmt"

	"github.com/nerdneilsfield/imagegen-broker/internal/storage"
	"github.com/nerdneilsfield/imagegen-broker/pkg/imageapi"
)

// Code is the stable, user-facing classification of a failed request.
type Code string

const (
	CodeInvalidInput         Code = "invalid_input"
	CodeUserNotFound         Code = "user_not_found"
	CodeInsufficientCredits  Code = "insufficient_credits"
	CodeRateLimited          Code = "rate_limited"
	CodeInvalidCredentials   Code = "invalid_credentials"
	CodeUpstreamRejected     Code = "upstream_rejected"
	CodeUpstreamTimeout      Code = "upstream_timeout"
	CodeUpstreamUnavailable  Code = "upstream_unavailable"
	CodeInvalidResponse      Code = "invalid_response"
	CodeConfigurationMissing Code = "configuration_missing"
	CodeCanceled             Code = "canceled"
	CodeInternal             Code = "internal_error"
)

// Error is returned by every failed broker run. GenerationTime is the time
// spent before failing, in seconds.
type Error struct {
	Code           Code
	Message        string
	GenerationTime float64
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the code of a broker error, CodeInternal otherwise.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func validationError(err error) *Error {
	return &Error{Code: CodeInvalidInput, Message: err.Error(), Err: err}
}

func ledgerError(err error) *Error {
	switch {
	case errors.Is(err, storage.ErrUserNotFound):
		return &Error{Code: CodeUserNotFound, Message: "user not found", Err: err}
	case errors.Is(err, storage.ErrInsufficientCredits):
		return &Error{Code: CodeInsufficientCredits, Message: "insufficient credits", Err: err}
	default:
		return &Error{Code: CodeInternal, Message: "credit ledger unavailable", Err: err}
	}
}

// upstreamError maps a generation client failure to a broker code.
func upstreamError(err error) *Error {
	var apiErr *imageapi.Error
	if !errors.As(err, &apiErr) {
		if imageapi.IsValidationError(err) {
			return validationError(err)
		}
		return &Error{Code: CodeInternal, Message: "generation failed", Err: err}
	}
	e := &Error{Err: err}
	switch apiErr.Kind {
	case imageapi.KindTimeout:
		e.Code, e.Message = CodeUpstreamTimeout, "the image service did not respond in time"
	case imageapi.KindNetwork, imageapi.KindServerError:
		e.Code, e.Message = CodeUpstreamUnavailable, "the image service is unavailable"
	case imageapi.KindRateLimited:
		e.Code, e.Message = CodeRateLimited, "too many requests to the image service, try again later"
	case imageapi.KindInvalidCredentials:
		e.Code, e.Message = CodeInvalidCredentials, "the image service rejected the configured api key"
	case imageapi.KindBadRequest, imageapi.KindRejected:
		e.Code, e.Message = CodeUpstreamRejected, "the image service rejected the request"
		if apiErr.Message != "" {
			e.Message += ": " + apiErr.Message
		}
	case imageapi.KindInvalidResponseFormat:
		e.Code, e.Message = CodeInvalidResponse, "the image service returned an unexpected response"
	case imageapi.KindConfigurationMissing:
		e.Code, e.Message = CodeConfigurationMissing, "image generation is not configured"
	case imageapi.KindCanceled:
		e.Code, e.Message = CodeCanceled, "request canceled"
	default:
		e.Code, e.Message = CodeInternal, "generation failed"
	}
	return e
}
