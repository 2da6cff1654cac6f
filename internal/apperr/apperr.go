// Package apperr defines the domain error taxonomy shared across the
// flowdeck core. Every error carries a stable code plus a structured
// parameter bag so callers can render it without parsing messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a domain error class.
type Code string

const (
	CodeFlowNotFound              Code = "flow_not_found"
	CodeFlowVersionNotFound       Code = "flow_version_not_found"
	CodeCollectionNotFound        Code = "collection_not_found"
	CodeCollectionVersionNotFound Code = "collection_version_not_found"
	CodeInstanceNotFound          Code = "instance_not_found"
	CodeFlowRunNotFound           Code = "flow_run_not_found"
	CodeFileNotFound              Code = "file_not_found"
	CodePieceNotFound             Code = "piece_not_found"
	CodePieceTriggerNotFound      Code = "piece_trigger_not_found"
	CodeJobRemovalFailure         Code = "job_removal_failure"
	CodeArtifactBuildFailure      Code = "artifact_build_failure"
	CodeEngineInvocationFailure   Code = "engine_invocation_failure"
	CodeSandboxPoolExhausted      Code = "sandbox_pool_exhausted"
	CodeInvalidBearerToken        Code = "invalid_bearer_token"
)

// Error is a domain error with a stable code and parameter bag.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a domain error.
func New(code Code, msg string, params map[string]any) *Error {
	return &Error{Code: code, Message: msg, Params: params}
}

// Wrap creates a domain error that preserves its cause for errors.Is/As.
func Wrap(code Code, cause error, params map[string]any) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: code, Message: msg, Params: params, cause: cause}
}

// CodeOf extracts the domain code from err, or "" if err is not a
// domain error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given domain code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a domain error to the status surfaced to external
// callers: recognized domain errors are client errors, everything else
// is a 500.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeFlowNotFound, CodeFlowVersionNotFound, CodeCollectionNotFound,
		CodeCollectionVersionNotFound, CodeInstanceNotFound,
		CodeFlowRunNotFound, CodeFileNotFound:
		return http.StatusNotFound
	case CodePieceNotFound, CodePieceTriggerNotFound, CodeJobRemovalFailure,
		CodeArtifactBuildFailure:
		return http.StatusBadRequest
	case CodeInvalidBearerToken:
		return http.StatusUnauthorized
	case CodeEngineInvocationFailure, CodeSandboxPoolExhausted:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
