package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for propagation policy and HTTP mapping.
// Every error crossing a package boundary carries exactly one kind.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindInvalidState     Kind = "invalid_state"
	KindRateLimited      Kind = "rate_limited"
	KindAuth             Kind = "auth"
	KindTimeout          Kind = "timeout"
	KindResourceExceeded Kind = "resource_exceeded"
	KindExternal         Kind = "external"
	KindPathTraversal    Kind = "path_traversal"
	KindInternal         Kind = "internal"
)

// Error is the single error shape used across Magpie. Code is a stable
// machine-readable string surfaced to API clients; Message is the
// human-readable text; Err is the wrapped cause, if any.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given kind, code, and message
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an error with the given kind, code, and message wrapping
// an underlying cause
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Stable error codes surfaced in API responses
const (
	CodeInvalidURL           = "INVALID_URL"
	CodeInvalidUUID          = "INVALID_UUID"
	CodeInvalidFormat        = "INVALID_FORMAT"
	CodeInvalidQuality       = "INVALID_QUALITY"
	CodeInvalidLanguage      = "INVALID_LANGUAGE_CODE"
	CodeValidation           = "VALIDATION_ERROR"
	CodeTaskNotFound         = "TASK_NOT_FOUND"
	CodeFileNotFound         = "FILE_NOT_FOUND"
	CodeNotFound             = "NOT_FOUND"
	CodeInvalidState         = "INVALID_STATE"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeTokenExpired         = "TOKEN_EXPIRED"
	CodeInvalidToken         = "INVALID_TOKEN"
	CodeInvalidPassword      = "INVALID_PASSWORD"
	CodeAuthDisabled         = "JWT_DISABLED"
	CodeIssuanceDisabled     = "API_KEY_ISSUANCE_DISABLED"
	CodeFeatureDisabled      = "FEATURE_DISABLED"
	CodeTimeout              = "TIMEOUT"
	CodeProbeFailed          = "PROBE_FAILED"
	CodeDownloadTimeout      = "DOWNLOAD_TIMEOUT"
	CodeResourceExceeded     = "RESOURCE_EXCEEDED"
	CodeDiskSpace            = "INSUFFICIENT_DISK_SPACE"
	CodeExtractorError       = "EXTRACTOR_ERROR"
	CodeTranscoderError      = "TRANSCODER_ERROR"
	CodeCoordUnavailable     = "COORDINATION_UNAVAILABLE"
	CodeDatabaseError        = "DATABASE_ERROR"
	CodeCircuitOpen          = "CIRCUIT_OPEN"
	CodePathTraversal        = "PATH_TRAVERSAL"
	CodeInternal             = "INTERNAL_SERVER_ERROR"
)

// KindOf extracts the kind from an error chain; unclassified errors are
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code from an error chain
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsKind reports whether the error chain carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient reports whether a failure should take the retry path in the
// scheduler. Timeouts and external-service failures are transient;
// everything else is permanent for the job. ResourceExceeded is permanent
// for the current attempt but the job itself is retried on a fresh
// attempt, so it classifies transient here.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindExternal, KindResourceExceeded:
		return true
	}
	return false
}

// HTTPStatus maps an error kind to its HTTP response status.
// Disabled-surface codes override the kind mapping: requests against a
// switched-off subsystem are forbidden, not unauthenticated.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeAuthDisabled, CodeIssuanceDisabled, CodeFeatureDisabled:
		return 403
	}
	switch KindOf(err) {
	case KindValidation:
		return 400
	case KindAuth:
		return 401
	case KindPathTraversal:
		return 403
	case KindNotFound:
		return 404
	case KindTimeout:
		return 408
	case KindInvalidState:
		return 409
	case KindRateLimited:
		return 429
	case KindResourceExceeded:
		return 507
	case KindExternal:
		return 503
	default:
		return 500
	}
}

// Sanitize prepares an error message for storage on a task row: the
// download directory path is replaced with a placeholder so internals do
// not leak, and the result is truncated to maxLen characters.
func Sanitize(msg, downloadDir string, maxLen int) string {
	if downloadDir != "" {
		msg = strings.ReplaceAll(msg, downloadDir, "[DOWNLOAD_DIR]")
	}
	if maxLen > 0 && len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
