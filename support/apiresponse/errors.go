package apiresponse

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an API error for propagation policy. Kinds, not
// concrete types, drive handling at the boundary.
type ErrorKind string

const (
	KindInputValidation    ErrorKind = "input_validation"
	KindNotFound           ErrorKind = "not_found"
	KindConflict           ErrorKind = "conflict"
	KindResourceExhaustion ErrorKind = "resource_exhaustion"
	KindAuth               ErrorKind = "auth"
	KindExternal           ErrorKind = "external"
	KindInternal           ErrorKind = "internal"
)

// Reserved error codes.
const (
	CodeSessionNotFound          = "SESSION_NOT_FOUND"
	CodeSessionLimitExceeded     = "SESSION_LIMIT_EXCEEDED"
	CodeSessionAlreadyStopped    = "SESSION_ALREADY_STOPPED"
	CodeInvalidProvider          = "INVALID_PROVIDER"
	CodeInvalidState             = "INVALID_STATE"
	CodeNoCapacity               = "NO_CAPACITY"
	CodeApprovalNotFound         = "APPROVAL_NOT_FOUND"
	CodeRunnerNotFound           = "RUNNER_NOT_FOUND"
	CodeRunnerLimitExceeded      = "RUNNER_LIMIT_EXCEEDED"
	CodeRunnerHasActiveSessions  = "RUNNER_HAS_ACTIVE_SESSIONS"
	CodeBuildNotFound            = "BUILD_NOT_FOUND"
	CodeRolloutNotFound          = "ROLLOUT_NOT_FOUND"
	CodeRolloutLimitExceeded     = "ROLLOUT_LIMIT_EXCEEDED"
	CodeCanaryGateFailed         = "CANARY_GATE_FAILED"
	CodeSweepNotFound            = "SWEEP_NOT_FOUND"
	CodeSweepLimitExceeded       = "SWEEP_LIMIT_EXCEEDED"
	CodeNoEligibleRepos          = "NO_ELIGIBLE_REPOS"
	CodeInvalidMessage           = "INVALID_MESSAGE"
	CodeUnknownMessageType       = "UNKNOWN_MESSAGE_TYPE"
	CodeAuthFailed               = "AUTH_FAILED"
	CodeNotAuthenticated         = "NOT_AUTHENTICATED"
	CodeNotSubscribed            = "NOT_SUBSCRIBED"
	CodeConnectionLimit          = "CONNECTION_LIMIT"
	CodeInternal                 = "INTERNAL"
)

// Error is a coded, kind-classified error that crosses the API boundary in
// the response envelope.
type Error struct {
	Kind    ErrorKind              `json:"-"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a coded error with a formatted message.
func NewError(kind ErrorKind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a not-found error.
func NotFound(code, format string, args ...interface{}) *Error {
	return NewError(KindNotFound, code, format, args...)
}

// Conflict builds a state-precondition error.
func Conflict(code, format string, args ...interface{}) *Error {
	return NewError(KindConflict, code, format, args...)
}

// Exhausted builds a resource-exhaustion error.
func Exhausted(code, format string, args ...interface{}) *Error {
	return NewError(KindResourceExhaustion, code, format, args...)
}

// Invalid builds an input-validation error.
func Invalid(code, format string, args ...interface{}) *Error {
	return NewError(KindInputValidation, code, format, args...)
}

// CodeOf extracts the error code from err, or INTERNAL when err carries
// none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
