package podflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/deepnoodle-ai/podflow/retry"
)

// ErrorKind classifies a failure for retry and fallback decisions.
type ErrorKind string

const (
	// ErrorKindUnavailable is a transient failure of an external service.
	// Unknown errors are classified this way so that they are retried by
	// default. Errors that must not be retried should carry an explicit kind.
	ErrorKindUnavailable ErrorKind = "unavailable"

	// ErrorKindRateLimited indicates the upstream service throttled the call.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindInvalidInput indicates the request itself was rejected.
	ErrorKindInvalidInput ErrorKind = "invalid_input"

	// ErrorKindUnauthorized indicates missing or rejected credentials.
	ErrorKindUnauthorized ErrorKind = "unauthorized"

	// ErrorKindDependencyNotSatisfied means a stage ran before its inputs
	// existed. This is an ordering bug and always fatal.
	ErrorKindDependencyNotSatisfied ErrorKind = "dependency_not_satisfied"

	// ErrorKindStageContractViolation means a stage broke its declared
	// contract, for example by omitting a produced field. Always fatal.
	ErrorKindStageContractViolation ErrorKind = "stage_contract_violation"

	// ErrorKindCancelled means the run was cancelled by the caller.
	ErrorKindCancelled ErrorKind = "cancelled"
)

// Transient reports whether the kind may be retried by a retry policy.
func (k ErrorKind) Transient() bool {
	return k == ErrorKindUnavailable || k == ErrorKindRateLimited
}

// Fatal reports whether the kind ends the run regardless of fallbacks.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrorKindDependencyNotSatisfied, ErrorKindStageContractViolation, ErrorKindCancelled:
		return true
	}
	return false
}

// Valid reports whether k is one of the known kinds.
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorKindUnavailable, ErrorKindRateLimited, ErrorKindInvalidInput,
		ErrorKindUnauthorized, ErrorKindDependencyNotSatisfied,
		ErrorKindStageContractViolation, ErrorKindCancelled:
		return true
	}
	return false
}

// Sentinel errors returned by the engine and state.
var (
	ErrRunNotFound       = errors.New("run not found")
	ErrRunActive         = errors.New("run is active")
	ErrStateSealed       = errors.New("workflow state is sealed")
	ErrInvalidTransition = errors.New("invalid stage status transition")
	ErrUnknownStage      = errors.New("unknown stage")
)

// Error is a classified failure. It supports Go's error wrapping patterns
// via Unwrap.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Stage     string    `json:"stage,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Cause     string    `json:"cause"`
	Wrapped   error     `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(": ")
		b.WriteString(e.Stage)
	}
	if e.Operation != "" {
		b.WriteString(": ")
		b.WriteString(e.Operation)
	}
	b.WriteString(": ")
	b.WriteString(e.Cause)
	return b.String()
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, cause string) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// WrapError tags err with the given kind. The operation is optional.
func WrapError(kind ErrorKind, operation string, err error) *Error {
	if err == nil {
		return &Error{Kind: kind, Operation: operation, Cause: string(kind)}
	}
	return &Error{Kind: kind, Operation: operation, Cause: err.Error(), Wrapped: err}
}

// Unavailable wraps err as a transient service failure.
func Unavailable(operation string, err error) *Error {
	return WrapError(ErrorKindUnavailable, operation, err)
}

// RateLimited wraps err as a throttling failure.
func RateLimited(operation string, err error) *Error {
	return WrapError(ErrorKindRateLimited, operation, err)
}

// InvalidInput wraps err as a rejected request.
func InvalidInput(operation string, err error) *Error {
	return WrapError(ErrorKindInvalidInput, operation, err)
}

// Unauthorized wraps err as a credential failure.
func Unauthorized(operation string, err error) *Error {
	return WrapError(ErrorKindUnauthorized, operation, err)
}

// statusRateLimited matches a bare HTTP 429 status in an error message.
var statusRateLimited = regexp.MustCompile(`\b429\b`)

// ClassifyError converts any error into an *Error. Unclassified errors whose
// message mentions "rate limit", "too many requests" or a 429 status are
// rate limited; everything else is unavailable.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	var runErr *RunError
	if errors.As(err, &runErr) && runErr.Kind() != "" {
		return WrapError(runErr.Kind(), "", err)
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(ErrorKindCancelled, "", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(ErrorKindUnavailable, "", err)
	}
	var recoverable retry.RecoverableError
	if errors.As(err, &recoverable) {
		if recoverable.IsRecoverable() {
			return WrapError(ErrorKindUnavailable, "", err)
		}
		return WrapError(ErrorKindInvalidInput, "", err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || statusRateLimited.MatchString(msg) {
		return WrapError(ErrorKindRateLimited, "", err)
	}
	return WrapError(ErrorKindUnavailable, "", err)
}

// KindOf returns the classified kind of err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return ClassifyError(err).Kind
}

// KindFromHTTPStatus maps an HTTP response status to an error kind. It
// returns an empty kind for successful statuses.
func KindFromHTTPStatus(code int) ErrorKind {
	switch {
	case code < 400:
		return ""
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrorKindUnauthorized
	case code == http.StatusTooManyRequests:
		return ErrorKindRateLimited
	case code == http.StatusRequestTimeout, code >= 500:
		return ErrorKindUnavailable
	default:
		return ErrorKindInvalidInput
	}
}

// HTTPError builds an *Error for a failed HTTP response.
func HTTPError(operation string, code int, body string) *Error {
	kind := KindFromHTTPStatus(code)
	if kind == "" {
		kind = ErrorKindInvalidInput
	}
	cause := fmt.Sprintf("http %d", code)
	if body = strings.TrimSpace(body); body != "" {
		if len(body) > 200 {
			body = body[:200]
		}
		cause += ": " + body
	}
	return &Error{Kind: kind, Operation: operation, Cause: cause}
}

// RunError is returned when a run ends in the failed state. It carries the
// terminal error record.
type RunError struct {
	RunID  string
	Record *ErrorRecord
}

func (e *RunError) Error() string {
	if e.Record == nil {
		return fmt.Sprintf("run %s failed", e.RunID)
	}
	return fmt.Sprintf("run %s failed at stage %q: %s: %s",
		e.RunID, e.Record.Stage, e.Record.Kind, e.Record.Message)
}

// Kind returns the kind of the terminal failure.
func (e *RunError) Kind() ErrorKind {
	if e.Record == nil {
		return ""
	}
	return e.Record.Kind
}
