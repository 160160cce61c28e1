package engine

import "fmt"

// Error codes per taxonomy.
const (
	ErrConfigNotFound = "CONFIG_NOT_FOUND"
	ErrConfigDisabled = "CONFIG_DISABLED"
	ErrValidation = "VALIDATION_ERROR"
	ErrAPI = "API_ERROR"
	ErrNetwork = "NETWORK_ERROR"
	ErrTimeout = "TIMEOUT_ERROR"
	ErrParse = "PARSE_ERROR"
	ErrCancelled = "CANCELLED_ERROR"
	ErrMaxToolIterations = "MAX_TOOL_ITERATIONS"
	ErrNoHistory = "NO_HISTORY"
	ErrInvalidState = "INVALID_STATE"
	ErrNoFunctionCalls = "NO_FUNCTION_CALLS"
	ErrMessageNotFound = "MESSAGE_NOT_FOUND"
	ErrInvalidMessageRole = "INVALID_MESSAGE_ROLE"
)

// Error is the engine's typed error, modeled on sentinel +
// fmt.Errorf("...: %w", err) wrapping style (e.g. provider.ErrProviderNotFound,
// mcp.ErrToolRetryExhausted) rather than a generic errors package.
type Error struct {
	Code string
	Message string
	Status int // set for API_ERROR
	Body string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewAPIError builds a tagged API_ERROR carrying the HTTP status and body,
// as required by RetryPolicy classification and the OpenAI-Responses
// fallback path.
func NewAPIError(status int, body string) *Error {
	return &Error{Code: ErrAPI, Message: fmt.Sprintf("provider returned status %d", status), Status: status, Body: body}
}

// IsRetryable reports whether RetryPolicy should consider retrying this
// error at all.
func IsRetryable(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return true // unrecognized errors (e.g. raw network errors) are treated as transient
	}
	switch e.Code {
	case ErrAPI, ErrNetwork, ErrTimeout:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether err represents a user-initiated cancellation.
func IsCancelled(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == ErrCancelled
}
