package model

// ErrorCode is the closed taxonomy of machine-readable error codes
// returned in an Envelope's Error field.
type ErrorCode string

const (
	// Not-found: non-retryable.
	ErrTaskNotFound         ErrorCode = "TASK_NOT_FOUND"
	ErrContextNotFound      ErrorCode = "CONTEXT_NOT_FOUND"
	ErrSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	ErrLockNotFound         ErrorCode = "LOCK_NOT_FOUND"
	ErrHandoffNotFound      ErrorCode = "HANDOFF_NOT_FOUND"
	ErrConflictNotFound     ErrorCode = "CONFLICT_NOT_FOUND"
	ErrRegistrationNotFound ErrorCode = "REGISTRATION_NOT_FOUND"

	// Contract violation: non-retryable.
	ErrTaskAlreadyClaimed ErrorCode = "TASK_ALREADY_CLAIMED"
	ErrTaskNotAssigned    ErrorCode = "TASK_NOT_ASSIGNED"
	ErrInvalidAgent       ErrorCode = "INVALID_AGENT"
	ErrInvalidCapabilities ErrorCode = "INVALID_CAPABILITIES"
	ErrSessionNotActive   ErrorCode = "SESSION_NOT_ACTIVE"
	ErrSessionNotPaused   ErrorCode = "SESSION_NOT_PAUSED"
	ErrHandoffNotForAgent ErrorCode = "HANDOFF_NOT_FOR_AGENT"

	// Resource contention: retryable.
	ErrFileAlreadyLocked ErrorCode = "FILE_ALREADY_LOCKED"
	ErrPartialGrant      ErrorCode = "PARTIAL_GRANT"
	ErrRateLimited       ErrorCode = "RATE_LIMITED" // [ADDED] §4.8

	// Transient storage: retryable.
	ErrEnqueue     ErrorCode = "ENQUEUE_ERROR"
	ErrDequeue     ErrorCode = "DEQUEUE_ERROR"
	ErrUpdateState ErrorCode = "UPDATE_STATE_ERROR"
	ErrContextSave ErrorCode = "CONTEXT_SAVE_ERROR"

	// Transport/tool: retryable by default.
	ErrToolError   ErrorCode = "TOOL_ERROR"
	ErrUnknownTool ErrorCode = "UNKNOWN_TOOL"

	// Residual codes for request shapes the spec's taxonomy doesn't name
	// (malformed JSON, missing required fields, unexpected internal
	// failures). Non-retryable: a caller resubmitting the same malformed
	// request will fail the same way.
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"

	// Kept for call sites that have no operation-specific code yet
	// (concurrent state races on non-claim transitions, resolved
	// conflicts re-resolved, handoffs accepted twice). Non-retryable.
	ErrInvalidState ErrorCode = "INVALID_STATE_TRANSITION"
)

// Retryable reports whether callers should expect retrying the same
// request to eventually succeed without intervention.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrFileAlreadyLocked, ErrPartialGrant, ErrRateLimited,
		ErrEnqueue, ErrDequeue, ErrUpdateState, ErrContextSave,
		ErrToolError, ErrUnknownTool:
		return true
	}
	return false
}

// EnvelopeError is the structured error shape carried by a failed
// Envelope.
type EnvelopeError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Details   any       `json:"details,omitempty"`
}

// Envelope is the unified response shape returned by the REST, MCP and
// WS surfaces.
type Envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *EnvelopeError `json:"error,omitempty"`
}

// OK wraps data in a successful Envelope.
func OK(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

// Fail wraps an error code/message in a failed Envelope.
func Fail(code ErrorCode, message string) Envelope {
	return Envelope{
		Success: false,
		Error: &EnvelopeError{
			Code:      code,
			Message:   message,
			Retryable: code.Retryable(),
		},
	}
}

// FailDetails is Fail with an additional machine-readable details
// payload, e.g. PARTIAL_GRANT's details.conflicts.
func FailDetails(code ErrorCode, message string, details any) Envelope {
	env := Fail(code, message)
	env.Error.Details = details
	return env
}

// CoordErrorDetails mirrors CoordError but additionally carries a
// details payload through AsEnvelope.
type CoordErrorDetails struct {
	*CoordError
	Details any
}

// NewErrorDetails builds a CoordError that carries a details payload.
func NewErrorDetails(code ErrorCode, message string, details any) *CoordErrorDetails {
	return &CoordErrorDetails{CoordError: NewError(code, message), Details: details}
}

// CoordError is the internal error type components return; transports
// translate it into an Envelope via Fail.
type CoordError struct {
	Code    ErrorCode
	Message string
}

func (e *CoordError) Error() string { return string(e.Code) + ": " + e.Message }

// NewError builds a CoordError.
func NewError(code ErrorCode, message string) *CoordError {
	return &CoordError{Code: code, Message: message}
}

// AsEnvelope converts err into a failed Envelope, defaulting to
// ErrInternal for errors that aren't a *CoordError.
func AsEnvelope(err error) Envelope {
	if ced, ok := err.(*CoordErrorDetails); ok {
		return FailDetails(ced.Code, ced.Message, ced.Details)
	}
	if ce, ok := err.(*CoordError); ok {
		return Fail(ce.Code, ce.Message)
	}
	return Fail(ErrInternal, err.Error())
}
