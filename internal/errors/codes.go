package errors

import (
	"fmt"
)

// ErrorCode represents a specific error type for chat pipeline operations.
type ErrorCode string

const (
	// ErrCodeQuotaExceeded indicates the message rate limit has been exceeded.
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	// ErrCodeValidationFailed indicates invalid input (length, charset, empty).
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	// ErrCodeInjectionDetected indicates a prompt-injection attempt was detected.
	ErrCodeInjectionDetected ErrorCode = "INJECTION_DETECTED"
	// ErrCodeContentRejected indicates the content moderator rejected the input.
	ErrCodeContentRejected ErrorCode = "CONTENT_REJECTED"
	// ErrCodeAnalysisNotFound indicates the referenced analysis does not exist.
	ErrCodeAnalysisNotFound ErrorCode = "ANALYSIS_NOT_FOUND"
	// ErrCodeUnauthorized indicates the conversation is not owned by the caller.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// ErrCodeGenerationFailed indicates a backend error or generation timeout.
	ErrCodeGenerationFailed ErrorCode = "GENERATION_FAILED"
	// ErrCodePersistenceFailed indicates a message write failed.
	ErrCodePersistenceFailed ErrorCode = "PERSISTENCE_FAILED"
	// ErrCodeConversationNotFound indicates the conversation does not exist.
	ErrCodeConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
)

// genericInjectionMessage reveals nothing about which pattern matched, so a
// probing user gets no signal to refine against.
const genericInjectionMessage = "your message could not be processed"

// ChatError represents a structured error for chat pipeline operations.
type ChatError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ChatError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *ChatError) WithContext(key string, value interface{}) *ChatError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// GetCode returns the error code.
func (e *ChatError) GetCode() ErrorCode {
	return e.Code
}

// IsClientError reports whether the error was caused by the caller's input,
// as opposed to a server-side failure.
func (e *ChatError) IsClientError() bool {
	switch e.Code {
	case ErrCodeQuotaExceeded, ErrCodeValidationFailed, ErrCodeInjectionDetected,
		ErrCodeContentRejected, ErrCodeAnalysisNotFound, ErrCodeUnauthorized,
		ErrCodeConversationNotFound:
		return true
	}
	return false
}

// UserMessage returns the message that is safe to show to the end user.
// Server-side failures get a generic message; the full error stays in logs.
func (e *ChatError) UserMessage() string {
	switch e.Code {
	case ErrCodeInjectionDetected:
		return genericInjectionMessage
	case ErrCodeGenerationFailed:
		return "the assistant could not generate a response, please try again"
	case ErrCodePersistenceFailed:
		return "your response was generated but could not be saved"
	}
	return e.Message
}

// Convenience constructors for common error types.

// QuotaExceeded creates a quota exceeded error.
func QuotaExceeded(msg string) *ChatError {
	return &ChatError{Code: ErrCodeQuotaExceeded, Message: msg}
}

// ValidationFailed creates a validation failed error.
func ValidationFailed(msg string) *ChatError {
	return &ChatError{Code: ErrCodeValidationFailed, Message: msg}
}

// InjectionDetected creates an injection detected error.
// The user-facing message is intentionally generic.
func InjectionDetected() *ChatError {
	return &ChatError{Code: ErrCodeInjectionDetected, Message: genericInjectionMessage}
}

// ContentRejected creates a content rejected error.
func ContentRejected(msg string) *ChatError {
	return &ChatError{Code: ErrCodeContentRejected, Message: msg}
}

// AnalysisNotFound creates an analysis not found error.
func AnalysisNotFound(analysisID int32) *ChatError {
	return &ChatError{
		Code:    ErrCodeAnalysisNotFound,
		Message: fmt.Sprintf("analysis %d not found", analysisID),
	}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(msg string) *ChatError {
	return &ChatError{Code: ErrCodeUnauthorized, Message: msg}
}

// ConversationNotFound creates a conversation not found error.
func ConversationNotFound(uid string) *ChatError {
	return &ChatError{
		Code:    ErrCodeConversationNotFound,
		Message: fmt.Sprintf("conversation %s not found", uid),
	}
}

// GenerationFailed creates a generation failed error.
func GenerationFailed(msg string, cause error) *ChatError {
	return &ChatError{Code: ErrCodeGenerationFailed, Message: msg, Cause: cause}
}

// PersistenceFailed creates a persistence failed error.
func PersistenceFailed(msg string, cause error) *ChatError {
	return &ChatError{Code: ErrCodePersistenceFailed, Message: msg, Cause: cause}
}

// Wrap wraps an existing error with additional context.
func Wrap(cause error, code ErrorCode, msg string) *ChatError {
	return &ChatError{Code: code, Message: msg, Cause: cause}
}

// IsCode checks if an error is of a specific code.
func IsCode(err error, code ErrorCode) bool {
	if chatErr, ok := err.(*ChatError); ok {
		return chatErr.Code == code
	}
	return false
}

// GetCodeFromError extracts the error code from any error.
// Returns the provided default code if the error is not a ChatError.
func GetCodeFromError(err error, defaultCode ErrorCode) ErrorCode {
	if chatErr, ok := err.(*ChatError); ok {
		return chatErr.Code
	}
	return defaultCode
}

// FromError extracts a ChatError, or nil if err is not one.
func FromError(err error) *ChatError {
	if err == nil {
		return nil
	}
	if chatErr, ok := err.(*ChatError); ok {
		return chatErr
	}
	return nil
}
