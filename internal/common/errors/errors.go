// Package errors provides standardized error handling for the reasoning
// service and its BPMN workflow integration.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Reasoning loop
	ErrCodeParseAmbiguous        ErrorCode = "PARSE_AMBIGUOUS"
	ErrCodeRetrievalExhausted    ErrorCode = "RETRIEVAL_EXHAUSTED"
	ErrCodeAuxiliaryAnswerFailed ErrorCode = "AUXILIARY_ANSWER_FAILED"
	ErrCodeModelCallFailed       ErrorCode = "MODEL_CALL_FAILED"
	ErrCodeModelTimeout          ErrorCode = "MODEL_TIMEOUT"
	ErrCodeInvalidInput          ErrorCode = "INVALID_CONVERSATION_INPUT"

	// Retrieval plumbing
	ErrCodeSearchQueryFailed    ErrorCode = "SEARCH_QUERY_FAILED"
	ErrCodeSearchTimeout        ErrorCode = "SEARCH_TIMEOUT"
	ErrCodeImageDownloadFailed  ErrorCode = "IMAGE_DOWNLOAD_FAILED"
	ErrCodeEvidenceCacheFailure ErrorCode = "EVIDENCE_CACHE_FAILURE"

	// Batch runner
	ErrCodeDatasetInvalid      ErrorCode = "DATASET_INVALID"
	ErrCodeResultPersistFailed ErrorCode = "RESULT_PERSIST_FAILED"
	ErrCodeNotificationFailed  ErrorCode = "NOTIFICATION_SEND_FAILED"
	ErrCodeDatabaseConnection  ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
	ErrCodeExternalService     ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeTimeout             ErrorCode = "TIMEOUT_ERROR"
	ErrCodeResourceNotFound    ErrorCode = "RESOURCE_NOT_FOUND"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// WithMetadata attaches a key/value pair and returns the receiver.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func newStandardError(code ErrorCode, message, details string, retryable bool) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

func detailsOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

// NewParseAmbiguousError reports a model reply without any control marker.
func NewParseAmbiguousError(reply string) *StandardError {
	return newStandardError(ErrCodeParseAmbiguous, "Model reply carried no recognized action marker", truncate(reply, 200), false)
}

// NewRetrievalExhaustedError reports a search provider that failed every attempt.
func NewRetrievalExhaustedError(err error) *StandardError {
	return newStandardError(ErrCodeRetrievalExhausted, "Search provider retries exhausted", detailsOf(err), true)
}

// NewModelCallFailedError reports a failed primary model call.
func NewModelCallFailedError(err error) *StandardError {
	return newStandardError(ErrCodeModelCallFailed, "Multimodal model call failed", detailsOf(err), true)
}

// NewModelTimeoutError reports a model call that ran past its deadline.
func NewModelTimeoutError(err error) *StandardError {
	return newStandardError(ErrCodeModelTimeout, "Multimodal model call timeout", detailsOf(err), true)
}

// NewInvalidInputError reports a conversation request that cannot start.
func NewInvalidInputError(details string) *StandardError {
	return newStandardError(ErrCodeInvalidInput, "Invalid conversation input", details, false)
}

// NewSearchTimeoutError reports a provider request that ran past its deadline.
func NewSearchTimeoutError(provider string) *StandardError {
	return newStandardError(ErrCodeSearchTimeout, "Search query timeout", fmt.Sprintf("provider: %s", provider), true)
}

// NewEvidenceCacheError reports a cache backend failure.
func NewEvidenceCacheError(op string, err error) *StandardError {
	return newStandardError(ErrCodeEvidenceCacheFailure, "Evidence cache operation failed",
		fmt.Sprintf("op: %s, error: %s", op, detailsOf(err)), true)
}

// NewDatabaseConnectionFailedError creates a retryable database connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return newStandardError(ErrCodeDatabaseConnection, "Database connection error", detailsOf(err), true)
}

// Generic constructors

func NewExternalServiceError(service string, err error) *StandardError {
	return newStandardError(ErrCodeExternalService, fmt.Sprintf("External service '%s' error", service), detailsOf(err), true)
}

func NewTimeoutError(service string, err error) *StandardError {
	return newStandardError(ErrCodeTimeout, fmt.Sprintf("Service '%s' timeout", service), detailsOf(err), true)
}

func NewResourceNotFoundError(service, details string) *StandardError {
	return newStandardError(ErrCodeResourceNotFound, fmt.Sprintf("Resource not found in %s", service), details, false)
}

func NewInternalError(err error) *StandardError {
	return newStandardError(ErrCodeInternal, "Unexpected error", detailsOf(err), false)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ==========================
// 4. Error Conversion to BPMN
// ==========================

// BPMNErrorMapping maps internal error codes to the BPMN error codes caught
// by boundary events in the answering workflow.
var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeRetrievalExhausted:    "RETRIEVAL_EXHAUSTED",
	ErrCodeModelCallFailed:       "MODEL_CALL_FAILED",
	ErrCodeModelTimeout:          "MODEL_CALL_FAILED",
	ErrCodeInvalidInput:          "INVALID_CONVERSATION_INPUT",
	ErrCodeSearchQueryFailed:     "RETRIEVAL_EXHAUSTED",
	ErrCodeSearchTimeout:         "RETRIEVAL_EXHAUSTED",
	ErrCodeDatasetInvalid:        "DATASET_INVALID",
	ErrCodeResultPersistFailed:   "RESULT_PERSIST_FAILED",
	ErrCodeAuxiliaryAnswerFailed: "AUXILIARY_ANSWER_FAILED",
	ErrCodeParseAmbiguous:        "PARSE_AMBIGUOUS",
}

// GetRetryCount returns the recommended job retry count for an error code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeRetrievalExhausted,
		ErrCodeModelCallFailed,
		ErrCodeResultPersistFailed,
		ErrCodeDatabaseConnection,
		ErrCodeExternalService:
		return 3

	case ErrCodeSearchTimeout,
		ErrCodeSearchQueryFailed,
		ErrCodeEvidenceCacheFailure,
		ErrCodeNotificationFailed:
		return 2

	case ErrCodeModelTimeout, ErrCodeTimeout:
		return 1

	default:
		return 0
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	vars := map[string]interface{}{
		"originalErrorCode": string(stdErr.Code),
		"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
	}
	for k, v := range stdErr.Metadata {
		vars[k] = v
	}

	return &BPMNError{
		Code:           bpmnCode,
		Message:        stdErr.Message,
		Details:        stdErr.Details,
		Retryable:      stdErr.Retryable,
		Retries:        retries,
		ErrorVariables: vars,
	}
}

// ==========================
// 5. Utility Functions
// ==========================

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "MODEL") || strings.Contains(codeStr, "AUXILIARY") || strings.Contains(codeStr, "PARSE"):
		return "MODEL"
	case strings.Contains(codeStr, "RETRIEVAL") || strings.Contains(codeStr, "SEARCH") || strings.Contains(codeStr, "IMAGE"):
		return "RETRIEVAL"
	case strings.Contains(codeStr, "CACHE"):
		return "CACHE"
	case strings.Contains(codeStr, "DATABASE") || strings.Contains(codeStr, "PERSIST"):
		return "DATABASE"
	case strings.Contains(codeStr, "NOTIFICATION"):
		return "NOTIFICATION"
	case strings.Contains(codeStr, "INVALID"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}
