// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable: clients branch on them rather
// than on messages. Every error response carries an HTTP status and one of
// these codes (see fail in response.go).
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "item_not_failed",
//	  "message": "only failed items can be retried or discarded"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeUnavailable      = "unavailable"
	ErrCodeInternal         = "internal_error"

	// Domain-specific:
	ErrCodeInvalidTopic  = "invalid_topic"
	ErrCodeUnknownTopic  = "unknown_topic"
	ErrCodeItemNotFailed = "item_not_failed"
	ErrCodeUnsupported   = "unsupported_operation"
	ErrCodeEngineStopped = "engine_stopped"
	ErrCodeEnqueueFailed = "enqueue_failed"
	ErrCodeHistoryFailed = "history_failed"
)
