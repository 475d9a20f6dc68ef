package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Status  int         `json:"status"`
	Details interface{} `json:"details,omitempty"`
	Err     error       `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrInvalidWeights     = New("INVALID_WEIGHTS", http.StatusBadRequest, "invalid scoring weights")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// Settlement specific errors.
var (
	ErrStageNotFound                  = New("STAGE_NOT_FOUND", http.StatusNotFound, "stage not found")
	ErrSettlementValidationFailed     = New("VALIDATION_FAILED", http.StatusUnprocessableEntity, "pre-settlement validation failed")
	ErrSettlementInProgress           = New("SETTLEMENT_IN_PROGRESS", http.StatusConflict, "stage is being settled by another operator")
	ErrStageAlreadySettled            = New("STAGE_ALREADY_SETTLED", http.StatusConflict, "stage already settled")
	ErrInvalidStageStatus             = New("INVALID_STAGE_STATUS", http.StatusConflict, "stage is not in voting status")
	ErrInvalidRewardPool              = New("INVALID_REWARD_POOL", http.StatusBadRequest, "report reward pool must be greater than zero")
	ErrNoVotes                        = New("NO_VOTES", http.StatusBadRequest, "no votes to settle")
	ErrDistributionExceedsPool        = New("DISTRIBUTION_EXCEEDS_POOL", http.StatusInternalServerError, "distributed points exceed report reward pool")
	ErrCommentDistributionExceedsPool = New("COMMENT_DISTRIBUTION_EXCEEDS_POOL", http.StatusInternalServerError, "distributed points exceed comment reward pool")
	ErrStageNotSettled                = New("STAGE_NOT_SETTLED", http.StatusConflict, "stage has not been settled")
	ErrSettlementNotFound             = New("SETTLEMENT_NOT_FOUND", http.StatusNotFound, "settlement not found")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// WithDetails returns a copy of the error carrying structured details.
func WithDetails(err *Error, details interface{}) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	clone.Details = details
	return &clone
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
