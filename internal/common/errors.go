package common

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
)

const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeForbidden        = "FORBIDDEN"
	CodeInsufficient     = "INSUFFICIENT_STOCK"
	CodeInvalidState     = "INVALID_STATE_TRANSITION"
	CodeDuplicate        = "DUPLICATE_OPERATION"
	CodeConflictTimeout  = "CONFLICT_TIMEOUT"
	CodeVarianceDispute  = "VARIANCE_DISPUTE"
	CodePaymentDeclined  = "PAYMENT_DECLINED"
	CodeInternal         = "SERVER_ERROR"
	CodeIdempotencyReuse = "IDEMPOTENCY_KEY_REUSED"
)

// InsufficientStockError is returned when a delta would take a product's
// quantity below zero.
type InsufficientStockError struct {
	ProductID uuid.UUID
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

type InvalidStateTransitionError struct {
	Entity string
	From   string
	To     string
	Reason string
}

func (e *InvalidStateTransitionError) Error() string {
	msg := fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// DuplicateOperationError signals that a key was already used. Services
// normally turn it into a replay of the stored result.
type DuplicateOperationError struct {
	Key string
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("operation %q already processed", e.Key)
}

// IdempotencyKeyReusedError is returned when a key is presented for a
// different kind of operation than the one it was first used for.
type IdempotencyKeyReusedError struct {
	Key       string
	Operation string
	Original  string
}

func (e *IdempotencyKeyReusedError) Error() string {
	return fmt.Sprintf("idempotency key %q was used for %s, not %s", e.Key, e.Original, e.Operation)
}

type ConflictTimeoutError struct {
	Resource string
	Attempts int
	Err      error
}

func (e *ConflictTimeoutError) Error() string {
	return fmt.Sprintf("could not acquire %s after %d attempts: %v", e.Resource, e.Attempts, e.Err)
}

func (e *ConflictTimeoutError) Unwrap() error { return e.Err }

type VarianceDisputeError struct {
	SessionID  uuid.UUID
	ProductIDs []uuid.UUID
}

func (e *VarianceDisputeError) Error() string {
	return fmt.Sprintf("count session %s has %d unresolved variance disputes", e.SessionID, len(e.ProductIDs))
}

type ForbiddenError struct {
	Action string
	Reason string
}

func (e *ForbiddenError) Error() string {
	if e.Reason == "" {
		return "not allowed to " + e.Action
	}
	return fmt.Sprintf("not allowed to %s: %s", e.Action, e.Reason)
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

type PaymentDeclinedError struct {
	Reason string
}

func (e *PaymentDeclinedError) Error() string {
	return "payment declined: " + e.Reason
}

// ErrorCode maps an error to its stable wire code.
func ErrorCode(err error) string {
	var (
		insufficient *InsufficientStockError
		invalidState *InvalidStateTransitionError
		duplicate    *DuplicateOperationError
		reused       *IdempotencyKeyReusedError
		timeout      *ConflictTimeoutError
		dispute      *VarianceDisputeError
		forbidden    *ForbiddenError
		validation   *ValidationError
		payment      *PaymentDeclinedError
		stored       *StoredFailureError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &stored):
		return stored.Code
	case errors.As(err, &insufficient):
		return CodeInsufficient
	case errors.As(err, &invalidState):
		return CodeInvalidState
	case errors.As(err, &duplicate):
		return CodeDuplicate
	case errors.As(err, &reused):
		return CodeIdempotencyReuse
	case errors.As(err, &timeout):
		return CodeConflictTimeout
	case errors.As(err, &dispute):
		return CodeVarianceDispute
	case errors.As(err, &forbidden):
		return CodeForbidden
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &payment):
		return CodePaymentDeclined
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	}
	return CodeInternal
}

// HTTPStatus maps an error to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case CodeValidation, CodeIdempotencyReuse:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInsufficient, CodeInvalidState, CodeDuplicate, CodeVarianceDispute:
		return http.StatusConflict
	case CodePaymentDeclined:
		return http.StatusPaymentRequired
	case CodeConflictTimeout:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// IsBusinessError reports whether err is a typed domain error rather than an
// infrastructure failure.
func IsBusinessError(err error) bool {
	code := ErrorCode(err)
	return code != CodeInternal && code != CodeConflictTimeout && code != ""
}

func AsValidation(err error, target **ValidationError) bool {
	return errors.As(err, target)
}

// StoredFailureError replays a failure that was persisted with its wire code,
// such as a failed sale returned again for the same idempotency key.
type StoredFailureError struct {
	Code    string
	Message string
}

func (e *StoredFailureError) Error() string { return e.Message }
