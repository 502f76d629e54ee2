// Package apperr defines the error taxonomy of the portfolio engine. Every
// rejection names the constraint it violated; the HTTP layer maps each kind
// to a status code in one place.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Sentinel kinds, matched with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPartialMutation   = errors.New("partial mutation")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("concurrent modification")
)

// ValidationError rejects input before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientFundsError is returned when the cash lots of an account cannot
// cover a debit.
type InsufficientFundsError struct {
	AccountID string
	Currency  string
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s cash in account %s: available %s, required %s",
		e.Currency, e.AccountID, e.Available.String(), e.Required.String())
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// MutationError reports a storage failure while lots or ledger entries were
// being written. It is fatal for the operation; the enclosing store
// transaction is rolled back.
type MutationError struct {
	Stage string
	Op    string
	Err   error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s failed at stage %s: %v", e.Op, e.Stage, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

func (e *MutationError) Is(target error) bool { return target == ErrPartialMutation }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// HTTPStatus maps an error to the response status the API returns for it.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Code is the stable machine-readable name of an error kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrPartialMutation):
		return "PARTIAL_MUTATION"
	default:
		return "INTERNAL_ERROR"
	}
}
