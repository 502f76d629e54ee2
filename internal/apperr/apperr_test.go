package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidationError(t *testing.T) {
	err := Invalid("quantity", "must be positive, got %s", "-1")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected errors.Is(err, ErrValidation)")
	}
	if err.Error() != "invalid quantity: must be positive, got -1" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if HTTPStatus(err) != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", HTTPStatus(err))
	}
}

func TestInsufficientFundsError_MessageNamesAmounts(t *testing.T) {
	err := &InsufficientFundsError{
		AccountID: "acc-1",
		Currency:  "USD",
		Available: decimal.NewFromInt(100),
		Required:  decimal.NewFromInt(150),
	}

	msg := err.Error()
	for _, want := range []string{"USD", "acc-1", "available 100", "required 150"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q should contain %q", msg, want)
		}
	}
	if Code(err) != "INSUFFICIENT_FUNDS" {
		t.Errorf("unexpected code %s", Code(err))
	}
}

func TestMutationError_Unwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("sell: %w", &MutationError{Stage: "LotsMutated", Op: "sell", Err: cause})

	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	if !errors.Is(err, ErrPartialMutation) {
		t.Error("expected ErrPartialMutation kind")
	}
	if HTTPStatus(err) != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", HTTPStatus(err))
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NotFound("account", "x"), http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", ErrConflict), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
