// Package reconcile executes Buy, Sell, Deposit and Withdraw against an
// account's lots and cash.
//
// Every operation moves through the stages
//
//	Validated → Funded | Unfunded → LotsMutated → LedgerAppended → Done
//
// or stops at Rejected when its input fails validation or funding. All
// writes of one operation happen inside a single store transaction while
// the account's lease is held, so either every lot mutation and its ledger
// entries commit together or nothing does. A lot version conflict retries
// the whole operation from the first read.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/apperr"
	"github.com/finboard/portfolio-engine/internal/currency"
	"github.com/finboard/portfolio-engine/internal/events"
	"github.com/finboard/portfolio-engine/internal/lease"
	"github.com/finboard/portfolio-engine/internal/metrics"
	"github.com/finboard/portfolio-engine/internal/store"
)

// Stage names a step of the per-operation state machine.
type Stage string

const (
	StageValidated      Stage = "Validated"
	StageFunded         Stage = "Funded"
	StageUnfunded       Stage = "Unfunded"
	StageLotsMutated    Stage = "LotsMutated"
	StageLedgerAppended Stage = "LedgerAppended"
	StageDone           Stage = "Done"
	StageRejected       Stage = "Rejected"
)

// Operation names, used in errors, logs and metrics.
const (
	OpBuy      = "buy"
	OpSell     = "sell"
	OpDeposit  = "deposit"
	OpWithdraw = "withdraw"
	OpPrice    = "price"
)

// DefaultMaxAttempts bounds how often an operation runs when it keeps
// hitting lot version conflicts.
const DefaultMaxAttempts = 3

// Engine orchestrates reconciliation operations.
type Engine struct {
	store       store.Store
	locker      lease.Locker
	publisher   events.Publisher
	maxAttempts int
	now         func() time.Time
	log         *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker sets the per-account lease provider. Defaults to an
// in-process MemoryLocker.
func WithLocker(l lease.Locker) Option { return func(e *Engine) { e.locker = l } }

// WithPublisher sets where committed operations are announced.
func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithMaxAttempts sets how often an operation is tried on version conflicts.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithClock overrides the time source used for default dates.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// New creates an engine over st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		locker:      lease.NewMemoryLocker(),
		publisher:   events.Noop{},
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// execute runs fn in a store transaction while holding the account lease,
// retrying on version conflicts. fn must rebuild its result from scratch
// on every attempt.
func (e *Engine) execute(ctx context.Context, op, accountID string, fn func(tx store.Tx) error) error {
	start := time.Now()

	release, err := e.locker.Acquire(ctx, accountID)
	if err != nil {
		metrics.ObserveOperation(op, "lease_error", start)
		return fmt.Errorf("reconcile: %s: acquire lease for account %s: %w", op, accountID, err)
	}
	defer release()

	for attempt := 1; ; attempt++ {
		err = e.store.WithTx(ctx, fn)
		if err == nil || !errors.Is(err, store.ErrVersionConflict) || attempt >= e.maxAttempts {
			break
		}
		metrics.VersionConflicts.WithLabelValues(op).Inc()
		e.log.Warn("lot version conflict, retrying", "op", op, "account", accountID, "attempt", attempt, "err", err)
	}

	switch {
	case err == nil:
		metrics.ObserveOperation(op, "ok", start)
	case isRejection(err):
		metrics.ObserveOperation(op, "rejected", start)
		metrics.Rejections.WithLabelValues(op, apperr.Code(err)).Inc()
	default:
		metrics.ObserveOperation(op, "error", start)
		e.log.Error("reconciliation failed", "op", op, "account", accountID, "err", err)
	}
	return err
}

// reject records a failure at the Validated stage.
func (e *Engine) reject(op string, err error) error {
	metrics.Rejections.WithLabelValues(op, apperr.Code(err)).Inc()
	metrics.OperationsTotal.WithLabelValues(op, "rejected").Inc()
	return err
}

// publish announces a committed operation. Delivery failures are logged;
// the operation has already committed.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log.Warn("event publish failed", "type", ev.Type, "account", ev.AccountID, "err", err)
	}
}

func isRejection(err error) bool {
	return errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrInsufficientFunds) ||
		errors.Is(err, apperr.ErrNotFound)
}

// mutation wraps a storage failure. Rejections pass through untouched.
func mutation(op string, stage Stage, err error) error {
	if err == nil || isRejection(err) {
		return err
	}
	return &apperr.MutationError{Stage: string(stage), Op: op, Err: err}
}

// --- Shared validation ---

func requireAccountID(id string) error {
	if id == "" {
		return apperr.Invalid("account_id", "is required")
	}
	return nil
}

func requirePositive(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return apperr.Invalid(field, "must be greater than 0, got %s", v)
	}
	return nil
}

// normalizeCurrency validates code; an empty code resolves to fallback
// later and is returned as "".
func normalizeCurrency(code string) (string, error) {
	if code == "" {
		return "", nil
	}
	c, err := currency.Normalize(code)
	if err != nil {
		return "", apperr.Invalid("currency", "%v", err)
	}
	return c, nil
}

func (e *Engine) dateOr(t time.Time) time.Time {
	if t.IsZero() {
		return e.now()
	}
	return t
}

func joinNotes(parts ...string) string {
	var out string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "; "
		}
		out += p
	}
	return out
}
