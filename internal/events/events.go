// Package events publishes account changes after a reconciliation commits.
// Sinks are Kafka (durable, for downstream consumers) and a WebSocket hub
// (live dashboards). Publishing never affects the committed operation.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/finboard/portfolio-engine/internal/model"
)

// Event types, one per committed operation.
const (
	TypeBuy      = "portfolio.buy.v1"
	TypeSell     = "portfolio.sell.v1"
	TypeDeposit  = "portfolio.deposit.v1"
	TypeWithdraw = "portfolio.withdrawal.v1"
	TypePrice    = "portfolio.price.v1"
)

// Event is the envelope for every published account change.
type Event struct {
	ID           string              `json:"id"`
	Type         string              `json:"type"`
	AccountID    string              `json:"account_id"`
	OccurredAt   time.Time           `json:"occurred_at"`
	Transactions []model.Transaction `json:"transactions,omitempty"`
	LotIDs       []string            `json:"lot_ids,omitempty"`
}

// New creates an event with a fresh id and timestamp.
func New(eventType, accountID string) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		AccountID:  accountID,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers events to one sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher. A failing sink does not stop
// the others; their errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
