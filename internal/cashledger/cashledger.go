// Package cashledger applies debits and credits against the Cash lots of an
// account. Debits consume lots oldest first; credits always create a new
// dated lot. Every call runs on the caller's store.Tx so a debit that fails
// halfway through its walk never commits.
package cashledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/apperr"
	"github.com/finboard/portfolio-engine/internal/model"
	"github.com/finboard/portfolio-engine/internal/store"
)

// LotChange records what a debit did to one cash lot.
type LotChange struct {
	LotID   string          `json:"lot_id"`
	Before  decimal.Decimal `json:"before"`
	After   decimal.Decimal `json:"after"`
	Taken   decimal.Decimal `json:"taken"`
	Deleted bool            `json:"deleted"`
}

// Lots returns the cash lots of an account in one currency, oldest first.
func Lots(ctx context.Context, tx store.Tx, accountID, ccy string) ([]model.Lot, error) {
	lots, err := tx.ListLots(ctx, store.LotFilter{
		AccountID: accountID,
		Symbol:    model.CashSymbol,
		AssetType: model.AssetCash,
		Currency:  ccy,
	})
	if err != nil {
		return nil, fmt.Errorf("cashledger: list %s lots: %w", ccy, err)
	}
	return lots, nil
}

// Available sums the cash lots of an account in one currency.
func Available(ctx context.Context, tx store.Tx, accountID, ccy string) (decimal.Decimal, error) {
	lots, err := Lots(ctx, tx, accountID, ccy)
	if err != nil {
		return decimal.Zero, err
	}
	return sum(lots), nil
}

// Deduct takes amount out of the account's ccy cash lots, oldest first.
// A lot that reaches zero is deleted, otherwise its quantity is reduced.
// If the lots cannot cover amount, an InsufficientFundsError is returned
// before anything is written.
func Deduct(ctx context.Context, tx store.Tx, accountID, ccy string, amount decimal.Decimal) ([]LotChange, error) {
	if amount.IsNegative() {
		return nil, apperr.Invalid("amount", "must not be negative, got %s", amount)
	}
	if amount.IsZero() {
		return nil, nil
	}

	lots, err := Lots(ctx, tx, accountID, ccy)
	if err != nil {
		return nil, err
	}
	if available := sum(lots); available.LessThan(amount) {
		return nil, &apperr.InsufficientFundsError{
			AccountID: accountID,
			Currency:  ccy,
			Available: available,
			Required:  amount,
		}
	}

	var changes []LotChange
	remaining := amount
	for _, l := range lots {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(l.Quantity, remaining)
		left := l.Quantity.Sub(take)
		change := LotChange{LotID: l.ID, Before: l.Quantity, After: left, Taken: take}

		if !left.IsPositive() {
			if err := tx.DeleteLot(ctx, l.ID, l.Version); err != nil {
				return changes, fmt.Errorf("cashledger: delete cash lot %s: %w", l.ID, err)
			}
			change.After = decimal.Zero
			change.Deleted = true
		} else {
			if err := tx.UpdateLot(ctx, l.ID, store.LotPatch{Quantity: &left}, l.Version); err != nil {
				return changes, fmt.Errorf("cashledger: reduce cash lot %s: %w", l.ID, err)
			}
		}
		changes = append(changes, change)
		remaining = remaining.Sub(take)
	}

	// Unreachable after the pre-check unless the lot set changed under us.
	if remaining.IsPositive() {
		return changes, fmt.Errorf("cashledger: %s left undeducted in account %s: %w",
			remaining, accountID, store.ErrVersionConflict)
	}
	return changes, nil
}

// Credit adds amount as a new cash lot dated at. Credits are never merged
// into existing lots.
func Credit(ctx context.Context, tx store.Tx, accountID, ccy string, amount decimal.Decimal, at time.Time, notes string) (model.Lot, error) {
	if !amount.IsPositive() {
		return model.Lot{}, apperr.Invalid("amount", "must be positive, got %s", amount)
	}
	l := model.Lot{
		AccountID:       accountID,
		Symbol:          model.CashSymbol,
		AssetType:       model.AssetCash,
		Quantity:        amount,
		AverageBuyPrice: decimal.NewFromInt(1),
		CurrentPrice:    decimal.NewNullDecimal(decimal.NewFromInt(1)),
		Currency:        ccy,
		Date:            at,
		Notes:           notes,
	}
	if err := tx.CreateLot(ctx, &l); err != nil {
		return model.Lot{}, fmt.Errorf("cashledger: credit %s %s: %w", amount, ccy, err)
	}
	return l, nil
}

func sum(lots []model.Lot) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lots {
		total = total.Add(l.Quantity)
	}
	return total
}
