package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/cashledger"
	"github.com/finboard/portfolio-engine/internal/currency"
	"github.com/finboard/portfolio-engine/internal/events"
	"github.com/finboard/portfolio-engine/internal/metrics"
	"github.com/finboard/portfolio-engine/internal/model"
	"github.com/finboard/portfolio-engine/internal/store"
)

// CashInput describes a deposit or withdrawal.
type CashInput struct {
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"` // defaults to the account base currency
	Amount    decimal.Decimal `json:"amount"`
	Date      time.Time       `json:"date"`
	Notes     string          `json:"notes"`
}

// CashResult is the outcome of a committed Deposit or Withdraw. Lot is the
// new cash lot of a deposit; Changes lists the lots a withdrawal consumed.
type CashResult struct {
	Lot         *model.Lot             `json:"lot,omitempty"`
	Transaction model.Transaction      `json:"transaction"`
	Changes     []cashledger.LotChange `json:"changes,omitempty"`
	Stage       Stage                  `json:"stage"`
}

func validateCash(in CashInput) (string, error) {
	if err := requireAccountID(in.AccountID); err != nil {
		return "", err
	}
	if err := requirePositive("amount", in.Amount); err != nil {
		return "", err
	}
	return normalizeCurrency(in.Currency)
}

// Deposit credits amount as a new cash lot and appends a deposit entry.
func (e *Engine) Deposit(ctx context.Context, in CashInput) (CashResult, error) {
	ccy, err := validateCash(in)
	if err != nil {
		return CashResult{Stage: StageRejected}, e.reject(OpDeposit, err)
	}
	date := e.dateOr(in.Date)

	var res CashResult
	err = e.execute(ctx, OpDeposit, in.AccountID, func(tx store.Tx) error {
		res = CashResult{Stage: StageValidated}

		acct, err := tx.GetAccount(ctx, in.AccountID)
		if err != nil {
			return err
		}
		lotCCY := ccy
		if lotCCY == "" {
			lotCCY = acct.BaseCurrency
		}
		res.Stage = StageFunded

		lot, err := cashledger.Credit(ctx, tx, in.AccountID, lotCCY, in.Amount, date, in.Notes)
		if err != nil {
			return mutation(OpDeposit, StageLotsMutated, err)
		}
		res.Lot = &lot
		res.Stage = StageLotsMutated

		entry := cashEntry(model.TxDeposit, in.AccountID, lotCCY, in.Amount, date, in.Notes, lot.ID)
		if err := tx.AppendTransaction(ctx, &entry); err != nil {
			return mutation(OpDeposit, StageLedgerAppended, err)
		}
		res.Transaction = entry
		res.Stage = StageLedgerAppended
		return nil
	})
	if err != nil {
		return CashResult{Stage: StageRejected}, err
	}
	res.Stage = StageDone

	metrics.LotsTouched.WithLabelValues("created").Inc()
	e.log.Info("deposit executed",
		"account", in.AccountID,
		"amount", in.Amount.String(),
		"currency", res.Lot.Currency,
		"lot", res.Lot.ID,
	)

	ev := events.New(events.TypeDeposit, in.AccountID)
	ev.Transactions = []model.Transaction{res.Transaction}
	ev.LotIDs = []string{res.Lot.ID}
	e.publish(ctx, ev)
	return res, nil
}

// Withdraw deducts amount from cash lots, oldest first, and appends a
// withdrawal entry. Its PositionID names the first lot consumed.
func (e *Engine) Withdraw(ctx context.Context, in CashInput) (CashResult, error) {
	ccy, err := validateCash(in)
	if err != nil {
		return CashResult{Stage: StageRejected}, e.reject(OpWithdraw, err)
	}
	date := e.dateOr(in.Date)

	var res CashResult
	err = e.execute(ctx, OpWithdraw, in.AccountID, func(tx store.Tx) error {
		res = CashResult{Stage: StageValidated}

		acct, err := tx.GetAccount(ctx, in.AccountID)
		if err != nil {
			return err
		}
		lotCCY := ccy
		if lotCCY == "" {
			lotCCY = acct.BaseCurrency
		}

		changes, err := cashledger.Deduct(ctx, tx, in.AccountID, lotCCY, in.Amount)
		if err != nil {
			return mutation(OpWithdraw, StageLotsMutated, err)
		}
		res.Changes = changes
		res.Stage = StageLotsMutated

		ids := changedIDs(changes)
		notes := joinNotes(in.Notes, "from lots "+strings.Join(ids, ", "))
		entry := cashEntry(model.TxWithdrawal, in.AccountID, lotCCY, in.Amount, date, notes, ids[0])
		if err := tx.AppendTransaction(ctx, &entry); err != nil {
			return mutation(OpWithdraw, StageLedgerAppended, err)
		}
		res.Transaction = entry
		res.Stage = StageLedgerAppended
		return nil
	})
	if err != nil {
		return CashResult{Stage: StageRejected}, err
	}
	res.Stage = StageDone

	touchCash(res.Changes)
	e.log.Info("withdrawal executed",
		"account", in.AccountID,
		"amount", currency.Format(in.Amount, res.Transaction.Currency),
		"currency", res.Transaction.Currency,
		"lots", len(res.Changes),
	)

	ev := events.New(events.TypeWithdraw, in.AccountID)
	ev.Transactions = []model.Transaction{res.Transaction}
	ev.LotIDs = changedIDs(res.Changes)
	e.publish(ctx, ev)
	return res, nil
}

func cashEntry(t model.TransactionType, accountID, ccy string, amount decimal.Decimal, date time.Time, notes, lotID string) model.Transaction {
	return model.Transaction{
		AccountID:    accountID,
		Type:         t,
		Symbol:       model.CashSymbol,
		AssetType:    model.AssetCash,
		Quantity:     amount,
		PricePerUnit: decimal.NewFromInt(1),
		TotalAmount:  amount,
		Currency:     ccy,
		Date:         date,
		Notes:        notes,
		PositionID:   lotID,
	}
}
