package reconcile

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/apperr"
	"github.com/finboard/portfolio-engine/internal/cashledger"
	"github.com/finboard/portfolio-engine/internal/currency"
	"github.com/finboard/portfolio-engine/internal/events"
	"github.com/finboard/portfolio-engine/internal/instrument"
	"github.com/finboard/portfolio-engine/internal/metrics"
	"github.com/finboard/portfolio-engine/internal/model"
	"github.com/finboard/portfolio-engine/internal/store"
)

// BuyInput describes a purchase. For options Price is the per-share
// premium; Symbol may be an OCC symbol, which fills missing contract terms.
type BuyInput struct {
	AccountID    string              `json:"account_id"`
	Symbol       string              `json:"symbol"`
	AssetType    model.AssetType     `json:"asset_type"`
	Quantity     decimal.Decimal     `json:"quantity"`
	Price        decimal.Decimal     `json:"price"`
	CurrentPrice decimal.NullDecimal `json:"current_price"` // omitted or null: no quote yet
	Currency     string              `json:"currency"`      // defaults to the account base currency
	Date         time.Time           `json:"date"`
	Notes        string              `json:"notes"`

	StrikePrice    decimal.Decimal    `json:"strike_price"`
	ExpirationDate time.Time          `json:"expiration_date"`
	OptionType     model.OptionType   `json:"option_type"`
	OptionAction   model.OptionAction `json:"option_action"`

	// DeductFromCash funds the purchase from cash lots in the lot currency.
	DeductFromCash bool `json:"deduct_from_cash"`
}

// BuyResult is the outcome of a committed Buy.
type BuyResult struct {
	Lot         model.Lot              `json:"lot"`
	Transaction model.Transaction      `json:"transaction"`
	Cost        decimal.Decimal        `json:"cost"`
	CashChanges []cashledger.LotChange `json:"cash_changes,omitempty"`
	Stage       Stage                  `json:"stage"`
}

// validateBuy builds the lot to create, or rejects the input.
func validateBuy(in BuyInput) (model.Lot, error) {
	if err := requireAccountID(in.AccountID); err != nil {
		return model.Lot{}, err
	}
	if in.Symbol == "" {
		return model.Lot{}, apperr.Invalid("symbol", "is required")
	}
	if !in.AssetType.Valid() {
		return model.Lot{}, apperr.Invalid("asset_type", "must be one of %v, got %q", model.AssetTypes, in.AssetType)
	}
	if in.AssetType == model.AssetCash {
		return model.Lot{}, apperr.Invalid("asset_type", "cash is added with a deposit, not a buy")
	}
	if err := requirePositive("quantity", in.Quantity); err != nil {
		return model.Lot{}, err
	}
	if err := requirePositive("price", in.Price); err != nil {
		return model.Lot{}, err
	}
	if in.CurrentPrice.Valid && in.CurrentPrice.Decimal.IsNegative() {
		return model.Lot{}, apperr.Invalid("current_price", "must not be negative, got %s", in.CurrentPrice.Decimal)
	}
	ccy, err := normalizeCurrency(in.Currency)
	if err != nil {
		return model.Lot{}, err
	}

	l := model.Lot{
		AccountID:       in.AccountID,
		Symbol:          in.Symbol,
		AssetType:       in.AssetType,
		Quantity:        in.Quantity,
		AverageBuyPrice: in.Price,
		CurrentPrice:    in.CurrentPrice,
		Currency:        ccy,
		Date:            in.Date,
		Notes:           in.Notes,
	}
	if in.AssetType == model.AssetOption {
		l.StrikePrice = in.StrikePrice
		l.ExpirationDate = in.ExpirationDate
		l.OptionType = in.OptionType
		l.OptionAction = in.OptionAction
		l.PremiumPrice = in.Price
		if err := instrument.CompleteOption(&l); err != nil {
			return model.Lot{}, err
		}
	}
	return l, nil
}

// Buy creates a lot, optionally funded from cash, and appends a buy entry.
func (e *Engine) Buy(ctx context.Context, in BuyInput) (BuyResult, error) {
	proto, err := validateBuy(in)
	if err != nil {
		return BuyResult{Stage: StageRejected}, e.reject(OpBuy, err)
	}
	proto.Date = e.dateOr(proto.Date)

	var res BuyResult
	err = e.execute(ctx, OpBuy, in.AccountID, func(tx store.Tx) error {
		res = BuyResult{Stage: StageValidated}

		acct, err := tx.GetAccount(ctx, in.AccountID)
		if err != nil {
			return err
		}
		lot := proto
		if lot.Currency == "" {
			lot.Currency = acct.BaseCurrency
		}
		if err := checkHoldingCurrency(ctx, tx, lot); err != nil {
			return err
		}
		cost := lot.Quantity.Mul(lot.AverageBuyPrice).Mul(lot.AssetType.Multiplier())

		res.Stage = StageUnfunded
		if in.DeductFromCash {
			changes, err := cashledger.Deduct(ctx, tx, in.AccountID, lot.Currency, cost)
			if err != nil {
				return mutation(OpBuy, StageFunded, err)
			}
			res.CashChanges = changes
			res.Stage = StageFunded
		}

		if err := tx.CreateLot(ctx, &lot); err != nil {
			return mutation(OpBuy, StageLotsMutated, err)
		}
		res.Stage = StageLotsMutated

		entry := model.Transaction{
			AccountID:    in.AccountID,
			Type:         model.TxBuy,
			Symbol:       lot.Symbol,
			AssetType:    lot.AssetType,
			Quantity:     lot.Quantity,
			PricePerUnit: lot.AverageBuyPrice,
			TotalAmount:  cost,
			Currency:     lot.Currency,
			Date:         lot.Date,
			Notes:        buyNotes(lot, cost, in.DeductFromCash),
			PositionID:   lot.ID,
		}
		if err := tx.AppendTransaction(ctx, &entry); err != nil {
			return mutation(OpBuy, StageLedgerAppended, err)
		}
		res.Stage = StageLedgerAppended

		res.Lot = lot
		res.Transaction = entry
		res.Cost = cost
		return nil
	})
	if err != nil {
		return BuyResult{Stage: StageRejected}, err
	}
	res.Stage = StageDone

	metrics.LotsTouched.WithLabelValues("created").Inc()
	touchCash(res.CashChanges)
	e.log.Info("buy executed",
		"account", in.AccountID,
		"symbol", res.Lot.Symbol,
		"asset_type", res.Lot.AssetType,
		"qty", res.Lot.Quantity.String(),
		"cost", res.Cost.String(),
		"currency", res.Lot.Currency,
		"lot", res.Lot.ID,
		"funded", in.DeductFromCash,
	)

	ev := events.New(events.TypeBuy, in.AccountID)
	ev.Transactions = []model.Transaction{res.Transaction}
	ev.LotIDs = append([]string{res.Lot.ID}, changedIDs(res.CashChanges)...)
	e.publish(ctx, ev)
	return res, nil
}

// checkHoldingCurrency rejects a lot whose currency differs from the lots
// it would merge with. A holding's totals are only meaningful in a single
// currency.
func checkHoldingCurrency(ctx context.Context, tx store.Tx, lot model.Lot) error {
	existing, err := tx.ListLots(ctx, store.LotFilter{AccountID: lot.AccountID, Symbol: lot.Symbol})
	if err != nil {
		return err
	}
	key := lot.Key()
	for _, l := range existing {
		if l.Key() == key && l.Currency != lot.Currency {
			return apperr.Invalid("currency", "holding %s is held in %s, cannot add a lot in %s", key, l.Currency, lot.Currency)
		}
	}
	return nil
}

func buyNotes(l model.Lot, cost decimal.Decimal, funded bool) string {
	n := l.Notes
	if l.AssetType == model.AssetOption {
		n = joinNotes(n, "contract "+instrument.OCC(l))
	}
	if funded {
		n = joinNotes(n, "paid "+currency.Format(cost, l.Currency)+" from cash")
	}
	return n
}

func touchCash(changes []cashledger.LotChange) {
	for _, c := range changes {
		if c.Deleted {
			metrics.LotsTouched.WithLabelValues("deleted").Inc()
		} else {
			metrics.LotsTouched.WithLabelValues("reduced").Inc()
		}
	}
}

func changedIDs(changes []cashledger.LotChange) []string {
	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		ids = append(ids, c.LotID)
	}
	return ids
}
