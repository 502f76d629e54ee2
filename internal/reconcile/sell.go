package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/aggregate"
	"github.com/finboard/portfolio-engine/internal/apperr"
	"github.com/finboard/portfolio-engine/internal/cashledger"
	"github.com/finboard/portfolio-engine/internal/currency"
	"github.com/finboard/portfolio-engine/internal/events"
	"github.com/finboard/portfolio-engine/internal/metrics"
	"github.com/finboard/portfolio-engine/internal/model"
	"github.com/finboard/portfolio-engine/internal/store"
)

// SellInput describes a full or partial sale of one holding. The holding
// is named by its aggregation key (a plain symbol for stocks, ETFs, crypto
// and other assets) or by an explicit set of lots sharing one key.
type SellInput struct {
	AccountID  string          `json:"account_id"`
	HoldingKey string          `json:"holding_key"`
	LotIDs     []string        `json:"lot_ids"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"` // per share; per-share premium for options
	Date       time.Time       `json:"date"`
	Notes      string          `json:"notes"`

	// ReturnToCash credits the proceeds as a new cash lot.
	ReturnToCash bool `json:"return_to_cash"`
}

// SellResult is the outcome of a committed Sell.
type SellResult struct {
	Transactions  []model.Transaction `json:"transactions"`
	UpdatedLots   []model.Lot         `json:"updated_lots"`
	DeletedLotIDs []string            `json:"deleted_lot_ids"`
	QuantitySold  decimal.Decimal     `json:"quantity_sold"`
	Proceeds      decimal.Decimal     `json:"proceeds"`
	CostBasisSold decimal.Decimal     `json:"cost_basis_sold"`
	ProfitLoss    decimal.Decimal     `json:"profit_loss"`
	Currency      string              `json:"currency"`
	CashLot       *model.Lot          `json:"cash_lot,omitempty"`
	Stage         Stage               `json:"stage"`
}

func validateSell(in SellInput) error {
	if err := requireAccountID(in.AccountID); err != nil {
		return err
	}
	if in.HoldingKey == "" && len(in.LotIDs) == 0 {
		return apperr.Invalid("holding_key", "a holding key or lot ids are required")
	}
	if err := requirePositive("quantity", in.Quantity); err != nil {
		return err
	}
	return requirePositive("price", in.Price)
}

// resolveHolding loads the lots to sell from and aggregates them into the
// holding being sold.
func resolveHolding(ctx context.Context, tx store.Tx, in SellInput) (model.Holding, error) {
	filter := store.LotFilter{AccountID: in.AccountID, IDs: in.LotIDs}
	lots, err := tx.ListLots(ctx, filter)
	if err != nil {
		return model.Holding{}, err
	}

	if len(in.LotIDs) > 0 {
		if len(lots) != len(in.LotIDs) {
			found := make(map[string]bool, len(lots))
			for _, l := range lots {
				found[l.ID] = true
			}
			for _, id := range in.LotIDs {
				if !found[id] {
					return model.Holding{}, apperr.NotFound("lot", id)
				}
			}
		}
		holdings := aggregate.Positions(lots)
		if len(holdings) != 1 {
			return model.Holding{}, apperr.Invalid("lot_ids", "lots belong to %d different holdings", len(holdings))
		}
		if in.HoldingKey != "" && holdings[0].Key != in.HoldingKey {
			return model.Holding{}, apperr.Invalid("lot_ids", "lots belong to %s, not %s", holdings[0].Key, in.HoldingKey)
		}
		return holdings[0], nil
	}

	h, ok := aggregate.Find(aggregate.Positions(lots), in.HoldingKey)
	if !ok {
		return model.Holding{}, apperr.NotFound("holding", in.HoldingKey)
	}
	return h, nil
}

// Sell liquidates quantity from a holding, oldest lots first, and appends
// one sell entry per consumed lot with the realized P&L in its notes.
func (e *Engine) Sell(ctx context.Context, in SellInput) (SellResult, error) {
	if err := validateSell(in); err != nil {
		return SellResult{Stage: StageRejected}, e.reject(OpSell, err)
	}
	date := e.dateOr(in.Date)

	var res SellResult
	err := e.execute(ctx, OpSell, in.AccountID, func(tx store.Tx) error {
		res = SellResult{Stage: StageValidated}

		if _, err := tx.GetAccount(ctx, in.AccountID); err != nil {
			return err
		}
		h, err := resolveHolding(ctx, tx, in)
		if err != nil {
			return err
		}
		if h.AssetType == model.AssetCash {
			return apperr.Invalid("holding_key", "cash is removed with a withdrawal, not a sale")
		}
		// The sale price is quoted in one currency, so the lots sold must
		// share it.
		if ccys := aggregate.Currencies(h.Lots); len(ccys) > 1 {
			return apperr.Invalid("lot_ids", "holding %s mixes currencies %v, sell the lots of one currency by id", h.Key, ccys)
		}
		if in.Quantity.GreaterThan(h.Quantity) {
			return apperr.Invalid("quantity", "cannot sell %s of %s, holding quantity is %s", in.Quantity, h.Key, h.Quantity)
		}
		// Funded here means the proceeds will move into cash.
		res.Stage = StageUnfunded
		if in.ReturnToCash {
			res.Stage = StageFunded
		}
		res.Currency = h.Currency

		lots := append([]model.Lot(nil), h.Lots...)
		sortFIFO(lots)
		mult := h.AssetType.Multiplier()

		var entries []model.Transaction
		remaining := in.Quantity
		for _, l := range lots {
			if !remaining.IsPositive() {
				break
			}
			take := decimal.Min(l.Quantity, remaining)
			left := l.Quantity.Sub(take)

			if !left.IsPositive() {
				if err := tx.DeleteLot(ctx, l.ID, l.Version); err != nil {
					return mutation(OpSell, StageLotsMutated, fmt.Errorf("delete lot %s: %w", l.ID, err))
				}
				res.DeletedLotIDs = append(res.DeletedLotIDs, l.ID)
			} else {
				if err := tx.UpdateLot(ctx, l.ID, store.LotPatch{Quantity: &left}, l.Version); err != nil {
					return mutation(OpSell, StageLotsMutated, fmt.Errorf("reduce lot %s: %w", l.ID, err))
				}
				updated := l
				updated.Quantity = left
				updated.Version++
				res.UpdatedLots = append(res.UpdatedLots, updated)
			}

			proceeds := take.Mul(in.Price).Mul(mult)
			cost := take.Mul(l.AverageBuyPrice).Mul(mult)
			pnl := proceeds.Sub(cost)
			res.Proceeds = res.Proceeds.Add(proceeds)
			res.CostBasisSold = res.CostBasisSold.Add(cost)

			entries = append(entries, model.Transaction{
				AccountID:    in.AccountID,
				Type:         model.TxSell,
				Symbol:       l.Symbol,
				AssetType:    l.AssetType,
				Quantity:     take,
				PricePerUnit: in.Price,
				TotalAmount:  proceeds,
				Currency:     l.Currency,
				Date:         date,
				Notes:        sellNotes(in.Notes, pnl, cost, l.Currency),
				PositionID:   l.ID,
			})
			remaining = remaining.Sub(take)
		}
		res.QuantitySold = in.Quantity.Sub(remaining)
		res.ProfitLoss = res.Proceeds.Sub(res.CostBasisSold)

		if in.ReturnToCash {
			cash, err := cashledger.Credit(ctx, tx, in.AccountID, h.Currency, res.Proceeds, date,
				fmt.Sprintf("proceeds from sale of %s %s", res.QuantitySold, h.Symbol))
			if err != nil {
				return mutation(OpSell, StageLotsMutated, err)
			}
			res.CashLot = &cash
		}
		res.Stage = StageLotsMutated

		for i := range entries {
			if err := tx.AppendTransaction(ctx, &entries[i]); err != nil {
				return mutation(OpSell, StageLedgerAppended, err)
			}
		}
		res.Transactions = entries
		res.Stage = StageLedgerAppended
		return nil
	})
	if err != nil {
		return SellResult{Stage: StageRejected}, err
	}
	res.Stage = StageDone

	metrics.LotsTouched.WithLabelValues("deleted").Add(float64(len(res.DeletedLotIDs)))
	metrics.LotsTouched.WithLabelValues("reduced").Add(float64(len(res.UpdatedLots)))
	if res.CashLot != nil {
		metrics.LotsTouched.WithLabelValues("created").Inc()
	}
	e.log.Info("sell executed",
		"account", in.AccountID,
		"holding", in.HoldingKey,
		"qty", res.QuantitySold.String(),
		"proceeds", res.Proceeds.String(),
		"pnl", res.ProfitLoss.String(),
		"currency", res.Currency,
		"lots_deleted", len(res.DeletedLotIDs),
		"lots_reduced", len(res.UpdatedLots),
	)

	ev := events.New(events.TypeSell, in.AccountID)
	ev.Transactions = res.Transactions
	for _, t := range res.Transactions {
		ev.LotIDs = append(ev.LotIDs, t.PositionID)
	}
	if res.CashLot != nil {
		ev.LotIDs = append(ev.LotIDs, res.CashLot.ID)
	}
	e.publish(ctx, ev)
	return res, nil
}

func sellNotes(userNotes string, pnl, cost decimal.Decimal, ccy string) string {
	return joinNotes(userNotes, fmt.Sprintf("P&L: %s (cost basis %s)",
		currency.Format(pnl, ccy), currency.Format(cost, ccy)))
}

// sortFIFO orders lots oldest first, ties broken by id.
func sortFIFO(lots []model.Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].CreatedDate.Equal(lots[j].CreatedDate) {
			return lots[i].CreatedDate.Before(lots[j].CreatedDate)
		}
		return lots[i].ID < lots[j].ID
	})
}
