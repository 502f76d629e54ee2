package reconcile

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/aggregate"
	"github.com/finboard/portfolio-engine/internal/apperr"
	"github.com/finboard/portfolio-engine/internal/events"
	"github.com/finboard/portfolio-engine/internal/model"
	"github.com/finboard/portfolio-engine/internal/store"
)

// PriceInput marks every lot of one holding to a new market price.
type PriceInput struct {
	AccountID  string          `json:"account_id"`
	HoldingKey string          `json:"holding_key"`
	Price      decimal.Decimal `json:"price"` // per share; per-share premium for options; zero marks worthless
}

// PriceResult lists the repriced lots.
type PriceResult struct {
	Lots  []model.Lot `json:"lots"`
	Stage Stage       `json:"stage"`
}

// UpdatePrice sets CurrentPrice on every lot of a holding. Quantities are
// untouched and no ledger entry is written; prices are not transactions.
func (e *Engine) UpdatePrice(ctx context.Context, in PriceInput) (PriceResult, error) {
	if err := requireAccountID(in.AccountID); err != nil {
		return PriceResult{Stage: StageRejected}, e.reject(OpPrice, err)
	}
	if in.HoldingKey == "" {
		return PriceResult{Stage: StageRejected}, e.reject(OpPrice, apperr.Invalid("holding_key", "is required"))
	}
	if in.Price.IsNegative() {
		return PriceResult{Stage: StageRejected}, e.reject(OpPrice, apperr.Invalid("price", "must not be negative, got %s", in.Price))
	}

	var res PriceResult
	err := e.execute(ctx, OpPrice, in.AccountID, func(tx store.Tx) error {
		res = PriceResult{Stage: StageValidated}

		lots, err := tx.ListLots(ctx, store.LotFilter{AccountID: in.AccountID})
		if err != nil {
			return err
		}
		h, ok := aggregate.Find(aggregate.Positions(lots), in.HoldingKey)
		if !ok {
			return apperr.NotFound("holding", in.HoldingKey)
		}
		if h.AssetType == model.AssetCash {
			return apperr.Invalid("holding_key", "cash is always priced at 1")
		}

		price := in.Price
		for _, l := range h.Lots {
			if err := tx.UpdateLot(ctx, l.ID, store.LotPatch{CurrentPrice: &price}, l.Version); err != nil {
				return mutation(OpPrice, StageLotsMutated, err)
			}
			l.CurrentPrice = decimal.NewNullDecimal(price)
			l.Version++
			res.Lots = append(res.Lots, l)
		}
		res.Stage = StageLotsMutated
		return nil
	})
	if err != nil {
		return PriceResult{Stage: StageRejected}, err
	}
	res.Stage = StageDone

	e.log.Info("price updated", "account", in.AccountID, "holding", in.HoldingKey, "price", in.Price.String(), "lots", len(res.Lots))

	ev := events.New(events.TypePrice, in.AccountID)
	for _, l := range res.Lots {
		ev.LotIDs = append(ev.LotIDs, l.ID)
	}
	e.publish(ctx, ev)
	return res, nil
}
