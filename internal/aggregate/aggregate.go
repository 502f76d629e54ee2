// Package aggregate groups raw lots into display-level holdings with a
// weighted cost basis. It is pure: no I/O, no currency conversion. Every
// amount on a Holding is in the currency of its lots.
package aggregate

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/model"
)

// NotesSeparator joins the notes of merged lots.
const NotesSeparator = " | "

type accumulator struct {
	holding   model.Holding
	costBasis decimal.Decimal
	marketVal decimal.Decimal
	quantity  decimal.Decimal
	notes     []string
}

// Positions aggregates lots into holdings. Holdings are returned in order of
// the first lot seen for each key; each holding keeps its lots in the order
// they were given.
func Positions(lots []model.Lot) []model.Holding {
	index := make(map[string]*accumulator)
	var order []string

	for _, l := range lots {
		key := l.Key()
		acc, ok := index[key]
		if !ok {
			acc = &accumulator{holding: model.Holding{
				Key:            key,
				AccountID:      l.AccountID,
				Symbol:         l.Symbol,
				AssetType:      l.AssetType,
				Currency:       l.Currency,
				StrikePrice:    l.StrikePrice,
				ExpirationDate: l.ExpirationDate,
				OptionType:     l.OptionType,
				OptionAction:   l.OptionAction,
			}}
			index[key] = acc
			order = append(order, key)
		}
		acc.add(l)
	}

	holdings := make([]model.Holding, 0, len(order))
	for _, key := range order {
		holdings = append(holdings, index[key].finish())
	}
	return holdings
}

func (a *accumulator) add(l model.Lot) {
	a.quantity = a.quantity.Add(l.Quantity)
	value, cost := LotValue(l)
	a.costBasis = a.costBasis.Add(cost)
	a.marketVal = a.marketVal.Add(value)

	if l.Date.After(a.holding.Date) {
		a.holding.Date = l.Date
	}
	if n := strings.TrimSpace(l.Notes); n != "" {
		a.notes = append(a.notes, n)
	}
	a.holding.Lots = append(a.holding.Lots, l)
}

func (a *accumulator) finish() model.Holding {
	h := a.holding
	h.Quantity = a.quantity
	h.CostBasis = a.costBasis
	h.CurrentValue = a.marketVal
	h.IsAggregated = len(h.Lots) > 1
	h.Notes = strings.Join(a.notes, NotesSeparator)

	units := a.quantity.Mul(h.AssetType.Multiplier())
	if units.IsZero() {
		h.AverageBuyPrice = decimal.Zero
		h.CurrentPrice = decimal.Zero
		return h
	}
	h.AverageBuyPrice = a.costBasis.Div(units)
	h.CurrentPrice = a.marketVal.Div(units)
	return h
}

// LotValue returns the market value and cost basis of one lot in the lot's
// own currency.
func LotValue(l model.Lot) (value, cost decimal.Decimal) {
	switch l.AssetType {
	case model.AssetCash:
		// Cash is priced at 1 in its own currency.
		return l.Quantity, l.Quantity
	case model.AssetOption, model.AssetStock, model.AssetETF, model.AssetCrypto, model.AssetOther:
		m := l.AssetType.Multiplier()
		return l.Quantity.Mul(l.Price()).Mul(m), l.Quantity.Mul(l.AverageBuyPrice).Mul(m)
	}
	return decimal.Zero, decimal.Zero
}

// Currencies returns the distinct currencies of lots in first-seen order.
// Buy keeps holdings single-currency, but lots written before that check,
// or imported directly, can still mix.
func Currencies(lots []model.Lot) []string {
	var out []string
	seen := make(map[string]bool)
	for _, l := range lots {
		if !seen[l.Currency] {
			seen[l.Currency] = true
			out = append(out, l.Currency)
		}
	}
	return out
}

// Find returns the holding with the given aggregation key.
func Find(holdings []model.Holding, key string) (model.Holding, bool) {
	for _, h := range holdings {
		if h.Key == key {
			return h, true
		}
	}
	return model.Holding{}, false
}

// ByAssetType returns the holdings of one asset type, preserving order.
func ByAssetType(holdings []model.Holding, t model.AssetType) []model.Holding {
	var out []model.Holding
	for _, h := range holdings {
		if h.AssetType == t {
			out = append(out, h)
		}
	}
	return out
}
