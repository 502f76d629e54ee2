// Package valuation derives market value, cost basis, P&L, P&L% and
// portfolio weight for holdings and accounts.
//
// Every amount goes through two conversion steps, lot currency → account
// base currency → display currency, using the snapshot passed in. If either
// step has no rate the amount passes through unconverted and the result is
// flagged Approximate.
//
// Cash holdings are shown standalone in their native currency, unconverted,
// so users see exactly what they deposited. When summed into account totals
// they are converted like everything else.
package valuation

import (
	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/aggregate"
	"github.com/finboard/portfolio-engine/internal/currency"
	"github.com/finboard/portfolio-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Valuation is the valued view of one holding.
type Valuation struct {
	Key         string          `json:"key"`
	Symbol      string          `json:"symbol"`
	AssetType   model.AssetType `json:"asset_type"`
	Currency    string          `json:"currency"` // currency of the amounts below
	Quantity    decimal.Decimal `json:"quantity"`
	MarketValue decimal.Decimal `json:"market_value"`
	CostBasis   decimal.Decimal `json:"cost_basis"`
	PnL         decimal.Decimal `json:"pnl"`
	PnLPercent  decimal.Decimal `json:"pnl_percent"`
	Weight      decimal.Decimal `json:"weight"`
	Approximate bool            `json:"approximate"`
}

// Holding values h in displayCCY. totalAccountValue is the account total in
// displayCCY and is only used for the weight.
func Holding(h model.Holding, baseCCY, displayCCY string, rates currency.RateSnapshot, totalAccountValue decimal.Decimal) Valuation {
	v := Valuation{
		Key:       h.Key,
		Symbol:    h.Symbol,
		AssetType: h.AssetType,
		Quantity:  h.Quantity,
	}

	c := convert(h, baseCCY, displayCCY, rates)
	displayValue, okValue := c.value, c.ok
	v.Weight = percentOf(displayValue, totalAccountValue)

	switch h.AssetType {
	case model.AssetCash:
		v.Currency = h.Currency
		v.MarketValue = h.CurrentValue
		v.CostBasis = h.CurrentValue
		v.PnL = decimal.Zero
		v.PnLPercent = decimal.Zero
		// The standalone figure is exact; only the weight depends on rates.
		v.Approximate = !okValue && !totalAccountValue.IsZero()
	case model.AssetStock, model.AssetETF, model.AssetOption, model.AssetCrypto, model.AssetOther:
		v.Currency = displayCCY
		v.MarketValue = displayValue
		v.CostBasis = c.cost
		v.PnL = displayValue.Sub(c.cost)
		v.PnLPercent = percentOf(v.PnL, c.cost)
		v.Approximate = !okValue
	}
	return v
}

type converted struct {
	valueBase decimal.Decimal // market value in the base currency
	value     decimal.Decimal // market value in the display currency
	cost      decimal.Decimal // cost basis in the display currency
	ok        bool
}

// convert moves h's market value and cost basis into the base and display
// currencies lot by lot, each lot from its own currency. A holding without
// lots is converted from its totals in h.Currency.
func convert(h model.Holding, baseCCY, displayCCY string, rates currency.RateSnapshot) converted {
	if len(h.Lots) == 0 {
		vb, vd, okV := currency.Chain(h.CurrentValue, h.Currency, baseCCY, displayCCY, rates)
		_, cd, okC := currency.Chain(h.CostBasis, h.Currency, baseCCY, displayCCY, rates)
		return converted{valueBase: vb, value: vd, cost: cd, ok: okV && okC}
	}
	c := converted{ok: true}
	for _, l := range h.Lots {
		value, cost := aggregate.LotValue(l)
		vb, vd, okV := currency.Chain(value, l.Currency, baseCCY, displayCCY, rates)
		_, cd, okC := currency.Chain(cost, l.Currency, baseCCY, displayCCY, rates)
		c.valueBase = c.valueBase.Add(vb)
		c.value = c.value.Add(vd)
		c.cost = c.cost.Add(cd)
		c.ok = c.ok && okV && okC
	}
	return c
}

// Lot values a single raw lot as a one-lot holding.
func Lot(l model.Lot, baseCCY, displayCCY string, rates currency.RateSnapshot, totalAccountValue decimal.Decimal) Valuation {
	return Holding(aggregate.Positions([]model.Lot{l})[0], baseCCY, displayCCY, rates, totalAccountValue)
}

// Summary is the valued view of an account.
type Summary struct {
	AccountID       string          `json:"account_id"`
	BaseCurrency    string          `json:"base_currency"`
	DisplayCurrency string          `json:"display_currency"`
	Holdings        []Valuation     `json:"holdings"`
	TotalValue      decimal.Decimal `json:"total_value"`      // display currency, cash included
	TotalValueBase  decimal.Decimal `json:"total_value_base"` // base currency, cash included
	TotalCostBasis  decimal.Decimal `json:"total_cost_basis"` // display currency, invested holdings
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent decimal.Decimal `json:"total_pnl_percent"`
	CashValue       decimal.Decimal `json:"cash_value"` // display currency
	Approximate     bool            `json:"approximate"`
}

// Account values every holding of an account and sums the totals. Cash is
// converted into the totals even though its standalone valuation is native.
func Account(accountID string, holdings []model.Holding, baseCCY, displayCCY string, rates currency.RateSnapshot) Summary {
	s := Summary{
		AccountID:       accountID,
		BaseCurrency:    baseCCY,
		DisplayCurrency: displayCCY,
		Holdings:        make([]Valuation, 0, len(holdings)),
	}

	for _, h := range holdings {
		c := convert(h, baseCCY, displayCCY, rates)
		s.TotalValue = s.TotalValue.Add(c.value)
		s.TotalValueBase = s.TotalValueBase.Add(c.valueBase)
		if h.AssetType == model.AssetCash {
			s.CashValue = s.CashValue.Add(c.value)
		}
		if !c.ok {
			s.Approximate = true
		}
	}

	for _, h := range holdings {
		v := Holding(h, baseCCY, displayCCY, rates, s.TotalValue)
		if h.AssetType != model.AssetCash {
			s.TotalCostBasis = s.TotalCostBasis.Add(v.CostBasis)
			s.TotalPnL = s.TotalPnL.Add(v.PnL)
		}
		if v.Approximate {
			s.Approximate = true
		}
		s.Holdings = append(s.Holdings, v)
	}
	s.TotalPnLPercent = percentOf(s.TotalPnL, s.TotalCostBasis)
	return s
}

// Portfolio is the sum of several account summaries in one display currency.
type Portfolio struct {
	DisplayCurrency string          `json:"display_currency"`
	Accounts        []Summary       `json:"accounts"`
	TotalValue      decimal.Decimal `json:"total_value"`
	TotalCostBasis  decimal.Decimal `json:"total_cost_basis"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent decimal.Decimal `json:"total_pnl_percent"`
	Approximate     bool            `json:"approximate"`
}

// Combine sums account summaries that share displayCCY.
func Combine(displayCCY string, accounts []Summary) Portfolio {
	p := Portfolio{DisplayCurrency: displayCCY, Accounts: accounts}
	for _, a := range accounts {
		p.TotalValue = p.TotalValue.Add(a.TotalValue)
		p.TotalCostBasis = p.TotalCostBasis.Add(a.TotalCostBasis)
		p.TotalPnL = p.TotalPnL.Add(a.TotalPnL)
		p.Approximate = p.Approximate || a.Approximate
	}
	p.TotalPnLPercent = percentOf(p.TotalPnL, p.TotalCostBasis)
	return p
}

// percentOf returns part/whole*100, or 0 when whole is not positive.
func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}
