// Package model defines the core domain types shared across the portfolio
// engine. All monetary values and quantities use shopspring/decimal, never
// float64 for money.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ContractMultiplier converts an option's per-share premium into the value
// of one contract.
var ContractMultiplier = decimal.NewFromInt(100)

// CashSymbol is the symbol every Cash lot carries.
const CashSymbol = "CASH"

// AssetType is the closed set of instrument kinds a Lot can hold.
type AssetType string

const (
	AssetStock  AssetType = "Stock"
	AssetETF    AssetType = "ETF"
	AssetOption AssetType = "Option"
	AssetCash   AssetType = "Cash"
	AssetCrypto AssetType = "Crypto"
	AssetOther  AssetType = "Other"
)

// AssetTypes lists every member of the set, in declaration order.
var AssetTypes = []AssetType{AssetStock, AssetETF, AssetOption, AssetCash, AssetCrypto, AssetOther}

// ParseAssetType accepts any casing of a known asset type.
func ParseAssetType(s string) (AssetType, error) {
	for _, a := range AssetTypes {
		if strings.EqualFold(string(a), strings.TrimSpace(s)) {
			return a, nil
		}
	}
	return "", fmt.Errorf("model: unknown asset type %q", s)
}

// Valid reports whether a is a member of the closed set.
func (a AssetType) Valid() bool {
	switch a {
	case AssetStock, AssetETF, AssetOption, AssetCash, AssetCrypto, AssetOther:
		return true
	}
	return false
}

// Multiplier is the factor applied to every quantity×price term.
func (a AssetType) Multiplier() decimal.Decimal {
	switch a {
	case AssetOption:
		return ContractMultiplier
	case AssetStock, AssetETF, AssetCash, AssetCrypto, AssetOther:
		return decimal.NewFromInt(1)
	}
	panic(fmt.Sprintf("model: multiplier for unknown asset type %q", a))
}

// OptionType is Call or Put.
type OptionType string

const (
	Call OptionType = "Call"
	Put  OptionType = "Put"
)

// OptionAction records whether the option was bought or written.
type OptionAction string

const (
	ActionBuy  OptionAction = "Buy"
	ActionSell OptionAction = "Sell"
)

// Lot is a single purchase or deposit record and the unit of FIFO
// consumption. Lots are reduced in place and deleted at zero quantity;
// their quantity never increases after creation.
type Lot struct {
	ID              string              `json:"id" db:"id"`
	AccountID       string              `json:"account_id" db:"account_id"`
	Symbol          string              `json:"symbol" db:"symbol"`
	AssetType       AssetType           `json:"asset_type" db:"asset_type"`
	Quantity        decimal.Decimal     `json:"quantity" db:"quantity"`
	AverageBuyPrice decimal.Decimal     `json:"average_buy_price" db:"average_buy_price"`
	CurrentPrice    decimal.NullDecimal `json:"current_price" db:"current_price"` // invalid until quoted
	Currency        string              `json:"currency" db:"currency"`
	Date            time.Time           `json:"date" db:"date"`

	// Option-only fields.
	StrikePrice    decimal.Decimal `json:"strike_price,omitempty" db:"strike_price"`
	ExpirationDate time.Time       `json:"expiration_date,omitempty" db:"expiration_date"`
	OptionType     OptionType      `json:"option_type,omitempty" db:"option_type"`
	OptionAction   OptionAction    `json:"option_action,omitempty" db:"option_action"`
	PremiumPrice   decimal.Decimal `json:"premium_price,omitempty" db:"premium_price"`

	Notes       string    `json:"notes,omitempty" db:"notes"`
	CreatedDate time.Time `json:"created_date" db:"created_date"`
	Version     int64     `json:"version" db:"version"`
}

// Price returns the lot's current market price, falling back to the
// acquisition price when no quote has been recorded. A recorded quote of
// zero is a real mark and is returned as is.
func (l Lot) Price() decimal.Decimal {
	if !l.CurrentPrice.Valid {
		return l.AverageBuyPrice
	}
	return l.CurrentPrice.Decimal
}

// Key returns the aggregation key of the lot. Lots sharing a key merge into
// one Holding.
func (l Lot) Key() string {
	switch l.AssetType {
	case AssetOption:
		return strings.Join([]string{
			"option",
			l.Symbol,
			l.StrikePrice.String(),
			string(l.OptionType),
			string(l.OptionAction),
			l.ExpirationDate.UTC().Format("2006-01-02"),
		}, "|")
	case AssetCash:
		return "cash|" + l.Symbol + "|" + l.Currency
	case AssetStock, AssetETF, AssetCrypto, AssetOther:
		return l.Symbol
	}
	panic(fmt.Sprintf("model: key for unknown asset type %q", l.AssetType))
}

// Holding is the display-level aggregation of all lots sharing a key. It is
// derived on every read and never persisted.
type Holding struct {
	Key             string          `json:"key"`
	AccountID       string          `json:"account_id"`
	Symbol          string          `json:"symbol"`
	AssetType       AssetType       `json:"asset_type"`
	Currency        string          `json:"currency"`
	Quantity        decimal.Decimal `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price"` // weighted
	CurrentPrice    decimal.Decimal `json:"current_price"`     // weighted
	CostBasis       decimal.Decimal `json:"cost_basis"`        // lot currency
	CurrentValue    decimal.Decimal `json:"current_value"`     // lot currency
	Date            time.Time       `json:"date"`              // most recent lot
	Notes           string          `json:"notes,omitempty"`
	IsAggregated    bool            `json:"is_aggregated"`

	StrikePrice    decimal.Decimal `json:"strike_price,omitempty"`
	ExpirationDate time.Time       `json:"expiration_date,omitempty"`
	OptionType     OptionType      `json:"option_type,omitempty"`
	OptionAction   OptionAction    `json:"option_action,omitempty"`

	// Lots keeps the contributing lots in arrival order for later sells.
	Lots []Lot `json:"lots"`
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxBuy        TransactionType = "buy"
	TxSell       TransactionType = "sell"
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
)

// Transaction is an immutable ledger entry. Once appended, it is never
// modified or deleted.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	Type         TransactionType `json:"type" db:"type"`
	Symbol       string          `json:"symbol" db:"symbol"`
	AssetType    AssetType       `json:"asset_type" db:"asset_type"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit" db:"price_per_unit"`
	TotalAmount  decimal.Decimal `json:"total_amount" db:"total_amount"`
	Currency     string          `json:"currency" db:"currency"`
	Date         time.Time       `json:"date" db:"date"`
	Notes        string          `json:"notes,omitempty" db:"notes"`
	PositionID   string          `json:"position_id" db:"position_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Account owns lots and transactions. BaseCurrency is the pivot for every
// account-level total.
type Account struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	BaseCurrency string    `json:"base_currency" db:"base_currency"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
