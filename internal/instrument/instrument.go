// Package instrument handles OCC option symbol parsing and the validation
// of option contract terms on lots.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/apperr"
	"github.com/finboard/portfolio-engine/internal/model"
)

// occRegex matches: {root}{YYMMDD}{C|P}{strike×1000, 8 digits}
// Example: AAPL240621C00150000
var occRegex = regexp.MustCompile(`^([A-Z]{1,6})(\d{6})([CP])(\d{8})$`)

var ErrInvalidOCC = errors.New("instrument: invalid OCC option symbol")

var strikeScale = decimal.NewFromInt(1000)

// Option is a parsed OCC option symbol.
type Option struct {
	Symbol     string           `json:"symbol"`
	Underlying string           `json:"underlying"`
	Expiry     time.Time        `json:"expiry"`
	Type       model.OptionType `json:"type"`
	Strike     decimal.Decimal  `json:"strike"`
}

// IsOCC reports whether symbol looks like an OCC option symbol.
func IsOCC(symbol string) bool {
	return occRegex.MatchString(strings.ToUpper(strings.TrimSpace(symbol)))
}

// ParseOCC parses and validates an OCC option symbol.
// Format: {root}{YYMMDD}{C|P}{strike in thousandths, 8 digits}
func ParseOCC(symbol string) (*Option, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	matches := occRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {root}{YYMMDD}{C|P}{strike×1000})", ErrInvalidOCC, symbol)
	}

	expiry, err := time.Parse("060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidOCC, matches[2])
	}

	optType := model.Call
	if matches[3] == "P" {
		optType = model.Put
	}

	raw, err := decimal.NewFromString(matches[4])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid strike %s", ErrInvalidOCC, matches[4])
	}
	strike := raw.Div(strikeScale)
	if !strike.IsPositive() {
		return nil, fmt.Errorf("%w: zero strike", ErrInvalidOCC)
	}

	return &Option{
		Symbol:     s,
		Underlying: matches[1],
		Expiry:     expiry,
		Type:       optType,
		Strike:     strike,
	}, nil
}

// OCC formats the OCC symbol for an option lot.
func OCC(l model.Lot) string {
	side := "C"
	if l.OptionType == model.Put {
		side = "P"
	}
	strike := l.StrikePrice.Mul(strikeScale).Round(0).IntPart()
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(l.Symbol), l.ExpirationDate.UTC().Format("060102"), side, strike)
}

// ParseOptionType accepts any casing of Call or Put, or C/P.
func ParseOptionType(s string) (model.OptionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CALL", "C":
		return model.Call, nil
	case "PUT", "P":
		return model.Put, nil
	}
	return "", fmt.Errorf("instrument: unknown option type %q", s)
}

// ParseOptionAction accepts any casing of Buy or Sell.
func ParseOptionAction(s string) (model.OptionAction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return model.ActionBuy, nil
	case "SELL":
		return model.ActionSell, nil
	}
	return "", fmt.Errorf("instrument: unknown option action %q", s)
}

// CompleteOption prepares an option lot for creation. An OCC symbol fills
// any missing contract terms and is replaced by its underlying; a missing
// action defaults to Buy. AverageBuyPrice is set to PremiumPrice (or the
// other way round when only the former was given). The completed lot is
// then validated.
func CompleteOption(l *model.Lot) error {
	if l.AssetType != model.AssetOption {
		return nil
	}

	if IsOCC(l.Symbol) {
		o, err := ParseOCC(l.Symbol)
		if err != nil {
			return apperr.Invalid("symbol", "%v", err)
		}
		l.Symbol = o.Underlying
		if l.StrikePrice.IsZero() {
			l.StrikePrice = o.Strike
		}
		if l.ExpirationDate.IsZero() {
			l.ExpirationDate = o.Expiry
		}
		if l.OptionType == "" {
			l.OptionType = o.Type
		}
	}
	if l.OptionAction == "" {
		l.OptionAction = model.ActionBuy
	}
	if l.PremiumPrice.IsZero() {
		l.PremiumPrice = l.AverageBuyPrice
	}
	l.AverageBuyPrice = l.PremiumPrice

	return ValidateOption(*l)
}

// ValidateOption checks the contract terms every option lot must carry.
func ValidateOption(l model.Lot) error {
	if l.AssetType != model.AssetOption {
		return nil
	}
	if !l.StrikePrice.IsPositive() {
		return apperr.Invalid("strike_price", "option requires a positive strike, got %s", l.StrikePrice)
	}
	if l.ExpirationDate.IsZero() {
		return apperr.Invalid("expiration_date", "option requires an expiration date")
	}
	switch l.OptionType {
	case model.Call, model.Put:
	default:
		return apperr.Invalid("option_type", "must be Call or Put, got %q", l.OptionType)
	}
	switch l.OptionAction {
	case model.ActionBuy, model.ActionSell:
	default:
		return apperr.Invalid("option_action", "must be Buy or Sell, got %q", l.OptionAction)
	}
	if !l.PremiumPrice.IsPositive() {
		return apperr.Invalid("premium_price", "option requires a positive premium, got %s", l.PremiumPrice)
	}
	if !l.AverageBuyPrice.Equal(l.PremiumPrice) {
		return apperr.Invalid("average_buy_price", "must equal premium_price %s for options, got %s", l.PremiumPrice, l.AverageBuyPrice)
	}
	return nil
}
