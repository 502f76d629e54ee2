// Package currency converts money amounts between currencies using an
// explicit rate snapshot. There is no ambient rate state: every conversion
// receives the snapshot it must use.
//
// Degraded mode: when a rate is missing (or the table is empty) the original
// amount is returned unconverted together with ok=false. Callers propagate
// that flag as "approximate" instead of presenting the amount as converted.
package currency

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// ErrUnknownCurrency is returned by Normalize for codes outside ISO-4217.
var ErrUnknownCurrency = errors.New("currency: unknown currency code")

// RateSnapshot maps currency code → units of that currency per one unit of
// Base. The base currency itself has an implicit rate of 1.
type RateSnapshot struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
	AsOf  time.Time                  `json:"as_of"`
}

// NewSnapshot builds a snapshot from float rates, as returned by most rate
// APIs. Codes are normalized to upper case.
func NewSnapshot(base string, rates map[string]float64, asOf time.Time) RateSnapshot {
	s := RateSnapshot{
		Base:  strings.ToUpper(base),
		Rates: make(map[string]decimal.Decimal, len(rates)),
		AsOf:  asOf,
	}
	for code, r := range rates {
		s.Rates[strings.ToUpper(code)] = decimal.NewFromFloat(r)
	}
	return s
}

// Empty reports whether the snapshot carries no usable rates.
func (s RateSnapshot) Empty() bool {
	return len(s.Rates) == 0
}

// Rate returns the rate of code relative to the snapshot base.
func (s RateSnapshot) Rate(code string) (decimal.Decimal, bool) {
	if r, ok := s.Rates[code]; ok && r.IsPositive() {
		return r, true
	}
	if code != "" && code == s.Base && !s.Empty() {
		return decimal.NewFromInt(1), true
	}
	return decimal.Zero, false
}

// Convert converts amount from one currency to another. Identical currencies
// return amount unchanged without any lookup. If either rate is missing the
// original amount is returned with ok=false.
func Convert(amount decimal.Decimal, from, to string, s RateSnapshot) (converted decimal.Decimal, ok bool) {
	if from == to {
		return amount, true
	}
	fromRate, okFrom := s.Rate(from)
	toRate, okTo := s.Rate(to)
	if !okFrom || !okTo {
		return amount, false
	}
	return amount.Mul(toRate).Div(fromRate), true
}

// Chain converts lot currency → account currency → display currency as two
// independent steps. The intermediate account-currency amount is returned
// as well, since reconciliation math works in account currency. ok is false
// if either step fell back.
func Chain(amount decimal.Decimal, lotCCY, accountCCY, displayCCY string, s RateSnapshot) (inAccount, inDisplay decimal.Decimal, ok bool) {
	inAccount, ok1 := Convert(amount, lotCCY, accountCCY, s)
	inDisplay, ok2 := Convert(inAccount, accountCCY, displayCCY, s)
	return inAccount, inDisplay, ok1 && ok2
}

// Normalize upper-cases and validates an ISO-4217 code.
func Normalize(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" || money.GetCurrency(c) == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return c, nil
}

// Format renders amount using the currency's symbol and minor-unit
// precision, e.g. "$1,234.50". Unknown codes fall back to "<amount> <code>".
func Format(amount decimal.Decimal, code string) string {
	cur := money.GetCurrency(code)
	if cur == nil {
		return amount.StringFixed(2) + " " + code
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}
