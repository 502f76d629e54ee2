package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/aggregate"
	"github.com/finboard/portfolio-engine/internal/apperr"
	"github.com/finboard/portfolio-engine/internal/cashledger"
	"github.com/finboard/portfolio-engine/internal/currency"
	"github.com/finboard/portfolio-engine/internal/metrics"
	"github.com/finboard/portfolio-engine/internal/model"
	"github.com/finboard/portfolio-engine/internal/store"
	"github.com/finboard/portfolio-engine/internal/valuation"
)

// CreateAccountRequest is the JSON body for account creation.
type CreateAccountRequest struct {
	ID           string `json:"id"` // optional; generated when empty
	Name         string `json:"name"`
	BaseCurrency string `json:"base_currency"`
}

// CashResponse lists cash balances per currency.
type CashResponse struct {
	AccountID string                     `json:"account_id"`
	Balances  map[string]decimal.Decimal `json:"balances"`
}

// ValuateRequest values lots that are not stored. When Rates is omitted the
// configured rate provider is used.
type ValuateRequest struct {
	AccountID       string                 `json:"account_id"`
	BaseCurrency    string                 `json:"base_currency"`
	DisplayCurrency string                 `json:"display_currency"`
	Lots            []model.Lot            `json:"lots"`
	Rates           *currency.RateSnapshot `json:"rates,omitempty"`
}

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeAppError(w, r, apperr.Invalid("name", "is required"))
		return
	}
	ccy, err := currency.Normalize(req.BaseCurrency)
	if err != nil {
		s.writeAppError(w, r, apperr.Invalid("base_currency", "%v", err))
		return
	}

	acct := &model.Account{ID: req.ID, Name: req.Name, BaseCurrency: ccy}
	if err := s.store.CreateAccount(r.Context(), acct); err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "ACCOUNT_EXISTS"})
			return
		}
		s.writeAppError(w, r, err)
		return
	}

	s.log.Info("account created", "account", acct.ID, "base_currency", acct.BaseCurrency)
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetHoldings handles GET /api/v1/accounts/{accountID}/holdings
// Aggregates the account's lots and values them in ?display= (default: the
// account base currency).
func (s *Service) GetHoldings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.store.GetAccount(ctx, chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	display, err := displayCurrency(r.URL.Query().Get("display"), acct.BaseCurrency)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	summary, err := s.valueAccount(ctx, acct, display, s.snapshot(ctx, acct.BaseCurrency))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetPortfolio handles GET /api/v1/portfolio?accounts=a,b&display=EUR
// Values each listed account and sums them in one display currency
// (default: the first account's base currency).
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("accounts"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		s.writeAppError(w, r, apperr.Invalid("accounts", "at least one account id is required"))
		return
	}

	accounts := make([]*model.Account, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		acct, err := s.store.GetAccount(ctx, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		accounts = append(accounts, acct)
	}
	display, err := displayCurrency(r.URL.Query().Get("display"), accounts[0].BaseCurrency)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	snaps := make(map[string]currency.RateSnapshot)
	summaries := make([]valuation.Summary, 0, len(accounts))
	for _, acct := range accounts {
		snap, ok := snaps[acct.BaseCurrency]
		if !ok {
			snap = s.snapshot(ctx, acct.BaseCurrency)
			snaps[acct.BaseCurrency] = snap
		}
		summary, err := s.valueAccount(ctx, acct, display, snap)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, valuation.Combine(display, summaries))
}

// valueAccount aggregates and values the stored lots of acct.
func (s *Service) valueAccount(ctx context.Context, acct *model.Account, display string, snap currency.RateSnapshot) (valuation.Summary, error) {
	lots, err := s.store.ListLots(ctx, store.LotFilter{AccountID: acct.ID})
	if err != nil {
		return valuation.Summary{}, err
	}
	summary := valuation.Account(acct.ID, aggregate.Positions(lots), acct.BaseCurrency, display, snap)
	if summary.Approximate {
		metrics.ConversionFallbacks.WithLabelValues(display).Inc()
		s.log.Warn("valuation approximate, missing exchange rate", "account", acct.ID, "display", display)
	}
	return summary, nil
}

// ListTransactions handles GET /api/v1/accounts/{accountID}/transactions
// Optional filters: ?symbol=, ?type=, ?position_id=, ?since= (RFC 3339 or
// YYYY-MM-DD).
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "accountID")
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := store.TxFilter{
		AccountID:  accountID,
		Symbol:     q.Get("symbol"),
		Type:       model.TransactionType(q.Get("type")),
		PositionID: q.Get("position_id"),
	}
	if since := q.Get("since"); since != "" {
		t, err := parseDate(since)
		if err != nil {
			s.writeAppError(w, r, apperr.Invalid("since", "must be RFC 3339 or YYYY-MM-DD, got %q", since))
			return
		}
		filter.Since = t
	}

	entries, err := s.store.ListTransactions(ctx, filter)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetCash handles GET /api/v1/accounts/{accountID}/cash
// Returns the balance of every cash currency, or only ?currency=.
func (s *Service) GetCash(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "accountID")
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	resp := CashResponse{AccountID: accountID, Balances: make(map[string]decimal.Decimal)}
	if code := r.URL.Query().Get("currency"); code != "" {
		ccy, err := currency.Normalize(code)
		if err != nil {
			s.writeAppError(w, r, apperr.Invalid("currency", "%v", err))
			return
		}
		avail, err := cashledger.Available(ctx, s.store, accountID, ccy)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		resp.Balances[ccy] = avail
		writeJSON(w, http.StatusOK, resp)
		return
	}

	lots, err := s.store.ListLots(ctx, store.LotFilter{AccountID: accountID, AssetType: model.AssetCash})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	for _, h := range aggregate.ByAssetType(aggregate.Positions(lots), model.AssetCash) {
		resp.Balances[h.Currency] = resp.Balances[h.Currency].Add(h.Quantity)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Valuate handles POST /api/v1/valuate
// Values the posted lots without touching the store.
func (s *Service) Valuate(w http.ResponseWriter, r *http.Request) {
	var req ValuateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	base, err := currency.Normalize(req.BaseCurrency)
	if err != nil {
		s.writeAppError(w, r, apperr.Invalid("base_currency", "%v", err))
		return
	}
	display, err := displayCurrency(req.DisplayCurrency, base)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	for i, l := range req.Lots {
		if !l.AssetType.Valid() {
			s.writeAppError(w, r, apperr.Invalid("lots", "lot %d has unknown asset type %q", i, l.AssetType))
			return
		}
		if l.Currency == "" {
			req.Lots[i].Currency = base
		}
		if l.AssetType == model.AssetCash && l.Symbol == "" {
			req.Lots[i].Symbol = model.CashSymbol
		}
	}

	var snap currency.RateSnapshot
	if req.Rates != nil {
		snap = *req.Rates
	} else {
		snap = s.snapshot(r.Context(), base)
	}

	summary := valuation.Account(req.AccountID, aggregate.Positions(req.Lots), base, display, snap)
	if summary.Approximate {
		metrics.ConversionFallbacks.WithLabelValues(display).Inc()
	}
	writeJSON(w, http.StatusOK, summary)
}

// snapshot fetches rates for base. A failed fetch degrades to an empty
// snapshot; valuations are then flagged approximate instead of failing.
func (s *Service) snapshot(ctx context.Context, base string) currency.RateSnapshot {
	if s.rates == nil {
		return currency.RateSnapshot{Base: base}
	}
	snap, err := s.rates.GetRates(ctx, base)
	if err != nil {
		s.log.Warn("exchange rates unavailable", "base", base, "err", err)
		return currency.RateSnapshot{Base: base}
	}
	return snap
}

func displayCurrency(code, fallback string) (string, error) {
	if code == "" {
		return fallback, nil
	}
	ccy, err := currency.Normalize(code)
	if err != nil {
		return "", apperr.Invalid("display", "%v", err)
	}
	return ccy, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
