package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/finboard/portfolio-engine/internal/reconcile"
)

// Buy handles POST /api/v1/accounts/{accountID}/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	var in reconcile.BuyInput
	if err := decode(r, &in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in.AccountID = chi.URLParam(r, "accountID")

	res, err := s.engine.Buy(r.Context(), in)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Sell handles POST /api/v1/accounts/{accountID}/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	var in reconcile.SellInput
	if err := decode(r, &in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in.AccountID = chi.URLParam(r, "accountID")

	res, err := s.engine.Sell(r.Context(), in)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var in reconcile.CashInput
	if err := decode(r, &in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in.AccountID = chi.URLParam(r, "accountID")

	res, err := s.engine.Deposit(r.Context(), in)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Withdraw handles POST /api/v1/accounts/{accountID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var in reconcile.CashInput
	if err := decode(r, &in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in.AccountID = chi.URLParam(r, "accountID")

	res, err := s.engine.Withdraw(r.Context(), in)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// UpdatePrice handles POST /api/v1/accounts/{accountID}/prices
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	var in reconcile.PriceInput
	if err := decode(r, &in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in.AccountID = chi.URLParam(r, "accountID")

	res, err := s.engine.UpdatePrice(r.Context(), in)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
