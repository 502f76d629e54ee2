// Package api exposes accounts, holdings, the ledger and reconciliation
// operations over HTTP.
//
// All monetary values are shopspring/decimal and travel as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/finboard/portfolio-engine/internal/apperr"
	"github.com/finboard/portfolio-engine/internal/rates"
	"github.com/finboard/portfolio-engine/internal/reconcile"
	"github.com/finboard/portfolio-engine/internal/store"
)

// Service holds the HTTP handlers. Reads go straight to the store;
// writes go through the reconciliation engine.
type Service struct {
	store  store.Store
	engine *reconcile.Engine
	rates  rates.Provider
	log    *slog.Logger
}

// NewService creates a new API service. A nil logger means slog.Default.
func NewService(st store.Store, engine *reconcile.Engine, rp rates.Provider, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, engine: engine, rates: rp, log: log}
}

// Mount registers every route on r, which is expected to sit under
// /api/v1.
func (s *Service) Mount(r chi.Router) {
	r.Post("/accounts", s.CreateAccount)
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Get("/", s.GetAccount)
		r.Get("/holdings", s.GetHoldings)
		r.Get("/transactions", s.ListTransactions)
		r.Get("/cash", s.GetCash)

		r.Post("/buy", s.Buy)
		r.Post("/sell", s.Sell)
		r.Post("/deposit", s.Deposit)
		r.Post("/withdraw", s.Withdraw)
		r.Post("/prices", s.UpdatePrice)
	})
	r.Get("/portfolio", s.GetPortfolio)
	r.Post("/valuate", s.Valuate)
}

// --- Responses ---

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Field     string `json:"field,omitempty"`
	Available string `json:"available,omitempty"`
	Required  string `json:"required,omitempty"`
	Stage     string `json:"stage,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a plain JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: http.StatusText(status)})
}

// writeAppError maps err to its status code and structured body.
func (s *Service) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	resp := ErrorResponse{Error: err.Error(), Code: apperr.Code(err)}

	var verr *apperr.ValidationError
	var ferr *apperr.InsufficientFundsError
	var merr *apperr.MutationError
	switch {
	case errors.As(err, &verr):
		resp.Field = verr.Field
	case errors.As(err, &ferr):
		resp.Available = ferr.Available.String()
		resp.Required = ferr.Required.String()
	case errors.As(err, &merr):
		resp.Stage = merr.Stage
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		resp.Error = "internal error"
		if merr != nil {
			resp.Error = merr.Op + " failed at stage " + merr.Stage
		}
	}
	writeJSON(w, status, resp)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
