// Package store defines the persistence contract for lots, ledger entries
// and accounts. Implementations include PostgreSQL (source of truth, real
// database transactions) and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/apperr"
	"github.com/finboard/portfolio-engine/internal/model"
)

// ErrVersionConflict is returned when a lot was modified by someone else
// between read and write. It matches apperr.ErrConflict.
var ErrVersionConflict = versionConflict{}

type versionConflict struct{}

func (versionConflict) Error() string { return "store: lot version conflict" }
func (versionConflict) Is(target error) bool { return target == apperr.ErrConflict }

// ErrAccountExists is returned when creating an account whose id is taken.
var ErrAccountExists = errors.New("store: account already exists")

// LotFilter selects lots. Zero-valued fields do not filter.
type LotFilter struct {
	AccountID string
	Symbol    string
	AssetType model.AssetType
	Currency  string
	IDs       []string
}

// Match reports whether l passes the filter.
func (f LotFilter) Match(l model.Lot) bool {
	if f.AccountID != "" && l.AccountID != f.AccountID {
		return false
	}
	if f.Symbol != "" && l.Symbol != f.Symbol {
		return false
	}
	if f.AssetType != "" && l.AssetType != f.AssetType {
		return false
	}
	if f.Currency != "" && l.Currency != f.Currency {
		return false
	}
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if id == l.ID {
				return true
			}
		}
		return false
	}
	return true
}

// LotPatch is a partial lot update. Nil fields are left unchanged.
type LotPatch struct {
	Quantity     *decimal.Decimal
	CurrentPrice *decimal.Decimal
	Notes        *string
}

// Apply returns l with the patch applied.
func (p LotPatch) Apply(l model.Lot) model.Lot {
	if p.Quantity != nil {
		l.Quantity = *p.Quantity
	}
	if p.CurrentPrice != nil {
		l.CurrentPrice = decimal.NewNullDecimal(*p.CurrentPrice)
	}
	if p.Notes != nil {
		l.Notes = *p.Notes
	}
	return l
}

// TxFilter selects ledger entries.
type TxFilter struct {
	AccountID  string
	Symbol     string
	Type       model.TransactionType
	PositionID string
	Since      time.Time
}

// Match reports whether e passes the filter.
func (f TxFilter) Match(e model.Transaction) bool {
	if f.AccountID != "" && e.AccountID != f.AccountID {
		return false
	}
	if f.Symbol != "" && e.Symbol != f.Symbol {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.PositionID != "" && e.PositionID != f.PositionID {
		return false
	}
	if !f.Since.IsZero() && e.Date.Before(f.Since) {
		return false
	}
	return true
}

// Tx is the set of operations available inside an atomic unit of work.
// Either every write made through a Tx commits, or none does.
type Tx interface {
	// GetAccount retrieves an account by id.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// --- Lots ---

	// ListLots returns lots matching filter, ordered by created date then id.
	ListLots(ctx context.Context, filter LotFilter) ([]model.Lot, error)

	// CreateLot persists a new lot; its Version is set to 1.
	CreateLot(ctx context.Context, lot *model.Lot) error

	// UpdateLot applies patch if the stored version equals expectedVersion,
	// and bumps the version.
	UpdateLot(ctx context.Context, id string, patch LotPatch, expectedVersion int64) error

	// DeleteLot removes a lot if the stored version equals expectedVersion.
	DeleteLot(ctx context.Context, id string, expectedVersion int64) error

	// --- Immutable ledger ---

	// AppendTransaction appends a ledger entry. Entries are never updated
	// or deleted.
	AppendTransaction(ctx context.Context, entry *model.Transaction) error

	// ListTransactions returns entries matching filter in append order.
	ListTransactions(ctx context.Context, filter TxFilter) ([]model.Transaction, error)
}

// Store is the persistence interface. Outside of WithTx every call is its
// own unit of work.
type Store interface {
	Tx

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, account *model.Account) error

	// WithTx runs fn inside a transaction. If fn returns an error nothing
	// fn wrote is visible afterwards.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
