package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/apperr"
	"github.com/finboard/portfolio-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	pgTx
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, pgTx: pgTx{q: pool}}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, name, base_currency, created_at) VALUES ($1, $2, $3, $4)`,
		a.ID, a.Name, a.BaseCurrency, a.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
	}
	return err
}

// WithTx runs fn in a database transaction. Lots read through the Tx are
// locked (SELECT ... FOR UPDATE) until commit.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if err := fn(&pgTx{q: tx, forUpdate: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	q         querier
	forUpdate bool
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := t.q.QueryRow(ctx,
		`SELECT id, name, base_currency, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.BaseCurrency, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("account", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

const lotColumns = `id, account_id, symbol, asset_type,
	quantity::TEXT, average_buy_price::TEXT, current_price::TEXT, currency, date,
	COALESCE(strike_price, 0)::TEXT, expiration_date, COALESCE(option_type, ''), COALESCE(option_action, ''),
	COALESCE(premium_price, 0)::TEXT, notes, created_date, version`

func (t *pgTx) ListLots(ctx context.Context, f LotFilter) ([]model.Lot, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.Symbol != "" {
		add("symbol = $%d", f.Symbol)
	}
	if f.AssetType != "" {
		add("asset_type = $%d", string(f.AssetType))
	}
	if f.Currency != "" {
		add("currency = $%d", f.Currency)
	}
	if len(f.IDs) > 0 {
		add("id = ANY($%d)", f.IDs)
	}

	sql := "SELECT " + lotColumns + " FROM lots"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY created_date, id"
	if t.forUpdate {
		sql += " FOR UPDATE"
	}

	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	defer rows.Close()

	return scanLots(rows)
}

func (t *pgTx) CreateLot(ctx context.Context, l *model.Lot) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedDate.IsZero() {
		l.CreatedDate = time.Now().UTC()
	}
	l.Version = 1

	var expiry *time.Time
	var optType, optAction, strike, premium *string
	if l.AssetType == model.AssetOption {
		expiry = &l.ExpirationDate
		ot, oa := string(l.OptionType), string(l.OptionAction)
		sp, pp := l.StrikePrice.String(), l.PremiumPrice.String()
		optType, optAction, strike, premium = &ot, &oa, &sp, &pp
	}

	_, err := t.q.Exec(ctx,
		`INSERT INTO lots (id, account_id, symbol, asset_type, quantity, average_buy_price, current_price,
		                   currency, date, strike_price, expiration_date, option_type, option_action,
		                   premium_price, notes, created_date, version)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10::NUMERIC, $11, $12, $13,
		         $14::NUMERIC, $15, $16, $17)`,
		l.ID, l.AccountID, l.Symbol, string(l.AssetType),
		l.Quantity.String(), l.AverageBuyPrice.String(), nullDecimalArg(l.CurrentPrice),
		l.Currency, l.Date, strike, expiry, optType, optAction,
		premium, l.Notes, l.CreatedDate, l.Version,
	)
	if err != nil {
		return fmt.Errorf("create lot: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateLot(ctx context.Context, id string, p LotPatch, version int64) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE lots
		 SET quantity = COALESCE($3::NUMERIC, quantity),
		     current_price = COALESCE($4::NUMERIC, current_price),
		     notes = COALESCE($5, notes),
		     version = version + 1
		 WHERE id = $1 AND version = $2`,
		id, version, decimalArg(p.Quantity), decimalArg(p.CurrentPrice), p.Notes,
	)
	if err != nil {
		return fmt.Errorf("update lot %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return t.missOrConflict(ctx, "update", id, version)
	}
	return nil
}

func (t *pgTx) DeleteLot(ctx context.Context, id string, version int64) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM lots WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return fmt.Errorf("delete lot %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return t.missOrConflict(ctx, "delete", id, version)
	}
	return nil
}

// missOrConflict explains why a versioned write matched no row.
func (t *pgTx) missOrConflict(ctx context.Context, op, id string, version int64) error {
	var current int64
	err := t.q.QueryRow(ctx, `SELECT version FROM lots WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("lot", id)
	}
	if err != nil {
		return fmt.Errorf("%s lot %s: %w", op, id, err)
	}
	return fmt.Errorf("%s lot %s (have v%d, want v%d): %w", op, id, current, version, ErrVersionConflict)
}

func (t *pgTx) AppendTransaction(ctx context.Context, e *model.Transaction) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO portfolio_transactions (id, account_id, type, symbol, asset_type, quantity, price_per_unit,
		                                     total_amount, currency, date, notes, position_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13)`,
		e.ID, e.AccountID, string(e.Type), e.Symbol, string(e.AssetType),
		e.Quantity.String(), e.PricePerUnit.String(), e.TotalAmount.String(),
		e.Currency, e.Date, e.Notes, e.PositionID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (t *pgTx) ListTransactions(ctx context.Context, f TxFilter) ([]model.Transaction, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.Symbol != "" {
		add("symbol = $%d", f.Symbol)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.PositionID != "" {
		add("position_id = $%d", f.PositionID)
	}
	if !f.Since.IsZero() {
		add("date >= $%d", f.Since)
	}

	sql := `SELECT id, account_id, type, symbol, asset_type, quantity::TEXT, price_per_unit::TEXT,
	               total_amount::TEXT, currency, date, notes, position_id, created_at
	        FROM portfolio_transactions`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY seq"

	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var entries []model.Transaction
	for rows.Next() {
		var e model.Transaction
		var typ, assetType, qtyS, priceS, totalS string
		if err := rows.Scan(&e.ID, &e.AccountID, &typ, &e.Symbol, &assetType,
			&qtyS, &priceS, &totalS, &e.Currency, &e.Date, &e.Notes, &e.PositionID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = model.TransactionType(typ)
		e.AssetType = model.AssetType(assetType)
		e.Quantity, _ = decimal.NewFromString(qtyS)
		e.PricePerUnit, _ = decimal.NewFromString(priceS)
		e.TotalAmount, _ = decimal.NewFromString(totalS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// pgxRows is the subset of pgx.Rows used by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLots(rows pgxRows) ([]model.Lot, error) {
	var lots []model.Lot
	for rows.Next() {
		var l model.Lot
		var assetType, optType, optAction string
		var qtyS, avgS, strikeS, premS string
		var curS *string
		var expiry *time.Time

		if err := rows.Scan(&l.ID, &l.AccountID, &l.Symbol, &assetType,
			&qtyS, &avgS, &curS, &l.Currency, &l.Date,
			&strikeS, &expiry, &optType, &optAction,
			&premS, &l.Notes, &l.CreatedDate, &l.Version); err != nil {
			return nil, err
		}

		at, err := model.ParseAssetType(assetType)
		if err != nil {
			return nil, fmt.Errorf("lot %s: %w", l.ID, err)
		}
		l.AssetType = at
		l.OptionType = model.OptionType(optType)
		l.OptionAction = model.OptionAction(optAction)
		if expiry != nil {
			l.ExpirationDate = *expiry
		}
		l.Quantity, _ = decimal.NewFromString(qtyS)
		l.AverageBuyPrice, _ = decimal.NewFromString(avgS)
		if curS != nil {
			if cur, err := decimal.NewFromString(*curS); err == nil {
				l.CurrentPrice = decimal.NewNullDecimal(cur)
			}
		}
		l.StrikePrice, _ = decimal.NewFromString(strikeS)
		l.PremiumPrice, _ = decimal.NewFromString(premS)

		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func decimalArg(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func nullDecimalArg(v decimal.NullDecimal) *string {
	if !v.Valid {
		return nil
	}
	return decimalArg(&v.Decimal)
}
