package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/aggregate"
	"github.com/finboard/portfolio-engine/internal/apperr"
	"github.com/finboard/portfolio-engine/internal/events"
	"github.com/finboard/portfolio-engine/internal/model"
	"github.com/finboard/portfolio-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	jan = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func newEngine(t *testing.T, st store.Store, opts ...Option) *Engine {
	t.Helper()
	if err := st.CreateAccount(context.Background(), &model.Account{ID: "acc-1", Name: "Brokerage", BaseCurrency: "USD"}); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return now }),
	}
	return New(st, append(base, opts...)...)
}

func seedStock(t *testing.T, st store.Store, id string, qty, cost float64, created time.Time) {
	t.Helper()
	l := model.Lot{
		ID:              id,
		AccountID:       "acc-1",
		Symbol:          "AAPL",
		AssetType:       model.AssetStock,
		Quantity:        d(qty),
		AverageBuyPrice: d(cost),
		Currency:        "USD",
		Date:            created,
		CreatedDate:     created,
	}
	if err := st.CreateLot(context.Background(), &l); err != nil {
		t.Fatalf("failed to seed lot: %v", err)
	}
}

func lotsOf(t *testing.T, st store.Store, f store.LotFilter) []model.Lot {
	t.Helper()
	f.AccountID = "acc-1"
	lots, err := st.ListLots(context.Background(), f)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	return lots
}

func ledger(t *testing.T, st store.Store) []model.Transaction {
	t.Helper()
	entries, err := st.ListTransactions(context.Background(), store.TxFilter{AccountID: "acc-1"})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	return entries
}

// --- FIFO ---

func TestSell_FIFOAcrossLots(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	seedStock(t, st, "second", 10, 120, feb)
	seedStock(t, st, "first", 10, 100, jan)

	res, err := e.Sell(context.Background(), SellInput{
		AccountID:  "acc-1",
		HoldingKey: "AAPL",
		Quantity:   d(15),
		Price:      d(130),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.DeletedLotIDs) != 1 || res.DeletedLotIDs[0] != "first" {
		t.Errorf("expected first lot deleted, got %v", res.DeletedLotIDs)
	}
	if len(res.UpdatedLots) != 1 || res.UpdatedLots[0].ID != "second" || !res.UpdatedLots[0].Quantity.Equal(d(5)) {
		t.Errorf("expected second lot reduced to 5, got %+v", res.UpdatedLots)
	}

	lots := lotsOf(t, st, store.LotFilter{})
	if len(lots) != 1 || lots[0].ID != "second" || !lots[0].Quantity.Equal(d(5)) {
		t.Fatalf("unexpected remaining lots %+v", lots)
	}

	// Cost basis comes from the consumed lots: 10×100 + 5×120.
	if !res.CostBasisSold.Equal(d(1600)) {
		t.Errorf("expected cost basis sold 1600, got %s", res.CostBasisSold)
	}
	if !res.Proceeds.Equal(d(1950)) || !res.ProfitLoss.Equal(d(350)) {
		t.Errorf("expected proceeds 1950 and pnl 350, got %s / %s", res.Proceeds, res.ProfitLoss)
	}

	entries := ledger(t, st)
	if len(entries) != 2 {
		t.Fatalf("expected one sell entry per consumed lot, got %d", len(entries))
	}
	if entries[0].PositionID != "first" || !entries[0].Quantity.Equal(d(10)) {
		t.Errorf("unexpected first entry %+v", entries[0])
	}
	if entries[1].PositionID != "second" || !entries[1].Quantity.Equal(d(5)) {
		t.Errorf("unexpected second entry %+v", entries[1])
	}
	if !strings.Contains(entries[0].Notes, "P&L: $300.00") {
		t.Errorf("expected P&L in notes, got %q", entries[0].Notes)
	}
	if !entries[0].Date.Equal(now) {
		t.Errorf("expected default date %v, got %v", now, entries[0].Date)
	}
}

func TestSell_ByLotIDs(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	seedStock(t, st, "a", 10, 100, jan)
	seedStock(t, st, "b", 10, 120, feb)

	res, err := e.Sell(context.Background(), SellInput{
		AccountID: "acc-1",
		LotIDs:    []string{"b"},
		Quantity:  d(4),
		Price:     d(130),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.CostBasisSold.Equal(d(480)) {
		t.Errorf("only lot b should be consumed, cost basis %s", res.CostBasisSold)
	}

	if _, err := e.Sell(context.Background(), SellInput{
		AccountID: "acc-1",
		LotIDs:    []string{"missing"},
		Quantity:  d(1),
		Price:     d(1),
	}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found for unknown lot, got %v", err)
	}
}

// --- Funding ---

func TestBuy_InsufficientFundsLeavesCashUntouched(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	ctx := context.Background()

	if _, err := e.Deposit(ctx, CashInput{AccountID: "acc-1", Currency: "USD", Amount: d(100)}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	res, err := e.Buy(ctx, BuyInput{
		AccountID:      "acc-1",
		Symbol:         "AAPL",
		AssetType:      model.AssetStock,
		Quantity:       d(1),
		Price:          d(150),
		DeductFromCash: true,
	})

	var insufficient *apperr.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if !insufficient.Available.Equal(d(100)) || !insufficient.Required.Equal(d(150)) {
		t.Errorf("expected available 100 / required 150, got %s / %s", insufficient.Available, insufficient.Required)
	}
	if !strings.Contains(err.Error(), "available 100") || !strings.Contains(err.Error(), "required 150") {
		t.Errorf("message must state available vs required: %q", err.Error())
	}
	if res.Stage != StageRejected {
		t.Errorf("expected Rejected, got %s", res.Stage)
	}

	lots := lotsOf(t, st, store.LotFilter{})
	if len(lots) != 1 || lots[0].AssetType != model.AssetCash || !lots[0].Quantity.Equal(d(100)) || lots[0].Version != 1 {
		t.Errorf("cash lot must be untouched, got %+v", lots)
	}
	if entries := ledger(t, st); len(entries) != 1 || entries[0].Type != model.TxDeposit {
		t.Errorf("only the deposit should be in the ledger, got %+v", entries)
	}
}

func TestBuy_DeductsFromCashFIFO(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	ctx := context.Background()

	e.Deposit(ctx, CashInput{AccountID: "acc-1", Amount: d(100), Date: jan})
	e.Deposit(ctx, CashInput{AccountID: "acc-1", Amount: d(100), Date: feb})

	res, err := e.Buy(ctx, BuyInput{
		AccountID:      "acc-1",
		Symbol:         "MSFT",
		AssetType:      model.AssetStock,
		Quantity:       d(3),
		Price:          d(50),
		DeductFromCash: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stage != StageDone || res.Lot.Currency != "USD" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.CashChanges) != 2 || !res.CashChanges[0].Deleted || !res.CashChanges[1].After.Equal(d(50)) {
		t.Errorf("expected first deposit consumed and second reduced to 50, got %+v", res.CashChanges)
	}
	if res.Transaction.PositionID != res.Lot.ID || !res.Transaction.TotalAmount.Equal(d(150)) {
		t.Errorf("buy entry must reference the new lot, got %+v", res.Transaction)
	}
}

// --- Options ---

func TestOptionContractScaling(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	ctx := context.Background()

	buy, err := e.Buy(ctx, BuyInput{
		AccountID: "acc-1",
		Symbol:    "AAPL240621C00150000",
		AssetType: model.AssetOption,
		Quantity:  d(2),
		Price:     d(3.5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !buy.Cost.Equal(d(700)) {
		t.Errorf("expected cost basis 2*3.50*100 = 700, got %s", buy.Cost)
	}
	if buy.Lot.Symbol != "AAPL" || !buy.Lot.PremiumPrice.Equal(buy.Lot.AverageBuyPrice) {
		t.Errorf("unexpected option lot %+v", buy.Lot)
	}

	sell, err := e.Sell(ctx, SellInput{
		AccountID:  "acc-1",
		HoldingKey: buy.Lot.Key(),
		Quantity:   d(1),
		Price:      d(5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sell.Proceeds.Equal(d(500)) {
		t.Errorf("expected proceeds 500, got %s", sell.Proceeds)
	}
	if !sell.ProfitLoss.Equal(d(150)) {
		t.Errorf("expected profit 150, got %s", sell.ProfitLoss)
	}
	if len(sell.UpdatedLots) != 1 || !sell.UpdatedLots[0].Quantity.Equal(d(1)) {
		t.Errorf("expected one contract left, got %+v", sell.UpdatedLots)
	}
}

// --- Cash ---

func TestCashCurrencyIsolation(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	ctx := context.Background()

	e.Deposit(ctx, CashInput{AccountID: "acc-1", Currency: "USD", Amount: d(100)})
	e.Deposit(ctx, CashInput{AccountID: "acc-1", Currency: "eur", Amount: d(50)})

	holdings := aggregate.Positions(lotsOf(t, st, store.LotFilter{}))
	if len(holdings) != 2 {
		t.Fatalf("USD and EUR cash must not merge, got %d holdings", len(holdings))
	}

	_, err := e.Withdraw(ctx, CashInput{AccountID: "acc-1", Currency: "EUR", Amount: d(60)})
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Errorf("USD cash must not cover a EUR withdrawal, got %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	ctx := context.Background()

	dep, _ := e.Deposit(ctx, CashInput{AccountID: "acc-1", Amount: d(100), Date: jan, Notes: "salary"})
	if dep.Lot == nil || dep.Transaction.PositionID != dep.Lot.ID || dep.Transaction.Type != model.TxDeposit {
		t.Fatalf("unexpected deposit result %+v", dep)
	}

	res, err := e.Withdraw(ctx, CashInput{AccountID: "acc-1", Amount: d(30)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Transaction.Type != model.TxWithdrawal || res.Transaction.PositionID != dep.Lot.ID {
		t.Errorf("unexpected withdrawal entry %+v", res.Transaction)
	}
	lots := lotsOf(t, st, store.LotFilter{})
	if len(lots) != 1 || !lots[0].Quantity.Equal(d(70)) {
		t.Errorf("expected 70 left, got %+v", lots)
	}
}

// --- Conservation ---

func TestConservation(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	ctx := context.Background()

	var deposits, withdrawals, realized decimal.Decimal
	check := func(step string) {
		t.Helper()
		total, unrealized := decimal.Zero, decimal.Zero
		for _, h := range aggregate.Positions(lotsOf(t, st, store.LotFilter{})) {
			total = total.Add(h.CurrentValue)
			if h.AssetType != model.AssetCash {
				unrealized = unrealized.Add(h.CurrentValue.Sub(h.CostBasis))
			}
		}
		want := deposits.Sub(withdrawals).Add(realized).Add(unrealized)
		if total.Sub(want).Abs().GreaterThan(d(0.000001)) {
			t.Errorf("after %s: lot value %s != %s", step, total, want)
		}
	}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	_, err := e.Deposit(ctx, CashInput{AccountID: "acc-1", Amount: d(10000)})
	must(err)
	deposits = deposits.Add(d(10000))
	check("deposit")

	_, err = e.Buy(ctx, BuyInput{AccountID: "acc-1", Symbol: "AAPL", AssetType: model.AssetStock, Quantity: d(10), Price: d(100), DeductFromCash: true})
	must(err)
	check("buy AAPL")

	_, err = e.Buy(ctx, BuyInput{AccountID: "acc-1", Symbol: "AAPL", AssetType: model.AssetStock, Quantity: d(5), Price: d(130), DeductFromCash: true})
	must(err)
	check("buy more AAPL")

	_, err = e.UpdatePrice(ctx, PriceInput{AccountID: "acc-1", HoldingKey: "AAPL", Price: d(150)})
	must(err)
	check("reprice")

	sell, err := e.Sell(ctx, SellInput{AccountID: "acc-1", HoldingKey: "AAPL", Quantity: d(12), Price: d(145.5), ReturnToCash: true})
	must(err)
	realized = realized.Add(sell.ProfitLoss)
	check("sell AAPL")

	_, err = e.Buy(ctx, BuyInput{
		AccountID: "acc-1", Symbol: "AAPL240621P00140000", AssetType: model.AssetOption,
		Quantity: d(3), Price: d(2.35), CurrentPrice: decimal.NewNullDecimal(d(1.1)), DeductFromCash: true,
	})
	must(err)
	check("buy put")

	_, err = e.Withdraw(ctx, CashInput{AccountID: "acc-1", Amount: d(1234.56)})
	must(err)
	withdrawals = withdrawals.Add(d(1234.56))
	check("withdraw")

	_, err = e.Deposit(ctx, CashInput{AccountID: "acc-1", Amount: d(0.01)})
	must(err)
	deposits = deposits.Add(d(0.01))
	check("small deposit")
}

// --- Validation ---

func TestValidationRejectsBeforeMutation(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	seedStock(t, st, "l1", 10, 100, jan)
	ctx := context.Background()

	tests := []struct {
		name  string
		field string
		run   func() error
	}{
		{"zero quantity", "quantity", func() error {
			_, err := e.Buy(ctx, BuyInput{AccountID: "acc-1", Symbol: "X", AssetType: model.AssetStock, Price: d(1)})
			return err
		}},
		{"negative price", "price", func() error {
			_, err := e.Buy(ctx, BuyInput{AccountID: "acc-1", Symbol: "X", AssetType: model.AssetStock, Quantity: d(1), Price: d(-1)})
			return err
		}},
		{"unknown asset type", "asset_type", func() error {
			_, err := e.Buy(ctx, BuyInput{AccountID: "acc-1", Symbol: "X", AssetType: "Bond", Quantity: d(1), Price: d(1)})
			return err
		}},
		{"cash buy", "asset_type", func() error {
			_, err := e.Buy(ctx, BuyInput{AccountID: "acc-1", Symbol: "CASH", AssetType: model.AssetCash, Quantity: d(1), Price: d(1)})
			return err
		}},
		{"option without terms", "strike_price", func() error {
			_, err := e.Buy(ctx, BuyInput{AccountID: "acc-1", Symbol: "AAPL", AssetType: model.AssetOption, Quantity: d(1), Price: d(1)})
			return err
		}},
		{"unknown currency", "currency", func() error {
			_, err := e.Buy(ctx, BuyInput{AccountID: "acc-1", Symbol: "X", AssetType: model.AssetStock, Quantity: d(1), Price: d(1), Currency: "ZZZ"})
			return err
		}},
		{"oversell", "quantity", func() error {
			_, err := e.Sell(ctx, SellInput{AccountID: "acc-1", HoldingKey: "AAPL", Quantity: d(11), Price: d(1)})
			return err
		}},
		{"negative mark", "price", func() error {
			_, err := e.UpdatePrice(ctx, PriceInput{AccountID: "acc-1", HoldingKey: "AAPL", Price: d(-1)})
			return err
		}},
		{"holding currency mismatch", "currency", func() error {
			_, err := e.Buy(ctx, BuyInput{AccountID: "acc-1", Symbol: "AAPL", AssetType: model.AssetStock, Quantity: d(1), Price: d(1), Currency: "EUR"})
			return err
		}},
		{"zero deposit", "amount", func() error {
			_, err := e.Deposit(ctx, CashInput{AccountID: "acc-1", Amount: decimal.Zero})
			return err
		}},
		{"missing account id", "account_id", func() error {
			_, err := e.Withdraw(ctx, CashInput{Amount: d(1)})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			var verr *apperr.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %s, got %s (%v)", tt.field, verr.Field, err)
			}
			if apperr.HTTPStatus(err) != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", apperr.HTTPStatus(err))
			}
		})
	}

	lots := lotsOf(t, st, store.LotFilter{})
	if len(lots) != 1 || !lots[0].Quantity.Equal(d(10)) || lots[0].Version != 1 {
		t.Errorf("rejections must not mutate lots, got %+v", lots)
	}
	if entries := ledger(t, st); len(entries) != 0 {
		t.Errorf("rejections must not append entries, got %d", len(entries))
	}
}

func TestUnknownAccount(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore())
	_, err := e.Deposit(context.Background(), CashInput{AccountID: "nope", Amount: d(1)})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

// --- Atomicity & concurrency ---

// flakyStore fails a chosen write inside transactions.
type flakyStore struct {
	*store.MemoryStore

	mu        sync.Mutex
	failOn    string // "delete", "update", "create", "append"
	skip      int    // successful calls before failures start
	failTimes int    // failures to inject; <0 means always
	err       error
	txCount   int
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	s.txCount++
	s.mu.Unlock()
	return s.MemoryStore.WithTx(ctx, func(tx store.Tx) error {
		return fn(&flakyTx{Tx: tx, s: s})
	})
}

func (s *flakyStore) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

func (s *flakyStore) fail(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op != s.failOn {
		return nil
	}
	if s.skip > 0 {
		s.skip--
		return nil
	}
	if s.failTimes == 0 {
		return nil
	}
	if s.failTimes > 0 {
		s.failTimes--
	}
	return s.err
}

type flakyTx struct {
	store.Tx
	s *flakyStore
}

func (t *flakyTx) CreateLot(ctx context.Context, l *model.Lot) error {
	if err := t.s.fail("create"); err != nil {
		return err
	}
	return t.Tx.CreateLot(ctx, l)
}

func (t *flakyTx) UpdateLot(ctx context.Context, id string, p store.LotPatch, v int64) error {
	if err := t.s.fail("update"); err != nil {
		return err
	}
	return t.Tx.UpdateLot(ctx, id, p, v)
}

func (t *flakyTx) DeleteLot(ctx context.Context, id string, v int64) error {
	if err := t.s.fail("delete"); err != nil {
		return err
	}
	return t.Tx.DeleteLot(ctx, id, v)
}

func (t *flakyTx) AppendTransaction(ctx context.Context, e *model.Transaction) error {
	if err := t.s.fail("append"); err != nil {
		return err
	}
	return t.Tx.AppendTransaction(ctx, e)
}

func TestSell_PartialMutationRollsBack(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), failOn: "update", failTimes: -1, err: errors.New("disk full")}
	e := newEngine(t, st)
	seedStock(t, st, "first", 10, 100, jan)
	seedStock(t, st, "second", 10, 120, feb)

	// The first lot is deleted, then reducing the second fails.
	_, err := e.Sell(context.Background(), SellInput{AccountID: "acc-1", HoldingKey: "AAPL", Quantity: d(15), Price: d(130)})

	var merr *apperr.MutationError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MutationError, got %v", err)
	}
	if merr.Stage != string(StageLotsMutated) || merr.Op != OpSell {
		t.Errorf("unexpected stage/op %s/%s", merr.Stage, merr.Op)
	}
	if !errors.Is(err, apperr.ErrPartialMutation) || apperr.HTTPStatus(err) != http.StatusInternalServerError {
		t.Errorf("partial mutation must be fatal, got %v", err)
	}

	lots := lotsOf(t, st, store.LotFilter{})
	if len(lots) != 2 || !lots[0].Quantity.Equal(d(10)) || !lots[1].Quantity.Equal(d(10)) {
		t.Errorf("deleted lot must be restored, got %+v", lots)
	}
	if entries := ledger(t, st); len(entries) != 0 {
		t.Errorf("no entries may be appended, got %d", len(entries))
	}
}

func TestBuy_LedgerFailureRollsBackLotAndCash(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), failOn: "append", skip: 1, failTimes: -1, err: errors.New("ledger unavailable")}
	e := newEngine(t, st)
	ctx := context.Background()

	if _, err := e.Deposit(ctx, CashInput{AccountID: "acc-1", Amount: d(500)}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	_, err := e.Buy(ctx, BuyInput{AccountID: "acc-1", Symbol: "AAPL", AssetType: model.AssetStock, Quantity: d(2), Price: d(100), DeductFromCash: true})
	var merr *apperr.MutationError
	if !errors.As(err, &merr) || merr.Stage != string(StageLedgerAppended) {
		t.Fatalf("expected MutationError at LedgerAppended, got %v", err)
	}

	lots := lotsOf(t, st, store.LotFilter{})
	if len(lots) != 1 || lots[0].AssetType != model.AssetCash || !lots[0].Quantity.Equal(d(500)) {
		t.Errorf("expected only the untouched cash lot, got %+v", lots)
	}
}

func TestVersionConflictIsRetried(t *testing.T) {
	conflict := fmt.Errorf("update lot: %w", store.ErrVersionConflict)
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), failOn: "update", failTimes: 1, err: conflict}
	rec := &recorder{}
	e := newEngine(t, st, WithPublisher(rec))
	seedStock(t, st, "l1", 10, 100, jan)

	res, err := e.Sell(context.Background(), SellInput{AccountID: "acc-1", HoldingKey: "AAPL", Quantity: d(4), Price: d(110)})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if st.attempts() != 2 {
		t.Errorf("expected 2 attempts, got %d", st.attempts())
	}
	if len(res.Transactions) != 1 || len(ledger(t, st)) != 1 {
		t.Errorf("retried operation must write exactly once")
	}
	if len(rec.got) != 1 || rec.got[0].Type != events.TypeSell {
		t.Errorf("expected one sell event, got %+v", rec.got)
	}
}

func TestVersionConflictGivesUp(t *testing.T) {
	conflict := fmt.Errorf("update lot: %w", store.ErrVersionConflict)
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), failOn: "update", failTimes: -1, err: conflict}
	rec := &recorder{}
	e := newEngine(t, st, WithPublisher(rec))
	seedStock(t, st, "l1", 10, 100, jan)

	_, err := e.Sell(context.Background(), SellInput{AccountID: "acc-1", HoldingKey: "AAPL", Quantity: d(4), Price: d(110)})
	if !errors.Is(err, apperr.ErrConflict) || apperr.HTTPStatus(err) != http.StatusConflict {
		t.Fatalf("expected conflict after retries, got %v", err)
	}
	if st.attempts() != DefaultMaxAttempts {
		t.Errorf("expected %d attempts, got %d", DefaultMaxAttempts, st.attempts())
	}
	if len(rec.got) != 0 {
		t.Error("failed operations must not publish events")
	}
}

func TestConcurrentSellsNeverOversell(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	seedStock(t, st, "l1", 6, 100, jan)
	seedStock(t, st, "l2", 4, 100, feb)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, fail int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Sell(context.Background(), SellInput{AccountID: "acc-1", HoldingKey: "AAPL", Quantity: d(1), Price: d(100)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrNotFound):
				fail++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 10 || fail != 2 {
		t.Errorf("expected 10 sells and 2 rejections, got %d / %d", ok, fail)
	}
	if lots := lotsOf(t, st, store.LotFilter{}); len(lots) != 0 {
		t.Errorf("expected all lots consumed, %d remain", len(lots))
	}
	if entries := ledger(t, st); len(entries) != 10 {
		t.Errorf("expected 10 sell entries, got %d", len(entries))
	}
}

// --- Prices & events ---

func TestUpdatePrice(t *testing.T) {
	st := store.NewMemoryStore()
	rec := &recorder{}
	e := newEngine(t, st, WithPublisher(rec))
	seedStock(t, st, "a", 10, 100, jan)
	seedStock(t, st, "b", 5, 120, feb)

	res, err := e.UpdatePrice(context.Background(), PriceInput{AccountID: "acc-1", HoldingKey: "AAPL", Price: d(140)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Lots) != 2 {
		t.Fatalf("expected 2 repriced lots, got %d", len(res.Lots))
	}

	h := aggregate.Positions(lotsOf(t, st, store.LotFilter{}))[0]
	if !h.CurrentValue.Equal(d(2100)) || !h.Quantity.Equal(d(15)) {
		t.Errorf("expected 15 shares worth 2100, got %s / %s", h.Quantity, h.CurrentValue)
	}
	if len(ledger(t, st)) != 0 {
		t.Error("price updates are not ledger transactions")
	}
	if len(rec.got) != 1 || rec.got[0].Type != events.TypePrice || len(rec.got[0].LotIDs) != 2 {
		t.Errorf("unexpected events %+v", rec.got)
	}

	if _, err := e.UpdatePrice(context.Background(), PriceInput{AccountID: "acc-1", HoldingKey: "TSLA", Price: d(1)}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestUpdatePrice_ZeroMarksWorthless(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	seedStock(t, st, "a", 10, 100, jan)

	res, err := e.UpdatePrice(context.Background(), PriceInput{AccountID: "acc-1", HoldingKey: "AAPL", Price: decimal.Zero})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Lots[0].CurrentPrice.Valid || !res.Lots[0].CurrentPrice.Decimal.IsZero() {
		t.Errorf("expected a recorded zero quote, got %+v", res.Lots[0].CurrentPrice)
	}

	h := aggregate.Positions(lotsOf(t, st, store.LotFilter{}))[0]
	if !h.CurrentValue.IsZero() {
		t.Errorf("expected holding worth 0, got %s", h.CurrentValue)
	}
	if !h.CostBasis.Equal(d(1000)) {
		t.Errorf("cost basis should be untouched, got %s", h.CostBasis)
	}
}

// --- Currency consistency ---

func TestBuy_RejectsLotInAnotherCurrency(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	ctx := context.Background()
	seedStock(t, st, "usd", 10, 100, jan)
	e.Deposit(ctx, CashInput{AccountID: "acc-1", Currency: "EUR", Amount: d(5000)})

	_, err := e.Buy(ctx, BuyInput{
		AccountID: "acc-1", Symbol: "AAPL", AssetType: model.AssetStock,
		Quantity: d(10), Price: d(100), Currency: "EUR", DeductFromCash: true,
	})
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) || verr.Field != "currency" {
		t.Fatalf("expected currency validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "USD") || !strings.Contains(err.Error(), "EUR") {
		t.Errorf("error should name both currencies: %v", err)
	}

	if n := len(lotsOf(t, st, store.LotFilter{Symbol: "AAPL"})); n != 1 {
		t.Errorf("expected the USD lot alone, got %d lots", n)
	}
	cash := lotsOf(t, st, store.LotFilter{Symbol: model.CashSymbol})
	if len(cash) != 1 || !cash[0].Quantity.Equal(d(5000)) {
		t.Errorf("EUR cash should be untouched, got %+v", cash)
	}

	// Other symbols can still be bought in EUR.
	if _, err := e.Buy(ctx, BuyInput{AccountID: "acc-1", Symbol: "SAP", AssetType: model.AssetStock, Quantity: d(1), Price: d(100), Currency: "EUR"}); err != nil {
		t.Errorf("unexpected error buying SAP in EUR: %v", err)
	}
}

func TestSell_MixedCurrencyHoldingSellsByLot(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st)
	ctx := context.Background()
	seedStock(t, st, "usd", 10, 100, jan)
	eur := model.Lot{
		ID: "eur", AccountID: "acc-1", Symbol: "AAPL", AssetType: model.AssetStock,
		Quantity: d(10), AverageBuyPrice: d(100), Currency: "EUR", Date: feb, CreatedDate: feb,
	}
	if err := st.CreateLot(ctx, &eur); err != nil {
		t.Fatalf("failed to seed lot: %v", err)
	}

	_, err := e.Sell(ctx, SellInput{AccountID: "acc-1", HoldingKey: "AAPL", Quantity: d(15), Price: d(100), ReturnToCash: true})
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) || verr.Field != "lot_ids" {
		t.Fatalf("expected lot_ids validation error, got %v", err)
	}
	if len(lotsOf(t, st, store.LotFilter{Symbol: "AAPL"})) != 2 || len(ledger(t, st)) != 0 {
		t.Error("rejected sale must not touch lots or ledger")
	}

	res, err := e.Sell(ctx, SellInput{AccountID: "acc-1", LotIDs: []string{"eur"}, Quantity: d(10), Price: d(110), ReturnToCash: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Currency != "EUR" || res.CashLot == nil || res.CashLot.Currency != "EUR" || !res.CashLot.Quantity.Equal(d(1100)) {
		t.Errorf("expected 1100 EUR credited, got %s %+v", res.Currency, res.CashLot)
	}
	cash := lotsOf(t, st, store.LotFilter{Symbol: model.CashSymbol})
	if len(cash) != 1 || cash[0].Currency != "EUR" {
		t.Errorf("proceeds must stay in EUR, got %+v", cash)
	}
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	st := store.NewMemoryStore()
	rec := &recorder{}
	e := newEngine(t, st, WithPublisher(rec))
	ctx := context.Background()

	e.Deposit(ctx, CashInput{AccountID: "acc-1", Amount: d(1000)})
	e.Buy(ctx, BuyInput{AccountID: "acc-1", Symbol: "VTI", AssetType: model.AssetETF, Quantity: d(2), Price: d(200), DeductFromCash: true})
	e.Buy(ctx, BuyInput{AccountID: "acc-1", Symbol: "VTI", AssetType: model.AssetETF, Quantity: d(20), Price: d(200), DeductFromCash: true})

	if len(rec.got) != 2 {
		t.Fatalf("expected 2 events (rejected buy publishes nothing), got %d", len(rec.got))
	}
	if rec.got[0].Type != events.TypeDeposit || rec.got[1].Type != events.TypeBuy {
		t.Errorf("unexpected event types %s, %s", rec.got[0].Type, rec.got[1].Type)
	}
	if len(rec.got[1].Transactions) != 1 || rec.got[1].AccountID != "acc-1" {
		t.Errorf("unexpected buy event %+v", rec.got[1])
	}
}
