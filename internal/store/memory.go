package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finboard/portfolio-engine/internal/apperr"
	"github.com/finboard/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// WithTx works on a copy of the state and swaps it in on success, so a
// failed unit of work leaves nothing behind.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	accounts map[string]model.Account
	lots     map[string]model.Lot
	ledger   []model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			accounts: make(map[string]model.Account),
			lots:     make(map[string]model.Lot),
		},
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		accounts: make(map[string]model.Account, len(st.accounts)),
		lots:     make(map[string]model.Lot, len(st.lots)),
		ledger:   make([]model.Transaction, len(st.ledger)),
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for k, v := range st.lots {
		c.lots[k] = v
	}
	copy(c.ledger, st.ledger)
	return c
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if _, ok := s.state.accounts[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.state.accounts[a.ID] = *a
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{st: s.state}).GetAccount(ctx, id)
}

func (s *MemoryStore) ListLots(ctx context.Context, f LotFilter) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{st: s.state}).ListLots(ctx, f)
}

func (s *MemoryStore) CreateLot(ctx context.Context, l *model.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{st: s.state}).CreateLot(ctx, l)
}

func (s *MemoryStore) UpdateLot(ctx context.Context, id string, p LotPatch, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{st: s.state}).UpdateLot(ctx, id, p, version)
}

func (s *MemoryStore) DeleteLot(ctx context.Context, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{st: s.state}).DeleteLot(ctx, id, version)
}

func (s *MemoryStore) AppendTransaction(ctx context.Context, e *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{st: s.state}).AppendTransaction(ctx, e)
}

func (s *MemoryStore) ListTransactions(ctx context.Context, f TxFilter) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{st: s.state}).ListTransactions(ctx, f)
}

// memTx operates on a state the caller has already locked.
type memTx struct {
	st *memState
}

func (t *memTx) GetAccount(_ context.Context, id string) (*model.Account, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account", id)
	}
	return &a, nil
}

func (t *memTx) ListLots(_ context.Context, f LotFilter) ([]model.Lot, error) {
	var result []model.Lot
	for _, l := range t.st.lots {
		if f.Match(l) {
			result = append(result, l)
		}
	}
	sortLots(result)
	return result, nil
}

func (t *memTx) CreateLot(_ context.Context, l *model.Lot) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if _, ok := t.st.lots[l.ID]; ok {
		return fmt.Errorf("store: lot %s already exists", l.ID)
	}
	if l.CreatedDate.IsZero() {
		l.CreatedDate = time.Now().UTC()
	}
	l.Version = 1
	t.st.lots[l.ID] = *l
	return nil
}

func (t *memTx) UpdateLot(_ context.Context, id string, p LotPatch, version int64) error {
	l, ok := t.st.lots[id]
	if !ok {
		return apperr.NotFound("lot", id)
	}
	if l.Version != version {
		return fmt.Errorf("update lot %s (have v%d, want v%d): %w", id, l.Version, version, ErrVersionConflict)
	}
	l = p.Apply(l)
	l.Version++
	t.st.lots[id] = l
	return nil
}

func (t *memTx) DeleteLot(_ context.Context, id string, version int64) error {
	l, ok := t.st.lots[id]
	if !ok {
		return apperr.NotFound("lot", id)
	}
	if l.Version != version {
		return fmt.Errorf("delete lot %s (have v%d, want v%d): %w", id, l.Version, version, ErrVersionConflict)
	}
	delete(t.st.lots, id)
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, e *model.Transaction) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	t.st.ledger = append(t.st.ledger, *e)
	return nil
}

func (t *memTx) ListTransactions(_ context.Context, f TxFilter) ([]model.Transaction, error) {
	var result []model.Transaction
	for _, e := range t.st.ledger {
		if f.Match(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

// sortLots orders lots oldest first, ties broken by id.
func sortLots(lots []model.Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].CreatedDate.Equal(lots[j].CreatedDate) {
			return lots[i].CreatedDate.Before(lots[j].CreatedDate)
		}
		return lots[i].ID < lots[j].ID
	})
}
