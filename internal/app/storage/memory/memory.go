// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/bottle_service/internal/app/domain/bottle"
	"github.com/R3E-Network/bottle_service/internal/app/domain/category"
	cellardomain "github.com/R3E-Network/bottle_service/internal/app/domain/cellar"
	"github.com/R3E-Network/bottle_service/internal/app/domain/token"
	"github.com/R3E-Network/bottle_service/internal/app/domain/vrf"
	"github.com/R3E-Network/bottle_service/internal/app/storage"
)

// Store is the in-memory implementation of storage.Store.
type Store struct {
	mu         sync.RWMutex
	state      cellardomain.State
	categories map[string]category.Category
	pools      map[string]category.Pool
	bottles    map[uint64]bottle.Bottle
	requests   map[string]vrf.Request
	balances   map[string]token.Balance   // key: token|holder
	allowances map[string]token.Allowance // key: token|owner|spender
	journal    []token.Transaction
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		categories: make(map[string]category.Category),
		pools:      make(map[string]category.Pool),
		bottles:    make(map[uint64]bottle.Bottle),
		requests:   make(map[string]vrf.Request),
		balances:   make(map[string]token.Balance),
		allowances: make(map[string]token.Allowance),
	}
}

// Transact stages fn's writes on a copy of the store and adopts them only
// when fn succeeds, so a failure leaves the store untouched.
func (s *Store) Transact(_ context.Context, fn func(storage.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.cloneLocked()
	if err := fn(staged); err != nil {
		return err
	}

	s.state = staged.state
	s.categories = staged.categories
	s.pools = staged.pools
	s.bottles = staged.bottles
	s.requests = staged.requests
	s.balances = staged.balances
	s.allowances = staged.allowances
	s.journal = staged.journal
	return nil
}

func (s *Store) cloneLocked() *Store {
	out := New()
	out.state = s.state
	for id, cat := range s.categories {
		out.categories[id] = cloneCategory(cat)
	}
	for id, pool := range s.pools {
		out.pools[id] = clonePool(pool)
	}
	for id, b := range s.bottles {
		out.bottles[id] = cloneBottle(b)
	}
	for id, req := range s.requests {
		out.requests[id] = cloneRequest(req)
	}
	for key, bal := range s.balances {
		out.balances[key] = bal
	}
	for key, alw := range s.allowances {
		out.allowances[key] = alw
	}
	out.journal = append([]token.Transaction(nil), s.journal...)
	return out
}

// StateStore --------------------------------------------------------------

func (s *Store) GetState(_ context.Context) (cellardomain.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

func (s *Store) SaveState(_ context.Context, state cellardomain.State) (cellardomain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = time.Now().UTC()
	s.state = state
	return state, nil
}

// CategoryStore -----------------------------------------------------------

func (s *Store) CreateCategory(_ context.Context, cat category.Category) (category.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.categories[cat.ID]; exists {
		return category.Category{}, fmt.Errorf("category %s already exists", cat.ID)
	}
	s.categories[cat.ID] = cloneCategory(cat)
	return cloneCategory(cat), nil
}

func (s *Store) UpdateCategory(_ context.Context, cat category.Category) (category.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.categories[cat.ID]; !ok {
		return category.Category{}, storage.ErrNotFound
	}
	s.categories[cat.ID] = cloneCategory(cat)
	return cloneCategory(cat), nil
}

func (s *Store) GetCategory(_ context.Context, id string) (category.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cat, ok := s.categories[id]
	if !ok {
		return category.Category{}, storage.ErrNotFound
	}
	return cloneCategory(cat), nil
}

func (s *Store) ListCategories(_ context.Context) ([]category.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]category.Category, 0, len(s.categories))
	for _, cat := range s.categories {
		out = append(out, cloneCategory(cat))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreatePool(_ context.Context, pool category.Pool) (category.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pools[pool.ID]; exists {
		return category.Pool{}, fmt.Errorf("pool %s already exists", pool.ID)
	}
	s.pools[pool.ID] = clonePool(pool)
	return clonePool(pool), nil
}

func (s *Store) UpdatePool(_ context.Context, pool category.Pool) (category.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[pool.ID]; !ok {
		return category.Pool{}, storage.ErrNotFound
	}
	s.pools[pool.ID] = clonePool(pool)
	return clonePool(pool), nil
}

func (s *Store) GetPool(_ context.Context, id string) (category.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pool, ok := s.pools[id]
	if !ok {
		return category.Pool{}, storage.ErrNotFound
	}
	return clonePool(pool), nil
}

// BottleStore -------------------------------------------------------------

func (s *Store) CreateBottle(_ context.Context, b bottle.Bottle) (bottle.Bottle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bottles[b.TokenID]; exists {
		return bottle.Bottle{}, fmt.Errorf("bottle %d already exists", b.TokenID)
	}
	s.bottles[b.TokenID] = cloneBottle(b)
	return cloneBottle(b), nil
}

func (s *Store) UpdateBottle(_ context.Context, b bottle.Bottle) (bottle.Bottle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bottles[b.TokenID]; !ok {
		return bottle.Bottle{}, storage.ErrNotFound
	}
	s.bottles[b.TokenID] = cloneBottle(b)
	return cloneBottle(b), nil
}

func (s *Store) GetBottle(_ context.Context, tokenID uint64) (bottle.Bottle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bottles[tokenID]
	if !ok {
		return bottle.Bottle{}, storage.ErrNotFound
	}
	return cloneBottle(b), nil
}

func (s *Store) ListBottlesByCategory(_ context.Context, categoryID string, limit int) ([]bottle.Bottle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []bottle.Bottle
	for _, b := range s.bottles {
		if b.CategoryID == categoryID {
			out = append(out, cloneBottle(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RequestStore ------------------------------------------------------------

func (s *Store) CreateRequest(_ context.Context, req vrf.Request) (vrf.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return vrf.Request{}, fmt.Errorf("request %s already exists", req.ID)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	s.requests[req.ID] = cloneRequest(req)
	return cloneRequest(req), nil
}

func (s *Store) UpdateRequest(_ context.Context, req vrf.Request) (vrf.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; !ok {
		return vrf.Request{}, storage.ErrNotFound
	}
	s.requests[req.ID] = cloneRequest(req)
	return cloneRequest(req), nil
}

func (s *Store) GetRequest(_ context.Context, id string) (vrf.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return vrf.Request{}, storage.ErrNotFound
	}
	return cloneRequest(req), nil
}

func (s *Store) ListPendingRequests(_ context.Context) ([]vrf.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []vrf.Request
	for _, req := range s.requests {
		if req.Status == vrf.RequestStatusPending {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// TokenStore --------------------------------------------------------------

func balanceKey(tok, holder string) string { return tok + "|" + holder }

func allowanceKey(tok, owner, spender string) string { return tok + "|" + owner + "|" + spender }

// GetBalance returns a zero balance for unknown (token, holder) pairs,
// matching ERC-20 semantics.
func (s *Store) GetBalance(_ context.Context, tok, holder string) (token.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bal, ok := s.balances[balanceKey(tok, holder)]
	if !ok {
		return token.Balance{Token: tok, Holder: holder}, nil
	}
	return bal, nil
}

func (s *Store) SaveBalance(_ context.Context, bal token.Balance) (token.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal.UpdatedAt = time.Now().UTC()
	s.balances[balanceKey(bal.Token, bal.Holder)] = bal
	return bal, nil
}

func (s *Store) GetAllowance(_ context.Context, tok, owner, spender string) (token.Allowance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alw, ok := s.allowances[allowanceKey(tok, owner, spender)]
	if !ok {
		return token.Allowance{Token: tok, Owner: owner, Spender: spender}, nil
	}
	return alw, nil
}

func (s *Store) SaveAllowance(_ context.Context, alw token.Allowance) (token.Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alw.UpdatedAt = time.Now().UTC()
	s.allowances[allowanceKey(alw.Token, alw.Owner, alw.Spender)] = alw
	return alw, nil
}

func (s *Store) CreateTokenTransaction(_ context.Context, tx token.Transaction) (token.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	s.journal = append(s.journal, tx)
	return tx, nil
}

func (s *Store) ListTokenTransactions(_ context.Context, tok, holder string, limit int) ([]token.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []token.Transaction
	for _, tx := range s.journal {
		if tx.Token != tok {
			continue
		}
		if holder != "" && tx.From != holder && tx.To != holder {
			continue
		}
		out = append(out, tx)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// clone helpers -----------------------------------------------------------

func cloneCategory(cat category.Category) category.Category {
	out := cat
	out.Tokens = append([]category.TokenRequirement(nil), cat.Tokens...)
	return out
}

func clonePool(pool category.Pool) category.Pool {
	out := pool
	out.Variants = make([]category.Variant, len(pool.Variants))
	for i, v := range pool.Variants {
		out.Variants[i] = category.Variant{
			Tokens:    append([]category.TokenRequirement(nil), v.Tokens...),
			Remaining: v.Remaining,
		}
	}
	return out
}

func cloneBottle(b bottle.Bottle) bottle.Bottle {
	out := b
	out.Bundle = b.Bundle.Clone()
	return out
}

func cloneRequest(req vrf.Request) vrf.Request {
	out := req
	out.TokenIDs = append([]uint64(nil), req.TokenIDs...)
	return out
}
