// Package storage defines the persistence interfaces for the bottle service.
package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/bottle_service/internal/app/domain/bottle"
	"github.com/R3E-Network/bottle_service/internal/app/domain/category"
	cellardomain "github.com/R3E-Network/bottle_service/internal/app/domain/cellar"
	"github.com/R3E-Network/bottle_service/internal/app/domain/token"
	"github.com/R3E-Network/bottle_service/internal/app/domain/vrf"
)

// ErrNotFound is returned by all stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// StateStore persists the engine's singleton state record.
type StateStore interface {
	GetState(ctx context.Context) (cellardomain.State, error)
	SaveState(ctx context.Context, state cellardomain.State) (cellardomain.State, error)
}

// CategoryStore persists categories and shared variant pools.
type CategoryStore interface {
	CreateCategory(ctx context.Context, cat category.Category) (category.Category, error)
	UpdateCategory(ctx context.Context, cat category.Category) (category.Category, error)
	GetCategory(ctx context.Context, id string) (category.Category, error)
	ListCategories(ctx context.Context) ([]category.Category, error)

	CreatePool(ctx context.Context, pool category.Pool) (category.Pool, error)
	UpdatePool(ctx context.Context, pool category.Pool) (category.Pool, error)
	GetPool(ctx context.Context, id string) (category.Pool, error)
}

// BottleStore persists bottle records keyed by token id.
type BottleStore interface {
	CreateBottle(ctx context.Context, b bottle.Bottle) (bottle.Bottle, error)
	UpdateBottle(ctx context.Context, b bottle.Bottle) (bottle.Bottle, error)
	GetBottle(ctx context.Context, tokenID uint64) (bottle.Bottle, error)
	ListBottlesByCategory(ctx context.Context, categoryID string, limit int) ([]bottle.Bottle, error)
}

// RequestStore persists randomness request records.
type RequestStore interface {
	CreateRequest(ctx context.Context, req vrf.Request) (vrf.Request, error)
	UpdateRequest(ctx context.Context, req vrf.Request) (vrf.Request, error)
	GetRequest(ctx context.Context, id string) (vrf.Request, error)
	ListPendingRequests(ctx context.Context) ([]vrf.Request, error)
}

// TokenStore persists token balances, allowances and the movement journal.
type TokenStore interface {
	GetBalance(ctx context.Context, tok, holder string) (token.Balance, error)
	SaveBalance(ctx context.Context, bal token.Balance) (token.Balance, error)
	GetAllowance(ctx context.Context, tok, owner, spender string) (token.Allowance, error)
	SaveAllowance(ctx context.Context, alw token.Allowance) (token.Allowance, error)

	CreateTokenTransaction(ctx context.Context, tx token.Transaction) (token.Transaction, error)
	ListTokenTransactions(ctx context.Context, tok, holder string, limit int) ([]token.Transaction, error)
}

// Store aggregates every persistence concern of the service.
type Store interface {
	StateStore
	CategoryStore
	BottleStore
	RequestStore
	TokenStore

	// Transact runs fn against a store whose writes apply atomically: either
	// every write fn issues is persisted, or none is.
	Transact(ctx context.Context, fn func(Store) error) error
}
