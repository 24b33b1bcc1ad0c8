// Package cellar implements the bottle sale engine: category inventory,
// randomness request tracking, bundle allocation and the bottle lifecycle.
package cellar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/bottle_service/internal/app/authz"
	"github.com/R3E-Network/bottle_service/internal/app/domain/category"
	cellardomain "github.com/R3E-Network/bottle_service/internal/app/domain/cellar"
	"github.com/R3E-Network/bottle_service/internal/app/storage"
	"github.com/R3E-Network/bottle_service/pkg/logger"
)

// MaxMintQuantity bounds how many bottles one mint call may request, which in
// turn bounds the word count of a single randomness request.
const MaxMintQuantity = 3

// Errors
var (
	ErrNotInitialized           = errors.New("service not initialized")
	ErrInvalidInitialization    = errors.New("invalid initialization")
	ErrInsufficientTokenBalance = errors.New("insufficient token balance for categories")
	ErrInvalidCategory          = errors.New("invalid category")
	ErrCategorySealed           = errors.New("category sealed after first sale")
	ErrCategoryFullyMinted      = errors.New("category fully minted")
	ErrInvalidQuantity          = errors.New("quantity must be positive")
	ErrMaxQuantityReached       = errors.New("quantity exceeds per-mint maximum")
	ErrMintingClosed            = errors.New("minting closed")
	ErrUnknownRequest           = errors.New("unknown randomness request")
	ErrWordCountMismatch        = errors.New("random word count does not match request")
	ErrUnknownBottle            = errors.New("unknown bottle")
	ErrNotBottleOwner           = errors.New("caller does not own bottle")
	ErrBottleNotRevealed        = errors.New("bottle not revealed")
	ErrBottleAlreadyOpened      = errors.New("bottle already opened")
)

// Coordinator is the randomness oracle capability. The engine fires a request
// and returns; the fulfillment arrives later through FulfillRandomWords.
type Coordinator interface {
	RequestRandomWords(ctx context.Context, req RandomWordsRequest) (string, error)
}

// RandomWordsRequest carries the coordinator parameters for one request.
type RandomWordsRequest struct {
	KeyHash              string
	NumWords             uint32
	CallbackGasLimit     uint32
	RequestConfirmations uint16
	SubscriptionID       string
}

// TokenBank is the ERC-20 escrow capability. Allowance and balance failures
// returned by it are propagated to callers unchanged.
type TokenBank interface {
	BalanceOf(ctx context.Context, tok, holder string) (int64, error)
	Transfer(ctx context.Context, tok, from, to string, amount int64, reference string) error
	TransferFrom(ctx context.Context, tok, spender, from, to string, amount int64, reference string) error
}

// NFTRegistry is the ERC-721 ownership capability.
type NFTRegistry interface {
	MintTo(ctx context.Context, to string, tokenID uint64) error
	OwnerOf(ctx context.Context, tokenID uint64) (string, error)
}

// Service is the sale engine. All state-mutating operations run under one
// mutex: each call observes and leaves consistent ledger state, mirroring the
// host ledger's transaction serialization.
type Service struct {
	store       storage.Store
	bank        TokenBank
	nft         NFTRegistry
	coordinator Coordinator
	roles       *authz.Table
	log         *logger.Logger
	mu          sync.Mutex
}

// New constructs the engine.
func New(store storage.Store, bank TokenBank, nft NFTRegistry, coordinator Coordinator, roles *authz.Table, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("cellar")
	}
	return &Service{
		store:       store,
		bank:        bank,
		nft:         nft,
		coordinator: coordinator,
		roles:       roles,
		log:         log,
	}
}

// CategoryParams describes one category supplied at initialization.
type CategoryParams struct {
	ID          string                      `json:"id"`
	Price       int64                       `json:"price"`
	Tokens      []category.TokenRequirement `json:"tokens"`
	TotalSupply int64                       `json:"total_supply"`
	IsLinked    bool                        `json:"is_linked"`
	PoolID      string                      `json:"pool_id,omitempty"`
}

// PoolParams describes one shared variant pool supplied at initialization.
type PoolParams struct {
	ID       string             `json:"id"`
	Variants []category.Variant `json:"variants"`
}

// InitParams carries the one-time initialization payload.
type InitParams struct {
	Stablecoin    string                         `json:"stablecoin"`
	Categories    []CategoryParams               `json:"categories"`
	Pools         []PoolParams                   `json:"pools,omitempty"`
	BaseURI       string                         `json:"base_uri"`
	SystemWallet  string                         `json:"system_wallet"`
	EscrowAccount string                         `json:"escrow_account"`
	Coordinator   cellardomain.CoordinatorConfig `json:"coordinator"`
}

// Initialize configures the engine exactly once: it records the category
// table, registers variant pools and escrows the full token inventory the
// categories require from the initializer.
func (s *Service) Initialize(ctx context.Context, initializer string, params InitParams) error {
	if err := s.roles.Require(authz.RoleAdmin, initializer); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.store.GetState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if state.Initialized {
		return ErrInvalidInitialization
	}
	if params.Stablecoin == "" || params.SystemWallet == "" {
		return fmt.Errorf("%w: stablecoin and system wallet are required", ErrInvalidInitialization)
	}
	if params.EscrowAccount == "" {
		params.EscrowAccount = "cellar-escrow"
	}

	if err := validateCategories(params); err != nil {
		return err
	}

	// Escrow the full inventory up front so per-sale accounting never has to
	// re-derive global sums. Every balance is checked before any movement, and
	// no category or pool row is written until the escrow is in, so a failed
	// initialization leaves nothing behind and can simply be retried.
	required := requiredInventory(params)
	tokens := sortedTokens(required)
	for _, tok := range tokens {
		held, err := s.bank.BalanceOf(ctx, tok, initializer)
		if err != nil {
			return fmt.Errorf("check balance of %s: %w", tok, err)
		}
		if held < required[tok] {
			return fmt.Errorf("%w: need %d of %s, initializer holds %d", ErrInsufficientTokenBalance, required[tok], tok, held)
		}
	}

	escrowed := make([]string, 0, len(tokens))
	revert := func() {
		for _, tok := range escrowed {
			if err := s.bank.Transfer(ctx, tok, params.EscrowAccount, initializer, required[tok], "initialize-revert"); err != nil {
				s.log.WithError(err).WithField("token", tok).Error("failed to return escrowed inventory")
			}
		}
	}
	for _, tok := range tokens {
		if err := s.bank.TransferFrom(ctx, tok, params.EscrowAccount, initializer, params.EscrowAccount, required[tok], "initialize"); err != nil {
			revert()
			return err
		}
		escrowed = append(escrowed, tok)
	}

	now := time.Now().UTC()
	state = cellardomain.State{
		Initialized:   true,
		Stablecoin:    params.Stablecoin,
		BaseURI:       params.BaseURI,
		SystemWallet:  params.SystemWallet,
		EscrowAccount: params.EscrowAccount,
		Coordinator:   params.Coordinator,
		NextTokenID:   1,
		InitializedAt: now,
	}
	err = s.store.Transact(ctx, func(tx storage.Store) error {
		for _, pp := range params.Pools {
			if _, err := tx.CreatePool(ctx, category.Pool{ID: pp.ID, Variants: pp.Variants}); err != nil {
				return fmt.Errorf("create pool %s: %w", pp.ID, err)
			}
		}
		for _, cp := range params.Categories {
			cat := category.Category{
				ID:          cp.ID,
				Price:       cp.Price,
				Tokens:      cp.Tokens,
				TotalSupply: cp.TotalSupply,
				IsLinked:    cp.IsLinked,
				PoolID:      cp.PoolID,
			}
			if _, err := tx.CreateCategory(ctx, cat); err != nil {
				return fmt.Errorf("create category %s: %w", cp.ID, err)
			}
		}
		if _, err := tx.SaveState(ctx, state); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		return nil
	})
	if err != nil {
		revert()
		return err
	}

	s.log.WithField("categories", len(params.Categories)).
		WithField("pools", len(params.Pools)).
		Info("cellar initialized")
	return nil
}

func validateCategories(params InitParams) error {
	capacity := make(map[string]int64, len(params.Pools))
	for _, pp := range params.Pools {
		if pp.ID == "" || len(pp.Variants) == 0 {
			return fmt.Errorf("%w: pool needs an id and at least one variant", ErrInvalidInitialization)
		}
		for _, v := range pp.Variants {
			if v.Remaining <= 0 {
				return fmt.Errorf("%w: pool %s variant remaining must be positive", ErrInvalidInitialization, pp.ID)
			}
			for _, req := range v.Tokens {
				if req.Quantity <= 0 {
					return fmt.Errorf("%w: pool %s token quantity must be positive", ErrInvalidInitialization, pp.ID)
				}
			}
			capacity[pp.ID] += v.Remaining
		}
	}

	linked := make(map[string]int64)
	for _, cp := range params.Categories {
		if cp.ID == "" {
			return fmt.Errorf("%w: category id required", ErrInvalidInitialization)
		}
		if cp.TotalSupply <= 0 {
			return fmt.Errorf("%w: category %s supply must be positive", ErrInvalidInitialization, cp.ID)
		}
		if cp.IsLinked {
			if _, ok := capacity[cp.PoolID]; !ok {
				return fmt.Errorf("%w: category %s references unknown pool %q", ErrInvalidInitialization, cp.ID, cp.PoolID)
			}
			linked[cp.PoolID] += cp.TotalSupply
			continue
		}
		if len(cp.Tokens) == 0 {
			return fmt.Errorf("%w: category %s needs a token composition", ErrInvalidInitialization, cp.ID)
		}
		for _, req := range cp.Tokens {
			if req.Quantity <= 0 {
				return fmt.Errorf("%w: category %s token quantity must be positive", ErrInvalidInitialization, cp.ID)
			}
		}
	}

	// Linked categories can only sell what their pool can reveal; bounding the
	// combined supply here keeps a paid bottle from ever waiting on an
	// exhausted pool.
	for id, supply := range linked {
		if supply > capacity[id] {
			return fmt.Errorf("%w: categories on pool %s sell up to %d bottles but the pool holds %d", ErrInvalidInitialization, id, supply, capacity[id])
		}
	}
	return nil
}

// requiredInventory sums, per token, the escrow each category and pool needs
// to cover every sellable bottle.
func requiredInventory(params InitParams) map[string]int64 {
	required := make(map[string]int64)
	for _, cp := range params.Categories {
		if cp.IsLinked {
			continue
		}
		for _, req := range cp.Tokens {
			required[req.Token] += req.Quantity * cp.TotalSupply
		}
	}
	for _, pp := range params.Pools {
		for _, v := range pp.Variants {
			for _, req := range v.Tokens {
				required[req.Token] += req.Quantity * v.Remaining
			}
		}
	}
	return required
}

// State returns the engine's current configuration and counters.
func (s *Service) State(ctx context.Context) (cellardomain.State, error) {
	return s.store.GetState(ctx)
}

// GetCategory returns one category.
func (s *Service) GetCategory(ctx context.Context, id string) (category.Category, error) {
	cat, err := s.store.GetCategory(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return category.Category{}, ErrInvalidCategory
		}
		return category.Category{}, err
	}
	return cat, nil
}

// ListCategories returns all categories.
func (s *Service) ListCategories(ctx context.Context) ([]category.Category, error) {
	return s.store.ListCategories(ctx)
}

func sortedTokens(required map[string]int64) []string {
	out := make([]string, 0, len(required))
	for tok := range required {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}
