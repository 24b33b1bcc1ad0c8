package cellar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/bottle_service/internal/app/authz"
	"github.com/R3E-Network/bottle_service/internal/app/domain/bottle"
	cellardomain "github.com/R3E-Network/bottle_service/internal/app/domain/cellar"
	"github.com/R3E-Network/bottle_service/internal/app/storage"
)

// SetDefaultRoyalty records the collection-wide royalty receiver and fee.
func (s *Service) SetDefaultRoyalty(ctx context.Context, caller, receiver string, feeBps uint16) error {
	if err := s.roles.Require(authz.RoleAdmin, caller); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.store.GetState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if !state.Initialized {
		return ErrNotInitialized
	}

	state.Royalty = cellardomain.Royalty{Receiver: receiver, FeeBps: feeBps}
	state.UpdatedAt = time.Now().UTC()
	if _, err := s.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	s.log.WithField("receiver", receiver).
		WithField("fee_bps", feeBps).
		Info("default royalty updated")
	return nil
}

// UpdateCategoryPrice changes a category's price. Rejected once the category
// has sold: price is immutable after the first sale.
func (s *Service) UpdateCategoryPrice(ctx context.Context, caller, categoryID string, price int64) error {
	if err := s.roles.Require(authz.RoleAdmin, caller); err != nil {
		return err
	}
	if price < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidCategory)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cat, err := s.store.GetCategory(ctx, categoryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrInvalidCategory, categoryID)
		}
		return fmt.Errorf("load category: %w", err)
	}
	if cat.Sealed {
		return fmt.Errorf("%w: %s", ErrCategorySealed, categoryID)
	}

	cat.Price = price
	if _, err := s.store.UpdateCategory(ctx, cat); err != nil {
		return fmt.Errorf("update category: %w", err)
	}
	return nil
}

// CloseMinting permanently stops sales and sweeps escrowed inventory that no
// outstanding bottle can claim back to the system wallet. Escrow backing
// pending and revealed-but-unopened bottles is retained so OpenBottle keeps
// working after the close. Calling it again is a no-op.
func (s *Service) CloseMinting(ctx context.Context, caller string) (map[string]int64, error) {
	if err := s.roles.Require(authz.RoleAdmin, caller); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.store.GetState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if !state.Initialized {
		return nil, ErrNotInitialized
	}
	if state.MintingClosed {
		return map[string]int64{}, nil
	}

	outstanding, err := s.outstandingObligations(ctx)
	if err != nil {
		return nil, err
	}

	swept := make(map[string]int64)
	for _, tok := range s.bundleTokens(ctx) {
		held, err := s.bank.BalanceOf(ctx, tok, state.EscrowAccount)
		if err != nil {
			return nil, fmt.Errorf("check escrow balance of %s: %w", tok, err)
		}
		surplus := held - outstanding[tok]
		if surplus <= 0 {
			continue
		}
		if err := s.bank.Transfer(ctx, tok, state.EscrowAccount, state.SystemWallet, surplus, "close-minting"); err != nil {
			return nil, fmt.Errorf("sweep %s: %w", tok, err)
		}
		swept[tok] = surplus
	}

	state.MintingClosed = true
	state.UpdatedAt = time.Now().UTC()
	if _, err := s.store.SaveState(ctx, state); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	s.log.WithField("swept_tokens", len(swept)).Info("minting closed")
	return swept, nil
}

// WithdrawStablecoin moves the accumulated sale proceeds from escrow to the
// system wallet and returns the amount moved. A zero balance is a no-op.
func (s *Service) WithdrawStablecoin(ctx context.Context, caller string) (int64, error) {
	if err := s.roles.Require(authz.RoleAdmin, caller); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.store.GetState(ctx)
	if err != nil {
		return 0, fmt.Errorf("load state: %w", err)
	}
	if !state.Initialized {
		return 0, ErrNotInitialized
	}

	held, err := s.bank.BalanceOf(ctx, state.Stablecoin, state.EscrowAccount)
	if err != nil {
		return 0, fmt.Errorf("check escrow balance: %w", err)
	}
	if held == 0 {
		return 0, nil
	}
	if err := s.bank.Transfer(ctx, state.Stablecoin, state.EscrowAccount, state.SystemWallet, held, "withdraw"); err != nil {
		return 0, fmt.Errorf("withdraw proceeds: %w", err)
	}

	s.log.WithField("amount", held).Info("sale proceeds withdrawn")
	return held, nil
}

// bundleTokens lists every distinct bundle token any category or pool
// references, in a stable order.
func (s *Service) bundleTokens(ctx context.Context) []string {
	seen := make(map[string]int64)
	cats, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil
	}
	pools := make(map[string]bool)
	for _, cat := range cats {
		for _, req := range cat.Tokens {
			seen[req.Token] = 1
		}
		if cat.IsLinked {
			pools[cat.PoolID] = true
		}
	}
	for id := range pools {
		pool, err := s.store.GetPool(ctx, id)
		if err != nil {
			continue
		}
		for _, v := range pool.Variants {
			for _, req := range v.Tokens {
				seen[req.Token] = 1
			}
		}
	}
	return sortedTokens(seen)
}

// outstandingObligations sums, per token, the escrow still owed to unopened
// bottles. Revealed bottles owe their assigned bundle. Pending bottles owe
// their category's fixed list, or for linked categories the per-token maximum
// across the pool's variants so no later reveal can be left short.
func (s *Service) outstandingObligations(ctx context.Context) (map[string]int64, error) {
	owed := make(map[string]int64)
	cats, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	for _, cat := range cats {
		bottles, err := s.store.ListBottlesByCategory(ctx, cat.ID, int(cat.MintedCount))
		if err != nil {
			return nil, fmt.Errorf("list bottles of %s: %w", cat.ID, err)
		}

		var pendingCeiling map[string]int64
		for _, b := range bottles {
			switch b.State {
			case bottle.StateRevealed:
				for _, entry := range b.Bundle {
					owed[entry.Token] += entry.Quantity
				}
			case bottle.StatePending:
				if !cat.IsLinked {
					for _, req := range cat.Tokens {
						owed[req.Token] += req.Quantity
					}
					continue
				}
				if pendingCeiling == nil {
					pool, err := s.store.GetPool(ctx, cat.PoolID)
					if err != nil {
						return nil, fmt.Errorf("load pool %s: %w", cat.PoolID, err)
					}
					pendingCeiling = make(map[string]int64)
					for _, v := range pool.Variants {
						for _, req := range v.Tokens {
							if req.Quantity > pendingCeiling[req.Token] {
								pendingCeiling[req.Token] = req.Quantity
							}
						}
					}
				}
				for tok, qty := range pendingCeiling {
					owed[tok] += qty
				}
			}
		}
	}
	return owed, nil
}
