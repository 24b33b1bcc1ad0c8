package cellar

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/R3E-Network/bottle_service/internal/app/authz"
	"github.com/R3E-Network/bottle_service/internal/app/domain/bottle"
	"github.com/R3E-Network/bottle_service/internal/app/domain/category"
	"github.com/R3E-Network/bottle_service/internal/app/domain/vrf"
	"github.com/R3E-Network/bottle_service/internal/app/metrics"
	"github.com/R3E-Network/bottle_service/internal/app/services/allocation"
	"github.com/R3E-Network/bottle_service/internal/app/storage"
)

// MintResult reports the outcome of a successful mint call.
type MintResult struct {
	TokenIDs  []uint64 `json:"token_ids"`
	RequestID string   `json:"request_id"`
	Charged   int64    `json:"charged"`
}

// Mint sells quantity bottles of a category to the buyer. The buyer is
// charged price*quantity of the stablecoin, the bottles are minted in the
// Pending state and one randomness request covering all of them is issued.
// Bundle assignment happens later, when the coordinator calls back.
func (s *Service) Mint(ctx context.Context, buyer, to string, categoryID string, quantity int) (MintResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.store.GetState(ctx)
	if err != nil {
		return MintResult{}, fmt.Errorf("load state: %w", err)
	}
	if !state.Initialized {
		return MintResult{}, ErrNotInitialized
	}
	if state.MintingClosed {
		return MintResult{}, ErrMintingClosed
	}
	if quantity <= 0 {
		return MintResult{}, ErrInvalidQuantity
	}
	if quantity > MaxMintQuantity {
		return MintResult{}, fmt.Errorf("%w: %d > %d", ErrMaxQuantityReached, quantity, MaxMintQuantity)
	}
	if to == "" {
		to = buyer
	}

	cat, err := s.store.GetCategory(ctx, categoryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return MintResult{}, fmt.Errorf("%w: %s", ErrInvalidCategory, categoryID)
		}
		return MintResult{}, fmt.Errorf("load category: %w", err)
	}
	if cat.MintedCount+int64(quantity) > cat.TotalSupply {
		return MintResult{}, fmt.Errorf("%w: %s", ErrCategoryFullyMinted, categoryID)
	}

	// Issue the randomness request before money moves: a coordinator failure
	// then leaves the buyer untouched, while a stray fulfillment for a request
	// the charge never completed is rejected as unknown.
	requestID, err := s.coordinator.RequestRandomWords(ctx, RandomWordsRequest{
		KeyHash:              state.Coordinator.KeyHash,
		NumWords:             uint32(quantity),
		CallbackGasLimit:     state.Coordinator.CallbackGasLimit,
		RequestConfirmations: state.Coordinator.RequestConfirmations,
		SubscriptionID:       state.Coordinator.SubscriptionID,
	})
	if err != nil {
		return MintResult{}, fmt.Errorf("request random words: %w", err)
	}

	charged := cat.Price * int64(quantity)
	if charged > 0 {
		if err := s.bank.TransferFrom(ctx, state.Stablecoin, state.EscrowAccount, buyer, state.EscrowAccount, charged, "mint:"+categoryID); err != nil {
			return MintResult{}, err
		}
	}

	now := time.Now().UTC()
	tokenIDs := make([]uint64, 0, quantity)
	pending := make([]bottle.Bottle, 0, quantity)
	for i := 0; i < quantity; i++ {
		id := state.NextTokenID
		state.NextTokenID++
		pending = append(pending, bottle.Bottle{
			TokenID:          id,
			CategoryID:       categoryID,
			State:            bottle.StatePending,
			PendingRequestID: requestID,
			MintedAt:         now,
		})
		tokenIDs = append(tokenIDs, id)
	}
	req := vrf.Request{
		ID:         requestID,
		Buyer:      to,
		CategoryID: categoryID,
		TokenIDs:   tokenIDs,
		Status:     vrf.RequestStatusPending,
		CreatedAt:  now,
	}
	cat.MintedCount += int64(quantity)
	cat.Sealed = true

	// The remaining writes land in one transaction: a storage failure after
	// the charge refunds the buyer and leaves no trace of the sale.
	err = s.store.Transact(ctx, func(tx storage.Store) error {
		for _, b := range pending {
			if _, err := tx.CreateBottle(ctx, b); err != nil {
				return fmt.Errorf("create bottle %d: %w", b.TokenID, err)
			}
		}
		if _, err := tx.CreateRequest(ctx, req); err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if _, err := tx.UpdateCategory(ctx, cat); err != nil {
			return fmt.Errorf("update category: %w", err)
		}
		if _, err := tx.SaveState(ctx, state); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		return nil
	})
	if err != nil {
		if charged > 0 {
			if refundErr := s.bank.Transfer(ctx, state.Stablecoin, state.EscrowAccount, buyer, charged, "mint-revert:"+categoryID); refundErr != nil {
				return MintResult{}, errors.Join(err, fmt.Errorf("refund charge: %w", refundErr))
			}
		}
		return MintResult{}, err
	}

	for _, id := range tokenIDs {
		if err := s.nft.MintTo(ctx, to, id); err != nil {
			return MintResult{}, fmt.Errorf("mint token %d: %w", id, err)
		}
	}

	metrics.RecordMint(categoryID, quantity)
	s.log.WithField("category", categoryID).
		WithField("buyer", buyer).
		WithField("quantity", quantity).
		WithField("request_id", requestID).
		Info("bottles minted")
	return MintResult{TokenIDs: tokenIDs, RequestID: requestID, Charged: charged}, nil
}

// FulfillRandomWords consumes one randomness request and reveals every bottle
// it covers. Words map to the request's token ids in order. A request is
// consumed exactly once; replays and unknown ids are rejected. A word-count
// mismatch aborts without consuming the request, so a corrected callback can
// be retried.
func (s *Service) FulfillRandomWords(ctx context.Context, caller, requestID string, words []uint64) error {
	if err := s.roles.Require(authz.RoleOracle, caller); err != nil {
		metrics.RecordFulfillment("unauthorized")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.RecordFulfillment("unknown")
			return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
		}
		return fmt.Errorf("load request: %w", err)
	}
	if req.Consumed {
		metrics.RecordFulfillment("replay")
		return fmt.Errorf("%w: %s already consumed", ErrUnknownRequest, requestID)
	}
	if len(words) != len(req.TokenIDs) {
		metrics.RecordFulfillment("mismatch")
		return fmt.Errorf("%w: got %d words for %d tokens", ErrWordCountMismatch, len(words), len(req.TokenIDs))
	}

	cat, err := s.store.GetCategory(ctx, req.CategoryID)
	if err != nil {
		return fmt.Errorf("load category: %w", err)
	}

	// Validate every bottle before touching any: the reveal is applied
	// all-or-nothing.
	bottles := make([]bottle.Bottle, 0, len(req.TokenIDs))
	for _, id := range req.TokenIDs {
		b, err := s.store.GetBottle(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrUnknownBottle, id)
			}
			return fmt.Errorf("load bottle %d: %w", id, err)
		}
		if b.State != bottle.StatePending || b.PendingRequestID != requestID {
			return fmt.Errorf("%w: bottle %d not pending on request %s", ErrUnknownRequest, id, requestID)
		}
		bottles = append(bottles, b)
	}

	bundles := make([]bottle.Bundle, len(bottles))
	var pool category.Pool
	if cat.IsLinked {
		pool, err = s.store.GetPool(ctx, cat.PoolID)
		if err != nil {
			return fmt.Errorf("load pool %s: %w", cat.PoolID, err)
		}
		remaining := make([]int64, len(pool.Variants))
		for i, v := range pool.Variants {
			remaining[i] = v.Remaining
		}
		// Words draw variants in request order; each draw depletes the pool
		// snapshot so a later word in the same request cannot land on a
		// variant the earlier one exhausted.
		for i, word := range words {
			idx, err := allocation.PickVariant(word, remaining)
			if err != nil {
				return fmt.Errorf("allocate bottle %d: %w", bottles[i].TokenID, err)
			}
			bundles[i] = pool.Variants[idx].Bundle()
			remaining[idx]--
		}
		for i := range pool.Variants {
			pool.Variants[i].Remaining = remaining[i]
		}
	} else {
		for i := range bottles {
			bundles[i] = cat.FixedBundle()
		}
	}

	now := time.Now().UTC()
	req.Consumed = true
	req.Status = vrf.RequestStatusFulfilled
	req.FulfilledAt = now

	// Pool, request and bottle updates commit together: a failure part way
	// through leaves the request unconsumed and every bottle Pending, so the
	// callback can be retried.
	err = s.store.Transact(ctx, func(tx storage.Store) error {
		if cat.IsLinked {
			if _, err := tx.UpdatePool(ctx, pool); err != nil {
				return fmt.Errorf("update pool: %w", err)
			}
		}
		if _, err := tx.UpdateRequest(ctx, req); err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		for i, b := range bottles {
			b.State = bottle.StateRevealed
			b.Bundle = bundles[i]
			b.RandomWord = words[i]
			b.PendingRequestID = ""
			b.RevealedAt = now
			if _, err := tx.UpdateBottle(ctx, b); err != nil {
				return fmt.Errorf("update bottle %d: %w", b.TokenID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.RecordFulfillment("fulfilled")
	s.log.WithField("request_id", requestID).
		WithField("bottles", len(bottles)).
		Info("randomness fulfilled")
	return nil
}

// OpenBottle releases a revealed bottle's escrowed bundle to its current
// owner. Only the owner may open, and a bottle opens exactly once.
func (s *Service) OpenBottle(ctx context.Context, caller string, tokenID uint64) (bottle.Bottle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.store.GetState(ctx)
	if err != nil {
		return bottle.Bottle{}, fmt.Errorf("load state: %w", err)
	}

	b, err := s.store.GetBottle(ctx, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return bottle.Bottle{}, fmt.Errorf("%w: %d", ErrUnknownBottle, tokenID)
		}
		return bottle.Bottle{}, fmt.Errorf("load bottle: %w", err)
	}

	owner, err := s.nft.OwnerOf(ctx, tokenID)
	if err != nil {
		return bottle.Bottle{}, fmt.Errorf("resolve owner: %w", err)
	}
	if owner != caller {
		return bottle.Bottle{}, fmt.Errorf("%w: %s", ErrNotBottleOwner, caller)
	}

	switch b.State {
	case bottle.StatePending:
		return bottle.Bottle{}, fmt.Errorf("%w: %d", ErrBottleNotRevealed, tokenID)
	case bottle.StateOpened:
		return bottle.Bottle{}, fmt.Errorf("%w: %d", ErrBottleAlreadyOpened, tokenID)
	}

	// The release is all-or-nothing: verify the escrow covers every entry
	// before moving anything.
	for _, entry := range b.Bundle {
		held, err := s.bank.BalanceOf(ctx, entry.Token, state.EscrowAccount)
		if err != nil {
			return bottle.Bottle{}, fmt.Errorf("check escrow of %s: %w", entry.Token, err)
		}
		if held < entry.Quantity {
			return bottle.Bottle{}, fmt.Errorf("escrow holds %d of %s, bundle needs %d", held, entry.Token, entry.Quantity)
		}
	}

	ref := "open:" + strconv.FormatUint(tokenID, 10)
	for _, entry := range b.Bundle {
		if err := s.bank.Transfer(ctx, entry.Token, state.EscrowAccount, owner, entry.Quantity, ref); err != nil {
			return bottle.Bottle{}, fmt.Errorf("release %s: %w", entry.Token, err)
		}
	}

	now := time.Now().UTC()
	b.State = bottle.StateOpened
	b.OpenedAt = now
	updated, err := s.store.UpdateBottle(ctx, b)
	if err != nil {
		return bottle.Bottle{}, fmt.Errorf("update bottle: %w", err)
	}

	metrics.RecordOpen()
	s.log.WithField("token_id", tokenID).
		WithField("owner", owner).
		Info("bottle opened")
	return updated, nil
}

// GetBottle returns one bottle.
func (s *Service) GetBottle(ctx context.Context, tokenID uint64) (bottle.Bottle, error) {
	b, err := s.store.GetBottle(ctx, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return bottle.Bottle{}, fmt.Errorf("%w: %d", ErrUnknownBottle, tokenID)
		}
		return bottle.Bottle{}, err
	}
	return b, nil
}

// GetRequest returns one randomness request.
func (s *Service) GetRequest(ctx context.Context, requestID string) (vrf.Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return vrf.Request{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
		}
		return vrf.Request{}, err
	}
	return req, nil
}

// ListPendingRequests returns the unconsumed randomness requests. This is the
// oracle's work feed, so it is gated on the oracle role.
func (s *Service) ListPendingRequests(ctx context.Context, caller string) ([]vrf.Request, error) {
	if err := s.roles.Require(authz.RoleOracle, caller); err != nil {
		return nil, err
	}
	return s.store.ListPendingRequests(ctx)
}

// TokenURI renders the metadata URI for a minted bottle: base URI plus the
// decimal token id.
func (s *Service) TokenURI(ctx context.Context, tokenID uint64) (string, error) {
	if _, err := s.store.GetBottle(ctx, tokenID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %d", ErrUnknownBottle, tokenID)
		}
		return "", err
	}
	state, err := s.store.GetState(ctx)
	if err != nil {
		return "", fmt.Errorf("load state: %w", err)
	}
	return state.BaseURI + strconv.FormatUint(tokenID, 10), nil
}
