// Package tokenbank provides the ERC-20 style balance and allowance ledger
// the escrow paths settle against.
//
// This is NOT the sale engine but supporting infrastructure: balances live in
// the storage layer, every movement is journaled, and the allowance/balance
// failure modes are exposed as sentinel errors so callers can propagate them
// unchanged.
package tokenbank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/R3E-Network/bottle_service/internal/app/domain/token"
	"github.com/R3E-Network/bottle_service/internal/app/storage"
	"github.com/R3E-Network/bottle_service/pkg/logger"
)

// Errors
var (
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInsufficientBalance   = errors.New("insufficient token balance")
	ErrInsufficientAllowance = errors.New("insufficient token allowance")
)

// Service manages token balances and allowances.
type Service struct {
	store storage.TokenStore
	log   *logger.Logger
	mu    sync.Mutex
}

// New constructs a token bank.
func New(store storage.TokenStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("tokenbank")
	}
	return &Service{store: store, log: log}
}

// BalanceOf returns the holder's balance in the given token.
func (s *Service) BalanceOf(ctx context.Context, tok, holder string) (int64, error) {
	bal, err := s.store.GetBalance(ctx, tok, holder)
	if err != nil {
		return 0, err
	}
	return bal.Amount, nil
}

// Allowance returns how much the spender may move out of the owner's balance.
func (s *Service) Allowance(ctx context.Context, tok, owner, spender string) (int64, error) {
	alw, err := s.store.GetAllowance(ctx, tok, owner, spender)
	if err != nil {
		return 0, err
	}
	return alw.Amount, nil
}

// Mint credits newly issued units to a holder.
func (s *Service) Mint(ctx context.Context, tok, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal, err := s.store.GetBalance(ctx, tok, to)
	if err != nil {
		return err
	}
	bal.Amount += amount
	if _, err := s.store.SaveBalance(ctx, bal); err != nil {
		return err
	}

	_, err = s.store.CreateTokenTransaction(ctx, token.Transaction{
		Token:  tok,
		TxType: token.TxTypeMint,
		To:     to,
		Amount: amount,
	})
	return err
}

// Approve sets the spender's allowance over the owner's balance.
func (s *Service) Approve(ctx context.Context, tok, owner, spender string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.store.SaveAllowance(ctx, token.Allowance{
		Token:   tok,
		Owner:   owner,
		Spender: spender,
		Amount:  amount,
	})
	return err
}

// Transfer moves units between holders on the holder's own authority.
func (s *Service) Transfer(ctx context.Context, tok, from, to string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.moveLocked(ctx, tok, from, to, amount, token.TxTypeTransfer, reference)
}

// TransferFrom moves units out of the owner's balance on the spender's
// authority, consuming allowance.
func (s *Service) TransferFrom(ctx context.Context, tok, spender, from, to string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	alw, err := s.store.GetAllowance(ctx, tok, from, spender)
	if err != nil {
		return err
	}
	if alw.Amount < amount {
		return fmt.Errorf("%w: spender %s has %d of %s, needs %d", ErrInsufficientAllowance, spender, alw.Amount, tok, amount)
	}

	if err := s.moveLocked(ctx, tok, from, to, amount, token.TxTypeTransferFrom, reference); err != nil {
		return err
	}

	alw.Amount -= amount
	if _, err := s.store.SaveAllowance(ctx, alw); err != nil {
		return err
	}
	return nil
}

func (s *Service) moveLocked(ctx context.Context, tok, from, to string, amount int64, txType, reference string) error {
	fromBal, err := s.store.GetBalance(ctx, tok, from)
	if err != nil {
		return err
	}
	if fromBal.Amount < amount {
		return fmt.Errorf("%w: %s holds %d of %s, needs %d", ErrInsufficientBalance, from, fromBal.Amount, tok, amount)
	}

	// A self-transfer moves nothing; writing two snapshots of the same row
	// would double-count it.
	if from != to {
		toBal, err := s.store.GetBalance(ctx, tok, to)
		if err != nil {
			return err
		}

		fromBal.Amount -= amount
		toBal.Amount += amount
		if _, err := s.store.SaveBalance(ctx, fromBal); err != nil {
			return err
		}
		if _, err := s.store.SaveBalance(ctx, toBal); err != nil {
			return err
		}
	}

	if _, err := s.store.CreateTokenTransaction(ctx, token.Transaction{
		Token:     tok,
		TxType:    txType,
		From:      from,
		To:        to,
		Amount:    amount,
		Reference: reference,
	}); err != nil {
		return err
	}

	s.log.WithField("token", tok).
		WithField("from", from).
		WithField("to", to).
		WithField("amount", amount).
		Debug("token movement settled")
	return nil
}
