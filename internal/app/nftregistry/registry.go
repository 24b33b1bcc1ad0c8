// Package nftregistry tracks bottle NFT ownership.
//
// Ownership bookkeeping is an external collaborator to the sale engine; this
// in-process registry stands in for the ERC-721 contract, giving the engine
// the mint/ownerOf/transfer surface it calls into.
package nftregistry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Errors
var (
	ErrUnknownToken  = errors.New("unknown token")
	ErrAlreadyMinted = errors.New("token already minted")
	ErrNotOwner      = errors.New("caller is not the token owner")
)

// Registry is a mutex-guarded ownership table.
type Registry struct {
	mu     sync.RWMutex
	owners map[uint64]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{owners: make(map[uint64]string)}
}

// MintTo assigns a fresh token id to an owner.
func (r *Registry) MintTo(_ context.Context, to string, tokenID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.owners[tokenID]; exists {
		return fmt.Errorf("%w: %d", ErrAlreadyMinted, tokenID)
	}
	r.owners[tokenID] = to
	return nil
}

// OwnerOf returns the current owner of a token.
func (r *Registry) OwnerOf(_ context.Context, tokenID uint64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[tokenID]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownToken, tokenID)
	}
	return owner, nil
}

// Transfer moves a token between owners on the current owner's authority.
func (r *Registry) Transfer(_ context.Context, from, to string, tokenID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[tokenID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownToken, tokenID)
	}
	if owner != from {
		return fmt.Errorf("%w: %s does not own %d", ErrNotOwner, from, tokenID)
	}
	r.owners[tokenID] = to
	return nil
}

// TokensOf enumerates the token ids held by an owner, ascending.
func (r *Registry) TokensOf(_ context.Context, owner string) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []uint64
	for id, holder := range r.owners {
		if holder == owner {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
