// Package category defines the sellable bottle categories and their
// token composition.
package category

import (
	"github.com/R3E-Network/bottle_service/internal/app/domain/bottle"
)

// TokenRequirement describes how many units of one token are bundled per
// bottle of a category.
type TokenRequirement struct {
	Token    string `json:"token"`
	Quantity int64  `json:"quantity"`
}

// Category is a priced class of bottle with a supply cap.
type Category struct {
	ID          string             `json:"id"`
	Price       int64              `json:"price"` // stablecoin smallest units
	Tokens      []TokenRequirement `json:"tokens"`
	TotalSupply int64              `json:"total_supply"`
	MintedCount int64              `json:"minted_count"`
	IsLinked    bool               `json:"is_linked"`
	PoolID      string             `json:"pool_id,omitempty"` // variant pool for linked categories
	Sealed      bool               `json:"sealed"`            // composition frozen after first sale
}

// FixedBundle returns the bundle a non-linked category always assigns.
func (c Category) FixedBundle() bottle.Bundle {
	out := make(bottle.Bundle, len(c.Tokens))
	for i, req := range c.Tokens {
		out[i] = bottle.TokenAmount{Token: req.Token, Quantity: req.Quantity}
	}
	return out
}

// Variant is one bundle alternative inside a shared pool.
type Variant struct {
	Tokens    []TokenRequirement `json:"tokens"`
	Remaining int64              `json:"remaining"`
}

// Bundle converts the variant composition to a concrete bundle.
func (v Variant) Bundle() bottle.Bundle {
	out := make(bottle.Bundle, len(v.Tokens))
	for i, req := range v.Tokens {
		out[i] = bottle.TokenAmount{Token: req.Token, Quantity: req.Quantity}
	}
	return out
}

// Pool is a shared set of bundle variants drawn from by linked categories.
type Pool struct {
	ID       string    `json:"id"`
	Variants []Variant `json:"variants"`
}

// Remaining reports how many bottles the pool can still serve.
func (p Pool) Remaining() int64 {
	var total int64
	for _, v := range p.Variants {
		total += v.Remaining
	}
	return total
}
