// Package bottle defines the NFT bottle domain types.
package bottle

import "time"

// State represents the lifecycle state of a bottle.
type State string

const (
	StatePending  State = "pending"
	StateRevealed State = "revealed"
	StateOpened   State = "opened"
)

// TokenAmount is one (token, quantity) entry of a bundle.
type TokenAmount struct {
	Token    string `json:"token"`
	Quantity int64  `json:"quantity"`
}

// Bundle is the concrete set of token amounts assigned to a bottle at reveal.
type Bundle []TokenAmount

// Clone returns an independent copy of the bundle.
func (b Bundle) Clone() Bundle {
	if b == nil {
		return nil
	}
	out := make(Bundle, len(b))
	copy(out, b)
	return out
}

// Bottle represents one purchased bottle NFT and its claim state.
type Bottle struct {
	TokenID          uint64    `json:"token_id"`
	CategoryID       string    `json:"category_id"`
	State            State     `json:"state"`
	Bundle           Bundle    `json:"bundle,omitempty"`           // set once, at reveal
	PendingRequestID string    `json:"pending_request_id,omitempty"` // set while pending
	RandomWord       uint64    `json:"random_word,omitempty"`      // provenance, recorded at reveal
	MintedAt         time.Time `json:"minted_at"`
	RevealedAt       time.Time `json:"revealed_at,omitempty"`
	OpenedAt         time.Time `json:"opened_at,omitempty"`
}
