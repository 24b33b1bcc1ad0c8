// Package cellar defines the persistent singleton state of the bottle sale
// engine.
package cellar

import "time"

// CoordinatorConfig carries the randomness coordinator parameters supplied
// at initialization. The coordinator itself is an external capability; the
// engine only forwards these values with each request.
type CoordinatorConfig struct {
	KeyHash              string `json:"key_hash"`
	CallbackGasLimit     uint32 `json:"callback_gas_limit"`
	RequestConfirmations uint16 `json:"request_confirmations"`
	SubscriptionID       string `json:"subscription_id"`
}

// Royalty is the default royalty configuration for the collection.
type Royalty struct {
	Receiver string `json:"receiver"`
	FeeBps   uint16 `json:"fee_bps"`
}

// State is the engine's one-row configuration and counters record. It is
// written only by Initialize and the admin operations; the mint path bumps
// NextTokenID.
type State struct {
	Initialized   bool              `json:"initialized"`
	Stablecoin    string            `json:"stablecoin"`
	BaseURI       string            `json:"base_uri"`
	SystemWallet  string            `json:"system_wallet"`
	EscrowAccount string            `json:"escrow_account"` // contract-custody account in the token bank
	Coordinator   CoordinatorConfig `json:"coordinator"`
	Royalty       Royalty           `json:"royalty"`
	NextTokenID   uint64            `json:"next_token_id"`
	MintingClosed bool              `json:"minting_closed"`
	InitializedAt time.Time         `json:"initialized_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
