// Package token defines the token-bank ledger records backing the ERC-20
// escrow capability.
package token

import "time"

// Transaction types recorded in the token journal.
const (
	TxTypeMint         = "mint"
	TxTypeTransfer     = "transfer"
	TxTypeTransferFrom = "transfer_from"
)

// Balance is the holdings of one holder in one token.
type Balance struct {
	Token     string    `json:"token"`
	Holder    string    `json:"holder"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Allowance is the amount a spender may move out of an owner's balance.
type Allowance struct {
	Token     string    `json:"token"`
	Owner     string    `json:"owner"`
	Spender   string    `json:"spender"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is one journal entry for a balance movement.
type Transaction struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	TxType    string    `json:"tx_type"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference,omitempty"` // mint tx, open tx, sweep...
	CreatedAt time.Time `json:"created_at"`
}
