// Package vrf defines randomness request records tracked by the engine.
package vrf

import "time"

// RequestStatus reports where a randomness request is in its lifecycle.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusFulfilled RequestStatus = "fulfilled"
)

// Request maps an outstanding coordinator request id back to the buyer,
// category and bottles it was issued for. At most one fulfillment is ever
// honored per request id.
type Request struct {
	ID         string        `json:"id"` // opaque, assigned by the coordinator
	Buyer      string        `json:"buyer"`
	CategoryID string        `json:"category_id"`
	TokenIDs   []uint64      `json:"token_ids"` // mint order; words map to these FIFO
	Consumed   bool          `json:"consumed"`
	Status     RequestStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	FulfilledAt time.Time    `json:"fulfilled_at,omitempty"`
}
