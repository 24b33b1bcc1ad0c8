// Package coordinator implements the randomness request dispatchers.
//
// The engine only needs a request id back; fulfillment arrives later through
// the API. Local hands out ids for deployments where the oracle polls the
// pending-request feed, Remote pushes each request to an oracle endpoint.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/bottle_service/internal/app/services/cellar"
	"github.com/R3E-Network/bottle_service/pkg/logger"
)

// Local issues request ids without leaving the process. The oracle discovers
// work by polling the pending-request feed.
type Local struct{}

// RequestRandomWords returns a fresh request id.
func (Local) RequestRandomWords(context.Context, cellar.RandomWordsRequest) (string, error) {
	return uuid.NewString(), nil
}

// Remote pushes each randomness request to an oracle HTTP endpoint.
type Remote struct {
	url    string
	client *http.Client
	log    *logger.Logger
}

// NewRemote builds a push dispatcher for the given oracle endpoint.
func NewRemote(url string, timeout time.Duration, log *logger.Logger) *Remote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("coordinator")
	}
	return &Remote{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

type remotePayload struct {
	RequestID            string `json:"request_id"`
	KeyHash              string `json:"key_hash"`
	NumWords             uint32 `json:"num_words"`
	CallbackGasLimit     uint32 `json:"callback_gas_limit"`
	RequestConfirmations uint16 `json:"request_confirmations"`
	SubscriptionID       string `json:"subscription_id"`
}

// RequestRandomWords notifies the oracle and returns the request id. The
// request fails if the oracle does not acknowledge it.
func (r *Remote) RequestRandomWords(ctx context.Context, req cellar.RandomWordsRequest) (string, error) {
	id := uuid.NewString()
	body, err := json.Marshal(remotePayload{
		RequestID:            id,
		KeyHash:              req.KeyHash,
		NumWords:             req.NumWords,
		CallbackGasLimit:     req.CallbackGasLimit,
		RequestConfirmations: req.RequestConfirmations,
		SubscriptionID:       req.SubscriptionID,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("notify oracle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("oracle rejected request: status %d", resp.StatusCode)
	}

	r.log.WithField("request_id", id).
		WithField("num_words", req.NumWords).
		Debug("randomness request dispatched")
	return id, nil
}
