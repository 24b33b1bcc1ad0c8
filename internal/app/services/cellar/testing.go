package cellar

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// RecordingCoordinator is a Coordinator for tests. It hands out fresh request
// ids and remembers every request it saw.
type RecordingCoordinator struct {
	mu       sync.Mutex
	Requests []RandomWordsRequest
	IDs      []string
	// Err, when set, fails the next request.
	Err error
}

// RequestRandomWords records the request and returns a new id.
func (c *RecordingCoordinator) RequestRandomWords(_ context.Context, req RandomWordsRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Err != nil {
		return "", c.Err
	}
	id := uuid.NewString()
	c.Requests = append(c.Requests, req)
	c.IDs = append(c.IDs, id)
	return id, nil
}

// LastID returns the most recently issued request id.
func (c *RecordingCoordinator) LastID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.IDs) == 0 {
		return ""
	}
	return c.IDs[len(c.IDs)-1]
}
