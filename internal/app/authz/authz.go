// Package authz provides the role table gating administrative operations.
package authz

import (
	"errors"
	"fmt"
	"sync"
)

// Roles recognized by the service.
const (
	RoleAdmin  = "admin"  // initialization, royalty, closeMinting, withdraw
	RoleOracle = "oracle" // randomness fulfillment callbacks
	RoleSystem = "system" // system wallet operations
)

// ErrUnauthorizedAccount is returned when a principal lacks the required role.
var ErrUnauthorizedAccount = errors.New("access control: unauthorized account")

// Table maps roles to the principals holding them.
type Table struct {
	mu    sync.RWMutex
	roles map[string]map[string]bool
}

// New creates an empty role table.
func New() *Table {
	return &Table{roles: make(map[string]map[string]bool)}
}

// Grant gives the principal the role.
func (t *Table) Grant(role, principal string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.roles[role] == nil {
		t.roles[role] = make(map[string]bool)
	}
	t.roles[role][principal] = true
}

// Revoke removes the role from the principal.
func (t *Table) Revoke(role, principal string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.roles[role], principal)
}

// Has reports whether the principal holds the role.
func (t *Table) Has(role, principal string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.roles[role][principal]
}

// Require returns ErrUnauthorizedAccount unless the principal holds the role.
func (t *Table) Require(role, principal string) error {
	if !t.Has(role, principal) {
		return fmt.Errorf("%w: %s lacks role %s", ErrUnauthorizedAccount, principal, role)
	}
	return nil
}
