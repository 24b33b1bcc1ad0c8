// Package allocation turns random words into concrete bundle assignments.
//
// The functions here are pure: callers pass an inventory snapshot and apply
// the returned decision themselves, which keeps the draw deterministic and
// independently testable.
package allocation

import "errors"

// ErrInventoryExhausted is returned when every variant in a pool has zero
// remaining supply. The inventory ledger makes this unreachable in normal
// operation; it is checked defensively.
var ErrInventoryExhausted = errors.New("bundle pool exhausted")

// PickVariant selects a variant index from the remaining-count snapshot of a
// shared pool. The word selects `word mod len(remaining)`; exhausted variants
// are skipped by a linear probe with wraparound so the same word against the
// same snapshot always yields the same index.
func PickVariant(word uint64, remaining []int64) (int, error) {
	n := len(remaining)
	if n == 0 {
		return 0, ErrInventoryExhausted
	}

	start := int(word % uint64(n))
	for offset := 0; offset < n; offset++ {
		idx := (start + offset) % n
		if remaining[idx] > 0 {
			return idx, nil
		}
	}
	return 0, ErrInventoryExhausted
}
