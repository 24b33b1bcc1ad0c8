// Package app groups the bottle service's composition surface.
//
// # Package Structure
//
//	internal/app/
//	├── domain/             # Domain models (pure data structures)
//	│   ├── bottle/         # Bottle NFTs and their lifecycle state
//	│   ├── category/       # Sellable categories and variant pools
//	│   ├── cellar/         # Engine state singleton
//	│   ├── token/          # Token balances, allowances, journal entries
//	│   └── vrf/            # Randomness request records
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces (CategoryStore, BottleStore, ...)
//	│   ├── memory/         # In-memory implementation for tests and dev
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/
//	│   ├── cellar/         # The sale engine: mint, reveal, open
//	│   ├── allocation/     # Random-word to variant mapping
//	│   └── tokenbank/      # ERC-20 style escrow ledger
//	├── coordinator/        # Randomness request dispatchers
//	├── nftregistry/        # Bottle NFT ownership table
//	├── authz/              # Role table for admin/oracle gating
//	├── httpapi/            # HTTP handlers and routing
//	├── metrics/            # Prometheus collectors
//	└── runtime/            # Wiring and server lifecycle
//
// Business rules live in services/; domain/ holds data, storage/ persistence,
// and runtime/ composes everything into a running server.
package app
