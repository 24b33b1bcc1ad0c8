// Package postgres implements the storage interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/bottle_service/internal/app/domain/bottle"
	"github.com/R3E-Network/bottle_service/internal/app/domain/category"
	cellardomain "github.com/R3E-Network/bottle_service/internal/app/domain/cellar"
	"github.com/R3E-Network/bottle_service/internal/app/domain/token"
	"github.com/R3E-Network/bottle_service/internal/app/domain/vrf"
	"github.com/R3E-Network/bottle_service/internal/app/storage"
)

// querier is satisfied by both *sql.DB and *sql.Tx, so every query method
// runs unchanged inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
	q  querier
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

// Ensure creates the schema when it does not exist yet.
func (s *Store) Ensure(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, schema)
	return err
}

// Transact runs fn against a transaction-bound store and commits only when fn
// succeeds. A store already bound to a transaction runs fn directly.
func (s *Store) Transact(ctx context.Context, fn func(storage.Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&Store{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

const schema = `
CREATE TABLE IF NOT EXISTS cellar_state (
	id            SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	doc           JSONB NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS bottle_categories (
	id            TEXT PRIMARY KEY,
	price         BIGINT NOT NULL,
	tokens        JSONB NOT NULL,
	total_supply  BIGINT NOT NULL,
	minted_count  BIGINT NOT NULL DEFAULT 0,
	is_linked     BOOLEAN NOT NULL DEFAULT FALSE,
	pool_id       TEXT NOT NULL DEFAULT '',
	sealed        BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS bundle_pools (
	id            TEXT PRIMARY KEY,
	variants      JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS bottles (
	token_id           BIGINT PRIMARY KEY,
	category_id        TEXT NOT NULL,
	state              TEXT NOT NULL,
	bundle             JSONB,
	pending_request_id TEXT NOT NULL DEFAULT '',
	random_word        TEXT NOT NULL DEFAULT '',
	minted_at          TIMESTAMPTZ NOT NULL,
	revealed_at        TIMESTAMPTZ,
	opened_at          TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS randomness_requests (
	id           TEXT PRIMARY KEY,
	buyer        TEXT NOT NULL,
	category_id  TEXT NOT NULL,
	token_ids    JSONB NOT NULL,
	consumed     BOOLEAN NOT NULL DEFAULT FALSE,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	fulfilled_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS token_balances (
	token      TEXT NOT NULL,
	holder     TEXT NOT NULL,
	amount     BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (token, holder)
);
CREATE TABLE IF NOT EXISTS token_allowances (
	token      TEXT NOT NULL,
	owner      TEXT NOT NULL,
	spender    TEXT NOT NULL,
	amount     BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (token, owner, spender)
);
CREATE TABLE IF NOT EXISTS token_transactions (
	id          TEXT PRIMARY KEY,
	token       TEXT NOT NULL,
	tx_type     TEXT NOT NULL,
	from_holder TEXT NOT NULL DEFAULT '',
	to_holder   TEXT NOT NULL,
	amount      BIGINT NOT NULL,
	reference   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
`

// --- StateStore -------------------------------------------------------------

func (s *Store) GetState(ctx context.Context) (cellardomain.State, error) {
	row := s.q.QueryRowContext(ctx, `SELECT doc FROM cellar_state WHERE id = 1`)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cellardomain.State{}, nil
		}
		return cellardomain.State{}, err
	}

	var state cellardomain.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return cellardomain.State{}, err
	}
	return state, nil
}

func (s *Store) SaveState(ctx context.Context, state cellardomain.State) (cellardomain.State, error) {
	state.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(state)
	if err != nil {
		return cellardomain.State{}, err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO cellar_state (id, doc, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = $1, updated_at = $2
	`, raw, state.UpdatedAt)
	if err != nil {
		return cellardomain.State{}, err
	}
	return state, nil
}

// --- CategoryStore ----------------------------------------------------------

func (s *Store) CreateCategory(ctx context.Context, cat category.Category) (category.Category, error) {
	tokensJSON, err := json.Marshal(cat.Tokens)
	if err != nil {
		return category.Category{}, err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO bottle_categories (id, price, tokens, total_supply, minted_count, is_linked, pool_id, sealed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cat.ID, cat.Price, tokensJSON, cat.TotalSupply, cat.MintedCount, cat.IsLinked, cat.PoolID, cat.Sealed)
	if err != nil {
		return category.Category{}, err
	}
	return cat, nil
}

func (s *Store) UpdateCategory(ctx context.Context, cat category.Category) (category.Category, error) {
	tokensJSON, err := json.Marshal(cat.Tokens)
	if err != nil {
		return category.Category{}, err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE bottle_categories
		SET price = $2, tokens = $3, total_supply = $4, minted_count = $5, is_linked = $6, pool_id = $7, sealed = $8
		WHERE id = $1
	`, cat.ID, cat.Price, tokensJSON, cat.TotalSupply, cat.MintedCount, cat.IsLinked, cat.PoolID, cat.Sealed)
	if err != nil {
		return category.Category{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return category.Category{}, storage.ErrNotFound
	}
	return cat, nil
}

func (s *Store) GetCategory(ctx context.Context, id string) (category.Category, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, price, tokens, total_supply, minted_count, is_linked, pool_id, sealed
		FROM bottle_categories
		WHERE id = $1
	`, id)
	return scanCategory(row)
}

func (s *Store) ListCategories(ctx context.Context) ([]category.Category, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, price, tokens, total_supply, minted_count, is_linked, pool_id, sealed
		FROM bottle_categories
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []category.Category
	for rows.Next() {
		cat, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cat)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCategory(row rowScanner) (category.Category, error) {
	var (
		cat       category.Category
		tokensRaw []byte
	)
	if err := row.Scan(&cat.ID, &cat.Price, &tokensRaw, &cat.TotalSupply, &cat.MintedCount, &cat.IsLinked, &cat.PoolID, &cat.Sealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return category.Category{}, storage.ErrNotFound
		}
		return category.Category{}, err
	}
	if len(tokensRaw) > 0 {
		if err := json.Unmarshal(tokensRaw, &cat.Tokens); err != nil {
			return category.Category{}, err
		}
	}
	return cat, nil
}

func (s *Store) CreatePool(ctx context.Context, pool category.Pool) (category.Pool, error) {
	variantsJSON, err := json.Marshal(pool.Variants)
	if err != nil {
		return category.Pool{}, err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO bundle_pools (id, variants) VALUES ($1, $2)
	`, pool.ID, variantsJSON)
	if err != nil {
		return category.Pool{}, err
	}
	return pool, nil
}

func (s *Store) UpdatePool(ctx context.Context, pool category.Pool) (category.Pool, error) {
	variantsJSON, err := json.Marshal(pool.Variants)
	if err != nil {
		return category.Pool{}, err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE bundle_pools SET variants = $2 WHERE id = $1
	`, pool.ID, variantsJSON)
	if err != nil {
		return category.Pool{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return category.Pool{}, storage.ErrNotFound
	}
	return pool, nil
}

func (s *Store) GetPool(ctx context.Context, id string) (category.Pool, error) {
	row := s.q.QueryRowContext(ctx, `SELECT id, variants FROM bundle_pools WHERE id = $1`, id)

	var (
		pool        category.Pool
		variantsRaw []byte
	)
	if err := row.Scan(&pool.ID, &variantsRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return category.Pool{}, storage.ErrNotFound
		}
		return category.Pool{}, err
	}
	if err := json.Unmarshal(variantsRaw, &pool.Variants); err != nil {
		return category.Pool{}, err
	}
	return pool, nil
}

// --- BottleStore ------------------------------------------------------------

func (s *Store) CreateBottle(ctx context.Context, b bottle.Bottle) (bottle.Bottle, error) {
	bundleJSON, err := json.Marshal(b.Bundle)
	if err != nil {
		return bottle.Bottle{}, err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO bottles (token_id, category_id, state, bundle, pending_request_id, random_word, minted_at, revealed_at, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, int64(b.TokenID), b.CategoryID, string(b.State), bundleJSON, b.PendingRequestID,
		formatWord(b.RandomWord), b.MintedAt, nullTime(b.RevealedAt), nullTime(b.OpenedAt))
	if err != nil {
		return bottle.Bottle{}, err
	}
	return b, nil
}

func (s *Store) UpdateBottle(ctx context.Context, b bottle.Bottle) (bottle.Bottle, error) {
	bundleJSON, err := json.Marshal(b.Bundle)
	if err != nil {
		return bottle.Bottle{}, err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE bottles
		SET category_id = $2, state = $3, bundle = $4, pending_request_id = $5, random_word = $6,
		    minted_at = $7, revealed_at = $8, opened_at = $9
		WHERE token_id = $1
	`, int64(b.TokenID), b.CategoryID, string(b.State), bundleJSON, b.PendingRequestID,
		formatWord(b.RandomWord), b.MintedAt, nullTime(b.RevealedAt), nullTime(b.OpenedAt))
	if err != nil {
		return bottle.Bottle{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return bottle.Bottle{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *Store) GetBottle(ctx context.Context, tokenID uint64) (bottle.Bottle, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT token_id, category_id, state, bundle, pending_request_id, random_word, minted_at, revealed_at, opened_at
		FROM bottles
		WHERE token_id = $1
	`, int64(tokenID))
	return scanBottle(row)
}

func (s *Store) ListBottlesByCategory(ctx context.Context, categoryID string, limit int) ([]bottle.Bottle, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT token_id, category_id, state, bundle, pending_request_id, random_word, minted_at, revealed_at, opened_at
		FROM bottles
		WHERE category_id = $1
		ORDER BY token_id
		LIMIT $2
	`, categoryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bottle.Bottle
	for rows.Next() {
		b, err := scanBottle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBottle(row rowScanner) (bottle.Bottle, error) {
	var (
		b          bottle.Bottle
		tokenID    int64
		state      string
		bundleRaw  []byte
		wordRaw    string
		revealedAt sql.NullTime
		openedAt   sql.NullTime
	)
	if err := row.Scan(&tokenID, &b.CategoryID, &state, &bundleRaw, &b.PendingRequestID, &wordRaw, &b.MintedAt, &revealedAt, &openedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bottle.Bottle{}, storage.ErrNotFound
		}
		return bottle.Bottle{}, err
	}
	b.TokenID = uint64(tokenID)
	b.State = bottle.State(state)
	if len(bundleRaw) > 0 {
		if err := json.Unmarshal(bundleRaw, &b.Bundle); err != nil {
			return bottle.Bottle{}, err
		}
	}
	b.RandomWord = parseWord(wordRaw)
	if revealedAt.Valid {
		b.RevealedAt = revealedAt.Time
	}
	if openedAt.Valid {
		b.OpenedAt = openedAt.Time
	}
	return b, nil
}

// --- RequestStore -----------------------------------------------------------

func (s *Store) CreateRequest(ctx context.Context, req vrf.Request) (vrf.Request, error) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	tokenIDsJSON, err := json.Marshal(req.TokenIDs)
	if err != nil {
		return vrf.Request{}, err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO randomness_requests (id, buyer, category_id, token_ids, consumed, status, created_at, fulfilled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, req.ID, req.Buyer, req.CategoryID, tokenIDsJSON, req.Consumed, string(req.Status), req.CreatedAt, nullTime(req.FulfilledAt))
	if err != nil {
		return vrf.Request{}, err
	}
	return req, nil
}

func (s *Store) UpdateRequest(ctx context.Context, req vrf.Request) (vrf.Request, error) {
	tokenIDsJSON, err := json.Marshal(req.TokenIDs)
	if err != nil {
		return vrf.Request{}, err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE randomness_requests
		SET buyer = $2, category_id = $3, token_ids = $4, consumed = $5, status = $6, fulfilled_at = $7
		WHERE id = $1
	`, req.ID, req.Buyer, req.CategoryID, tokenIDsJSON, req.Consumed, string(req.Status), nullTime(req.FulfilledAt))
	if err != nil {
		return vrf.Request{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return vrf.Request{}, storage.ErrNotFound
	}
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (vrf.Request, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, buyer, category_id, token_ids, consumed, status, created_at, fulfilled_at
		FROM randomness_requests
		WHERE id = $1
	`, id)
	return scanRequest(row)
}

func (s *Store) ListPendingRequests(ctx context.Context) ([]vrf.Request, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, buyer, category_id, token_ids, consumed, status, created_at, fulfilled_at
		FROM randomness_requests
		WHERE status = $1
		ORDER BY created_at
	`, string(vrf.RequestStatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vrf.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanRequest(row rowScanner) (vrf.Request, error) {
	var (
		req         vrf.Request
		status      string
		tokenIDsRaw []byte
		fulfilledAt sql.NullTime
	)
	if err := row.Scan(&req.ID, &req.Buyer, &req.CategoryID, &tokenIDsRaw, &req.Consumed, &status, &req.CreatedAt, &fulfilledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return vrf.Request{}, storage.ErrNotFound
		}
		return vrf.Request{}, err
	}
	req.Status = vrf.RequestStatus(status)
	if len(tokenIDsRaw) > 0 {
		if err := json.Unmarshal(tokenIDsRaw, &req.TokenIDs); err != nil {
			return vrf.Request{}, err
		}
	}
	if fulfilledAt.Valid {
		req.FulfilledAt = fulfilledAt.Time
	}
	return req, nil
}

// --- TokenStore -------------------------------------------------------------

func (s *Store) GetBalance(ctx context.Context, tok, holder string) (token.Balance, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT token, holder, amount, updated_at FROM token_balances WHERE token = $1 AND holder = $2
	`, tok, holder)

	var bal token.Balance
	if err := row.Scan(&bal.Token, &bal.Holder, &bal.Amount, &bal.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return token.Balance{Token: tok, Holder: holder}, nil
		}
		return token.Balance{}, err
	}
	return bal, nil
}

func (s *Store) SaveBalance(ctx context.Context, bal token.Balance) (token.Balance, error) {
	bal.UpdatedAt = time.Now().UTC()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO token_balances (token, holder, amount, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token, holder) DO UPDATE SET amount = $3, updated_at = $4
	`, bal.Token, bal.Holder, bal.Amount, bal.UpdatedAt)
	if err != nil {
		return token.Balance{}, err
	}
	return bal, nil
}

func (s *Store) GetAllowance(ctx context.Context, tok, owner, spender string) (token.Allowance, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT token, owner, spender, amount, updated_at
		FROM token_allowances
		WHERE token = $1 AND owner = $2 AND spender = $3
	`, tok, owner, spender)

	var alw token.Allowance
	if err := row.Scan(&alw.Token, &alw.Owner, &alw.Spender, &alw.Amount, &alw.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return token.Allowance{Token: tok, Owner: owner, Spender: spender}, nil
		}
		return token.Allowance{}, err
	}
	return alw, nil
}

func (s *Store) SaveAllowance(ctx context.Context, alw token.Allowance) (token.Allowance, error) {
	alw.UpdatedAt = time.Now().UTC()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO token_allowances (token, owner, spender, amount, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token, owner, spender) DO UPDATE SET amount = $4, updated_at = $5
	`, alw.Token, alw.Owner, alw.Spender, alw.Amount, alw.UpdatedAt)
	if err != nil {
		return token.Allowance{}, err
	}
	return alw, nil
}

func (s *Store) CreateTokenTransaction(ctx context.Context, tx token.Transaction) (token.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO token_transactions (id, token, tx_type, from_holder, to_holder, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tx.ID, tx.Token, tx.TxType, tx.From, tx.To, tx.Amount, tx.Reference, tx.CreatedAt)
	if err != nil {
		return token.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) ListTokenTransactions(ctx context.Context, tok, holder string, limit int) ([]token.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, token, tx_type, from_holder, to_holder, amount, reference, created_at
		FROM token_transactions
		WHERE token = $1 AND ($2 = '' OR from_holder = $2 OR to_holder = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, tok, holder, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []token.Transaction
	for rows.Next() {
		var tx token.Transaction
		if err := rows.Scan(&tx.ID, &tx.Token, &tx.TxType, &tx.From, &tx.To, &tx.Amount, &tx.Reference, &tx.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// helpers --------------------------------------------------------------------

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func formatWord(word uint64) string {
	if word == 0 {
		return ""
	}
	return strconv.FormatUint(word, 10)
}

func parseWord(raw string) uint64 {
	if raw == "" {
		return 0
	}
	word, _ := strconv.ParseUint(raw, 10, 64)
	return word
}
