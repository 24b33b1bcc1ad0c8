package cellar

import (
	"context"
	"errors"
	"testing"

	"github.com/R3E-Network/bottle_service/internal/app/authz"
	"github.com/R3E-Network/bottle_service/internal/app/domain/bottle"
	"github.com/R3E-Network/bottle_service/internal/app/domain/category"
	cellardomain "github.com/R3E-Network/bottle_service/internal/app/domain/cellar"
	"github.com/R3E-Network/bottle_service/internal/app/domain/vrf"
	"github.com/R3E-Network/bottle_service/internal/app/nftregistry"
	"github.com/R3E-Network/bottle_service/internal/app/services/tokenbank"
	"github.com/R3E-Network/bottle_service/internal/app/storage"
	"github.com/R3E-Network/bottle_service/internal/app/storage/memory"
)

const (
	testDeployer = "deployer"
	testBuyer    = "user1"
	testOracle   = "oracle-relay"
	testEscrow   = "cellar-escrow"
	testSystem   = "system-wallet"

	testStablecoin = "USDC"
	testTokenA     = "CHARDONNAY"
	testTokenB     = "MERLOT"
)

type fixture struct {
	svc   *Service
	store *memory.Store
	bank  *tokenbank.Service
	nft   *nftregistry.Registry
	coord *RecordingCoordinator
	roles *authz.Table
}

func defaultInitParams() InitParams {
	return InitParams{
		Stablecoin:    testStablecoin,
		BaseURI:       "https://test.com/",
		SystemWallet:  testSystem,
		EscrowAccount: testEscrow,
		Coordinator: cellardomain.CoordinatorConfig{
			KeyHash:              "keyhash-1",
			CallbackGasLimit:     500000,
			RequestConfirmations: 3,
			SubscriptionID:       "sub-1",
		},
		Categories: []CategoryParams{
			{
				ID:    "rose",
				Price: 100,
				Tokens: []category.TokenRequirement{
					{Token: testTokenA, Quantity: 2},
					{Token: testTokenB, Quantity: 1},
				},
				TotalSupply: 3,
			},
			{ID: "champagne", Price: 200, TotalSupply: 2, IsLinked: true, PoolID: "vintage-pool"},
			{ID: "prestige", Price: 300, TotalSupply: 1, IsLinked: true, PoolID: "vintage-pool"},
		},
		Pools: []PoolParams{
			{
				ID: "vintage-pool",
				Variants: []category.Variant{
					{Tokens: []category.TokenRequirement{{Token: testTokenA, Quantity: 1}}, Remaining: 2},
					{Tokens: []category.TokenRequirement{{Token: testTokenB, Quantity: 3}}, Remaining: 1},
				},
			},
		},
	}
}

// newFixture wires the engine against in-memory collaborators, funds the
// deployer's inventory and the buyer's stablecoin, and runs initialization.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	bank := tokenbank.New(store, nil)
	nft := nftregistry.New()
	coord := &RecordingCoordinator{}
	roles := authz.New()
	roles.Grant(authz.RoleAdmin, testDeployer)
	roles.Grant(authz.RoleOracle, testOracle)

	for _, tok := range []string{testTokenA, testTokenB} {
		if err := bank.Mint(ctx, tok, testDeployer, 100); err != nil {
			t.Fatalf("fund deployer with %s: %v", tok, err)
		}
		if err := bank.Approve(ctx, tok, testDeployer, testEscrow, 100); err != nil {
			t.Fatalf("approve escrow for %s: %v", tok, err)
		}
	}
	if err := bank.Mint(ctx, testStablecoin, testBuyer, 10000); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	if err := bank.Approve(ctx, testStablecoin, testBuyer, testEscrow, 10000); err != nil {
		t.Fatalf("approve buyer spend: %v", err)
	}

	svc := New(store, bank, nft, coord, roles, nil)
	if err := svc.Initialize(ctx, testDeployer, defaultInitParams()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return &fixture{svc: svc, store: store, bank: bank, nft: nft, coord: coord, roles: roles}
}

// failingStore wraps a real store and fails selected writes, inside and
// outside transactions.
type failingStore struct {
	storage.Store
	failCreateRequest bool
	failUpdateBottle  bool
}

func (f *failingStore) CreateRequest(ctx context.Context, req vrf.Request) (vrf.Request, error) {
	if f.failCreateRequest {
		return vrf.Request{}, errors.New("store: connection reset")
	}
	return f.Store.CreateRequest(ctx, req)
}

func (f *failingStore) UpdateBottle(ctx context.Context, b bottle.Bottle) (bottle.Bottle, error) {
	if f.failUpdateBottle {
		return bottle.Bottle{}, errors.New("store: connection reset")
	}
	return f.Store.UpdateBottle(ctx, b)
}

func (f *failingStore) Transact(ctx context.Context, fn func(storage.Store) error) error {
	return f.Store.Transact(ctx, func(tx storage.Store) error {
		return fn(&failingStore{Store: tx, failCreateRequest: f.failCreateRequest, failUpdateBottle: f.failUpdateBottle})
	})
}

// newFaultFixture is newFixture with the engine's store wrapped for fault
// injection. Faults are toggled on the returned wrapper after initialization.
func newFaultFixture(t *testing.T) (*fixture, *failingStore) {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	fs := &failingStore{Store: store}
	bank := tokenbank.New(store, nil)
	nft := nftregistry.New()
	coord := &RecordingCoordinator{}
	roles := authz.New()
	roles.Grant(authz.RoleAdmin, testDeployer)
	roles.Grant(authz.RoleOracle, testOracle)

	for _, tok := range []string{testTokenA, testTokenB} {
		if err := bank.Mint(ctx, tok, testDeployer, 100); err != nil {
			t.Fatalf("fund deployer with %s: %v", tok, err)
		}
		if err := bank.Approve(ctx, tok, testDeployer, testEscrow, 100); err != nil {
			t.Fatalf("approve escrow for %s: %v", tok, err)
		}
	}
	if err := bank.Mint(ctx, testStablecoin, testBuyer, 10000); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	if err := bank.Approve(ctx, testStablecoin, testBuyer, testEscrow, 10000); err != nil {
		t.Fatalf("approve buyer spend: %v", err)
	}

	svc := New(fs, bank, nft, coord, roles, nil)
	if err := svc.Initialize(ctx, testDeployer, defaultInitParams()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return &fixture{svc: svc, store: store, bank: bank, nft: nft, coord: coord, roles: roles}, fs
}

func (f *fixture) mustBalance(t *testing.T, tok, holder string) int64 {
	t.Helper()
	bal, err := f.bank.BalanceOf(context.Background(), tok, holder)
	if err != nil {
		t.Fatalf("balance of %s/%s: %v", tok, holder, err)
	}
	return bal
}

func TestInitializeEscrowsInventory(t *testing.T) {
	f := newFixture(t)

	// rose needs 2*3 CHARDONNAY + 1*3 MERLOT, the pool adds 1*2 and 3*1.
	if got := f.mustBalance(t, testTokenA, testEscrow); got != 8 {
		t.Fatalf("expected 8 %s in escrow, got %d", testTokenA, got)
	}
	if got := f.mustBalance(t, testTokenB, testEscrow); got != 6 {
		t.Fatalf("expected 6 %s in escrow, got %d", testTokenB, got)
	}
	if got := f.mustBalance(t, testTokenA, testDeployer); got != 92 {
		t.Fatalf("expected deployer to keep 92 %s, got %d", testTokenA, got)
	}
}

func TestInitializeOnlyOnce(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Initialize(context.Background(), testDeployer, defaultInitParams())
	if !errors.Is(err, ErrInvalidInitialization) {
		t.Fatalf("expected ErrInvalidInitialization, got %v", err)
	}
}

func TestInitializeRequiresInventory(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	bank := tokenbank.New(store, nil)
	roles := authz.New()
	roles.Grant(authz.RoleAdmin, testDeployer)

	svc := New(store, bank, nftregistry.New(), &RecordingCoordinator{}, roles, nil)
	err := svc.Initialize(ctx, testDeployer, defaultInitParams())
	if !errors.Is(err, ErrInsufficientTokenBalance) {
		t.Fatalf("expected ErrInsufficientTokenBalance, got %v", err)
	}

	state, stErr := svc.State(ctx)
	if stErr != nil {
		t.Fatalf("state: %v", stErr)
	}
	if state.Initialized {
		t.Fatal("failed initialization must not mark the engine initialized")
	}
}

func TestInitializeRetryAfterFailureLeavesNoResidue(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	bank := tokenbank.New(store, nil)
	roles := authz.New()
	roles.Grant(authz.RoleAdmin, testDeployer)
	svc := New(store, bank, nftregistry.New(), &RecordingCoordinator{}, roles, nil)

	err := svc.Initialize(ctx, testDeployer, defaultInitParams())
	if !errors.Is(err, ErrInsufficientTokenBalance) {
		t.Fatalf("expected ErrInsufficientTokenBalance, got %v", err)
	}
	if _, err := svc.GetCategory(ctx, "rose"); !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("failed initialization must not leave category rows, got %v", err)
	}

	for _, tok := range []string{testTokenA, testTokenB} {
		if err := bank.Mint(ctx, tok, testDeployer, 100); err != nil {
			t.Fatalf("fund deployer with %s: %v", tok, err)
		}
		if err := bank.Approve(ctx, tok, testDeployer, testEscrow, 100); err != nil {
			t.Fatalf("approve escrow for %s: %v", tok, err)
		}
	}
	if err := svc.Initialize(ctx, testDeployer, defaultInitParams()); err != nil {
		t.Fatalf("retry after funding: %v", err)
	}

	bal, err := bank.BalanceOf(ctx, testTokenA, testEscrow)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 8 {
		t.Fatalf("expected 8 %s in escrow after retry, got %d", testTokenA, bal)
	}
}

func TestInitializeRequiresAdmin(t *testing.T) {
	store := memory.New()
	svc := New(store, tokenbank.New(store, nil), nftregistry.New(), &RecordingCoordinator{}, authz.New(), nil)

	err := svc.Initialize(context.Background(), testBuyer, defaultInitParams())
	if !errors.Is(err, authz.ErrUnauthorizedAccount) {
		t.Fatalf("expected ErrUnauthorizedAccount, got %v", err)
	}
}

func TestMintChargesAndIssuesOneRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Mint(ctx, testBuyer, "", "rose", 2)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(res.TokenIDs) != 2 {
		t.Fatalf("expected 2 token ids, got %v", res.TokenIDs)
	}
	if res.Charged != 200 {
		t.Fatalf("expected charge of 200, got %d", res.Charged)
	}
	if got := f.mustBalance(t, testStablecoin, testBuyer); got != 9800 {
		t.Fatalf("expected buyer balance 9800, got %d", got)
	}
	if len(f.coord.Requests) != 1 {
		t.Fatalf("expected one randomness request, got %d", len(f.coord.Requests))
	}
	if f.coord.Requests[0].NumWords != 2 {
		t.Fatalf("expected request covering 2 words, got %d", f.coord.Requests[0].NumWords)
	}

	for _, id := range res.TokenIDs {
		b, err := f.svc.GetBottle(ctx, id)
		if err != nil {
			t.Fatalf("get bottle %d: %v", id, err)
		}
		if b.State != bottle.StatePending {
			t.Fatalf("expected bottle %d pending, got %s", id, b.State)
		}
		if b.PendingRequestID != res.RequestID {
			t.Fatalf("bottle %d not linked to request %s", id, res.RequestID)
		}
		owner, err := f.nft.OwnerOf(ctx, id)
		if err != nil || owner != testBuyer {
			t.Fatalf("expected buyer to own %d, got %q err %v", id, owner, err)
		}
	}
}

func TestMintQuantityCapCheckedBeforeCharge(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Mint(context.Background(), testBuyer, "", "rose", 4)
	if !errors.Is(err, ErrMaxQuantityReached) {
		t.Fatalf("expected ErrMaxQuantityReached, got %v", err)
	}
	if got := f.mustBalance(t, testStablecoin, testBuyer); got != 10000 {
		t.Fatalf("rejected mint must not charge, buyer holds %d", got)
	}
	if len(f.coord.Requests) != 0 {
		t.Fatal("rejected mint must not issue a randomness request")
	}
}

func TestMintSupplyCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Mint(ctx, testBuyer, "", "rose", 3); err != nil {
		t.Fatalf("mint full supply: %v", err)
	}
	_, err := f.svc.Mint(ctx, testBuyer, "", "rose", 1)
	if !errors.Is(err, ErrCategoryFullyMinted) {
		t.Fatalf("expected ErrCategoryFullyMinted, got %v", err)
	}
}

func TestMintUnknownCategory(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Mint(context.Background(), testBuyer, "", "port", 1)
	if !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
}

func TestMintPropagatesAllowanceFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.bank.Approve(ctx, testStablecoin, testBuyer, testEscrow, 0); err != nil {
		t.Fatalf("revoke approval: %v", err)
	}
	_, err := f.svc.Mint(ctx, testBuyer, "", "rose", 1)
	if !errors.Is(err, tokenbank.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
}

func TestMintRefundsChargeWhenPersistFails(t *testing.T) {
	f, fs := newFaultFixture(t)
	ctx := context.Background()

	fs.failCreateRequest = true
	if _, err := f.svc.Mint(ctx, testBuyer, "", "rose", 1); err == nil {
		t.Fatal("expected mint to fail")
	}

	// The buyer is made whole and no trace of the sale survives.
	if got := f.mustBalance(t, testStablecoin, testBuyer); got != 10000 {
		t.Fatalf("expected full refund, buyer holds %d", got)
	}
	if _, err := f.svc.GetBottle(ctx, 1); !errors.Is(err, ErrUnknownBottle) {
		t.Fatalf("expected no bottle row, got %v", err)
	}
	pending, err := f.store.ListPendingRequests(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no request rows, got %d", len(pending))
	}

	fs.failCreateRequest = false
	if _, err := f.svc.Mint(ctx, testBuyer, "", "rose", 1); err != nil {
		t.Fatalf("mint after recovery: %v", err)
	}
}

func TestFulfillRetriesAfterPersistFailure(t *testing.T) {
	f, fs := newFaultFixture(t)
	ctx := context.Background()

	res, err := f.svc.Mint(ctx, testBuyer, "", "champagne", 1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	fs.failUpdateBottle = true
	if err := f.svc.FulfillRandomWords(ctx, testOracle, res.RequestID, []uint64{0}); err == nil {
		t.Fatal("expected fulfill to fail")
	}
	req, err := f.svc.GetRequest(ctx, res.RequestID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Consumed {
		t.Fatal("failed fulfill must not consume the request")
	}

	fs.failUpdateBottle = false
	if err := f.svc.FulfillRandomWords(ctx, testOracle, res.RequestID, []uint64{0}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	b, err := f.svc.GetBottle(ctx, res.TokenIDs[0])
	if err != nil {
		t.Fatalf("get bottle: %v", err)
	}
	// The failed attempt must not have burned a draw: word 0 still lands on
	// the first variant.
	if b.State != bottle.StateRevealed || len(b.Bundle) != 1 || b.Bundle[0].Token != testTokenA {
		t.Fatalf("unexpected reveal after retry: %+v", b)
	}
}

func TestFulfillRevealsFixedBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Mint(ctx, testBuyer, "", "rose", 2)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.svc.FulfillRandomWords(ctx, testOracle, res.RequestID, []uint64{11, 42}); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	for i, id := range res.TokenIDs {
		b, err := f.svc.GetBottle(ctx, id)
		if err != nil {
			t.Fatalf("get bottle %d: %v", id, err)
		}
		if b.State != bottle.StateRevealed {
			t.Fatalf("expected bottle %d revealed, got %s", id, b.State)
		}
		if len(b.Bundle) != 2 || b.Bundle[0].Token != testTokenA || b.Bundle[0].Quantity != 2 {
			t.Fatalf("unexpected bundle for bottle %d: %+v", id, b.Bundle)
		}
		want := []uint64{11, 42}[i]
		if b.RandomWord != want {
			t.Fatalf("expected word %d on bottle %d, got %d", want, id, b.RandomWord)
		}
	}

	req, err := f.svc.GetRequest(ctx, res.RequestID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if !req.Consumed {
		t.Fatal("expected request marked consumed")
	}
}

func TestFulfillReplayRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Mint(ctx, testBuyer, "", "rose", 1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.svc.FulfillRandomWords(ctx, testOracle, res.RequestID, []uint64{7}); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	err = f.svc.FulfillRandomWords(ctx, testOracle, res.RequestID, []uint64{8})
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected replay to fail with ErrUnknownRequest, got %v", err)
	}

	b, err := f.svc.GetBottle(ctx, res.TokenIDs[0])
	if err != nil {
		t.Fatalf("get bottle: %v", err)
	}
	if b.RandomWord != 7 {
		t.Fatalf("replay must not rewrite the bottle, word is %d", b.RandomWord)
	}
}

func TestFulfillUnknownRequest(t *testing.T) {
	f := newFixture(t)

	err := f.svc.FulfillRandomWords(context.Background(), testOracle, "no-such-request", []uint64{1})
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestFulfillWordCountMismatchIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Mint(ctx, testBuyer, "", "rose", 2)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	err = f.svc.FulfillRandomWords(ctx, testOracle, res.RequestID, []uint64{1})
	if !errors.Is(err, ErrWordCountMismatch) {
		t.Fatalf("expected ErrWordCountMismatch, got %v", err)
	}
	// The mismatch must not consume the request.
	if err := f.svc.FulfillRandomWords(ctx, testOracle, res.RequestID, []uint64{1, 2}); err != nil {
		t.Fatalf("corrected retry should succeed: %v", err)
	}
}

func TestFulfillRequiresOracleRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Mint(ctx, testBuyer, "", "rose", 1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	err = f.svc.FulfillRandomWords(ctx, testBuyer, res.RequestID, []uint64{1})
	if !errors.Is(err, authz.ErrUnauthorizedAccount) {
		t.Fatalf("expected ErrUnauthorizedAccount, got %v", err)
	}
}

func TestOpenReleasesBundleExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Mint(ctx, testBuyer, "", "rose", 1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.svc.FulfillRandomWords(ctx, testOracle, res.RequestID, []uint64{5}); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	escrowBefore := f.mustBalance(t, testTokenA, testEscrow)
	opened, err := f.svc.OpenBottle(ctx, testBuyer, res.TokenIDs[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened.State != bottle.StateOpened {
		t.Fatalf("expected opened state, got %s", opened.State)
	}
	if got := f.mustBalance(t, testTokenA, testBuyer); got != 2 {
		t.Fatalf("expected buyer to receive 2 %s, got %d", testTokenA, got)
	}
	if got := f.mustBalance(t, testTokenB, testBuyer); got != 1 {
		t.Fatalf("expected buyer to receive 1 %s, got %d", testTokenB, got)
	}
	if got := f.mustBalance(t, testTokenA, testEscrow); got != escrowBefore-2 {
		t.Fatalf("expected escrow drop of 2, got %d -> %d", escrowBefore, got)
	}

	_, err = f.svc.OpenBottle(ctx, testBuyer, res.TokenIDs[0])
	if !errors.Is(err, ErrBottleAlreadyOpened) {
		t.Fatalf("expected ErrBottleAlreadyOpened, got %v", err)
	}
	if got := f.mustBalance(t, testTokenA, testBuyer); got != 2 {
		t.Fatalf("second open must not release again, buyer holds %d", got)
	}
}

func TestOpenRequiresReveal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Mint(ctx, testBuyer, "", "rose", 1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	_, err = f.svc.OpenBottle(ctx, testBuyer, res.TokenIDs[0])
	if !errors.Is(err, ErrBottleNotRevealed) {
		t.Fatalf("expected ErrBottleNotRevealed, got %v", err)
	}
}

func TestOpenOnlyByOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Mint(ctx, testBuyer, "", "rose", 1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.svc.FulfillRandomWords(ctx, testOracle, res.RequestID, []uint64{5}); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	_, err = f.svc.OpenBottle(ctx, "user2", res.TokenIDs[0])
	if !errors.Is(err, ErrNotBottleOwner) {
		t.Fatalf("expected ErrNotBottleOwner, got %v", err)
	}

	// Ownership transfer moves the open right with it.
	if err := f.nft.Transfer(ctx, testBuyer, "user2", res.TokenIDs[0]); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := f.svc.OpenBottle(ctx, testBuyer, res.TokenIDs[0]); !errors.Is(err, ErrNotBottleOwner) {
		t.Fatalf("seller must lose the open right, got %v", err)
	}
	if _, err := f.svc.OpenBottle(ctx, "user2", res.TokenIDs[0]); err != nil {
		t.Fatalf("new owner open: %v", err)
	}
	if got := f.mustBalance(t, testTokenA, "user2"); got != 2 {
		t.Fatalf("expected new owner to receive the bundle, got %d", got)
	}
}

func TestLinkedCategoriesShareOnePool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two draws from champagne and one from prestige exhaust the pool's
	// three bottles.
	resA, err := f.svc.Mint(ctx, testBuyer, "", "champagne", 2)
	if err != nil {
		t.Fatalf("mint champagne: %v", err)
	}
	if err := f.svc.FulfillRandomWords(ctx, testOracle, resA.RequestID, []uint64{0, 0}); err != nil {
		t.Fatalf("fulfill champagne: %v", err)
	}
	resB, err := f.svc.Mint(ctx, testBuyer, "", "prestige", 1)
	if err != nil {
		t.Fatalf("mint prestige: %v", err)
	}
	if err := f.svc.FulfillRandomWords(ctx, testOracle, resB.RequestID, []uint64{0}); err != nil {
		t.Fatalf("fulfill prestige: %v", err)
	}

	// Words of 0 target the first variant; once its two bottles are gone the
	// probe moves to the second, so prestige's draw is MERLOT x3.
	b, err := f.svc.GetBottle(ctx, resB.TokenIDs[0])
	if err != nil {
		t.Fatalf("get bottle: %v", err)
	}
	if len(b.Bundle) != 1 || b.Bundle[0].Token != testTokenB || b.Bundle[0].Quantity != 3 {
		t.Fatalf("expected probe past exhausted variant, got %+v", b.Bundle)
	}

	// The categories' combined supply equals the pool's capacity, so sales
	// stop at the category caps before the pool can run dry. No buyer is ever
	// charged for a bottle the pool cannot reveal.
	balanceBefore := f.mustBalance(t, testStablecoin, testBuyer)
	_, err = f.svc.Mint(ctx, testBuyer, "", "champagne", 1)
	if !errors.Is(err, ErrCategoryFullyMinted) {
		t.Fatalf("expected ErrCategoryFullyMinted, got %v", err)
	}
	if got := f.mustBalance(t, testStablecoin, testBuyer); got != balanceBefore {
		t.Fatalf("rejected mint must not charge, balance %d -> %d", balanceBefore, got)
	}
}

func TestInitializeRejectsOversubscribedPool(t *testing.T) {
	store := memory.New()
	roles := authz.New()
	roles.Grant(authz.RoleAdmin, testDeployer)
	svc := New(store, tokenbank.New(store, nil), nftregistry.New(), &RecordingCoordinator{}, roles, nil)

	params := defaultInitParams()
	// champagne and prestige together would outsell the 3-bottle pool.
	params.Categories[1].TotalSupply = 4
	err := svc.Initialize(context.Background(), testDeployer, params)
	if !errors.Is(err, ErrInvalidInitialization) {
		t.Fatalf("expected ErrInvalidInitialization, got %v", err)
	}
}

func TestTokenURI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Mint(ctx, testBuyer, "", "rose", 1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	uri, err := f.svc.TokenURI(ctx, res.TokenIDs[0])
	if err != nil {
		t.Fatalf("token uri: %v", err)
	}
	if uri != "https://test.com/1" {
		t.Fatalf("expected https://test.com/1, got %q", uri)
	}

	if _, err := f.svc.TokenURI(ctx, 99); !errors.Is(err, ErrUnknownBottle) {
		t.Fatalf("expected ErrUnknownBottle, got %v", err)
	}
}

func TestCloseMintingSweepsUnsoldInventory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	swept, err := f.svc.CloseMinting(ctx, testDeployer)
	if err != nil {
		t.Fatalf("close minting: %v", err)
	}
	// Nothing sold: the full escrowed inventory returns to the system wallet.
	if swept[testTokenA] != 8 || swept[testTokenB] != 6 {
		t.Fatalf("unexpected sweep: %v", swept)
	}
	if got := f.mustBalance(t, testTokenA, testEscrow); got != 0 {
		t.Fatalf("expected empty escrow, got %d", got)
	}
	if got := f.mustBalance(t, testTokenA, testSystem); got != 8 {
		t.Fatalf("expected system wallet to hold 8 %s, got %d", testTokenA, got)
	}

	if _, err := f.svc.Mint(ctx, testBuyer, "", "rose", 1); !errors.Is(err, ErrMintingClosed) {
		t.Fatalf("expected ErrMintingClosed, got %v", err)
	}

	again, err := f.svc.CloseMinting(ctx, testDeployer)
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second close must be a no-op, swept %v", again)
	}
}

func TestCloseMintingRetainsOutstandingObligations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Mint(ctx, testBuyer, "", "rose", 1)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.svc.FulfillRandomWords(ctx, testOracle, res.RequestID, []uint64{9}); err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	if _, err := f.svc.CloseMinting(ctx, testDeployer); err != nil {
		t.Fatalf("close minting: %v", err)
	}
	// The revealed bottle's bundle stays escrowed and can still be claimed.
	if got := f.mustBalance(t, testTokenA, testEscrow); got != 2 {
		t.Fatalf("expected escrow to retain 2 %s, got %d", testTokenA, got)
	}
	if _, err := f.svc.OpenBottle(ctx, testBuyer, res.TokenIDs[0]); err != nil {
		t.Fatalf("open after close: %v", err)
	}
	if got := f.mustBalance(t, testTokenA, testBuyer); got != 2 {
		t.Fatalf("expected buyer to receive bundle, got %d", got)
	}
}

func TestWithdrawStablecoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Mint(ctx, testBuyer, "", "rose", 2); err != nil {
		t.Fatalf("mint: %v", err)
	}
	amount, err := f.svc.WithdrawStablecoin(ctx, testDeployer)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount != 200 {
		t.Fatalf("expected to withdraw 200, got %d", amount)
	}
	if got := f.mustBalance(t, testStablecoin, testSystem); got != 200 {
		t.Fatalf("expected system wallet to hold 200, got %d", got)
	}

	amount, err = f.svc.WithdrawStablecoin(ctx, testDeployer)
	if err != nil || amount != 0 {
		t.Fatalf("expected empty withdraw to be a no-op, got %d err %v", amount, err)
	}

	if _, err := f.svc.WithdrawStablecoin(ctx, testBuyer); !errors.Is(err, authz.ErrUnauthorizedAccount) {
		t.Fatalf("expected ErrUnauthorizedAccount, got %v", err)
	}
}

func TestSetDefaultRoyalty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.SetDefaultRoyalty(ctx, testDeployer, "royalty-wallet", 250); err != nil {
		t.Fatalf("set royalty: %v", err)
	}
	state, err := f.svc.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Royalty.Receiver != "royalty-wallet" || state.Royalty.FeeBps != 250 {
		t.Fatalf("unexpected royalty: %+v", state.Royalty)
	}

	if err := f.svc.SetDefaultRoyalty(ctx, testBuyer, "x", 1); !errors.Is(err, authz.ErrUnauthorizedAccount) {
		t.Fatalf("expected ErrUnauthorizedAccount, got %v", err)
	}
}

func TestUpdateCategoryPriceSealedAfterFirstSale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.UpdateCategoryPrice(ctx, testDeployer, "rose", 150); err != nil {
		t.Fatalf("price update before sale: %v", err)
	}
	if _, err := f.svc.Mint(ctx, testBuyer, "", "rose", 1); err != nil {
		t.Fatalf("mint: %v", err)
	}
	err := f.svc.UpdateCategoryPrice(ctx, testDeployer, "rose", 175)
	if !errors.Is(err, ErrCategorySealed) {
		t.Fatalf("expected ErrCategorySealed, got %v", err)
	}
}
