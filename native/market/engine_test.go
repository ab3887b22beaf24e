package market

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"galleria/core/events"
	"galleria/core/types"
)

type saleKey struct {
	listing uint64
	index   uint64
}

type mockState struct {
	listings   map[uint64]*Listing
	nextID     uint64
	collateral map[[20]byte]*big.Int
	purchases  map[saleKey]*Purchase
	counts     map[uint64]uint64
	accounts   map[[20]byte]*types.Account
	roles      map[string]map[[20]byte]bool
}

func newMockState() *mockState {
	return &mockState{
		listings:   make(map[uint64]*Listing),
		collateral: make(map[[20]byte]*big.Int),
		purchases:  make(map[saleKey]*Purchase),
		counts:     make(map[uint64]uint64),
		accounts:   make(map[[20]byte]*types.Account),
		roles:      make(map[string]map[[20]byte]bool),
	}
}

func (m *mockState) MarketListingPut(l *Listing) error {
	m.listings[l.ID] = l.Clone()
	return nil
}

func (m *mockState) MarketListingGet(id uint64) (*Listing, bool, error) {
	listing, ok := m.listings[id]
	if !ok {
		return nil, false, nil
	}
	return listing.Clone(), true, nil
}

func (m *mockState) MarketNextListingID() (uint64, error) {
	m.nextID++
	return m.nextID, nil
}

func (m *mockState) MarketCollateralGet(artist [20]byte) (*big.Int, error) {
	balance, ok := m.collateral[artist]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

func (m *mockState) MarketCollateralPut(artist [20]byte, balance *big.Int) error {
	m.collateral[artist] = new(big.Int).Set(balance)
	return nil
}

func (m *mockState) MarketPurchasePut(p *Purchase) error {
	key := saleKey{listing: p.ListingID, index: p.Index}
	if _, exists := m.purchases[key]; !exists {
		if p.Index != m.counts[p.ListingID] {
			return fmt.Errorf("non-sequential purchase index %d", p.Index)
		}
		m.counts[p.ListingID]++
	}
	m.purchases[key] = p.Clone()
	return nil
}

func (m *mockState) MarketPurchaseGet(listingID, index uint64) (*Purchase, bool, error) {
	purchase, ok := m.purchases[saleKey{listing: listingID, index: index}]
	if !ok {
		return nil, false, nil
	}
	return purchase.Clone(), true, nil
}

func (m *mockState) MarketPurchaseCount(listingID uint64) (uint64, error) {
	return m.counts[listingID], nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	account, ok := m.accounts[key]
	if !ok {
		return nil, nil
	}
	return account.Clone(), nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = account.Clone()
	return nil
}

func (m *mockState) HasRole(role string, addr []byte) bool {
	var key [20]byte
	copy(key[:], addr)
	return m.roles[role][key]
}

func (m *mockState) grantRole(role string, addr [20]byte) {
	if m.roles[role] == nil {
		m.roles[role] = make(map[[20]byte]bool)
	}
	m.roles[role][addr] = true
}

func (m *mockState) fund(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{Balance: big.NewInt(amount)}
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	account, ok := m.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(account.Balance)
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) last(t *testing.T) *types.Event {
	t.Helper()
	if len(c.events) == 0 {
		t.Fatalf("expected at least one event")
	}
	carrier, ok := c.events[len(c.events)-1].(interface{ Event() *types.Event })
	if !ok {
		t.Fatalf("unexpected event payload %T", c.events[len(c.events)-1])
	}
	return carrier.Event()
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

type testHarness struct {
	engine  *Engine
	state   *mockState
	emitter *capturingEmitter
	now     int64
	artist  [20]byte
	buyer   [20]byte
	arbiter [20]byte
	vault   [20]byte
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		state:   newMockState(),
		emitter: &capturingEmitter{},
		now:     1_000,
		artist:  newTestAddress(0xA1),
		buyer:   newTestAddress(0xB2),
		arbiter: newTestAddress(0xC3),
		vault:   newTestAddress(0xEE),
	}
	h.state.grantRole(RoleArtist, h.artist)
	h.state.grantRole(RoleArbiter, h.arbiter)
	h.engine = NewEngine()
	h.engine.SetState(h.state)
	h.engine.SetEmitter(h.emitter)
	h.engine.SetVault(h.vault)
	h.engine.SetNowFunc(func() int64 { return h.now })
	return h
}

// listSale provisions a funded artist, a listing at the given price and enough
// collateral for one sale.
func (h *testHarness) listSale(t *testing.T, price int64) *Listing {
	t.Helper()
	required := h.engine.RequiredAmount(big.NewInt(price)).Int64()
	h.state.fund(h.artist, required)
	h.state.fund(h.buyer, required)
	if err := h.engine.Deposit(h.artist, big.NewInt(required)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	listing, err := h.engine.CreateListing(h.artist, "Nocturne", "ipfs://nocturne", 3, big.NewInt(price))
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return listing
}

func TestCreateListingRequiresArtistRole(t *testing.T) {
	h := newTestHarness(t)
	outsider := newTestAddress(0x11)
	if _, err := h.engine.CreateListing(outsider, "Nocturne", "ipfs://nocturne", 1, big.NewInt(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCreateListingAssignsSequentialIDs(t *testing.T) {
	h := newTestHarness(t)
	first, err := h.engine.CreateListing(h.artist, "One", "ipfs://one", 1, big.NewInt(100))
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := h.engine.CreateListing(h.artist, "Two", "ipfs://two", 1, big.NewInt(100))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", first.ID, second.ID)
	}
	evt := h.emitter.last(t)
	if evt.Type != EventTypeListingCreated {
		t.Fatalf("unexpected event type %s", evt.Type)
	}
	if evt.Attributes["listingId"] != "2" {
		t.Fatalf("unexpected listing id attribute %q", evt.Attributes["listingId"])
	}
}

func TestCreateListingRejectsIndivisiblePrice(t *testing.T) {
	h := newTestHarness(t)
	policy, err := NewBpsFeePolicy(250, 100, newTestAddress(0xF0))
	if err != nil {
		t.Fatalf("new fee policy: %v", err)
	}
	h.engine.SetFeePolicy(policy)
	if _, err := h.engine.CreateListing(h.artist, "Odd", "ipfs://odd", 1, big.NewInt(150)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestDepositCreditsFreeCollateral(t *testing.T) {
	h := newTestHarness(t)
	h.state.fund(h.artist, 500)
	if err := h.engine.Deposit(h.artist, big.NewInt(300)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	free, err := h.engine.CollateralBalance(h.artist)
	if err != nil {
		t.Fatalf("collateral balance: %v", err)
	}
	if free.Int64() != 300 {
		t.Fatalf("expected free collateral 300, got %s", free)
	}
	if h.state.balance(h.vault).Int64() != 300 {
		t.Fatalf("expected vault balance 300, got %s", h.state.balance(h.vault))
	}
	if h.state.balance(h.artist).Int64() != 200 {
		t.Fatalf("expected artist balance 200, got %s", h.state.balance(h.artist))
	}
	if err := h.engine.Deposit(h.artist, big.NewInt(300)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestDepositRequiresArtistRole(t *testing.T) {
	h := newTestHarness(t)
	outsider := newTestAddress(0x11)
	h.state.fund(outsider, 500)
	if err := h.engine.Deposit(outsider, big.NewInt(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestWithdrawRejectsOverdraw(t *testing.T) {
	h := newTestHarness(t)
	h.state.fund(h.artist, 500)
	if err := h.engine.Deposit(h.artist, big.NewInt(200)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.engine.Withdraw(h.artist, big.NewInt(201)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if err := h.engine.Withdraw(h.artist, big.NewInt(200)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if h.state.balance(h.artist).Int64() != 500 {
		t.Fatalf("expected artist balance restored to 500, got %s", h.state.balance(h.artist))
	}
}

type failingLedger struct {
	inner AssetLedger
	from  [20]byte
}

func (l failingLedger) Transfer(from, to [20]byte, amount *big.Int) error {
	if from == l.from {
		return errors.New("simulated outage")
	}
	return l.inner.Transfer(from, to, amount)
}

func (l failingLedger) BalanceOf(owner [20]byte) (*big.Int, error) {
	return l.inner.BalanceOf(owner)
}

func TestWithdrawRestoresBalanceOnTransferFailure(t *testing.T) {
	h := newTestHarness(t)
	h.state.fund(h.artist, 500)
	if err := h.engine.Deposit(h.artist, big.NewInt(200)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	h.engine.SetLedger(failingLedger{inner: accountLedger{engine: h.engine}, from: h.vault})
	err := h.engine.Withdraw(h.artist, big.NewInt(100))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	free, balErr := h.engine.CollateralBalance(h.artist)
	if balErr != nil {
		t.Fatalf("collateral balance: %v", balErr)
	}
	if free.Int64() != 200 {
		t.Fatalf("expected free collateral restored to 200, got %s", free)
	}
}

func TestPurchaseEscrowsPaymentAndLock(t *testing.T) {
	h := newTestHarness(t)
	listing := h.listSale(t, 100)
	purchase, err := h.engine.Purchase(h.buyer, listing.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if purchase.Status != PurchaseActive {
		t.Fatalf("expected active status, got %s", purchase.Status)
	}
	if purchase.Paid.Int64() != 200 || purchase.LockedDeposit.Int64() != 200 {
		t.Fatalf("expected paid and lock of 200, got %s and %s", purchase.Paid, purchase.LockedDeposit)
	}
	if h.state.balance(h.buyer).Int64() != 0 {
		t.Fatalf("expected buyer drained, got %s", h.state.balance(h.buyer))
	}
	if h.state.balance(h.vault).Int64() != 400 {
		t.Fatalf("expected vault custody 400, got %s", h.state.balance(h.vault))
	}
	free, err := h.engine.CollateralBalance(h.artist)
	if err != nil {
		t.Fatalf("collateral balance: %v", err)
	}
	if free.Sign() != 0 {
		t.Fatalf("expected free collateral fully locked, got %s", free)
	}
	stored, err := h.engine.Listing(listing.ID)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if stored.Minted != 1 {
		t.Fatalf("expected minted 1, got %d", stored.Minted)
	}
}

func TestPurchaseRejectsUnderCollateralizedListing(t *testing.T) {
	h := newTestHarness(t)
	h.state.fund(h.buyer, 200)
	listing, err := h.engine.CreateListing(h.artist, "Nocturne", "ipfs://nocturne", 3, big.NewInt(100))
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if _, err := h.engine.Purchase(h.buyer, listing.ID); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	// Precondition failures must not touch the buyer's funds.
	if h.state.balance(h.buyer).Int64() != 200 {
		t.Fatalf("expected buyer untouched, got %s", h.state.balance(h.buyer))
	}
}

func TestPurchaseRejectsInsufficientBuyerFunds(t *testing.T) {
	h := newTestHarness(t)
	listing := h.listSale(t, 100)
	h.state.fund(h.buyer, 199)
	if _, err := h.engine.Purchase(h.buyer, listing.ID); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	free, err := h.engine.CollateralBalance(h.artist)
	if err != nil {
		t.Fatalf("collateral balance: %v", err)
	}
	if free.Int64() != 200 {
		t.Fatalf("expected collateral untouched at 200, got %s", free)
	}
}

func TestPurchaseEnforcesSupplyLimit(t *testing.T) {
	h := newTestHarness(t)
	h.state.fund(h.artist, 1_000)
	if err := h.engine.Deposit(h.artist, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	listing, err := h.engine.CreateListing(h.artist, "Single", "ipfs://single", 1, big.NewInt(100))
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	h.state.fund(h.buyer, 1_000)
	if _, err := h.engine.Purchase(h.buyer, listing.ID); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	if _, err := h.engine.Purchase(h.buyer, listing.ID); !errors.Is(err, ErrSoldOut) {
		t.Fatalf("expected ErrSoldOut, got %v", err)
	}
}

func TestPurchaseUnknownListing(t *testing.T) {
	h := newTestHarness(t)
	if _, err := h.engine.Purchase(h.buyer, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVerifyAcceptSettlesToArtist(t *testing.T) {
	h := newTestHarness(t)
	listing := h.listSale(t, 100)
	purchase, err := h.engine.Purchase(h.buyer, listing.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := h.engine.Verify(h.buyer, listing.ID, purchase.Index, true); err != nil {
		t.Fatalf("verify: %v", err)
	}
	// Holdback returns, price plus lock credits the artist's free collateral.
	if h.state.balance(h.buyer).Int64() != 100 {
		t.Fatalf("expected buyer refunded 100, got %s", h.state.balance(h.buyer))
	}
	free, err := h.engine.CollateralBalance(h.artist)
	if err != nil {
		t.Fatalf("collateral balance: %v", err)
	}
	if free.Int64() != 300 {
		t.Fatalf("expected artist credited 300, got %s", free)
	}
	if h.state.balance(h.vault).Int64() != 300 {
		t.Fatalf("expected vault custody 300, got %s", h.state.balance(h.vault))
	}
	record, err := h.engine.PurchaseRecord(listing.ID, purchase.Index)
	if err != nil {
		t.Fatalf("purchase record: %v", err)
	}
	if record.Status != PurchaseResolved {
		t.Fatalf("expected resolved status, got %s", record.Status)
	}
	if record.LockedDeposit.Sign() != 0 {
		t.Fatalf("expected cleared lock, got %s", record.LockedDeposit)
	}
	evt := h.emitter.last(t)
	if evt.Type != EventTypePurchaseResolved {
		t.Fatalf("unexpected event type %s", evt.Type)
	}
	if evt.Attributes["refundToBuyer"] != "100" || evt.Attributes["creditToSeller"] != "300" {
		t.Fatalf("unexpected settlement attributes %v", evt.Attributes)
	}
	// Settlement is exactly-once.
	if err := h.engine.Verify(h.buyer, listing.ID, purchase.Index, true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on repeat, got %v", err)
	}
}

func TestVerifyRejectOpensDisputeWithoutMovingFunds(t *testing.T) {
	h := newTestHarness(t)
	listing := h.listSale(t, 100)
	purchase, err := h.engine.Purchase(h.buyer, listing.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	vaultBefore := h.state.balance(h.vault)
	if err := h.engine.Verify(h.buyer, listing.ID, purchase.Index, false); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if h.state.balance(h.vault).Cmp(vaultBefore) != 0 {
		t.Fatalf("dispute must not move funds, vault went %s -> %s", vaultBefore, h.state.balance(h.vault))
	}
	record, err := h.engine.PurchaseRecord(listing.ID, purchase.Index)
	if err != nil {
		t.Fatalf("purchase record: %v", err)
	}
	if record.Status != PurchaseDisputed {
		t.Fatalf("expected disputed status, got %s", record.Status)
	}
	if record.LockedDeposit.Int64() != 200 {
		t.Fatalf("expected lock preserved, got %s", record.LockedDeposit)
	}
	if err := h.engine.Verify(h.buyer, listing.ID, purchase.Index, false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on repeat, got %v", err)
	}
}

func TestVerifyOnlyBuyerMayAttest(t *testing.T) {
	h := newTestHarness(t)
	listing := h.listSale(t, 100)
	purchase, err := h.engine.Purchase(h.buyer, listing.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := h.engine.Verify(h.artist, listing.ID, purchase.Index, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.engine.Verify(h.buyer, listing.ID, purchase.Index+1, true); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
}

func TestForceConfirmGatedByTimeout(t *testing.T) {
	h := newTestHarness(t)
	listing := h.listSale(t, 100)
	purchase, err := h.engine.Purchase(h.buyer, listing.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := h.engine.ForceConfirm(h.buyer, listing.ID, purchase.Index); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-artist, got %v", err)
	}
	h.now = purchase.PurchasedAt + DefaultConfirmationTimeout - 1
	if err := h.engine.ForceConfirm(h.artist, listing.ID, purchase.Index); !errors.Is(err, ErrTimeoutNotReached) {
		t.Fatalf("expected ErrTimeoutNotReached, got %v", err)
	}
	h.now = purchase.PurchasedAt + DefaultConfirmationTimeout
	if err := h.engine.ForceConfirm(h.artist, listing.ID, purchase.Index); err != nil {
		t.Fatalf("force confirm: %v", err)
	}
	record, err := h.engine.PurchaseRecord(listing.ID, purchase.Index)
	if err != nil {
		t.Fatalf("purchase record: %v", err)
	}
	if record.Status != PurchaseResolved {
		t.Fatalf("expected resolved status, got %s", record.Status)
	}
	evt := h.emitter.last(t)
	if evt.Type != EventTypePurchaseForced {
		t.Fatalf("unexpected event type %s", evt.Type)
	}
	if h.state.balance(h.buyer).Int64() != 100 {
		t.Fatalf("expected holdback refunded on forced settlement, got %s", h.state.balance(h.buyer))
	}
}

func TestForceConfirmRejectsDisputedPurchase(t *testing.T) {
	h := newTestHarness(t)
	listing := h.listSale(t, 100)
	purchase, err := h.engine.Purchase(h.buyer, listing.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := h.engine.Verify(h.buyer, listing.ID, purchase.Index, false); err != nil {
		t.Fatalf("verify: %v", err)
	}
	h.now += DefaultConfirmationTimeout * 2
	if err := h.engine.ForceConfirm(h.artist, listing.ID, purchase.Index); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestSettleDisputeFavorArtist(t *testing.T) {
	h := newTestHarness(t)
	listing := h.listSale(t, 100)
	purchase, err := h.engine.Purchase(h.buyer, listing.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := h.engine.Verify(h.buyer, listing.ID, purchase.Index, false); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := h.engine.SettleDispute(h.arbiter, listing.ID, purchase.Index, true); err != nil {
		t.Fatalf("settle dispute: %v", err)
	}
	free, err := h.engine.CollateralBalance(h.artist)
	if err != nil {
		t.Fatalf("collateral balance: %v", err)
	}
	if free.Int64() != 300 {
		t.Fatalf("expected artist credited 300, got %s", free)
	}
	if h.state.balance(h.buyer).Int64() != 100 {
		t.Fatalf("expected buyer refunded holdback, got %s", h.state.balance(h.buyer))
	}
	evt := h.emitter.last(t)
	if evt.Type != EventTypePurchaseSettled {
		t.Fatalf("unexpected event type %s", evt.Type)
	}
}

func TestSettleDisputeFavorBuyer(t *testing.T) {
	h := newTestHarness(t)
	treasury := newTestAddress(0xDD)
	h.engine.SetFeeTreasury(treasury)
	listing := h.listSale(t, 100)
	purchase, err := h.engine.Purchase(h.buyer, listing.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := h.engine.Verify(h.buyer, listing.ID, purchase.Index, false); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := h.engine.SettleDispute(h.arbiter, listing.ID, purchase.Index, false); err != nil {
		t.Fatalf("settle dispute: %v", err)
	}
	if h.state.balance(h.buyer).Int64() != 200 {
		t.Fatalf("expected full refund of 200, got %s", h.state.balance(h.buyer))
	}
	if h.state.balance(treasury).Int64() != 200 {
		t.Fatalf("expected forfeit of 200 to treasury, got %s", h.state.balance(treasury))
	}
	if h.state.balance(h.vault).Sign() != 0 {
		t.Fatalf("expected vault drained, got %s", h.state.balance(h.vault))
	}
	record, err := h.engine.PurchaseRecord(listing.ID, purchase.Index)
	if err != nil {
		t.Fatalf("purchase record: %v", err)
	}
	if record.Status != PurchaseRefunded {
		t.Fatalf("expected refunded status, got %s", record.Status)
	}
	if record.LockedDeposit.Sign() != 0 {
		t.Fatalf("expected cleared lock, got %s", record.LockedDeposit)
	}
	evt := h.emitter.last(t)
	if evt.Type != EventTypePurchaseRefunded {
		t.Fatalf("unexpected event type %s", evt.Type)
	}
	if evt.Attributes["forfeit"] != "200" {
		t.Fatalf("unexpected forfeit attribute %q", evt.Attributes["forfeit"])
	}
	if err := h.engine.SettleDispute(h.arbiter, listing.ID, purchase.Index, false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on repeat, got %v", err)
	}
}

func TestSettleDisputeRequiresArbiterAndDisputedState(t *testing.T) {
	h := newTestHarness(t)
	listing := h.listSale(t, 100)
	purchase, err := h.engine.Purchase(h.buyer, listing.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := h.engine.SettleDispute(h.buyer, listing.ID, purchase.Index, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.engine.SettleDispute(h.arbiter, listing.ID, purchase.Index, true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for active purchase, got %v", err)
	}
}

func TestSettleDisputeFavorBuyerNeedsTreasury(t *testing.T) {
	h := newTestHarness(t)
	listing := h.listSale(t, 100)
	purchase, err := h.engine.Purchase(h.buyer, listing.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := h.engine.Verify(h.buyer, listing.ID, purchase.Index, false); err != nil {
		t.Fatalf("verify: %v", err)
	}
	err = h.engine.SettleDispute(h.arbiter, listing.ID, purchase.Index, false)
	if err == nil || !strings.Contains(err.Error(), "treasury") {
		t.Fatalf("expected treasury configuration error, got %v", err)
	}
}

func TestSettlementSkimsConfiguredFee(t *testing.T) {
	h := newTestHarness(t)
	collector := newTestAddress(0xF0)
	policy, err := NewBpsFeePolicy(250, 100, collector)
	if err != nil {
		t.Fatalf("new fee policy: %v", err)
	}
	h.engine.SetFeePolicy(policy)
	listing := h.listSale(t, 1_000)
	purchase, err := h.engine.Purchase(h.buyer, listing.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if err := h.engine.Verify(h.buyer, listing.ID, purchase.Index, true); err != nil {
		t.Fatalf("verify: %v", err)
	}
	// 2.5% of 1000 goes to the collector; the artist nets lock + price - fee.
	if h.state.balance(collector).Int64() != 25 {
		t.Fatalf("expected fee of 25, got %s", h.state.balance(collector))
	}
	free, err := h.engine.CollateralBalance(h.artist)
	if err != nil {
		t.Fatalf("collateral balance: %v", err)
	}
	if free.Int64() != 2_975 {
		t.Fatalf("expected artist credited 2975, got %s", free)
	}
	if h.state.balance(h.buyer).Int64() != 1_000 {
		t.Fatalf("expected holdback refund of 1000, got %s", h.state.balance(h.buyer))
	}
}

func TestSettlementConservation(t *testing.T) {
	// Every settlement path must conserve the escrowed value: what entered the
	// vault for the sale leaves again, split across refund, credit, fees and
	// forfeit.
	paths := []struct {
		name   string
		settle func(t *testing.T, h *testHarness, listingID, index uint64)
	}{
		{
			name: "verify accept",
			settle: func(t *testing.T, h *testHarness, listingID, index uint64) {
				if err := h.engine.Verify(h.buyer, listingID, index, true); err != nil {
					t.Fatalf("verify: %v", err)
				}
			},
		},
		{
			name: "force confirm",
			settle: func(t *testing.T, h *testHarness, listingID, index uint64) {
				h.now += DefaultConfirmationTimeout
				if err := h.engine.ForceConfirm(h.artist, listingID, index); err != nil {
					t.Fatalf("force confirm: %v", err)
				}
			},
		},
		{
			name: "dispute for artist",
			settle: func(t *testing.T, h *testHarness, listingID, index uint64) {
				if err := h.engine.Verify(h.buyer, listingID, index, false); err != nil {
					t.Fatalf("verify: %v", err)
				}
				if err := h.engine.SettleDispute(h.arbiter, listingID, index, true); err != nil {
					t.Fatalf("settle dispute: %v", err)
				}
			},
		},
		{
			name: "dispute for buyer",
			settle: func(t *testing.T, h *testHarness, listingID, index uint64) {
				if err := h.engine.Verify(h.buyer, listingID, index, false); err != nil {
					t.Fatalf("verify: %v", err)
				}
				if err := h.engine.SettleDispute(h.arbiter, listingID, index, false); err != nil {
					t.Fatalf("settle dispute: %v", err)
				}
			},
		},
	}
	for _, path := range paths {
		t.Run(path.name, func(t *testing.T) {
			h := newTestHarness(t)
			h.engine.SetFeeTreasury(newTestAddress(0xDD))
			collector := newTestAddress(0xF0)
			policy, err := NewBpsFeePolicy(250, 100, collector)
			if err != nil {
				t.Fatalf("new fee policy: %v", err)
			}
			h.engine.SetFeePolicy(policy)
			listing := h.listSale(t, 1_000)
			escrowed := h.state.balance(h.vault)
			purchase, err := h.engine.Purchase(h.buyer, listing.ID)
			if err != nil {
				t.Fatalf("purchase: %v", err)
			}
			escrowed.Add(escrowed, purchase.Paid)
			path.settle(t, h, listing.ID, purchase.Index)
			free, err := h.engine.CollateralBalance(h.artist)
			if err != nil {
				t.Fatalf("collateral balance: %v", err)
			}
			// Free collateral stays in custody; everything else has left the
			// vault. The vault must hold exactly the free balance.
			if h.state.balance(h.vault).Cmp(free) != 0 {
				t.Fatalf("vault %s does not match free collateral %s", h.state.balance(h.vault), free)
			}
			total := new(big.Int).Add(h.state.balance(h.buyer), h.state.balance(h.vault))
			total.Add(total, h.state.balance(collector))
			total.Add(total, h.state.balance(newTestAddress(0xDD)))
			if total.Cmp(escrowed) != 0 {
				t.Fatalf("conservation violated: escrowed %s, accounted %s", escrowed, total)
			}
		})
	}
}

func TestHoldbackZeroMeansPriceOnly(t *testing.T) {
	h := newTestHarness(t)
	if err := h.engine.SetHoldbackBps(0); err != nil {
		t.Fatalf("set holdback: %v", err)
	}
	listing := h.listSale(t, 100)
	purchase, err := h.engine.Purchase(h.buyer, listing.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if purchase.Paid.Int64() != 100 || purchase.LockedDeposit.Int64() != 100 {
		t.Fatalf("expected paid and lock of 100, got %s and %s", purchase.Paid, purchase.LockedDeposit)
	}
	if err := h.engine.Verify(h.buyer, listing.ID, purchase.Index, true); err != nil {
		t.Fatalf("verify: %v", err)
	}
	// No holdback, no refund.
	if h.state.balance(h.buyer).Sign() != 0 {
		t.Fatalf("expected no refund, got %s", h.state.balance(h.buyer))
	}
}

func TestSetHoldbackBpsRange(t *testing.T) {
	h := newTestHarness(t)
	if err := h.engine.SetHoldbackBps(10_001); err == nil {
		t.Fatalf("expected error for out-of-range holdback")
	}
	if err := h.engine.SetHoldbackBps(10_000); err != nil {
		t.Fatalf("set holdback: %v", err)
	}
}

type reentrantLedger struct {
	engine *Engine
	inner  AssetLedger
	target [20]byte
}

func (l reentrantLedger) Transfer(from, to [20]byte, amount *big.Int) error {
	if err := l.engine.Withdraw(l.target, big.NewInt(1)); err != nil {
		return err
	}
	return l.inner.Transfer(from, to, amount)
}

func (l reentrantLedger) BalanceOf(owner [20]byte) (*big.Int, error) {
	return l.inner.BalanceOf(owner)
}

func TestReentrantLedgerCallbackRejected(t *testing.T) {
	h := newTestHarness(t)
	listing := h.listSale(t, 100)
	h.engine.SetLedger(reentrantLedger{
		engine: h.engine,
		inner:  accountLedger{engine: h.engine},
		target: h.artist,
	})
	_, err := h.engine.Purchase(h.buyer, listing.ID)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected wrapped transfer failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "reentrant") {
		t.Fatalf("expected reentrancy rejection, got %v", err)
	}
}

type recordingReceipts struct {
	issued    []saleKey
	destroyed []saleKey
}

func (r *recordingReceipts) Issue(_ [20]byte, listingID, index uint64) error {
	r.issued = append(r.issued, saleKey{listing: listingID, index: index})
	return nil
}

func (r *recordingReceipts) Destroy(_ [20]byte, listingID, index uint64) error {
	r.destroyed = append(r.destroyed, saleKey{listing: listingID, index: index})
	return nil
}

func TestReceiptLifecycle(t *testing.T) {
	h := newTestHarness(t)
	receipts := &recordingReceipts{}
	h.engine.SetReceipts(receipts)
	h.engine.SetFeeTreasury(newTestAddress(0xDD))
	listing := h.listSale(t, 100)
	purchase, err := h.engine.Purchase(h.buyer, listing.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if len(receipts.issued) != 1 {
		t.Fatalf("expected one issued receipt, got %d", len(receipts.issued))
	}
	if err := h.engine.Verify(h.buyer, listing.ID, purchase.Index, false); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := h.engine.SettleDispute(h.arbiter, listing.ID, purchase.Index, false); err != nil {
		t.Fatalf("settle dispute: %v", err)
	}
	if len(receipts.destroyed) != 1 {
		t.Fatalf("expected receipt destroyed on refund, got %d", len(receipts.destroyed))
	}
}

func TestEngineRequiresConfiguration(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.CreateListing(newTestAddress(0x01), "X", "ipfs://x", 1, big.NewInt(1)); err == nil {
		t.Fatalf("expected error without state")
	}
	engine.SetState(newMockState())
	if _, err := engine.CreateListing(newTestAddress(0x01), "X", "ipfs://x", 1, big.NewInt(1)); err == nil {
		t.Fatalf("expected error without vault")
	}
}
