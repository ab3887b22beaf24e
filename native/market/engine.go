package market

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"galleria/core/events"
	"galleria/core/types"
)

// DefaultConfirmationTimeout is the grace period after which an artist may
// force-confirm an unattested purchase.
const DefaultConfirmationTimeout = int64(10 * time.Minute / time.Second)

// DefaultHoldbackBps is the extra share of the price a buyer escrows beyond
// the price itself. 10_000 bps doubles the payment, matching the strictest
// variant.
const DefaultHoldbackBps = uint32(10_000)

type engineState interface {
	MarketListingPut(*Listing) error
	MarketListingGet(id uint64) (*Listing, bool, error)
	MarketNextListingID() (uint64, error)
	MarketCollateralGet(artist [20]byte) (*big.Int, error)
	MarketCollateralPut(artist [20]byte, balance *big.Int) error
	MarketPurchasePut(*Purchase) error
	MarketPurchaseGet(listingID, index uint64) (*Purchase, bool, error)
	MarketPurchaseCount(listingID uint64) (uint64, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	HasRole(role string, addr []byte) bool
}

// AssetLedger abstracts the payment asset. The default implementation moves
// balances through the engine state; tests substitute fakes that simulate
// failed transfers.
type AssetLedger interface {
	Transfer(from, to [20]byte, amount *big.Int) error
	BalanceOf(owner [20]byte) (*big.Int, error)
}

// ReceiptLedger abstracts issuance of the non-fungible delivery receipt minted
// per purchase and destroyed when a sale is unwound.
type ReceiptLedger interface {
	Issue(owner [20]byte, listingID, index uint64) error
	Destroy(owner [20]byte, listingID, index uint64) error
}

type noopReceipts struct{}

func (noopReceipts) Issue([20]byte, uint64, uint64) error   { return nil }
func (noopReceipts) Destroy([20]byte, uint64, uint64) error { return nil }

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event returns the underlying typed payload.
func (e marketEvent) Event() *types.Event { return e.evt }

// Engine owns every mutation of listings, collateral balances and purchase
// records. All state-changing operations are serialized by the host; the
// engine additionally refuses re-entry from within an in-flight call.
type Engine struct {
	state        engineState
	ledger       AssetLedger
	receipts     ReceiptLedger
	feePolicy    FeePolicy
	emitter      events.Emitter
	vault        [20]byte
	feeTreasury  [20]byte
	holdbackBps  uint32
	confirmation int64
	nowFn        func() int64
	busy         bool
}

// NewEngine creates a market engine with a no-op emitter, zero-fee policy and
// the default holdback and confirmation timeout.
func NewEngine() *Engine {
	e := &Engine{
		emitter:      events.NoopEmitter{},
		receipts:     noopReceipts{},
		feePolicy:    NoFee{},
		holdbackBps:  DefaultHoldbackBps,
		confirmation: DefaultConfirmationTimeout,
		nowFn:        func() int64 { return time.Now().Unix() },
	}
	e.ledger = accountLedger{engine: e}
	return e
}

// DefaultVaultAddress derives the canonical custody address for escrowed
// funds.
func DefaultVaultAddress() [20]byte {
	digest := ethcrypto.Keccak256([]byte("galleria/market/vault"))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger overrides the payment asset ledger. Passing nil restores the
// state-backed implementation.
func (e *Engine) SetLedger(ledger AssetLedger) {
	if ledger == nil {
		e.ledger = accountLedger{engine: e}
		return
	}
	e.ledger = ledger
}

// SetReceipts configures the delivery receipt ledger. Passing nil restores a
// no-op implementation.
func (e *Engine) SetReceipts(ledger ReceiptLedger) {
	if ledger == nil {
		e.receipts = noopReceipts{}
		return
	}
	e.receipts = ledger
}

// SetFeePolicy configures the platform fee policy. Passing nil restores the
// zero-fee policy.
func (e *Engine) SetFeePolicy(policy FeePolicy) {
	if policy == nil {
		e.feePolicy = NoFee{}
		return
	}
	e.feePolicy = policy
}

// SetEmitter configures the event emitter. Passing nil restores a no-op
// emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetVault configures the custody address holding escrowed funds.
func (e *Engine) SetVault(addr [20]byte) { e.vault = addr }

// SetFeeTreasury configures the address receiving forfeited collateral.
func (e *Engine) SetFeeTreasury(addr [20]byte) { e.feeTreasury = addr }

// SetHoldbackBps configures the buyer holdback as a share of the price in
// basis points, from 0 (price only) to 10_000 (double payment).
func (e *Engine) SetHoldbackBps(bps uint32) error {
	if bps > 10_000 {
		return fmt.Errorf("market engine: holdback bps out of range: %d", bps)
	}
	e.holdbackBps = bps
	return nil
}

// SetConfirmationTimeout overrides the force-confirm grace period in seconds.
// Non-positive values restore the default.
func (e *Engine) SetConfirmationTimeout(seconds int64) {
	if seconds <= 0 {
		e.confirmation = DefaultConfirmationTimeout
		return
	}
	e.confirmation = seconds
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// begin rejects re-entry from within an in-flight state-changing call. The
// guard is a correctness requirement: an injected ledger must not be able to
// call back into the engine while a settlement is mid-flight.
func (e *Engine) begin() error {
	if e.busy {
		return errReentrantCall
	}
	e.busy = true
	return nil
}

func (e *Engine) end() { e.busy = false }

func (e *Engine) ensureConfigured() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if isZeroAddress(e.vault) {
		return errVaultNotConfigured
	}
	return nil
}

// HoldbackAmount returns the extra escrow required beyond the price.
func (e *Engine) HoldbackAmount(price *big.Int) *big.Int {
	amount := new(big.Int).Mul(cloneBigInt(price), new(big.Int).SetUint64(uint64(e.holdbackBps)))
	return amount.Div(amount, big.NewInt(10_000))
}

// RequiredAmount returns the full payment a buyer escrows for the given
// price: the price plus the holdback. The artist lock per sale is the same
// amount.
func (e *Engine) RequiredAmount(price *big.Int) *big.Int {
	return new(big.Int).Add(cloneBigInt(price), e.HoldbackAmount(price))
}

// wrapTransfer tags ledger failures with the boundary taxonomy while keeping
// insufficient-balance failures distinguishable.
func wrapTransfer(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInsufficientFunds) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransferFailed, err)
}

// CreateListing registers a new sealed artwork template. The caller must hold
// the artist role; the price must be admissible under the fee policy.
func (e *Engine) CreateListing(artist [20]byte, name, contentRef string, supplyLimit uint64, price *big.Int) (*Listing, error) {
	if err := e.ensureConfigured(); err != nil {
		return nil, err
	}
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	if !e.state.HasRole(RoleArtist, artist[:]) {
		return nil, ErrUnauthorized
	}
	if err := e.feePolicy.ValidatePrice(price); err != nil {
		return nil, err
	}
	id, err := e.state.MarketNextListingID()
	if err != nil {
		return nil, err
	}
	listing, err := SanitizeListing(&Listing{
		ID:          id,
		Artist:      artist,
		Name:        name,
		ContentRef:  contentRef,
		SupplyLimit: supplyLimit,
		Price:       cloneBigInt(price),
		CreatedAt:   e.now(),
	})
	if err != nil {
		return nil, err
	}
	if err := e.state.MarketListingPut(listing); err != nil {
		return nil, err
	}
	e.emit(NewListingCreatedEvent(listing))
	return listing.Clone(), nil
}

// Deposit moves payment-asset funds from the artist into vault custody and
// credits the artist's free collateral balance. The credit lands only if the
// transfer did.
func (e *Engine) Deposit(artist [20]byte, amount *big.Int) error {
	if err := e.ensureConfigured(); err != nil {
		return err
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if !e.state.HasRole(RoleArtist, artist[:]) {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	if err := wrapTransfer(e.ledger.Transfer(artist, e.vault, amount)); err != nil {
		return err
	}
	free, err := e.state.MarketCollateralGet(artist)
	if err != nil {
		return err
	}
	free = new(big.Int).Add(cloneBigInt(free), amount)
	if err := e.state.MarketCollateralPut(artist, free); err != nil {
		return err
	}
	e.emit(NewCollateralDepositedEvent(artist, amount, free))
	return nil
}

// Withdraw returns free collateral to the artist. The free balance is debited
// before the outbound transfer is issued; if the transfer fails the debit is
// restored, so the action is all-or-nothing and cannot double-spend.
func (e *Engine) Withdraw(artist [20]byte, amount *big.Int) error {
	if err := e.ensureConfigured(); err != nil {
		return err
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	free, err := e.state.MarketCollateralGet(artist)
	if err != nil {
		return err
	}
	free = cloneBigInt(free)
	if free.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}
	remaining := new(big.Int).Sub(free, amount)
	if err := e.state.MarketCollateralPut(artist, remaining); err != nil {
		return err
	}
	if err := wrapTransfer(e.ledger.Transfer(e.vault, artist, amount)); err != nil {
		if restoreErr := e.state.MarketCollateralPut(artist, free); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		return err
	}
	e.emit(NewCollateralWithdrawnEvent(artist, amount, remaining))
	return nil
}

// Purchase escrows the buyer's payment and the artist's matching lock against
// a new purchase record, mints the delivery receipt and increments the
// listing's issuance counter. After a successful purchase the sale is fully
// collateralized: vault custody grew by paid + lock.
func (e *Engine) Purchase(buyer [20]byte, listingID uint64) (*Purchase, error) {
	if err := e.ensureConfigured(); err != nil {
		return nil, err
	}
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	listing, ok, err := e.state.MarketListingGet(listingID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if listing.Minted >= listing.SupplyLimit {
		return nil, ErrSoldOut
	}
	required := e.RequiredAmount(listing.Price)
	lock := new(big.Int).Set(required)
	free, err := e.state.MarketCollateralGet(listing.Artist)
	if err != nil {
		return nil, err
	}
	free = cloneBigInt(free)
	if free.Cmp(lock) < 0 {
		return nil, ErrInsufficientCollateral
	}
	if err := wrapTransfer(e.ledger.Transfer(buyer, e.vault, required)); err != nil {
		return nil, err
	}
	index, err := e.state.MarketPurchaseCount(listingID)
	if err != nil {
		return nil, err
	}
	purchase := &Purchase{
		ListingID:     listingID,
		Index:         index,
		Buyer:         buyer,
		Status:        PurchaseActive,
		Paid:          required,
		LockedDeposit: lock,
		PurchasedAt:   e.now(),
	}
	if err := e.state.MarketCollateralPut(listing.Artist, new(big.Int).Sub(free, lock)); err != nil {
		return nil, err
	}
	if err := e.state.MarketPurchasePut(purchase); err != nil {
		return nil, err
	}
	listing.Minted++
	if err := e.state.MarketListingPut(listing); err != nil {
		return nil, err
	}
	if err := e.receipts.Issue(buyer, listingID, index); err != nil {
		return nil, err
	}
	e.emit(NewPurchaseCreatedEvent(purchase))
	return purchase.Clone(), nil
}

// Verify records the buyer's attestation for an active purchase. A positive
// outcome settles to the artist; a negative outcome marks the purchase
// disputed without moving funds.
func (e *Engine) Verify(caller [20]byte, listingID, index uint64, accepted bool) error {
	if err := e.ensureConfigured(); err != nil {
		return err
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	listing, purchase, err := e.loadSale(listingID, index)
	if err != nil {
		return err
	}
	if caller != purchase.Buyer {
		return ErrUnauthorized
	}
	if purchase.Status != PurchaseActive {
		return ErrInvalidState
	}
	if !accepted {
		purchase.Status = PurchaseDisputed
		if err := e.state.MarketPurchasePut(purchase); err != nil {
			return err
		}
		e.emit(NewPurchaseDisputedEvent(purchase))
		return nil
	}
	return e.settleToArtist(listing, purchase, NewPurchaseResolvedEvent)
}

// ForceConfirm lets the artist settle an active purchase unilaterally once
// the confirmation timeout has elapsed without buyer action.
func (e *Engine) ForceConfirm(caller [20]byte, listingID, index uint64) error {
	if err := e.ensureConfigured(); err != nil {
		return err
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	listing, purchase, err := e.loadSale(listingID, index)
	if err != nil {
		return err
	}
	if caller != listing.Artist {
		return ErrUnauthorized
	}
	if purchase.Status != PurchaseActive {
		return ErrInvalidState
	}
	if e.now() < purchase.PurchasedAt+e.confirmation {
		return ErrTimeoutNotReached
	}
	return e.settleToArtist(listing, purchase, NewPurchaseForcedEvent)
}

// SettleDispute applies the arbiter's binding ruling to a disputed purchase.
// A ruling for the artist settles exactly like a positive verification. A
// ruling for the buyer refunds the full payment, forfeits the artist's lock
// to the fee treasury and destroys the delivery receipt.
func (e *Engine) SettleDispute(caller [20]byte, listingID, index uint64, favorArtist bool) error {
	if err := e.ensureConfigured(); err != nil {
		return err
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if !e.state.HasRole(RoleArbiter, caller[:]) {
		return ErrUnauthorized
	}
	listing, purchase, err := e.loadSale(listingID, index)
	if err != nil {
		return err
	}
	if purchase.Status != PurchaseDisputed {
		return ErrInvalidState
	}
	if favorArtist {
		return e.settleToArtist(listing, purchase, NewPurchaseSettledEvent)
	}
	if isZeroAddress(e.feeTreasury) {
		return errTreasuryNotConfigured
	}
	refund := cloneBigInt(purchase.Paid)
	forfeit := cloneBigInt(purchase.LockedDeposit)
	if refund.Sign() > 0 {
		if err := wrapTransfer(e.ledger.Transfer(e.vault, purchase.Buyer, refund)); err != nil {
			return err
		}
	}
	if forfeit.Sign() > 0 {
		if err := wrapTransfer(e.ledger.Transfer(e.vault, e.feeTreasury, forfeit)); err != nil {
			return err
		}
	}
	if err := e.receipts.Destroy(purchase.Buyer, listingID, index); err != nil {
		return err
	}
	purchase.LockedDeposit = big.NewInt(0)
	purchase.Status = PurchaseRefunded
	if err := e.state.MarketPurchasePut(purchase); err != nil {
		return err
	}
	e.emit(NewPurchaseRefundedEvent(purchase, &Settlement{
		RefundToBuyer:  refund,
		CreditToSeller: big.NewInt(0),
		Fees:           big.NewInt(0),
		Forfeit:        forfeit,
	}))
	return nil
}

// settleToArtist applies the success-path accounting shared by Verify,
// ForceConfirm and an artist-favouring dispute ruling: the holdback returns
// to the buyer, fee shares go to their recipients, and the remainder of the
// escrowed value is credited to the artist's free collateral.
func (e *Engine) settleToArtist(listing *Listing, purchase *Purchase, eventFn func(*Purchase, *Settlement) *types.Event) error {
	price := cloneBigInt(listing.Price)
	refund := new(big.Int).Sub(cloneBigInt(purchase.Paid), price)
	if refund.Sign() < 0 {
		return fmt.Errorf("market engine: purchase %d/%d paid below price", purchase.ListingID, purchase.Index)
	}
	payouts := e.feePolicy.Assess(price)
	fees := big.NewInt(0)
	for _, payout := range payouts {
		if payout.Amount == nil || payout.Amount.Sign() < 0 {
			return fmt.Errorf("market engine: fee policy produced invalid payout")
		}
		fees.Add(fees, payout.Amount)
	}
	if fees.Cmp(price) > 0 {
		return fmt.Errorf("market engine: fee policy exceeds price")
	}
	credit := new(big.Int).Add(cloneBigInt(purchase.LockedDeposit), new(big.Int).Sub(price, fees))
	if refund.Sign() > 0 {
		if err := wrapTransfer(e.ledger.Transfer(e.vault, purchase.Buyer, refund)); err != nil {
			return err
		}
	}
	for _, payout := range payouts {
		if payout.Amount.Sign() == 0 {
			continue
		}
		if err := wrapTransfer(e.ledger.Transfer(e.vault, payout.Recipient, payout.Amount)); err != nil {
			return err
		}
	}
	free, err := e.state.MarketCollateralGet(listing.Artist)
	if err != nil {
		return err
	}
	free = new(big.Int).Add(cloneBigInt(free), credit)
	if err := e.state.MarketCollateralPut(listing.Artist, free); err != nil {
		return err
	}
	purchase.LockedDeposit = big.NewInt(0)
	purchase.Status = PurchaseResolved
	if err := e.state.MarketPurchasePut(purchase); err != nil {
		return err
	}
	e.emit(eventFn(purchase, &Settlement{
		RefundToBuyer:  refund,
		CreditToSeller: credit,
		Fees:           fees,
		Forfeit:        big.NewInt(0),
	}))
	return nil
}

func (e *Engine) loadSale(listingID, index uint64) (*Listing, *Purchase, error) {
	listing, ok, err := e.state.MarketListingGet(listingID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrNotFound
	}
	purchase, ok, err := e.state.MarketPurchaseGet(listingID, index)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrInvalidIndex
	}
	return listing, purchase, nil
}

// Listing returns the stored listing without mutating state.
func (e *Engine) Listing(id uint64) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	listing, ok, err := e.state.MarketListingGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return listing.Clone(), nil
}

// PurchaseRecord returns the stored purchase without mutating state.
func (e *Engine) PurchaseRecord(listingID, index uint64) (*Purchase, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, ok, err := e.state.MarketListingGet(listingID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNotFound
	}
	purchase, ok, err := e.state.MarketPurchaseGet(listingID, index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidIndex
	}
	return purchase.Clone(), nil
}

// CollateralBalance returns the artist's free collateral balance.
func (e *Engine) CollateralBalance(artist [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	free, err := e.state.MarketCollateralGet(artist)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(free), nil
}

// VaultBalance returns the payment-asset balance held in vault custody.
func (e *Engine) VaultBalance() (*big.Int, error) {
	if err := e.ensureConfigured(); err != nil {
		return nil, err
	}
	return e.ledger.BalanceOf(e.vault)
}

// accountLedger is the default AssetLedger backed by the engine state's
// account table.
type accountLedger struct {
	engine *Engine
}

func (l accountLedger) Transfer(from, to [20]byte, amount *big.Int) error {
	if l.engine == nil || l.engine.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("market: negative transfer amount")
	}
	state := l.engine.state
	fromAcc, err := state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = types.EnsureAccount(fromAcc)
	toAcc = types.EnsureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: balance %s below %s", ErrInsufficientFunds, fromAcc.Balance, amt)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return state.PutAccount(to[:], toAcc)
}

func (l accountLedger) BalanceOf(owner [20]byte) (*big.Int, error) {
	if l.engine == nil || l.engine.state == nil {
		return nil, errNilState
	}
	acc, err := l.engine.state.GetAccount(owner[:])
	if err != nil {
		return nil, err
	}
	return cloneBigInt(types.EnsureAccount(acc).Balance), nil
}
