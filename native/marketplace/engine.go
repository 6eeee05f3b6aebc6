package marketplace

import (
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lienledger/core/events"
	"lienledger/core/types"
	nativecommon "lienledger/native/common"
	"lienledger/native/ledger"
)

var (
	errNilState  = errors.New("marketplace: state not configured")
	errNilLedger = errors.New("marketplace: ledger engine not configured")

	// ErrListingNotFound is returned when the listing identifier is unknown.
	ErrListingNotFound = errors.New("marketplace: listing not found")
	// ErrListingNotOpen is returned for operations on a settled, cancelled or
	// expired listing.
	ErrListingNotOpen = errors.New("marketplace: listing not open")
	// ErrListingExpired is returned when settlement arrives past the deadline.
	ErrListingExpired = errors.New("marketplace: listing expired")
	// ErrBuyerNotAllowed is returned when the listing restricts the buyer.
	ErrBuyerNotAllowed = errors.New("marketplace: buyer not allowed")
	// ErrCustodyChanged is returned when the unit left the seller between
	// listing and settlement.
	ErrCustodyChanged = errors.New("marketplace: unit custody changed")
	// ErrInsufficientPayment is returned when the payment does not cover the
	// listing price.
	ErrInsufficientPayment = errors.New("marketplace: payment below listing price")
	// ErrSelfSettlement is returned when buyer and seller are the same
	// account.
	ErrSelfSettlement = errors.New("marketplace: buyer equals seller")
	// ErrNotSeller is returned when a cancellation does not come from the
	// listing's seller.
	ErrNotSeller = errors.New("marketplace: caller is not the seller")
	// ErrInvalidListing is returned for malformed listing parameters.
	ErrInvalidListing = errors.New("marketplace: invalid listing parameters")
	// ErrUnitNotPledged is returned when the listed unit is not tracked by
	// the seller's ledger position.
	ErrUnitNotPledged = errors.New("marketplace: unit not pledged by seller")
)

const moduleName = "marketplace"

var zeroAddress [20]byte

// Engine settles peer-to-peer sales of pledged collateral units, moving the
// unit, a slice of the seller's debt and the sale proceeds in one atomic
// sequence.
type Engine struct {
	state          State
	ledger         *ledger.Engine
	treasury       [20]byte
	protocolFeeBps uint64
	pauses         nativecommon.PauseView
	emitter        events.Emitter
	nowFn          func() int64
}

// NewEngine constructs a marketplace engine bound to the supplied ledger
// engine.
func NewEngine(led *ledger.Engine) *Engine {
	return &Engine{
		ledger:  led,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend.
func (e *Engine) SetState(state State) { e.state = state }

// SetTreasury configures the protocol fee recipient.
func (e *Engine) SetTreasury(addr [20]byte) {
	if e == nil {
		return
	}
	e.treasury = addr
}

// SetProtocolFee configures the fee in basis points retained from every sale
// price.
func (e *Engine) SetProtocolFee(bps uint64) {
	if e == nil {
		return
	}
	if bps > 10_000 {
		bps = 10_000
	}
	e.protocolFeeBps = bps
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// CreateListing opens a sale for a pledged unit and reserves it against
// withdrawal. A zero allowedBuyer leaves the listing open to anyone.
func (e *Engine) CreateListing(seller [20]byte, unitID [32]byte, price, debtAttached, feesAttached *big.Int, allowedBuyer [20]byte, deadline int64, nonce [32]byte) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidListing
	}
	if debtAttached != nil && debtAttached.Sign() < 0 {
		return nil, ErrInvalidListing
	}
	if feesAttached != nil && feesAttached.Sign() < 0 {
		return nil, ErrInvalidListing
	}
	now := e.now()
	if deadline <= now {
		return nil, ErrInvalidListing
	}

	unit, err := e.state.GetUnit(seller, unitID)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, ErrUnitNotPledged
	}
	reserved, err := e.state.UnitReserved(unitID)
	if err != nil {
		return nil, err
	}
	if reserved {
		return nil, ledger.ErrUnitReserved
	}

	listing := &Listing{
		ID:           listingID(seller, unitID, nonce, now),
		Seller:       seller,
		AllowedBuyer: allowedBuyer,
		UnitID:       unitID,
		Deadline:     deadline,
		CreatedAt:    now,
		Status:       ListingOpen,
	}
	listing.Price = new(big.Int).Set(price)
	listing.DebtAttached = big.NewInt(0)
	if debtAttached != nil {
		listing.DebtAttached = new(big.Int).Set(debtAttached)
	}
	listing.FeesAttached = big.NewInt(0)
	if feesAttached != nil {
		listing.FeesAttached = new(big.Int).Set(feesAttached)
	}

	if err := e.state.ReserveUnit(unitID, listing.ID); err != nil {
		return nil, err
	}
	if err := e.state.PutListing(listing); err != nil {
		return nil, err
	}
	e.emit(newListingEvent(EventTypeListed, listing))
	return listing.Clone(), nil
}

// CancelListing withdraws an open listing and releases the unit reservation.
func (e *Engine) CancelListing(seller [20]byte, id [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	listing, err := e.state.GetListing(id)
	if err != nil {
		return err
	}
	if listing == nil {
		return ErrListingNotFound
	}
	if listing.Status != ListingOpen {
		return ErrListingNotOpen
	}
	if listing.Seller != seller {
		return ErrNotSeller
	}
	if err := e.state.ReleaseUnit(listing.UnitID); err != nil {
		return err
	}
	listing.Status = ListingCancelled
	if err := e.state.PutListing(listing); err != nil {
		return err
	}
	e.emit(newListingEvent(EventTypeCancelled, listing))
	return nil
}

// Settle executes the sale: it verifies custody and the listing constraints,
// moves the unit and its attached debt slice from seller to buyer, settles
// the price minus the protocol fee, and enforces invariants on both sides.
// Debt is conserved: exactly what leaves the seller arrives at the buyer.
// Callers run it inside an invariant-gate batch so a late failure unwinds
// every step.
func (e *Engine) Settle(id [32]byte, buyer [20]byte, payment *big.Int) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	listing, err := e.state.GetListing(id)
	if err != nil {
		return nil, err
	}
	if listing == nil {
		return nil, ErrListingNotFound
	}
	if listing.Status != ListingOpen {
		return nil, ErrListingNotOpen
	}
	if e.now() > listing.Deadline {
		listing.Status = ListingExpired
		if err := e.state.ReleaseUnit(listing.UnitID); err != nil {
			return nil, err
		}
		if err := e.state.PutListing(listing); err != nil {
			return nil, err
		}
		return nil, ErrListingExpired
	}
	if listing.AllowedBuyer != zeroAddress && listing.AllowedBuyer != buyer {
		return nil, ErrBuyerNotAllowed
	}
	if buyer == listing.Seller {
		return nil, ErrSelfSettlement
	}
	if payment == nil || payment.Cmp(listing.Price) < 0 {
		return nil, ErrInsufficientPayment
	}

	// Custody must still match the seller recorded at listing time.
	unit, err := e.state.GetUnit(listing.Seller, listing.UnitID)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, ErrCustodyChanged
	}

	// Collateral moves first so both liability recomputes see the post-trade
	// weights.
	if err := e.ledger.TransferUnit(listing.Seller, buyer, listing.UnitID); err != nil {
		return nil, err
	}

	// The capped amounts returned by the seller's side are threaded verbatim
	// into the buyer's side so debt is neither created nor destroyed.
	debtMoved, feesMoved, err := e.ledger.TransferDebtAway(listing.Seller, buyer, listing.DebtAttached, listing.FeesAttached)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.AddDebtFromMarketplace(buyer, debtMoved, feesMoved); err != nil {
		return nil, err
	}

	if err := e.settlePrice(listing.Seller, buyer, listing.Price); err != nil {
		return nil, err
	}

	if err := e.state.ReleaseUnit(listing.UnitID); err != nil {
		return nil, err
	}
	listing.Status = ListingSettled
	listing.SettledAt = e.now()
	if err := e.state.PutListing(listing); err != nil {
		return nil, err
	}

	if err := e.ledger.EnforceInvariants(listing.Seller); err != nil {
		return nil, err
	}
	if err := e.ledger.EnforceInvariants(buyer); err != nil {
		return nil, err
	}

	e.emit(newSettlementEvent(listing, buyer, debtMoved, feesMoved))
	return listing.Clone(), nil
}

func (e *Engine) settlePrice(seller, buyer [20]byte, price *big.Int) error {
	buyerAcc, err := e.state.GetAccount(buyer)
	if err != nil {
		return err
	}
	if buyerAcc == nil {
		return ErrInsufficientPayment
	}
	buyerAcc.EnsureDefaults()
	if buyerAcc.BalanceBase.Cmp(price) < 0 {
		return ErrInsufficientPayment
	}
	sellerAcc, err := e.state.GetAccount(seller)
	if err != nil {
		return err
	}
	if sellerAcc == nil {
		sellerAcc = &types.Account{}
	}
	sellerAcc.EnsureDefaults()

	fee := new(big.Int)
	if e.protocolFeeBps > 0 {
		fee.Mul(price, new(big.Int).SetUint64(e.protocolFeeBps))
		fee.Quo(fee, big.NewInt(10_000))
	}
	proceeds := new(big.Int).Sub(price, fee)

	buyerAcc.BalanceBase = new(big.Int).Sub(buyerAcc.BalanceBase, price)
	sellerAcc.BalanceBase = new(big.Int).Add(sellerAcc.BalanceBase, proceeds)

	if err := e.state.PutAccount(buyer, buyerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(seller, sellerAcc); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		treasuryAcc, err := e.state.GetAccount(e.treasury)
		if err != nil {
			return err
		}
		if treasuryAcc == nil {
			treasuryAcc = &types.Account{}
		}
		treasuryAcc.EnsureDefaults()
		treasuryAcc.BalanceBase = new(big.Int).Add(treasuryAcc.BalanceBase, fee)
		if err := e.state.PutAccount(e.treasury, treasuryAcc); err != nil {
			return err
		}
	}
	return nil
}

func listingID(seller [20]byte, unitID [32]byte, nonce [32]byte, createdAt int64) [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt))
	digest := ethcrypto.Keccak256(seller[:], unitID[:], nonce[:], ts[:])
	var id [32]byte
	copy(id[:], digest)
	return id
}
