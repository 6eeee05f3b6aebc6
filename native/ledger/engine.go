package ledger

import (
	"errors"
	"math/big"
	"time"

	"lienledger/core/events"
	nativecommon "lienledger/native/common"
)

var (
	errNilState      = errors.New("collateral ledger: state not configured")
	errNilRates      = errors.New("collateral ledger: rate config not configured")
	errNilPool       = errors.New("collateral ledger: lending pool not configured")
	errNilCustody    = errors.New("collateral ledger: custody not configured")
	errNilDebtSource = errors.New("collateral ledger: debt source not configured")

	// ErrInvalidAmount is returned when a debt operation is given a nil or
	// non-positive amount.
	ErrInvalidAmount = errors.New("collateral ledger: amount must be positive")
	// ErrNotCustodian is returned when a unit is not verifiably held by the
	// acting account.
	ErrNotCustodian = errors.New("collateral ledger: unit not held by account")
	// ErrUnitReserved is returned when a withdrawal targets a unit reserved by
	// an open sale listing.
	ErrUnitReserved = errors.New("collateral ledger: unit reserved by open listing")
)

const moduleName = "ledger"

// BadDebtError reports a non-zero over-supplied vault debt liability at an
// enforcement point.
type BadDebtError struct {
	Amount *big.Int
}

func (e *BadDebtError) Error() string {
	return "collateral ledger: bad debt liability of " + e.Amount.String()
}

// UndercollateralizedDebtError reports debt exceeding the collateral-based
// credit ceiling at an enforcement point.
type UndercollateralizedDebtError struct {
	Amount *big.Int
}

func (e *UndercollateralizedDebtError) Error() string {
	return "collateral ledger: undercollateralized debt liability of " + e.Amount.String()
}

// State is the persistence surface consumed by the engine.
type State interface {
	GetPosition(addr [20]byte) (*Position, error)
	PutPosition(pos *Position) error
	GetUnit(addr [20]byte, unitID [32]byte) (*CollateralUnit, error)
	PutUnit(addr [20]byte, unit *CollateralUnit) error
	DeleteUnit(addr [20]byte, unitID [32]byte) error
	UnitReserved(unitID [32]byte) (bool, error)
}

// RateConfig supplies the two account-family scalars feeding the credit-limit
// formula. Read-only from the ledger's perspective.
type RateConfig interface {
	RewardsRate() *big.Int
	Multiplier() *big.Int
}

// Pool is the borrow/repay surface of the external lending pool.
type Pool interface {
	LendingAsset() string
	VaultBalance() (*big.Int, error)
	OutstandingCapital() (*big.Int, error)
	// Borrow draws amount for the borrower and returns the origination fee the
	// pool levied out of the payout.
	Borrow(borrower [20]byte, amount *big.Int) (*big.Int, error)
	// Repay returns a total payment to the pool, of which feesPortion settles
	// carried fees rather than principal.
	Repay(borrower [20]byte, payment, feesPortion *big.Int) error
}

// DebtReporter exposes the pool-owned per-account debt balance. Pools backing
// the pull debt source must implement it.
type DebtReporter interface {
	DebtBalance(addr [20]byte) (*big.Int, error)
}

// DebtMover relocates pool-owned debt between accounts without changing the
// pool's aggregate exposure. Required for settlements under the pull source.
type DebtMover interface {
	TransferDebt(from, to [20]byte, amount *big.Int) error
}

// Custody verifies and performs unit ownership operations. The ledger consumes
// it as a black box.
type Custody interface {
	Custodian(unitID [32]byte) ([20]byte, error)
	IsLocked(unitID [32]byte) (bool, error)
	Lock(unitID [32]byte) error
	Weight(unitID [32]byte) (*big.Int, error)
	Transfer(unitID [32]byte, from, to [20]byte) error
}

// Engine orchestrates the collateral registry, the credit-limit formula and
// the liability accounting for the lending ledger.
type Engine struct {
	state             State
	rates             RateConfig
	pool              Pool
	custody           Custody
	debt              DebtSource
	utilisationCapBps uint64
	pauses            nativecommon.PauseView
	emitter           events.Emitter
	nowFn             func() int64
}

// NewEngine constructs a ledger engine. Collaborators are wired through the
// Set* methods before use.
func NewEngine() *Engine {
	return &Engine{
		utilisationCapBps: DefaultUtilisationCapBps,
		emitter:           events.NoopEmitter{},
		nowFn:             func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state State) { e.state = state }

// WithState returns a shallow copy of the engine bound to the provided state.
// The batch gate uses it to run operations against an overlay.
func (e *Engine) WithState(state State) *Engine {
	if e == nil {
		return nil
	}
	clone := *e
	clone.state = state
	return &clone
}

// SetRateConfig wires the rewards-rate/multiplier source.
func (e *Engine) SetRateConfig(rates RateConfig) {
	if e == nil {
		return
	}
	e.rates = rates
}

// SetPool wires the lending pool collaborator.
func (e *Engine) SetPool(pool Pool) {
	if e == nil {
		return
	}
	e.pool = pool
}

// SetCustody wires the custody collaborator.
func (e *Engine) SetCustody(custody Custody) {
	if e == nil {
		return
	}
	e.custody = custody
}

// SetDebtSource selects the push or pull debt accounting strategy.
func (e *Engine) SetDebtSource(source DebtSource) {
	if e == nil {
		return
	}
	e.debt = source
}

// SetUtilisationCap configures the pool utilisation ceiling in basis points.
func (e *Engine) SetUtilisationCap(bps uint64) {
	if e == nil {
		return
	}
	if bps == 0 || bps > 10_000 {
		bps = DefaultUtilisationCapBps
	}
	e.utilisationCapBps = bps
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

func (e *Engine) ready() error {
	switch {
	case e == nil || e.state == nil:
		return errNilState
	case e.rates == nil:
		return errNilRates
	case e.pool == nil:
		return errNilPool
	case e.debt == nil:
		return errNilDebtSource
	}
	return nil
}

func (e *Engine) ensurePosition(addr [20]byte) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pos, err := e.state.GetPosition(addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &Position{Owner: addr}
	}
	pos.EnsureDefaults()
	return pos, nil
}

// Pledge registers a unit as collateral for the owner. The unit must be
// verifiably held by the account; if it is not permanently locked yet the
// pledge converts it. Pledging an already tracked unit is a no-op.
func (e *Engine) Pledge(owner [20]byte, unitID [32]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.custody == nil {
		return errNilCustody
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}

	existing, err := e.state.GetUnit(owner, unitID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	custodian, err := e.custody.Custodian(unitID)
	if err != nil {
		return err
	}
	if custodian != owner {
		return ErrNotCustodian
	}
	locked, err := e.custody.IsLocked(unitID)
	if err != nil {
		return err
	}
	if !locked {
		if err := e.custody.Lock(unitID); err != nil {
			return err
		}
	}
	weight, err := e.custody.Weight(unitID)
	if err != nil {
		return err
	}
	if weight == nil || weight.Sign() < 0 {
		weight = big.NewInt(0)
	}

	pos, err := e.ensurePosition(owner)
	if err != nil {
		return err
	}
	debt, err := e.debt.Debt(pos)
	if err != nil {
		return err
	}

	prevCeiling := e.ceiling(pos.TotalLockedCollateral)
	pos.TotalLockedCollateral = new(big.Int).Add(pos.TotalLockedCollateral, weight)
	newCeiling := e.ceiling(pos.TotalLockedCollateral)
	applyLimitDelta(pos, prevCeiling, newCeiling, debt)

	unit := &CollateralUnit{ID: unitID, LockedWeight: new(big.Int).Set(weight), OriginTimestamp: e.now()}
	if err := e.state.PutUnit(owner, unit); err != nil {
		return err
	}
	if err := e.state.PutPosition(pos); err != nil {
		return err
	}
	e.emit(newUnitEvent(EventTypePledged, owner, unit))
	return nil
}

// Withdraw removes a unit from the owner's collateral registry. Withdrawing an
// untracked unit is a no-op; a unit reserved by an open listing cannot leave.
func (e *Engine) Withdraw(owner [20]byte, unitID [32]byte) error {
	return e.withdraw(owner, owner, unitID)
}

// WithdrawTo removes the unit from the owner's registry and releases custody
// of it to the recipient account.
func (e *Engine) WithdrawTo(owner, recipient [20]byte, unitID [32]byte) error {
	return e.withdraw(owner, recipient, unitID)
}

func (e *Engine) withdraw(owner, recipient [20]byte, unitID [32]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}

	unit, err := e.state.GetUnit(owner, unitID)
	if err != nil {
		return err
	}
	if unit == nil {
		return nil
	}
	reserved, err := e.state.UnitReserved(unitID)
	if err != nil {
		return err
	}
	if reserved {
		return ErrUnitReserved
	}

	pos, err := e.ensurePosition(owner)
	if err != nil {
		return err
	}
	debt, err := e.debt.Debt(pos)
	if err != nil {
		return err
	}

	weight := unit.LockedWeight
	if weight == nil {
		weight = big.NewInt(0)
	}
	prevCeiling := e.ceiling(pos.TotalLockedCollateral)
	pos.TotalLockedCollateral = clampZero(new(big.Int).Sub(pos.TotalLockedCollateral, weight))
	newCeiling := e.ceiling(pos.TotalLockedCollateral)
	applyLimitDelta(pos, prevCeiling, newCeiling, debt)

	if recipient != owner {
		if e.custody == nil {
			return errNilCustody
		}
		if err := e.custody.Transfer(unitID, owner, recipient); err != nil {
			return err
		}
	}
	if err := e.state.DeleteUnit(owner, unitID); err != nil {
		return err
	}
	if err := e.state.PutPosition(pos); err != nil {
		return err
	}
	e.emit(newUnitEvent(EventTypeWithdrawn, owner, unit))
	return nil
}

// RefreshUnit re-reads the unit's weight from custody and applies the delta to
// the owner's collateral total. The underlying position token may gain or lose
// weight out-of-band.
func (e *Engine) RefreshUnit(owner [20]byte, unitID [32]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.custody == nil {
		return errNilCustody
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}

	unit, err := e.state.GetUnit(owner, unitID)
	if err != nil {
		return err
	}
	if unit == nil {
		return nil
	}
	weight, err := e.custody.Weight(unitID)
	if err != nil {
		return err
	}
	if weight == nil || weight.Sign() < 0 {
		weight = big.NewInt(0)
	}
	old := unit.LockedWeight
	if old == nil {
		old = big.NewInt(0)
	}
	if weight.Cmp(old) == 0 {
		return nil
	}

	pos, err := e.ensurePosition(owner)
	if err != nil {
		return err
	}
	debt, err := e.debt.Debt(pos)
	if err != nil {
		return err
	}

	prevCeiling := e.ceiling(pos.TotalLockedCollateral)
	pos.TotalLockedCollateral = clampZero(new(big.Int).Add(new(big.Int).Sub(pos.TotalLockedCollateral, old), weight))
	newCeiling := e.ceiling(pos.TotalLockedCollateral)
	applyLimitDelta(pos, prevCeiling, newCeiling, debt)

	unit.LockedWeight = new(big.Int).Set(weight)
	if err := e.state.PutUnit(owner, unit); err != nil {
		return err
	}
	return e.state.PutPosition(pos)
}

// IncreaseDebt borrows from the pool on behalf of the owner. The operation is
// deliberately permissive: exceeding the credit limit accrues liabilities
// instead of failing, so multi-step batches stay order-independent. It returns
// the net payout to the caller and the origination fee levied by the pool.
func (e *Engine) IncreaseDebt(owner [20]byte, amount *big.Int) (*big.Int, *big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	pos, err := e.ensurePosition(owner)
	if err != nil {
		return nil, nil, err
	}
	line, debtBefore, err := e.creditLineFor(pos)
	if err != nil {
		return nil, nil, err
	}

	// Over-supply: the slice of the request the pool cannot cover becomes a
	// bad-debt liability for the batch gate to judge.
	if amount.Cmp(line.MaxLoan) > 0 {
		over := new(big.Int).Sub(amount, line.MaxLoan)
		pos.OverSuppliedVaultDebt = new(big.Int).Add(pos.OverSuppliedVaultDebt, over)
	}
	// Shortfall: project the post-borrow debt against the collateral ceiling.
	projected := new(big.Int).Add(debtBefore, amount)
	if projected.Cmp(line.MaxLoanIgnoreSupply) > 0 {
		short := new(big.Int).Sub(projected, line.MaxLoanIgnoreSupply)
		pos.UndercollateralizedDebt = new(big.Int).Add(pos.UndercollateralizedDebt, short)
	}

	receipt, err := e.debt.Borrow(pos, amount)
	if err != nil {
		return nil, nil, err
	}
	if err := e.state.PutPosition(pos); err != nil {
		return nil, nil, err
	}

	net := new(big.Int).Sub(amount, receipt.Fee)
	if net.Sign() < 0 {
		net = big.NewInt(0)
	}
	e.emit(newDebtEvent(EventTypeDebtIncreased, owner, amount, receipt.DebtAfter))
	return net, new(big.Int).Set(receipt.Fee), nil
}

// DecreaseDebt applies a payment against the owner's carried fees first and
// outstanding debt second, returning the unused excess. Under the pull source
// the applied amount is derived from the pool's observed balance drop rather
// than the nominal request.
func (e *Engine) DecreaseDebt(owner [20]byte, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	pos, err := e.ensurePosition(owner)
	if err != nil {
		return nil, err
	}
	debt, err := e.debt.Debt(pos)
	if err != nil {
		return nil, err
	}

	feesPaid := bigMin(amount, pos.UnpaidFees)
	remainder := new(big.Int).Sub(amount, feesPaid)
	requested := bigMin(remainder, debt)

	if feesPaid.Sign() == 0 && requested.Sign() == 0 {
		return new(big.Int).Set(amount), nil
	}

	receipt, err := e.debt.Repay(pos, new(big.Int).Add(requested, feesPaid), feesPaid)
	if err != nil {
		return nil, err
	}
	applied := receipt.Applied

	pos.UnpaidFees = clampZero(new(big.Int).Sub(pos.UnpaidFees, feesPaid))
	// Payments retire bad debt ahead of healthy principal.
	pos.OverSuppliedVaultDebt = clampZero(new(big.Int).Sub(pos.OverSuppliedVaultDebt, applied))

	ceiling := e.ceiling(pos.TotalLockedCollateral)
	if receipt.DebtAfter.Cmp(ceiling) <= 0 {
		pos.UndercollateralizedDebt = big.NewInt(0)
	} else {
		pos.UndercollateralizedDebt = clampZero(new(big.Int).Sub(pos.UndercollateralizedDebt, applied))
	}

	if err := e.state.PutPosition(pos); err != nil {
		return nil, err
	}

	excess := new(big.Int).Sub(remainder, applied)
	if excess.Sign() < 0 {
		excess = big.NewInt(0)
	}
	e.emit(newDebtEvent(EventTypeDebtDecreased, owner, applied, receipt.DebtAfter))
	return excess, nil
}

// TransferDebtAway removes up to amount of debt and feesToCarry of unpaid fees
// from the account during a settlement, returning the capped values actually
// removed. The same values must be threaded into AddDebtFromMarketplace so
// debt is neither created nor destroyed.
func (e *Engine) TransferDebtAway(owner, to [20]byte, amount, feesToCarry *big.Int) (*big.Int, *big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if feesToCarry == nil {
		feesToCarry = big.NewInt(0)
	}

	pos, err := e.ensurePosition(owner)
	if err != nil {
		return nil, nil, err
	}
	debt, err := e.debt.Debt(pos)
	if err != nil {
		return nil, nil, err
	}

	moved := bigMin(clampZero(amount), debt)
	feesMoved := bigMin(clampZero(feesToCarry), pos.UnpaidFees)

	if moved.Sign() > 0 {
		if err := e.debt.TransferOut(pos, to, moved); err != nil {
			return nil, nil, err
		}
	}
	pos.UnpaidFees = clampZero(new(big.Int).Sub(pos.UnpaidFees, feesMoved))
	pos.OverSuppliedVaultDebt = clampZero(new(big.Int).Sub(pos.OverSuppliedVaultDebt, moved))

	debtAfter, err := e.debt.Debt(pos)
	if err != nil {
		return nil, nil, err
	}
	ceiling := e.ceiling(pos.TotalLockedCollateral)
	if debtAfter.Cmp(ceiling) <= 0 {
		pos.UndercollateralizedDebt = big.NewInt(0)
	} else {
		pos.UndercollateralizedDebt = clampZero(new(big.Int).Sub(pos.UndercollateralizedDebt, moved))
	}

	if err := e.state.PutPosition(pos); err != nil {
		return nil, nil, err
	}
	e.emit(newDebtEvent(EventTypeDebtTransferred, owner, moved, debtAfter))
	return moved, feesMoved, nil
}

// AddDebtFromMarketplace attaches debt and carried fees to the buyer during a
// settlement. The amounts must be the capped values TransferDebtAway returned.
func (e *Engine) AddDebtFromMarketplace(owner [20]byte, amount, fees *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if fees == nil {
		fees = big.NewInt(0)
	}

	pos, err := e.ensurePosition(owner)
	if err != nil {
		return err
	}

	if amount.Sign() > 0 {
		if err := e.debt.TransferIn(pos, amount); err != nil {
			return err
		}
	}
	pos.UnpaidFees = new(big.Int).Add(pos.UnpaidFees, clampZero(fees))

	debtAfter, err := e.debt.Debt(pos)
	if err != nil {
		return err
	}
	ceiling := e.ceiling(pos.TotalLockedCollateral)
	if debtAfter.Cmp(ceiling) <= 0 {
		pos.UndercollateralizedDebt = big.NewInt(0)
	} else {
		short := new(big.Int).Sub(debtAfter, ceiling)
		pos.UndercollateralizedDebt = new(big.Int).Add(pos.UndercollateralizedDebt, short)
	}

	if err := e.state.PutPosition(pos); err != nil {
		return err
	}
	e.emit(newDebtEvent(EventTypeDebtReceived, owner, amount, debtAfter))
	return nil
}

// TransferUnit moves a collateral unit, its weight and its custody from one
// ledger account to another. Settlement uses it after verifying the listing,
// so the reservation placed by that listing does not block the move.
func (e *Engine) TransferUnit(from, to [20]byte, unitID [32]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.custody == nil {
		return errNilCustody
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	// Transferring to the current holder changes nothing.
	if from == to {
		return nil
	}

	unit, err := e.state.GetUnit(from, unitID)
	if err != nil {
		return err
	}
	if unit == nil {
		return ErrNotCustodian
	}
	weight := unit.LockedWeight
	if weight == nil {
		weight = big.NewInt(0)
	}

	fromPos, err := e.ensurePosition(from)
	if err != nil {
		return err
	}
	fromDebt, err := e.debt.Debt(fromPos)
	if err != nil {
		return err
	}
	prev := e.ceiling(fromPos.TotalLockedCollateral)
	fromPos.TotalLockedCollateral = clampZero(new(big.Int).Sub(fromPos.TotalLockedCollateral, weight))
	applyLimitDelta(fromPos, prev, e.ceiling(fromPos.TotalLockedCollateral), fromDebt)

	toPos, err := e.ensurePosition(to)
	if err != nil {
		return err
	}
	toDebt, err := e.debt.Debt(toPos)
	if err != nil {
		return err
	}
	prev = e.ceiling(toPos.TotalLockedCollateral)
	toPos.TotalLockedCollateral = new(big.Int).Add(toPos.TotalLockedCollateral, weight)
	applyLimitDelta(toPos, prev, e.ceiling(toPos.TotalLockedCollateral), toDebt)

	if err := e.custody.Transfer(unitID, from, to); err != nil {
		return err
	}
	if err := e.state.DeleteUnit(from, unitID); err != nil {
		return err
	}
	moved := unit.Clone()
	if err := e.state.PutUnit(to, moved); err != nil {
		return err
	}
	if err := e.state.PutPosition(fromPos); err != nil {
		return err
	}
	return e.state.PutPosition(toPos)
}

// EnforceInvariants fails when the account carries a non-zero bad-debt or
// undercollateralized-debt liability. It is idempotent and free of side
// effects; the batch gate is its primary caller.
func (e *Engine) EnforceInvariants(owner [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	pos, err := e.state.GetPosition(owner)
	if err != nil {
		return err
	}
	if pos == nil {
		return nil
	}
	pos.EnsureDefaults()
	if pos.OverSuppliedVaultDebt.Sign() > 0 {
		return &BadDebtError{Amount: new(big.Int).Set(pos.OverSuppliedVaultDebt)}
	}
	if pos.UndercollateralizedDebt.Sign() > 0 {
		return &UndercollateralizedDebtError{Amount: new(big.Int).Set(pos.UndercollateralizedDebt)}
	}
	return nil
}

// CreditLine computes the account's current (maxLoan, maxLoanIgnoreSupply).
func (e *Engine) CreditLine(owner [20]byte) (CreditLine, error) {
	if err := e.ready(); err != nil {
		return CreditLine{}, err
	}
	pos, err := e.ensurePosition(owner)
	if err != nil {
		return CreditLine{}, err
	}
	line, _, err := e.creditLineFor(pos)
	return line, err
}

// DebtBalance returns the account's current debt under the configured source.
func (e *Engine) DebtBalance(owner [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.debt == nil {
		return nil, errNilDebtSource
	}
	pos, err := e.ensurePosition(owner)
	if err != nil {
		return nil, err
	}
	return e.debt.Debt(pos)
}

// TotalLockedCollateral returns the sum of live unit weights for the account.
func (e *Engine) TotalLockedCollateral(owner [20]byte) (*big.Int, error) {
	pos, err := e.ensurePosition(owner)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(pos.TotalLockedCollateral), nil
}

// UnpaidFees returns the account's carried fee balance.
func (e *Engine) UnpaidFees(owner [20]byte) (*big.Int, error) {
	pos, err := e.ensurePosition(owner)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(pos.UnpaidFees), nil
}

// UnitWeight returns the locked weight recorded for the unit, or zero when the
// unit is untracked.
func (e *Engine) UnitWeight(owner [20]byte, unitID [32]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	unit, err := e.state.GetUnit(owner, unitID)
	if err != nil {
		return nil, err
	}
	if unit == nil || unit.LockedWeight == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(unit.LockedWeight), nil
}

// UnitOriginTimestamp returns the unix time the unit was pledged, or zero when
// the unit is untracked.
func (e *Engine) UnitOriginTimestamp(owner [20]byte, unitID [32]byte) (int64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	unit, err := e.state.GetUnit(owner, unitID)
	if err != nil {
		return 0, err
	}
	if unit == nil {
		return 0, nil
	}
	return unit.OriginTimestamp, nil
}

func (e *Engine) ceiling(totalLocked *big.Int) *big.Int {
	if e == nil || e.rates == nil {
		return big.NewInt(0)
	}
	return collateralCeiling(totalLocked, e.rates.RewardsRate(), e.rates.Multiplier())
}

func (e *Engine) creditLineFor(pos *Position) (CreditLine, *big.Int, error) {
	debt, err := e.debt.Debt(pos)
	if err != nil {
		return CreditLine{}, nil, err
	}
	balance, err := e.pool.VaultBalance()
	if err != nil {
		return CreditLine{}, nil, err
	}
	outstanding, err := e.pool.OutstandingCapital()
	if err != nil {
		return CreditLine{}, nil, err
	}
	ceiling := e.ceiling(pos.TotalLockedCollateral)
	return creditLine(ceiling, debt, balance, outstanding, e.utilisationCapBps), debt, nil
}

// applyLimitDelta reconciles the shortfall liability after a credit-ceiling
// change. A position whose debt fits the new ceiling is healthy regardless of
// direction; otherwise a shrinking ceiling grows the liability by the
// decrease and a growing ceiling shrinks it, floored at zero. The asymmetry
// is what keeps accounts from being locked out by becoming overcollateralized
// while still charging them for newly exceeding the limit.
func applyLimitDelta(pos *Position, prevLimit, newLimit, debt *big.Int) {
	if pos == nil {
		return
	}
	if debt == nil {
		debt = big.NewInt(0)
	}
	if debt.Cmp(newLimit) <= 0 {
		pos.UndercollateralizedDebt = big.NewInt(0)
		return
	}
	switch newLimit.Cmp(prevLimit) {
	case -1:
		decrease := new(big.Int).Sub(prevLimit, newLimit)
		pos.UndercollateralizedDebt = new(big.Int).Add(pos.UndercollateralizedDebt, decrease)
	case 1:
		increase := new(big.Int).Sub(newLimit, prevLimit)
		pos.UndercollateralizedDebt = clampZero(new(big.Int).Sub(pos.UndercollateralizedDebt, increase))
	}
}
