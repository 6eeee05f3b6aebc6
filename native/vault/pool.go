package vault

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"lienledger/core/types"
	nativecommon "lienledger/native/common"
)

var (
	errNilState              = errors.New("vault: state not configured")
	errNilPool               = errors.New("vault: pool not initialised")
	errPoolNotConfigured     = errors.New("vault: pool identifier not configured")
	errInvalidAmount         = errors.New("vault: amount must be positive")
	errInsufficientBalance   = errors.New("vault: insufficient balance")
	errInsufficientLiquidity = errors.New("vault: insufficient liquidity")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "vault"

// PoolState is the stored accounting record for a lending pool. Per-account
// debts live here so the pool can act as the authoritative debt counter for
// the pull-mode ledger.
type PoolState struct {
	PoolID string `json:"poolId"`
	// VaultBalance is the liquidity currently available to lend.
	VaultBalance *big.Int `json:"vaultBalance"`
	// OutstandingCapital is the aggregate principal currently lent out.
	OutstandingCapital *big.Int `json:"outstandingCapital"`
	// Debts maps hex-encoded borrower addresses to their outstanding
	// principal.
	Debts map[string]*big.Int `json:"debts"`
	// FeesAccrued is the cumulative origination and repayment fee total
	// routed to the treasury.
	FeesAccrued *big.Int `json:"feesAccrued"`
}

// EnsureDefaults populates nil fields so JSON handling is safe.
func (p *PoolState) EnsureDefaults() {
	if p == nil {
		return
	}
	if p.VaultBalance == nil {
		p.VaultBalance = big.NewInt(0)
	}
	if p.OutstandingCapital == nil {
		p.OutstandingCapital = big.NewInt(0)
	}
	if p.Debts == nil {
		p.Debts = make(map[string]*big.Int)
	}
	if p.FeesAccrued == nil {
		p.FeesAccrued = big.NewInt(0)
	}
}

type poolState interface {
	GetPool(poolID string) (*PoolState, error)
	PutPool(pool *PoolState) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// Pool is a reference lending pool backed by the shared state store. It
// satisfies the ledger's Pool, DebtReporter and DebtMover interfaces, so it
// can serve both the push and the pull debt source.
type Pool struct {
	state             poolState
	poolID            string
	lendingAsset      string
	treasury          [20]byte
	originationFeeBps uint64
	pauses            nativecommon.PauseView
}

// NewPool constructs a pool bound to the given identifier and treasury.
func NewPool(poolID string, treasury [20]byte) *Pool {
	return &Pool{
		poolID:       strings.TrimSpace(poolID),
		lendingAsset: "LENT",
		treasury:     treasury,
	}
}

// SetState wires the pool to the external persistence layer.
func (p *Pool) SetState(state poolState) { p.state = state }

// WithState returns a shallow copy bound to the provided state. Batches use it
// so pool mutations ride the same overlay as ledger mutations.
func (p *Pool) WithState(state poolState) *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.state = state
	return &clone
}

// SetOriginationFee configures the fee in basis points levied out of every
// borrow payout.
func (p *Pool) SetOriginationFee(bps uint64) {
	if p == nil {
		return
	}
	if bps > 10_000 {
		bps = 10_000
	}
	p.originationFeeBps = bps
}

func (p *Pool) SetPauses(v nativecommon.PauseView) {
	if p == nil {
		return
	}
	p.pauses = v
}

// LendingAsset names the token the pool lends.
func (p *Pool) LendingAsset() string {
	if p == nil {
		return ""
	}
	return p.lendingAsset
}

func (p *Pool) ensurePool() (*PoolState, error) {
	if p == nil || p.state == nil {
		return nil, errNilState
	}
	if p.poolID == "" {
		return nil, errPoolNotConfigured
	}
	pool, err := p.state.GetPool(p.poolID)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errNilPool
	}
	pool.EnsureDefaults()
	return pool, nil
}

func (p *Pool) loadAccount(addr [20]byte) (*types.Account, error) {
	acc, err := p.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	acc.EnsureDefaults()
	return acc, nil
}

// Bootstrap creates the pool record when absent. The daemon calls it at
// startup with the configured seed liquidity.
func (p *Pool) Bootstrap(seedLiquidity *big.Int) error {
	if p == nil || p.state == nil {
		return errNilState
	}
	if p.poolID == "" {
		return errPoolNotConfigured
	}
	existing, err := p.state.GetPool(p.poolID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	pool := &PoolState{PoolID: p.poolID}
	pool.EnsureDefaults()
	if seedLiquidity != nil && seedLiquidity.Sign() > 0 {
		pool.VaultBalance = new(big.Int).Set(seedLiquidity)
	}
	return p.state.PutPool(pool)
}

// Fund moves liquidity from the supplier's account into the vault.
func (p *Pool) Fund(supplier [20]byte, amount *big.Int) error {
	if err := nativecommon.Guard(p.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	pool, err := p.ensurePool()
	if err != nil {
		return err
	}
	acc, err := p.loadAccount(supplier)
	if err != nil {
		return err
	}
	if acc.BalanceLent.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	acc.BalanceLent = new(big.Int).Sub(acc.BalanceLent, amount)
	pool.VaultBalance = new(big.Int).Add(pool.VaultBalance, amount)
	if err := p.state.PutAccount(supplier, acc); err != nil {
		return err
	}
	return p.state.PutPool(pool)
}

// VaultBalance reports the liquidity currently available to lend.
func (p *Pool) VaultBalance() (*big.Int, error) {
	pool, err := p.ensurePool()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(pool.VaultBalance), nil
}

// OutstandingCapital reports the aggregate principal currently lent out.
func (p *Pool) OutstandingCapital() (*big.Int, error) {
	pool, err := p.ensurePool()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(pool.OutstandingCapital), nil
}

// Borrow draws amount for the borrower, pays out the principal minus the
// origination fee and returns the fee. The fee accrues to the treasury.
func (p *Pool) Borrow(borrower [20]byte, amount *big.Int) (*big.Int, error) {
	if err := nativecommon.Guard(p.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	pool, err := p.ensurePool()
	if err != nil {
		return nil, err
	}
	if pool.VaultBalance.Cmp(amount) < 0 {
		return nil, errInsufficientLiquidity
	}

	fee := new(big.Int)
	if p.originationFeeBps > 0 {
		fee.Mul(amount, new(big.Int).SetUint64(p.originationFeeBps))
		fee.Quo(fee, basisPoints)
	}
	net := new(big.Int).Sub(amount, fee)

	borrowerAcc, err := p.loadAccount(borrower)
	if err != nil {
		return nil, err
	}
	treasuryAcc, err := p.loadAccount(p.treasury)
	if err != nil {
		return nil, err
	}

	pool.VaultBalance = new(big.Int).Sub(pool.VaultBalance, amount)
	pool.OutstandingCapital = new(big.Int).Add(pool.OutstandingCapital, amount)
	pool.Debts[debtKey(borrower)] = new(big.Int).Add(p.debtOf(pool, borrower), amount)
	if fee.Sign() > 0 {
		pool.FeesAccrued = new(big.Int).Add(pool.FeesAccrued, fee)
	}

	borrowerAcc.BalanceLent = new(big.Int).Add(borrowerAcc.BalanceLent, net)
	treasuryAcc.BalanceLent = new(big.Int).Add(treasuryAcc.BalanceLent, fee)

	if err := p.state.PutAccount(borrower, borrowerAcc); err != nil {
		return nil, err
	}
	if err := p.state.PutAccount(p.treasury, treasuryAcc); err != nil {
		return nil, err
	}
	if err := p.state.PutPool(pool); err != nil {
		return nil, err
	}
	return fee, nil
}

// Repay returns payment to the pool from the borrower's balance. feesPortion
// settles carried fees and accrues to the treasury; the remainder retires
// principal, capped at the borrower's recorded debt.
func (p *Pool) Repay(borrower [20]byte, payment, feesPortion *big.Int) error {
	if err := nativecommon.Guard(p.pauses, moduleName); err != nil {
		return err
	}
	if payment == nil || payment.Sign() <= 0 {
		return errInvalidAmount
	}
	if feesPortion == nil {
		feesPortion = big.NewInt(0)
	}
	if feesPortion.Sign() < 0 || feesPortion.Cmp(payment) > 0 {
		return errInvalidAmount
	}
	pool, err := p.ensurePool()
	if err != nil {
		return err
	}
	borrowerAcc, err := p.loadAccount(borrower)
	if err != nil {
		return err
	}
	if borrowerAcc.BalanceLent.Cmp(payment) < 0 {
		return errInsufficientBalance
	}
	treasuryAcc, err := p.loadAccount(p.treasury)
	if err != nil {
		return err
	}

	principal := new(big.Int).Sub(payment, feesPortion)
	debt := p.debtOf(pool, borrower)
	if principal.Cmp(debt) > 0 {
		principal = new(big.Int).Set(debt)
	}

	borrowerAcc.BalanceLent = new(big.Int).Sub(borrowerAcc.BalanceLent, payment)
	treasuryAcc.BalanceLent = new(big.Int).Add(treasuryAcc.BalanceLent, feesPortion)
	pool.VaultBalance = new(big.Int).Add(pool.VaultBalance, principal)
	pool.OutstandingCapital = subFloor(pool.OutstandingCapital, principal)
	pool.Debts[debtKey(borrower)] = new(big.Int).Sub(debt, principal)
	if feesPortion.Sign() > 0 {
		pool.FeesAccrued = new(big.Int).Add(pool.FeesAccrued, feesPortion)
	}

	if err := p.state.PutAccount(borrower, borrowerAcc); err != nil {
		return err
	}
	if err := p.state.PutAccount(p.treasury, treasuryAcc); err != nil {
		return err
	}
	return p.state.PutPool(pool)
}

// DebtBalance reports the pool-owned debt for the account. This is the
// authoritative counter under the pull debt source.
func (p *Pool) DebtBalance(addr [20]byte) (*big.Int, error) {
	pool, err := p.ensurePool()
	if err != nil {
		return nil, err
	}
	return p.debtOf(pool, addr), nil
}

// TransferDebt relocates pool-owned debt between accounts without changing
// the pool's aggregate exposure. Settlements under the pull source use it.
func (p *Pool) TransferDebt(from, to [20]byte, amount *big.Int) error {
	if err := nativecommon.Guard(p.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	pool, err := p.ensurePool()
	if err != nil {
		return err
	}
	fromDebt := p.debtOf(pool, from)
	if fromDebt.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	pool.Debts[debtKey(from)] = new(big.Int).Sub(fromDebt, amount)
	pool.Debts[debtKey(to)] = new(big.Int).Add(p.debtOf(pool, to), amount)
	return p.state.PutPool(pool)
}

// VestIntoDebt retires part of the borrower's debt out-of-band, e.g. when
// vested rewards are swept into repayment by the pool itself. The pull debt
// source observes the drop through its before/after polling.
func (p *Pool) VestIntoDebt(borrower [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	pool, err := p.ensurePool()
	if err != nil {
		return err
	}
	debt := p.debtOf(pool, borrower)
	retired := new(big.Int).Set(amount)
	if retired.Cmp(debt) > 0 {
		retired = new(big.Int).Set(debt)
	}
	pool.Debts[debtKey(borrower)] = new(big.Int).Sub(debt, retired)
	pool.OutstandingCapital = subFloor(pool.OutstandingCapital, retired)
	pool.VaultBalance = new(big.Int).Add(pool.VaultBalance, retired)
	return p.state.PutPool(pool)
}

func (p *Pool) debtOf(pool *PoolState, addr [20]byte) *big.Int {
	if pool == nil || pool.Debts == nil {
		return big.NewInt(0)
	}
	debt, ok := pool.Debts[debtKey(addr)]
	if !ok || debt == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(debt)
}

func debtKey(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}

func subFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}
