package ledger

import (
	"errors"
	"math/big"
	"testing"
)

type memState struct {
	positions map[[20]byte]*Position
	units     map[[20]byte]map[[32]byte]*CollateralUnit
	reserved  map[[32]byte]bool
}

func newMemState() *memState {
	return &memState{
		positions: make(map[[20]byte]*Position),
		units:     make(map[[20]byte]map[[32]byte]*CollateralUnit),
		reserved:  make(map[[32]byte]bool),
	}
}

func (s *memState) GetPosition(addr [20]byte) (*Position, error) {
	pos, ok := s.positions[addr]
	if !ok {
		return nil, nil
	}
	return pos.Clone(), nil
}

func (s *memState) PutPosition(pos *Position) error {
	s.positions[pos.Owner] = pos.Clone()
	return nil
}

func (s *memState) GetUnit(addr [20]byte, unitID [32]byte) (*CollateralUnit, error) {
	units, ok := s.units[addr]
	if !ok {
		return nil, nil
	}
	unit, ok := units[unitID]
	if !ok {
		return nil, nil
	}
	return unit.Clone(), nil
}

func (s *memState) PutUnit(addr [20]byte, unit *CollateralUnit) error {
	units, ok := s.units[addr]
	if !ok {
		units = make(map[[32]byte]*CollateralUnit)
		s.units[addr] = units
	}
	units[unit.ID] = unit.Clone()
	return nil
}

func (s *memState) DeleteUnit(addr [20]byte, unitID [32]byte) error {
	if units, ok := s.units[addr]; ok {
		delete(units, unitID)
	}
	return nil
}

func (s *memState) UnitReserved(unitID [32]byte) (bool, error) {
	return s.reserved[unitID], nil
}

func (s *memState) clone() *memState {
	out := newMemState()
	for addr, pos := range s.positions {
		out.positions[addr] = pos.Clone()
	}
	for addr, units := range s.units {
		cloned := make(map[[32]byte]*CollateralUnit, len(units))
		for id, unit := range units {
			cloned[id] = unit.Clone()
		}
		out.units[addr] = cloned
	}
	for id, reserved := range s.reserved {
		out.reserved[id] = reserved
	}
	return out
}

type fakePool struct {
	balance     *big.Int
	outstanding *big.Int
	feeBps      uint64
	debts       map[[20]byte]*big.Int
	feesTaken   *big.Int
}

func newFakePool(balance int64) *fakePool {
	return &fakePool{
		balance:     big.NewInt(balance),
		outstanding: big.NewInt(0),
		debts:       make(map[[20]byte]*big.Int),
		feesTaken:   big.NewInt(0),
	}
}

func (p *fakePool) LendingAsset() string { return "LENT" }

func (p *fakePool) VaultBalance() (*big.Int, error) {
	return new(big.Int).Set(p.balance), nil
}

func (p *fakePool) OutstandingCapital() (*big.Int, error) {
	return new(big.Int).Set(p.outstanding), nil
}

func (p *fakePool) Borrow(borrower [20]byte, amount *big.Int) (*big.Int, error) {
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(p.feeBps))
	fee.Quo(fee, big.NewInt(10_000))
	p.balance.Sub(p.balance, amount)
	p.outstanding.Add(p.outstanding, amount)
	p.debts[borrower] = new(big.Int).Add(p.debtOf(borrower), amount)
	p.feesTaken.Add(p.feesTaken, fee)
	return fee, nil
}

func (p *fakePool) Repay(borrower [20]byte, payment, feesPortion *big.Int) error {
	principal := new(big.Int).Sub(payment, feesPortion)
	debt := p.debtOf(borrower)
	if principal.Cmp(debt) > 0 {
		principal = new(big.Int).Set(debt)
	}
	p.debts[borrower] = new(big.Int).Sub(debt, principal)
	p.balance.Add(p.balance, principal)
	p.outstanding.Sub(p.outstanding, principal)
	p.feesTaken.Add(p.feesTaken, feesPortion)
	return nil
}

func (p *fakePool) DebtBalance(addr [20]byte) (*big.Int, error) {
	return p.debtOf(addr), nil
}

func (p *fakePool) TransferDebt(from, to [20]byte, amount *big.Int) error {
	fromDebt := p.debtOf(from)
	if fromDebt.Cmp(amount) < 0 {
		return errors.New("fake pool: insufficient debt")
	}
	p.debts[from] = new(big.Int).Sub(fromDebt, amount)
	p.debts[to] = new(big.Int).Add(p.debtOf(to), amount)
	return nil
}

func (p *fakePool) debtOf(addr [20]byte) *big.Int {
	debt, ok := p.debts[addr]
	if !ok || debt == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(debt)
}

type fakeCustody struct {
	owners  map[[32]byte][20]byte
	locked  map[[32]byte]bool
	weights map[[32]byte]*big.Int
}

func newFakeCustody() *fakeCustody {
	return &fakeCustody{
		owners:  make(map[[32]byte][20]byte),
		locked:  make(map[[32]byte]bool),
		weights: make(map[[32]byte]*big.Int),
	}
}

func (c *fakeCustody) register(unitID [32]byte, owner [20]byte, weight int64) {
	c.owners[unitID] = owner
	c.weights[unitID] = big.NewInt(weight)
}

func (c *fakeCustody) Custodian(unitID [32]byte) ([20]byte, error) {
	return c.owners[unitID], nil
}

func (c *fakeCustody) IsLocked(unitID [32]byte) (bool, error) {
	return c.locked[unitID], nil
}

func (c *fakeCustody) Lock(unitID [32]byte) error {
	c.locked[unitID] = true
	return nil
}

func (c *fakeCustody) Weight(unitID [32]byte) (*big.Int, error) {
	weight, ok := c.weights[unitID]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(weight), nil
}

func (c *fakeCustody) Transfer(unitID [32]byte, from, to [20]byte) error {
	if c.owners[unitID] != from {
		return errors.New("fake custody: not the holder")
	}
	c.owners[unitID] = to
	return nil
}

// identityRates keep ceiling(x) == x so expected values stay readable.
func identityRates() *StaticRateConfig {
	return NewStaticRateConfig(big.NewInt(1_000_000), mustBigInt("1000000000000"))
}

func newTestEngine(t *testing.T, st State, pool *fakePool, cust *fakeCustody) *Engine {
	t.Helper()
	eng := NewEngine()
	eng.SetState(st)
	eng.SetRateConfig(identityRates())
	eng.SetPool(pool)
	eng.SetCustody(cust)
	source, err := NewLocalDebtSource(pool)
	if err != nil {
		t.Fatalf("local debt source: %v", err)
	}
	eng.SetDebtSource(source)
	eng.SetNowFunc(func() int64 { return 42 })
	return eng
}

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func unit(b byte) [32]byte {
	var out [32]byte
	out[31] = b
	return out
}

func mustPosition(t *testing.T, st State, owner [20]byte) *Position {
	t.Helper()
	pos, err := st.GetPosition(owner)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos == nil {
		t.Fatalf("position missing for %x", owner)
	}
	pos.EnsureDefaults()
	return pos
}

func TestPledgeTracksUnitWeight(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)
	unitID := unit(1)
	cust.register(unitID, owner, 100)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(owner, unitID); err != nil {
		t.Fatalf("pledge: %v", err)
	}

	pos := mustPosition(t, st, owner)
	if pos.TotalLockedCollateral.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("total locked = %s, want 100", pos.TotalLockedCollateral)
	}
	if !cust.locked[unitID] {
		t.Fatalf("pledge must lock the unit")
	}
	ts, err := eng.UnitOriginTimestamp(owner, unitID)
	if err != nil {
		t.Fatalf("origin timestamp: %v", err)
	}
	if ts != 42 {
		t.Fatalf("origin timestamp = %d, want 42", ts)
	}
}

func TestPledgeIdempotent(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)
	unitID := unit(1)
	cust.register(unitID, owner, 100)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(owner, unitID); err != nil {
		t.Fatalf("first pledge: %v", err)
	}
	if err := eng.Pledge(owner, unitID); err != nil {
		t.Fatalf("second pledge: %v", err)
	}
	pos := mustPosition(t, st, owner)
	if pos.TotalLockedCollateral.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("total locked = %s after repledge, want 100", pos.TotalLockedCollateral)
	}
}

func TestPledgeRejectsForeignUnit(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	unitID := unit(1)
	cust.register(unitID, addr(2), 100)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(addr(1), unitID); !errors.Is(err, ErrNotCustodian) {
		t.Fatalf("pledge err = %v, want ErrNotCustodian", err)
	}
}

func TestWithdrawUntrackedIsNoop(t *testing.T) {
	st := newMemState()
	eng := newTestEngine(t, st, newFakePool(0), newFakeCustody())
	if err := eng.Withdraw(addr(1), unit(9)); err != nil {
		t.Fatalf("withdraw untracked: %v", err)
	}
	if pos, _ := st.GetPosition(addr(1)); pos != nil {
		t.Fatalf("withdraw of untracked unit must not create a position")
	}
}

func TestWithdrawReservedUnitFails(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)
	unitID := unit(1)
	cust.register(unitID, owner, 100)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(owner, unitID); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	st.reserved[unitID] = true
	if err := eng.Withdraw(owner, unitID); !errors.Is(err, ErrUnitReserved) {
		t.Fatalf("withdraw err = %v, want ErrUnitReserved", err)
	}
}

func TestWithdrawToReleasesCustody(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)
	recipient := addr(2)
	unitID := unit(1)
	cust.register(unitID, owner, 100)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(owner, unitID); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	if err := eng.WithdrawTo(owner, recipient, unitID); err != nil {
		t.Fatalf("withdraw to: %v", err)
	}
	pos := mustPosition(t, st, owner)
	if pos.TotalLockedCollateral.Sign() != 0 {
		t.Fatalf("total locked = %s after withdraw, want 0", pos.TotalLockedCollateral)
	}
	if cust.owners[unitID] != recipient {
		t.Fatalf("custody did not move to the recipient")
	}
	if unit, _ := st.GetUnit(owner, unitID); unit != nil {
		t.Fatalf("unit record must be deleted on withdraw")
	}
}

func TestRefreshUnitAppliesWeightDelta(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)
	unitID := unit(1)
	cust.register(unitID, owner, 100)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(owner, unitID); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	cust.weights[unitID] = big.NewInt(150)
	if err := eng.RefreshUnit(owner, unitID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	pos := mustPosition(t, st, owner)
	if pos.TotalLockedCollateral.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("total locked = %s after refresh, want 150", pos.TotalLockedCollateral)
	}
}

func TestRefreshUnitShrinkRaisesShortfall(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)
	unitID := unit(1)
	cust.register(unitID, owner, 150)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(owner, unitID); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	if _, _, err := eng.IncreaseDebt(owner, big.NewInt(120)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	cust.weights[unitID] = big.NewInt(100)
	if err := eng.RefreshUnit(owner, unitID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	pos := mustPosition(t, st, owner)
	// Limit fell 150 -> 100 with debt 120 above the new limit, so the
	// shortfall grows by the full decrease.
	if pos.UndercollateralizedDebt.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("shortfall = %s, want 50", pos.UndercollateralizedDebt)
	}
}

func TestIncreaseDebtWithinLimit(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	pool.feeBps = 100
	cust := newFakeCustody()
	owner := addr(1)
	unitID := unit(1)
	cust.register(unitID, owner, 1000)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(owner, unitID); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	net, fee, err := eng.IncreaseDebt(owner, big.NewInt(400))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if net.Cmp(big.NewInt(396)) != 0 || fee.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("net = %s fee = %s, want 396/4", net, fee)
	}
	pos := mustPosition(t, st, owner)
	if pos.Debt.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("debt = %s, want 400", pos.Debt)
	}
	if err := eng.EnforceInvariants(owner); err != nil {
		t.Fatalf("enforce invariants: %v", err)
	}
}

func TestIncreaseDebtPermissiveOverLimit(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)
	unitID := unit(1)
	cust.register(unitID, owner, 100)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(owner, unitID); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	// The borrow must not fail; the excess lands in the liability counters.
	if _, _, err := eng.IncreaseDebt(owner, big.NewInt(250)); err != nil {
		t.Fatalf("over-limit borrow: %v", err)
	}
	pos := mustPosition(t, st, owner)
	if pos.Debt.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("debt = %s, want 250", pos.Debt)
	}
	if pos.OverSuppliedVaultDebt.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("bad debt = %s, want 150", pos.OverSuppliedVaultDebt)
	}
	if pos.UndercollateralizedDebt.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("shortfall = %s, want 150", pos.UndercollateralizedDebt)
	}

	var badDebt *BadDebtError
	if err := eng.EnforceInvariants(owner); !errors.As(err, &badDebt) {
		t.Fatalf("enforce invariants err = %v, want BadDebtError", err)
	}
}

func TestDecreaseDebtPaysFeesFirst(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)
	unitID := unit(1)
	cust.register(unitID, owner, 1000)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(owner, unitID); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	if _, _, err := eng.IncreaseDebt(owner, big.NewInt(100)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	pos := mustPosition(t, st, owner)
	pos.UnpaidFees = big.NewInt(30)
	if err := st.PutPosition(pos); err != nil {
		t.Fatalf("put position: %v", err)
	}

	excess, err := eng.DecreaseDebt(owner, big.NewInt(50))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if excess.Sign() != 0 {
		t.Fatalf("excess = %s, want 0", excess)
	}
	pos = mustPosition(t, st, owner)
	if pos.UnpaidFees.Sign() != 0 {
		t.Fatalf("unpaid fees = %s, want 0", pos.UnpaidFees)
	}
	if pos.Debt.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("debt = %s, want 80 (only 20 of the payment hits principal)", pos.Debt)
	}
	if pool.feesTaken.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("pool fees taken = %s, want 30", pool.feesTaken)
	}
}

func TestDecreaseDebtReturnsExcess(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)
	unitID := unit(1)
	cust.register(unitID, owner, 1000)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(owner, unitID); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	if _, _, err := eng.IncreaseDebt(owner, big.NewInt(40)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	excess, err := eng.DecreaseDebt(owner, big.NewInt(100))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if excess.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("excess = %s, want 60", excess)
	}
	pos := mustPosition(t, st, owner)
	if pos.Debt.Sign() != 0 {
		t.Fatalf("debt = %s, want 0", pos.Debt)
	}
}

func TestDecreaseDebtNeverLocksOut(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)

	// Debt 1000 against a limit of 800: already over, shortfall 200.
	pos := &Position{
		Owner:                   owner,
		TotalLockedCollateral:   big.NewInt(800),
		Debt:                    big.NewInt(1000),
		UndercollateralizedDebt: big.NewInt(200),
	}
	pos.EnsureDefaults()
	if err := st.PutPosition(pos); err != nil {
		t.Fatalf("put position: %v", err)
	}
	pool.debts[owner] = big.NewInt(1000)

	eng := newTestEngine(t, st, pool, cust)
	excess, err := eng.DecreaseDebt(owner, big.NewInt(100))
	if err != nil {
		t.Fatalf("repay while over limit must succeed: %v", err)
	}
	if excess.Sign() != 0 {
		t.Fatalf("excess = %s, want 0", excess)
	}
	pos = mustPosition(t, st, owner)
	if pos.Debt.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("debt = %s, want 900", pos.Debt)
	}
	// Still above the 800 limit, so the shortfall shrinks by the applied
	// amount instead of clearing.
	if pos.UndercollateralizedDebt.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("shortfall = %s, want 100", pos.UndercollateralizedDebt)
	}
}

func TestDecreaseDebtRetiresBadDebtFirst(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)

	pos := &Position{
		Owner:                 owner,
		TotalLockedCollateral: big.NewInt(1000),
		Debt:                  big.NewInt(100),
		OverSuppliedVaultDebt: big.NewInt(50),
	}
	pos.EnsureDefaults()
	if err := st.PutPosition(pos); err != nil {
		t.Fatalf("put position: %v", err)
	}
	pool.debts[owner] = big.NewInt(100)

	eng := newTestEngine(t, st, pool, cust)
	if _, err := eng.DecreaseDebt(owner, big.NewInt(60)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	pos = mustPosition(t, st, owner)
	if pos.OverSuppliedVaultDebt.Sign() != 0 {
		t.Fatalf("bad debt = %s, want 0", pos.OverSuppliedVaultDebt)
	}
	if pos.Debt.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("debt = %s, want 40", pos.Debt)
	}
}

func TestPledgeClearsShortfallMonotonically(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)

	pos := &Position{
		Owner:                   owner,
		TotalLockedCollateral:   big.NewInt(800),
		Debt:                    big.NewInt(1000),
		UndercollateralizedDebt: big.NewInt(200),
	}
	pos.EnsureDefaults()
	if err := st.PutPosition(pos); err != nil {
		t.Fatalf("put position: %v", err)
	}
	pool.debts[owner] = big.NewInt(1000)

	unitA := unit(1)
	unitB := unit(2)
	cust.register(unitA, owner, 100)
	cust.register(unitB, owner, 100)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(owner, unitA); err != nil {
		t.Fatalf("pledge A: %v", err)
	}
	pos = mustPosition(t, st, owner)
	if pos.UndercollateralizedDebt.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("shortfall after first pledge = %s, want 100", pos.UndercollateralizedDebt)
	}
	if err := eng.Pledge(owner, unitB); err != nil {
		t.Fatalf("pledge B: %v", err)
	}
	pos = mustPosition(t, st, owner)
	// Debt 1000 now fits the 1000 limit, so the shortfall clears.
	if pos.UndercollateralizedDebt.Sign() != 0 {
		t.Fatalf("shortfall after second pledge = %s, want 0", pos.UndercollateralizedDebt)
	}
}

func TestTransferUnitMovesWeightAndCustody(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	from := addr(1)
	to := addr(2)
	unitID := unit(1)
	cust.register(unitID, from, 100)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(from, unitID); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	if err := eng.TransferUnit(from, to, unitID); err != nil {
		t.Fatalf("transfer unit: %v", err)
	}
	fromPos := mustPosition(t, st, from)
	toPos := mustPosition(t, st, to)
	if fromPos.TotalLockedCollateral.Sign() != 0 {
		t.Fatalf("sender collateral = %s, want 0", fromPos.TotalLockedCollateral)
	}
	if toPos.TotalLockedCollateral.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("recipient collateral = %s, want 100", toPos.TotalLockedCollateral)
	}
	if cust.owners[unitID] != to {
		t.Fatalf("custody did not follow the unit")
	}
	if got, _ := st.GetUnit(to, unitID); got == nil {
		t.Fatalf("unit record missing on recipient side")
	}
}

func TestDebtTransferConservation(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	seller := addr(1)
	buyer := addr(2)
	unitID := unit(1)
	cust.register(unitID, seller, 500)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(seller, unitID); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	if _, _, err := eng.IncreaseDebt(seller, big.NewInt(400)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := eng.TransferUnit(seller, buyer, unitID); err != nil {
		t.Fatalf("transfer unit: %v", err)
	}

	moved, feesMoved, err := eng.TransferDebtAway(seller, buyer, big.NewInt(400), big.NewInt(0))
	if err != nil {
		t.Fatalf("transfer debt away: %v", err)
	}
	if moved.Cmp(big.NewInt(400)) != 0 || feesMoved.Sign() != 0 {
		t.Fatalf("moved = %s fees = %s, want 400/0", moved, feesMoved)
	}
	if err := eng.AddDebtFromMarketplace(buyer, moved, feesMoved); err != nil {
		t.Fatalf("add debt: %v", err)
	}

	sellerDebt, err := eng.DebtBalance(seller)
	if err != nil {
		t.Fatalf("seller debt: %v", err)
	}
	buyerDebt, err := eng.DebtBalance(buyer)
	if err != nil {
		t.Fatalf("buyer debt: %v", err)
	}
	if sellerDebt.Sign() != 0 {
		t.Fatalf("seller debt = %s, want 0", sellerDebt)
	}
	if buyerDebt.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("buyer debt = %s, want 400", buyerDebt)
	}
	if err := eng.EnforceInvariants(seller); err != nil {
		t.Fatalf("seller invariants: %v", err)
	}
	if err := eng.EnforceInvariants(buyer); err != nil {
		t.Fatalf("buyer invariants: %v", err)
	}
}

func TestTransferUnitToSelfLeavesPositionUnchanged(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)
	unitID := unit(1)
	cust.register(unitID, owner, 500)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(owner, unitID); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	if err := eng.TransferUnit(owner, owner, unitID); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	pos := mustPosition(t, st, owner)
	if pos.TotalLockedCollateral.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("collateral = %s, want 500", pos.TotalLockedCollateral)
	}
	got, err := st.GetUnit(owner, unitID)
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if got == nil || got.LockedWeight.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unit record changed: %+v", got)
	}
	if cust.owners[unitID] != owner {
		t.Fatalf("custody changed on self transfer")
	}
}

func TestDebtTransferCarriesFeesCappedAtUnpaid(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	seller := addr(1)
	buyer := addr(2)
	unitID := unit(1)
	cust.register(unitID, seller, 500)

	eng := newTestEngine(t, st, pool, cust)
	if err := eng.Pledge(seller, unitID); err != nil {
		t.Fatalf("pledge: %v", err)
	}
	if _, _, err := eng.IncreaseDebt(seller, big.NewInt(400)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	pos := mustPosition(t, st, seller)
	pos.UnpaidFees = big.NewInt(50)
	if err := st.PutPosition(pos); err != nil {
		t.Fatalf("put position: %v", err)
	}
	if err := eng.TransferUnit(seller, buyer, unitID); err != nil {
		t.Fatalf("transfer unit: %v", err)
	}

	// Requesting 80 of carried fees against 50 unpaid moves exactly 50.
	moved, feesMoved, err := eng.TransferDebtAway(seller, buyer, big.NewInt(400), big.NewInt(80))
	if err != nil {
		t.Fatalf("transfer debt away: %v", err)
	}
	if moved.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("moved = %s, want 400", moved)
	}
	if feesMoved.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("fees moved = %s, want cap at 50", feesMoved)
	}
	if err := eng.AddDebtFromMarketplace(buyer, moved, feesMoved); err != nil {
		t.Fatalf("add debt: %v", err)
	}

	sellerFees, err := eng.UnpaidFees(seller)
	if err != nil {
		t.Fatalf("seller fees: %v", err)
	}
	buyerFees, err := eng.UnpaidFees(buyer)
	if err != nil {
		t.Fatalf("buyer fees: %v", err)
	}
	if sellerFees.Sign() != 0 {
		t.Fatalf("seller fees = %s, want 0", sellerFees)
	}
	// Conservation: what left the seller arrived at the buyer.
	if buyerFees.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("buyer fees = %s, want 50", buyerFees)
	}
	if err := eng.EnforceInvariants(seller); err != nil {
		t.Fatalf("seller invariants: %v", err)
	}
	if err := eng.EnforceInvariants(buyer); err != nil {
		t.Fatalf("buyer invariants: %v", err)
	}
}

func TestEnforceInvariantsIdempotent(t *testing.T) {
	st := newMemState()
	pool := newFakePool(1_000_000)
	cust := newFakeCustody()
	owner := addr(1)

	pos := &Position{Owner: owner, OverSuppliedVaultDebt: big.NewInt(10)}
	pos.EnsureDefaults()
	if err := st.PutPosition(pos); err != nil {
		t.Fatalf("put position: %v", err)
	}

	eng := newTestEngine(t, st, pool, cust)
	first := eng.EnforceInvariants(owner)
	second := eng.EnforceInvariants(owner)
	if first == nil || second == nil {
		t.Fatalf("expected liability errors, got %v / %v", first, second)
	}
	if first.Error() != second.Error() {
		t.Fatalf("enforcement must be side-effect free: %v vs %v", first, second)
	}
	after := mustPosition(t, st, owner)
	if after.OverSuppliedVaultDebt.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("liability changed by enforcement: %s", after.OverSuppliedVaultDebt)
	}
}
