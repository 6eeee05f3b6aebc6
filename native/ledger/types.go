package ledger

import "math/big"

// Position maintains the collateral and liability bookkeeping for a single
// account. Amounts are denominated in the smallest unit of the lending asset
// and expressed as big integers to match on-chain precision.
type Position struct {
	// Owner is the account the position belongs to.
	Owner [20]byte `json:"owner"`
	// TotalLockedCollateral is the sum of the locked weights of every live
	// collateral unit pledged by the account.
	TotalLockedCollateral *big.Int `json:"totalLockedCollateral"`
	// Debt is the locally tracked owed principal. Only authoritative when the
	// engine runs with the local debt source; the pool debt source ignores it
	// and reads the pool instead.
	Debt *big.Int `json:"debt"`
	// UnpaidFees is the fee balance inherited from a prior system. Payments
	// retire it ahead of new debt.
	UnpaidFees *big.Int `json:"unpaidFees"`
	// OverSuppliedVaultDebt accumulates the amount borrowed beyond the pool's
	// lending capacity. Non-zero values are a bad-debt liability that must be
	// cleared by the end of every batch.
	OverSuppliedVaultDebt *big.Int `json:"overSuppliedVaultDebt"`
	// UndercollateralizedDebt accumulates the amount of current debt exceeding
	// the collateral-based credit ceiling. Non-zero values are a shortfall
	// liability that must be cleared by the end of every batch.
	UndercollateralizedDebt *big.Int `json:"undercollateralizedDebt"`
}

// CollateralUnit records one locked position token pledged to the ledger.
type CollateralUnit struct {
	// ID identifies the underlying position token.
	ID [32]byte `json:"id"`
	// LockedWeight is the unit's contribution to the owner's
	// TotalLockedCollateral.
	LockedWeight *big.Int `json:"lockedWeight"`
	// OriginTimestamp is the unix time the unit was first pledged.
	OriginTimestamp int64 `json:"originTimestamp"`
}

// CreditLine is the derived borrowing capacity for a position. It is computed
// on demand and never stored.
type CreditLine struct {
	// MaxLoan is the largest additional amount the account may presently
	// borrow, after subtracting current debt and clamping to pool supply.
	MaxLoan *big.Int
	// MaxLoanIgnoreSupply is the purely collateral-based ceiling, independent
	// of current debt and pool utilisation.
	MaxLoanIgnoreSupply *big.Int
}

// EnsureDefaults populates nil big.Int fields so JSON handling and arithmetic
// are safe.
func (p *Position) EnsureDefaults() {
	if p == nil {
		return
	}
	if p.TotalLockedCollateral == nil {
		p.TotalLockedCollateral = big.NewInt(0)
	}
	if p.Debt == nil {
		p.Debt = big.NewInt(0)
	}
	if p.UnpaidFees == nil {
		p.UnpaidFees = big.NewInt(0)
	}
	if p.OverSuppliedVaultDebt == nil {
		p.OverSuppliedVaultDebt = big.NewInt(0)
	}
	if p.UndercollateralizedDebt == nil {
		p.UndercollateralizedDebt = big.NewInt(0)
	}
}

// Clone returns a deep copy of the position allowing callers to mutate the
// result without affecting the stored instance.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{Owner: p.Owner}
	if p.TotalLockedCollateral != nil {
		clone.TotalLockedCollateral = new(big.Int).Set(p.TotalLockedCollateral)
	}
	if p.Debt != nil {
		clone.Debt = new(big.Int).Set(p.Debt)
	}
	if p.UnpaidFees != nil {
		clone.UnpaidFees = new(big.Int).Set(p.UnpaidFees)
	}
	if p.OverSuppliedVaultDebt != nil {
		clone.OverSuppliedVaultDebt = new(big.Int).Set(p.OverSuppliedVaultDebt)
	}
	if p.UndercollateralizedDebt != nil {
		clone.UndercollateralizedDebt = new(big.Int).Set(p.UndercollateralizedDebt)
	}
	clone.EnsureDefaults()
	return clone
}

// Clone returns a deep copy of the collateral unit.
func (u *CollateralUnit) Clone() *CollateralUnit {
	if u == nil {
		return nil
	}
	clone := &CollateralUnit{ID: u.ID, OriginTimestamp: u.OriginTimestamp}
	if u.LockedWeight != nil {
		clone.LockedWeight = new(big.Int).Set(u.LockedWeight)
	} else {
		clone.LockedWeight = big.NewInt(0)
	}
	return clone
}

// Clone returns a deep copy of the credit line.
func (c CreditLine) Clone() CreditLine {
	clone := CreditLine{}
	if c.MaxLoan != nil {
		clone.MaxLoan = new(big.Int).Set(c.MaxLoan)
	}
	if c.MaxLoanIgnoreSupply != nil {
		clone.MaxLoanIgnoreSupply = new(big.Int).Set(c.MaxLoanIgnoreSupply)
	}
	return clone
}
