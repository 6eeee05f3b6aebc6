package ledger

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	// rateScale divides the rewards-rate product; the rate config expresses
	// rates against 1e6.
	rateScale = big.NewInt(1_000_000)
	// multiplierScale divides the multiplier product; multipliers are
	// expressed against 1e12.
	multiplierScale = mustBigInt("1000000000000")
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// collateralCeiling computes the purely collateral-based borrow ceiling:
//
//	floor(floor(totalLocked * rewardsRate / 1e6) * multiplier / 1e12)
//
// The two-step truncation is deliberate and must not be collapsed into a
// single combined division; downstream accounting depends on the exact
// intermediate floor.
func collateralCeiling(totalLocked, rewardsRate, multiplier *big.Int) *big.Int {
	if totalLocked == nil || totalLocked.Sign() <= 0 || rewardsRate == nil || multiplier == nil {
		return big.NewInt(0)
	}
	inner := new(big.Int).Mul(totalLocked, rewardsRate)
	inner.Quo(inner, rateScale)
	outer := inner.Mul(inner, multiplier)
	outer.Quo(outer, multiplierScale)
	if outer.Sign() < 0 {
		return big.NewInt(0)
	}
	return outer
}

// vaultAvailableSupply returns how much the pool can still lend under the
// utilisation cap: cap*(balance+outstanding) - outstanding, floored at zero.
func vaultAvailableSupply(balance, outstanding *big.Int, utilisationCapBps uint64) *big.Int {
	if balance == nil {
		balance = big.NewInt(0)
	}
	if outstanding == nil {
		outstanding = big.NewInt(0)
	}
	total := new(big.Int).Add(balance, outstanding)
	capped := total.Mul(total, new(big.Int).SetUint64(utilisationCapBps))
	capped.Quo(capped, basisPoints)
	capped.Sub(capped, outstanding)
	if capped.Sign() < 0 {
		return big.NewInt(0)
	}
	return capped
}

// creditLine derives the (maxLoan, maxLoanIgnoreSupply) pair for the given
// inputs. maxLoan is the ceiling minus current debt, clamped to both the
// pool's available supply and its raw balance; it collapses to zero once the
// pool is at capacity or the debt already meets the ceiling.
func creditLine(ceiling, debt, vaultBalance, outstanding *big.Int, utilisationCapBps uint64) CreditLine {
	if ceiling == nil {
		ceiling = big.NewInt(0)
	}
	if debt == nil {
		debt = big.NewInt(0)
	}
	maxLoan := new(big.Int).Sub(ceiling, debt)
	if maxLoan.Sign() < 0 {
		maxLoan = big.NewInt(0)
	}
	available := vaultAvailableSupply(vaultBalance, outstanding, utilisationCapBps)
	if maxLoan.Cmp(available) > 0 {
		maxLoan = available
	}
	if vaultBalance != nil && maxLoan.Cmp(vaultBalance) > 0 {
		maxLoan = new(big.Int).Set(vaultBalance)
	}
	return CreditLine{
		MaxLoan:             maxLoan,
		MaxLoanIgnoreSupply: new(big.Int).Set(ceiling),
	}
}

func bigMin(a, b *big.Int) *big.Int {
	if a == nil {
		return new(big.Int).Set(b)
	}
	if b == nil || a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func clampZero(v *big.Int) *big.Int {
	if v == nil || v.Sign() < 0 {
		return big.NewInt(0)
	}
	return v
}
