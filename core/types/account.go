package types

import "math/big"

// Account is the platform-level balance record shared by every native module.
// Balances are denominated in the smallest unit of each token and expressed as
// big integers to match on-chain precision.
type Account struct {
	Nonce uint64 `json:"nonce"`
	// BalanceLent holds the lending asset (the token borrowed and repaid
	// through the vault).
	BalanceLent *big.Int `json:"balanceLent"`
	// BalanceBase holds the platform's base settlement token used for
	// marketplace payments.
	BalanceBase *big.Int `json:"balanceBase"`
}

// EnsureDefaults populates nil balance fields so JSON round-trips and
// arithmetic are safe on freshly decoded accounts.
func (a *Account) EnsureDefaults() {
	if a == nil {
		return
	}
	if a.BalanceLent == nil {
		a.BalanceLent = big.NewInt(0)
	}
	if a.BalanceBase == nil {
		a.BalanceBase = big.NewInt(0)
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Nonce: a.Nonce}
	if a.BalanceLent != nil {
		clone.BalanceLent = new(big.Int).Set(a.BalanceLent)
	}
	if a.BalanceBase != nil {
		clone.BalanceBase = new(big.Int).Set(a.BalanceBase)
	}
	clone.EnsureDefaults()
	return clone
}
