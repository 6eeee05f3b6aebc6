package ledger

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrCollateralCheckFailed aborts a batch whose account ends above its
	// collateral ceiling with increased debt.
	ErrCollateralCheckFailed = errors.New("invariant gate: collateral check failed")

	errBatchClosed = errors.New("invariant gate: batch already closed")
	errNilOpener   = errors.New("invariant gate: state opener not configured")
	errNilFactory  = errors.New("invariant gate: engine factory not configured")
)

// BatchState is a copy-on-write view of the ledger state. All mutations made
// through it stay invisible until Commit; Discard drops them.
type BatchState interface {
	State
	Commit() error
	Discard()
}

// EngineFactory builds a fully wired engine (pool, custody, debt source) bound
// to the given batch state. State-backed collaborators must be constructed
// over the same state so a discarded batch unwinds them too.
type EngineFactory func(st BatchState) (*Engine, error)

type batchStatus uint8

const (
	batchOpen batchStatus = iota
	batchClosed
)

type accountSnapshot struct {
	debt  *big.Int
	over  *big.Int
	under *big.Int
}

// InvariantGate wraps a group of ledger-mutating calls and enforces, exactly
// once at the boundary, that no touched account exits in an inconsistent
// state. The whole batch either commits or leaves no trace.
type InvariantGate struct {
	open  func() BatchState
	build EngineFactory
}

// NewInvariantGate constructs a gate from a batch-state opener and an engine
// factory.
func NewInvariantGate(open func() BatchState, build EngineFactory) *InvariantGate {
	return &InvariantGate{open: open, build: build}
}

// Execute runs fn against a fresh overlay and finalizes it. Each referenced
// account passes when its debt fits the collateral ceiling or did not grow;
// a liability that appeared during the batch also aborts it. Any failure
// discards every mutation.
func (g *InvariantGate) Execute(accounts [][20]byte, fn func(eng *Engine, st BatchState) error) error {
	if g == nil || g.open == nil {
		return errNilOpener
	}
	if g.build == nil {
		return errNilFactory
	}

	st := g.open()
	eng, err := g.build(st)
	if err != nil {
		st.Discard()
		return err
	}

	status := batchOpen
	closeWith := func(commit bool) error {
		if status == batchClosed {
			return errBatchClosed
		}
		status = batchClosed
		if commit {
			return st.Commit()
		}
		st.Discard()
		return nil
	}

	touched := dedupeAccounts(accounts)
	snapshots := make(map[[20]byte]accountSnapshot, len(touched))
	for _, addr := range touched {
		snap, err := g.snapshot(eng, st, addr)
		if err != nil {
			_ = closeWith(false)
			return err
		}
		snapshots[addr] = snap
	}

	if err := fn(eng, st); err != nil {
		_ = closeWith(false)
		return err
	}

	for _, addr := range touched {
		if err := g.checkAccount(eng, st, addr, snapshots[addr]); err != nil {
			_ = closeWith(false)
			return err
		}
	}
	return closeWith(true)
}

func (g *InvariantGate) snapshot(eng *Engine, st BatchState, addr [20]byte) (accountSnapshot, error) {
	snap := accountSnapshot{debt: big.NewInt(0), over: big.NewInt(0), under: big.NewInt(0)}
	debt, err := eng.DebtBalance(addr)
	if err != nil {
		return snap, err
	}
	snap.debt = debt
	pos, err := st.GetPosition(addr)
	if err != nil {
		return snap, err
	}
	if pos != nil {
		pos.EnsureDefaults()
		snap.over = new(big.Int).Set(pos.OverSuppliedVaultDebt)
		snap.under = new(big.Int).Set(pos.UndercollateralizedDebt)
	}
	return snap, nil
}

func (g *InvariantGate) checkAccount(eng *Engine, st BatchState, addr [20]byte, snap accountSnapshot) error {
	debtAfter, err := eng.DebtBalance(addr)
	if err != nil {
		return err
	}
	line, err := eng.CreditLine(addr)
	if err != nil {
		return err
	}
	// The cheap pre/post comparison catches a plain over-limit borrow; the
	// liability counters below catch everything the comparison cannot see.
	if debtAfter.Cmp(line.MaxLoanIgnoreSupply) > 0 && debtAfter.Cmp(snap.debt) > 0 {
		return fmt.Errorf("%w: account %x", ErrCollateralCheckFailed, addr)
	}

	pos, err := st.GetPosition(addr)
	if err != nil {
		return err
	}
	if pos == nil {
		return nil
	}
	pos.EnsureDefaults()
	if pos.OverSuppliedVaultDebt.Cmp(snap.over) > 0 {
		return &BadDebtError{Amount: new(big.Int).Set(pos.OverSuppliedVaultDebt)}
	}
	if pos.UndercollateralizedDebt.Cmp(snap.under) > 0 {
		return &UndercollateralizedDebtError{Amount: new(big.Int).Set(pos.UndercollateralizedDebt)}
	}
	return nil
}

func dedupeAccounts(accounts [][20]byte) [][20]byte {
	seen := make(map[[20]byte]struct{}, len(accounts))
	out := make([][20]byte, 0, len(accounts))
	for _, addr := range accounts {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
