package ledger

import (
	"errors"
	"math/big"
)

var (
	errNilPosition  = errors.New("debt source: position not provided")
	errPoolShape    = errors.New("debt source: pool does not report per-account balances")
	errPoolNoMover  = errors.New("debt source: pool cannot relocate debt between accounts")
	errNilPoolGiven = errors.New("debt source: pool not configured")
)

// BorrowReceipt reports the observed debt movement of a borrow.
type BorrowReceipt struct {
	DebtBefore *big.Int
	DebtAfter  *big.Int
	Fee        *big.Int
}

// RepayReceipt reports the observed debt movement of a repayment. Applied is
// the principal the pool actually retired, which under the pull source may
// differ from the nominal payment.
type RepayReceipt struct {
	DebtBefore *big.Int
	DebtAfter  *big.Int
	Applied    *big.Int
}

// DebtSource abstracts where the authoritative per-account debt counter
// lives. The push variant keeps it on the position and tells the pool about
// movements; the pull variant treats the pool as the source of truth and polls
// it around every interaction.
type DebtSource interface {
	Debt(pos *Position) (*big.Int, error)
	Borrow(pos *Position, amount *big.Int) (*BorrowReceipt, error)
	Repay(pos *Position, payment, feesPortion *big.Int) (*RepayReceipt, error)
	TransferOut(pos *Position, to [20]byte, amount *big.Int) error
	TransferIn(pos *Position, amount *big.Int) error
}

// LocalDebtSource tracks debt on the position itself (push mode).
type LocalDebtSource struct {
	pool Pool
}

// NewLocalDebtSource constructs the push-mode debt source.
func NewLocalDebtSource(pool Pool) (*LocalDebtSource, error) {
	if pool == nil {
		return nil, errNilPoolGiven
	}
	return &LocalDebtSource{pool: pool}, nil
}

func (s *LocalDebtSource) Debt(pos *Position) (*big.Int, error) {
	if pos == nil {
		return nil, errNilPosition
	}
	if pos.Debt == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(pos.Debt), nil
}

func (s *LocalDebtSource) Borrow(pos *Position, amount *big.Int) (*BorrowReceipt, error) {
	if pos == nil {
		return nil, errNilPosition
	}
	before, _ := s.Debt(pos)
	fee, err := s.pool.Borrow(pos.Owner, amount)
	if err != nil {
		return nil, err
	}
	if fee == nil {
		fee = big.NewInt(0)
	}
	pos.Debt = new(big.Int).Add(before, amount)
	return &BorrowReceipt{
		DebtBefore: before,
		DebtAfter:  new(big.Int).Set(pos.Debt),
		Fee:        new(big.Int).Set(fee),
	}, nil
}

func (s *LocalDebtSource) Repay(pos *Position, payment, feesPortion *big.Int) (*RepayReceipt, error) {
	if pos == nil {
		return nil, errNilPosition
	}
	before, _ := s.Debt(pos)
	if err := s.pool.Repay(pos.Owner, payment, feesPortion); err != nil {
		return nil, err
	}
	applied := clampZero(new(big.Int).Sub(payment, feesPortion))
	if applied.Cmp(before) > 0 {
		applied = new(big.Int).Set(before)
	}
	pos.Debt = new(big.Int).Sub(before, applied)
	return &RepayReceipt{
		DebtBefore: before,
		DebtAfter:  new(big.Int).Set(pos.Debt),
		Applied:    applied,
	}, nil
}

func (s *LocalDebtSource) TransferOut(pos *Position, to [20]byte, amount *big.Int) error {
	if pos == nil {
		return errNilPosition
	}
	before, _ := s.Debt(pos)
	pos.Debt = clampZero(new(big.Int).Sub(before, amount))
	return nil
}

func (s *LocalDebtSource) TransferIn(pos *Position, amount *big.Int) error {
	if pos == nil {
		return errNilPosition
	}
	before, _ := s.Debt(pos)
	pos.Debt = new(big.Int).Add(before, amount)
	return nil
}

// PoolDebtSource treats the pool's per-account balance as authoritative (pull
// mode). Pool-internal mechanisms may change the balance out-of-band, so every
// interaction is bracketed by fresh reads instead of assuming the requested
// amount was applied exactly.
type PoolDebtSource struct {
	pool     Pool
	reporter DebtReporter
	mover    DebtMover
}

// NewPoolDebtSource constructs the pull-mode debt source. The pool must report
// per-account balances; debt relocation support is optional and only needed
// for settlements.
func NewPoolDebtSource(pool Pool) (*PoolDebtSource, error) {
	if pool == nil {
		return nil, errNilPoolGiven
	}
	reporter, ok := pool.(DebtReporter)
	if !ok {
		return nil, errPoolShape
	}
	source := &PoolDebtSource{pool: pool, reporter: reporter}
	if mover, ok := pool.(DebtMover); ok {
		source.mover = mover
	}
	return source, nil
}

func (s *PoolDebtSource) Debt(pos *Position) (*big.Int, error) {
	if pos == nil {
		return nil, errNilPosition
	}
	balance, err := s.reporter.DebtBalance(pos.Owner)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

func (s *PoolDebtSource) Borrow(pos *Position, amount *big.Int) (*BorrowReceipt, error) {
	if pos == nil {
		return nil, errNilPosition
	}
	before, err := s.Debt(pos)
	if err != nil {
		return nil, err
	}
	fee, err := s.pool.Borrow(pos.Owner, amount)
	if err != nil {
		return nil, err
	}
	if fee == nil {
		fee = big.NewInt(0)
	}
	after, err := s.Debt(pos)
	if err != nil {
		return nil, err
	}
	return &BorrowReceipt{DebtBefore: before, DebtAfter: after, Fee: new(big.Int).Set(fee)}, nil
}

func (s *PoolDebtSource) Repay(pos *Position, payment, feesPortion *big.Int) (*RepayReceipt, error) {
	if pos == nil {
		return nil, errNilPosition
	}
	before, err := s.Debt(pos)
	if err != nil {
		return nil, err
	}
	if err := s.pool.Repay(pos.Owner, payment, feesPortion); err != nil {
		return nil, err
	}
	after, err := s.Debt(pos)
	if err != nil {
		return nil, err
	}
	applied := clampZero(new(big.Int).Sub(before, after))
	return &RepayReceipt{DebtBefore: before, DebtAfter: after, Applied: applied}, nil
}

func (s *PoolDebtSource) TransferOut(pos *Position, to [20]byte, amount *big.Int) error {
	if pos == nil {
		return errNilPosition
	}
	if s.mover == nil {
		return errPoolNoMover
	}
	return s.mover.TransferDebt(pos.Owner, to, amount)
}

// TransferIn is a no-op in pull mode: TransferOut already relocated the
// pool-owned balance to the destination account.
func (s *PoolDebtSource) TransferIn(pos *Position, amount *big.Int) error {
	if pos == nil {
		return errNilPosition
	}
	return nil
}
