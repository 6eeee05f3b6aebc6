package custody

import (
	"errors"
	"math/big"
)

var (
	errNilState    = errors.New("custody: state not configured")
	errNilRecord   = errors.New("custody: unit record not provided")
	errUnknownUnit = errors.New("custody: unknown unit")
	errNotOwner    = errors.New("custody: transfer from non-owner")
)

// Record tracks the custody of a single position token.
type Record struct {
	ID [32]byte `json:"id"`
	// Owner is the current custodian.
	Owner [20]byte `json:"owner"`
	// Weight is the unit's current collateral weight as reported by the
	// underlying position.
	Weight *big.Int `json:"weight"`
	// PermanentLock marks units converted to a permanent lock at pledge time.
	PermanentLock bool `json:"permanentLock"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := &Record{ID: r.ID, Owner: r.Owner, PermanentLock: r.PermanentLock}
	if r.Weight != nil {
		clone.Weight = new(big.Int).Set(r.Weight)
	} else {
		clone.Weight = big.NewInt(0)
	}
	return clone
}

type registryState interface {
	GetCustodyRecord(id [32]byte) (*Record, error)
	PutCustodyRecord(record *Record) error
}

// Registry is the reference custody collaborator. The ledger consumes it only
// through its narrow verification and transfer surface.
type Registry struct {
	state registryState
}

// NewRegistry constructs an unbound registry.
func NewRegistry() *Registry { return &Registry{} }

// SetState wires the registry to the external persistence layer.
func (r *Registry) SetState(state registryState) { r.state = state }

// WithState returns a shallow copy bound to the provided state.
func (r *Registry) WithState(state registryState) *Registry {
	if r == nil {
		return nil
	}
	clone := *r
	clone.state = state
	return &clone
}

// Register records a newly minted unit.
func (r *Registry) Register(record *Record) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if record == nil {
		return errNilRecord
	}
	stored := record.Clone()
	if stored.Weight == nil {
		stored.Weight = big.NewInt(0)
	}
	return r.state.PutCustodyRecord(stored)
}

func (r *Registry) load(id [32]byte) (*Record, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	record, err := r.state.GetCustodyRecord(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errUnknownUnit
	}
	if record.Weight == nil {
		record.Weight = big.NewInt(0)
	}
	return record, nil
}

// Custodian returns the unit's current holder.
func (r *Registry) Custodian(id [32]byte) ([20]byte, error) {
	record, err := r.load(id)
	if err != nil {
		return [20]byte{}, err
	}
	return record.Owner, nil
}

// IsLocked reports whether the unit carries a permanent lock.
func (r *Registry) IsLocked(id [32]byte) (bool, error) {
	record, err := r.load(id)
	if err != nil {
		return false, err
	}
	return record.PermanentLock, nil
}

// Lock converts the unit to a permanent lock. Locking an already locked unit
// is a no-op.
func (r *Registry) Lock(id [32]byte) error {
	record, err := r.load(id)
	if err != nil {
		return err
	}
	if record.PermanentLock {
		return nil
	}
	record.PermanentLock = true
	return r.state.PutCustodyRecord(record)
}

// Weight reports the unit's current collateral weight.
func (r *Registry) Weight(id [32]byte) (*big.Int, error) {
	record, err := r.load(id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(record.Weight), nil
}

// SetWeight updates the weight reported for the unit. The underlying position
// changes it out-of-band; the ledger picks the drift up through RefreshUnit.
func (r *Registry) SetWeight(id [32]byte, weight *big.Int) error {
	record, err := r.load(id)
	if err != nil {
		return err
	}
	if weight == nil || weight.Sign() < 0 {
		weight = big.NewInt(0)
	}
	record.Weight = new(big.Int).Set(weight)
	return r.state.PutCustodyRecord(record)
}

// Transfer moves custody of the unit between accounts.
func (r *Registry) Transfer(id [32]byte, from, to [20]byte) error {
	record, err := r.load(id)
	if err != nil {
		return err
	}
	if record.Owner != from {
		return errNotOwner
	}
	record.Owner = to
	return r.state.PutCustodyRecord(record)
}
