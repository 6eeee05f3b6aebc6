package custody

import (
	"errors"
	"math/big"
	"testing"
)

type memRegistryState struct {
	records map[[32]byte]*Record
}

func newMemRegistryState() *memRegistryState {
	return &memRegistryState{records: make(map[[32]byte]*Record)}
}

func (s *memRegistryState) GetCustodyRecord(id [32]byte) (*Record, error) {
	record, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return record.Clone(), nil
}

func (s *memRegistryState) PutCustodyRecord(record *Record) error {
	s.records[record.ID] = record.Clone()
	return nil
}

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func unitRef(b byte) [32]byte {
	var out [32]byte
	out[31] = b
	return out
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	registry.SetState(newMemRegistryState())
	return registry
}

func TestRegisterAndCustodian(t *testing.T) {
	registry := newTestRegistry(t)
	owner := addr(1)
	id := unitRef(1)
	if err := registry.Register(&Record{ID: id, Owner: owner, Weight: big.NewInt(250)}); err != nil {
		t.Fatalf("register: %v", err)
	}
	holder, err := registry.Custodian(id)
	if err != nil {
		t.Fatalf("custodian: %v", err)
	}
	if holder != owner {
		t.Fatalf("custodian = %x, want %x", holder, owner)
	}
	weight, err := registry.Weight(id)
	if err != nil {
		t.Fatalf("weight: %v", err)
	}
	if weight.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("weight = %s, want 250", weight)
	}
}

func TestUnknownUnit(t *testing.T) {
	registry := newTestRegistry(t)
	if _, err := registry.Custodian(unitRef(9)); !errors.Is(err, errUnknownUnit) {
		t.Fatalf("custodian err = %v, want errUnknownUnit", err)
	}
	if _, err := registry.Weight(unitRef(9)); !errors.Is(err, errUnknownUnit) {
		t.Fatalf("weight err = %v, want errUnknownUnit", err)
	}
	if err := registry.Transfer(unitRef(9), addr(1), addr(2)); !errors.Is(err, errUnknownUnit) {
		t.Fatalf("transfer err = %v, want errUnknownUnit", err)
	}
}

func TestLockIsSticky(t *testing.T) {
	registry := newTestRegistry(t)
	id := unitRef(1)
	if err := registry.Register(&Record{ID: id, Owner: addr(1)}); err != nil {
		t.Fatalf("register: %v", err)
	}
	locked, err := registry.IsLocked(id)
	if err != nil {
		t.Fatalf("is locked: %v", err)
	}
	if locked {
		t.Fatalf("fresh unit must not be locked")
	}
	if err := registry.Lock(id); err != nil {
		t.Fatalf("lock: %v", err)
	}
	// Relocking is a no-op.
	if err := registry.Lock(id); err != nil {
		t.Fatalf("relock: %v", err)
	}
	locked, _ = registry.IsLocked(id)
	if !locked {
		t.Fatalf("unit must stay locked")
	}
}

func TestSetWeightClampsNegative(t *testing.T) {
	registry := newTestRegistry(t)
	id := unitRef(1)
	if err := registry.Register(&Record{ID: id, Owner: addr(1), Weight: big.NewInt(100)}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.SetWeight(id, big.NewInt(175)); err != nil {
		t.Fatalf("set weight: %v", err)
	}
	weight, _ := registry.Weight(id)
	if weight.Cmp(big.NewInt(175)) != 0 {
		t.Fatalf("weight = %s, want 175", weight)
	}
	if err := registry.SetWeight(id, big.NewInt(-5)); err != nil {
		t.Fatalf("set negative weight: %v", err)
	}
	weight, _ = registry.Weight(id)
	if weight.Sign() != 0 {
		t.Fatalf("weight = %s, want clamp to 0", weight)
	}
}

func TestTransferRequiresOwner(t *testing.T) {
	registry := newTestRegistry(t)
	id := unitRef(1)
	owner, buyer := addr(1), addr(2)
	if err := registry.Register(&Record{ID: id, Owner: owner}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Transfer(id, buyer, owner); !errors.Is(err, errNotOwner) {
		t.Fatalf("err = %v, want errNotOwner", err)
	}
	if err := registry.Transfer(id, owner, buyer); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	holder, _ := registry.Custodian(id)
	if holder != buyer {
		t.Fatalf("custodian = %x, want buyer", holder)
	}
}
