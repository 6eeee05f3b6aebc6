package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"lienledger/core/types"
	"lienledger/native/custody"
	"lienledger/native/ledger"
	"lienledger/native/marketplace"
	"lienledger/native/vault"
	"lienledger/storage"
)

const (
	accountPrefix     = "account/"
	positionPrefix    = "ledger/position/"
	unitPrefix        = "ledger/unit/"
	reservationPrefix = "ledger/reservation/"
	custodyPrefix     = "custody/unit/"
	poolPrefix        = "vault/pool/"
	listingPrefix     = "market/listing/"
)

// Manager persists the platform's account, ledger, custody, pool and
// marketplace records as JSON documents in a key-value database. It satisfies
// the consumer-side state interfaces of every native engine.
type Manager struct {
	db storage.Database
}

// NewManager wraps the given database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a copy-on-write overlay over the manager. Mutations made through
// the returned overlay stay buffered until Commit.
func (m *Manager) Begin() *Overlay {
	buf := newBufferDB(m.db)
	return &Overlay{Manager: NewManager(buf), buf: buf}
}

func (m *Manager) getJSON(key string, out any) (bool, error) {
	raw, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putJSON(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return m.db.Put([]byte(key), raw)
}

// --- accounts ---

func accountKey(addr [20]byte) string {
	return accountPrefix + hex.EncodeToString(addr[:])
}

func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	account := &types.Account{}
	ok, err := m.getJSON(accountKey(addr), account)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	account.EnsureDefaults()
	return account, nil
}

func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return errors.New("state: nil account")
	}
	account.EnsureDefaults()
	return m.putJSON(accountKey(addr), account)
}

// --- ledger positions and units ---

func positionKey(addr [20]byte) string {
	return positionPrefix + hex.EncodeToString(addr[:])
}

func unitKey(addr [20]byte, unitID [32]byte) string {
	return unitPrefix + hex.EncodeToString(addr[:]) + "/" + hex.EncodeToString(unitID[:])
}

func reservationKey(unitID [32]byte) string {
	return reservationPrefix + hex.EncodeToString(unitID[:])
}

func (m *Manager) GetPosition(addr [20]byte) (*ledger.Position, error) {
	pos := &ledger.Position{}
	ok, err := m.getJSON(positionKey(addr), pos)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	pos.EnsureDefaults()
	return pos, nil
}

func (m *Manager) PutPosition(pos *ledger.Position) error {
	if pos == nil {
		return errors.New("state: nil position")
	}
	pos.EnsureDefaults()
	return m.putJSON(positionKey(pos.Owner), pos)
}

func (m *Manager) GetUnit(addr [20]byte, unitID [32]byte) (*ledger.CollateralUnit, error) {
	unit := &ledger.CollateralUnit{}
	ok, err := m.getJSON(unitKey(addr, unitID), unit)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return unit, nil
}

func (m *Manager) PutUnit(addr [20]byte, unit *ledger.CollateralUnit) error {
	if unit == nil {
		return errors.New("state: nil collateral unit")
	}
	return m.putJSON(unitKey(addr, unit.ID), unit)
}

func (m *Manager) DeleteUnit(addr [20]byte, unitID [32]byte) error {
	return m.db.Delete([]byte(unitKey(addr, unitID)))
}

func (m *Manager) UnitReserved(unitID [32]byte) (bool, error) {
	return m.db.Has([]byte(reservationKey(unitID)))
}

func (m *Manager) ReserveUnit(unitID [32]byte, listingID [32]byte) error {
	return m.db.Put([]byte(reservationKey(unitID)), listingID[:])
}

func (m *Manager) ReleaseUnit(unitID [32]byte) error {
	return m.db.Delete([]byte(reservationKey(unitID)))
}

// --- custody ---

func custodyKey(unitID [32]byte) string {
	return custodyPrefix + hex.EncodeToString(unitID[:])
}

func (m *Manager) GetCustodyRecord(unitID [32]byte) (*custody.Record, error) {
	record := &custody.Record{}
	ok, err := m.getJSON(custodyKey(unitID), record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return record, nil
}

func (m *Manager) PutCustodyRecord(record *custody.Record) error {
	if record == nil {
		return errors.New("state: nil custody record")
	}
	return m.putJSON(custodyKey(record.ID), record)
}

// --- vault pools ---

func poolKey(poolID string) string {
	return poolPrefix + poolID
}

func (m *Manager) GetPool(poolID string) (*vault.PoolState, error) {
	pool := &vault.PoolState{}
	ok, err := m.getJSON(poolKey(poolID), pool)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	pool.EnsureDefaults()
	return pool, nil
}

func (m *Manager) PutPool(pool *vault.PoolState) error {
	if pool == nil {
		return errors.New("state: nil pool")
	}
	pool.EnsureDefaults()
	return m.putJSON(poolKey(pool.PoolID), pool)
}

// --- marketplace listings ---

func listingKey(id [32]byte) string {
	return listingPrefix + hex.EncodeToString(id[:])
}

func (m *Manager) GetListing(id [32]byte) (*marketplace.Listing, error) {
	listing := &marketplace.Listing{}
	ok, err := m.getJSON(listingKey(id), listing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return listing, nil
}

func (m *Manager) PutListing(listing *marketplace.Listing) error {
	if listing == nil {
		return errors.New("state: nil listing")
	}
	return m.putJSON(listingKey(listing.ID), listing)
}
