package marketplace

import (
	"math/big"

	"lienledger/core/types"
	"lienledger/native/ledger"
)

// ListingStatus represents the lifecycle phases of a collateral sale listing.
type ListingStatus uint8

const (
	ListingOpen ListingStatus = iota
	ListingSettled
	ListingCancelled
	ListingExpired
)

// Valid reports whether the status value is supported.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingOpen, ListingSettled, ListingCancelled, ListingExpired:
		return true
	default:
		return false
	}
}

func (s ListingStatus) String() string {
	switch s {
	case ListingOpen:
		return "open"
	case ListingSettled:
		return "settled"
	case ListingCancelled:
		return "cancelled"
	case ListingExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Listing offers a pledged collateral unit for sale together with a slice of
// the seller's debt and carried fees that the buyer assumes at settlement.
type Listing struct {
	ID     [32]byte `json:"id"`
	Seller [20]byte `json:"seller"`
	// AllowedBuyer restricts the sale to one counterparty when non-zero.
	AllowedBuyer [20]byte `json:"allowedBuyer"`
	UnitID       [32]byte `json:"unitId"`
	// Price is the sale price in the base settlement token.
	Price *big.Int `json:"price"`
	// DebtAttached is the debt slice that moves with the unit.
	DebtAttached *big.Int `json:"debtAttached"`
	// FeesAttached is the carried-fee slice that moves with the unit.
	FeesAttached *big.Int      `json:"feesAttached"`
	Deadline     int64         `json:"deadline"`
	CreatedAt    int64         `json:"createdAt"`
	SettledAt    int64         `json:"settledAt"`
	Status       ListingStatus `json:"status"`
}

// Clone returns a deep copy of the listing allowing callers to mutate the
// result without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Price != nil {
		clone.Price = new(big.Int).Set(l.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	if l.DebtAttached != nil {
		clone.DebtAttached = new(big.Int).Set(l.DebtAttached)
	} else {
		clone.DebtAttached = big.NewInt(0)
	}
	if l.FeesAttached != nil {
		clone.FeesAttached = new(big.Int).Set(l.FeesAttached)
	} else {
		clone.FeesAttached = big.NewInt(0)
	}
	return &clone
}

// State is the persistence surface consumed by the marketplace engine. It
// extends the ledger's so both engines can share one batch overlay.
type State interface {
	ledger.State
	GetListing(id [32]byte) (*Listing, error)
	PutListing(listing *Listing) error
	ReserveUnit(unitID [32]byte, listingID [32]byte) error
	ReleaseUnit(unitID [32]byte) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}
