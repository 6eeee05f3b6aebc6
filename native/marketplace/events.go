package marketplace

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"lienledger/core/types"
)

const (
	EventTypeListed    = "marketplace.listed"
	EventTypeCancelled = "marketplace.cancelled"
	EventTypeSettled   = "marketplace.settled"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event exposes the underlying typed payload.
func (e marketEvent) Event() *types.Event { return e.evt }

func newListingEvent(eventType string, listing *Listing) marketEvent {
	attrs := map[string]string{}
	if listing != nil {
		attrs["listing"] = hex.EncodeToString(listing.ID[:])
		attrs["seller"] = hex.EncodeToString(listing.Seller[:])
		attrs["unit"] = hex.EncodeToString(listing.UnitID[:])
		if listing.Price != nil {
			attrs["price"] = listing.Price.String()
		}
		if listing.DebtAttached != nil {
			attrs["debtAttached"] = listing.DebtAttached.String()
		}
		attrs["deadline"] = strconv.FormatInt(listing.Deadline, 10)
	}
	return marketEvent{evt: &types.Event{Type: eventType, Attributes: attrs}}
}

func newSettlementEvent(listing *Listing, buyer [20]byte, debtMoved, feesMoved *big.Int) marketEvent {
	attrs := map[string]string{
		"buyer": hex.EncodeToString(buyer[:]),
	}
	if listing != nil {
		attrs["listing"] = hex.EncodeToString(listing.ID[:])
		attrs["seller"] = hex.EncodeToString(listing.Seller[:])
		attrs["unit"] = hex.EncodeToString(listing.UnitID[:])
		if listing.Price != nil {
			attrs["price"] = listing.Price.String()
		}
	}
	if debtMoved != nil {
		attrs["debtMoved"] = debtMoved.String()
	}
	if feesMoved != nil {
		attrs["feesMoved"] = feesMoved.String()
	}
	return marketEvent{evt: &types.Event{Type: EventTypeSettled, Attributes: attrs}}
}
