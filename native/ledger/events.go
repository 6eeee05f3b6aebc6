package ledger

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"lienledger/core/types"
)

const (
	EventTypePledged         = "ledger.pledged"
	EventTypeWithdrawn       = "ledger.withdrawn"
	EventTypeDebtIncreased   = "ledger.debt.increased"
	EventTypeDebtDecreased   = "ledger.debt.decreased"
	EventTypeDebtTransferred = "ledger.debt.transferred"
	EventTypeDebtReceived    = "ledger.debt.received"
)

type ledgerEvent struct {
	evt *types.Event
}

func (e ledgerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event exposes the underlying typed payload.
func (e ledgerEvent) Event() *types.Event { return e.evt }

func newUnitEvent(eventType string, owner [20]byte, unit *CollateralUnit) ledgerEvent {
	attrs := map[string]string{
		"owner": hex.EncodeToString(owner[:]),
	}
	if unit != nil {
		attrs["unit"] = hex.EncodeToString(unit.ID[:])
		if unit.LockedWeight != nil {
			attrs["weight"] = unit.LockedWeight.String()
		}
		attrs["originTimestamp"] = strconv.FormatInt(unit.OriginTimestamp, 10)
	}
	return ledgerEvent{evt: &types.Event{Type: eventType, Attributes: attrs}}
}

func newDebtEvent(eventType string, owner [20]byte, amount, debtAfter *big.Int) ledgerEvent {
	attrs := map[string]string{
		"owner": hex.EncodeToString(owner[:]),
	}
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	if debtAfter != nil {
		attrs["debtAfter"] = debtAfter.String()
	}
	return ledgerEvent{evt: &types.Event{Type: eventType, Attributes: attrs}}
}
