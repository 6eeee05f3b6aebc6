package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	nativecommon "lienledger/native/common"
	"lienledger/native/ledger"
	"lienledger/native/marketplace"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Errorf("marshal response: %w", err))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusForError(err), err)
}

func statusForError(err error) int {
	var badDebt *ledger.BadDebtError
	var shortfall *ledger.UndercollateralizedDebtError
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, marketplace.ErrInvalidListing),
		errors.Is(err, marketplace.ErrInsufficientPayment),
		errors.Is(err, marketplace.ErrUnitNotPledged):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotCustodian),
		errors.Is(err, marketplace.ErrNotSeller),
		errors.Is(err, marketplace.ErrBuyerNotAllowed),
		errors.Is(err, marketplace.ErrSelfSettlement):
		return http.StatusForbidden
	case errors.Is(err, marketplace.ErrListingNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrUnitReserved),
		errors.Is(err, ledger.ErrCollateralCheckFailed),
		errors.Is(err, marketplace.ErrListingNotOpen),
		errors.Is(err, marketplace.ErrListingExpired),
		errors.Is(err, marketplace.ErrCustodyChanged),
		errors.As(err, &badDebt),
		errors.As(err, &shortfall):
		return http.StatusConflict
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": message})
	if marshalErr != nil {
		payload = []byte(`{"error":"internal error"}`)
	}
	_, _ = w.Write(payload)
}
