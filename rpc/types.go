package rpc

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"lienledger/native/ledger"
	"lienledger/native/marketplace"
)

// Amounts travel as decimal strings so callers never lose precision to JSON
// number parsing.

type pledgeRequest struct {
	Owner  string `json:"owner"`
	UnitID string `json:"unitId"`
}

type withdrawRequest struct {
	Owner  string `json:"owner"`
	UnitID string `json:"unitId"`
	To     string `json:"to,omitempty"`
}

type borrowRequest struct {
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

type borrowResponse struct {
	Net string `json:"net"`
	Fee string `json:"fee"`
}

type repayRequest struct {
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

type repayResponse struct {
	Excess string `json:"excess"`
}

type positionRequest struct {
	Owner string `json:"owner"`
}

type positionResponse struct {
	Owner                   string `json:"owner"`
	TotalLockedCollateral   string `json:"totalLockedCollateral"`
	Debt                    string `json:"debt"`
	UnpaidFees              string `json:"unpaidFees"`
	OverSuppliedVaultDebt   string `json:"overSuppliedVaultDebt"`
	UndercollateralizedDebt string `json:"undercollateralizedDebt"`
}

type creditLineResponse struct {
	MaxLoan             string `json:"maxLoan"`
	MaxLoanIgnoreSupply string `json:"maxLoanIgnoreSupply"`
}

type listRequest struct {
	Seller       string `json:"seller"`
	UnitID       string `json:"unitId"`
	Price        string `json:"price"`
	DebtAttached string `json:"debtAttached"`
	FeesAttached string `json:"feesAttached,omitempty"`
	AllowedBuyer string `json:"allowedBuyer,omitempty"`
	Deadline     int64  `json:"deadline,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
}

type cancelRequest struct {
	Seller    string `json:"seller"`
	ListingID string `json:"listingId"`
}

type settleRequest struct {
	ListingID string `json:"listingId"`
	Buyer     string `json:"buyer"`
	Payment   string `json:"payment"`
}

type listingResponse struct {
	ID           string `json:"id"`
	Seller       string `json:"seller"`
	AllowedBuyer string `json:"allowedBuyer,omitempty"`
	UnitID       string `json:"unitId"`
	Price        string `json:"price"`
	DebtAttached string `json:"debtAttached"`
	FeesAttached string `json:"feesAttached"`
	Deadline     int64  `json:"deadline,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	SettledAt    int64  `json:"settledAt,omitempty"`
	Status       string `json:"status"`
}

// batchRequest carries an ordered sequence of ledger operations executed
// atomically behind the invariant gate.
type batchRequest struct {
	Ops []batchOp `json:"ops"`
}

type batchOp struct {
	Op        string `json:"op"`
	Owner     string `json:"owner,omitempty"`
	To        string `json:"to,omitempty"`
	Buyer     string `json:"buyer,omitempty"`
	UnitID    string `json:"unitId,omitempty"`
	ListingID string `json:"listingId,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Payment   string `json:"payment,omitempty"`
}

type batchResponse struct {
	Ops int `json:"ops"`
}

func parseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return addr, fmt.Errorf("address required")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q", value)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("invalid address %q: want %d bytes", value, len(addr))
	}
	copy(addr[:], raw)
	return addr, nil
}

func parseHash(value string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return id, fmt.Errorf("identifier required")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid identifier %q", value)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid identifier %q: want %d bytes", value, len(id))
	}
	copy(id[:], raw)
	return id, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", value)
	}
	return amount, nil
}

func parseOptionalAmount(value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return big.NewInt(0), nil
	}
	return parseAmount(value)
}

func formatAmount(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func formatAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func formatHash(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func toPositionResponse(pos *ledger.Position) positionResponse {
	pos.EnsureDefaults()
	return positionResponse{
		Owner:                   formatAddress(pos.Owner),
		TotalLockedCollateral:   formatAmount(pos.TotalLockedCollateral),
		Debt:                    formatAmount(pos.Debt),
		UnpaidFees:              formatAmount(pos.UnpaidFees),
		OverSuppliedVaultDebt:   formatAmount(pos.OverSuppliedVaultDebt),
		UndercollateralizedDebt: formatAmount(pos.UndercollateralizedDebt),
	}
}

func toListingResponse(listing *marketplace.Listing) listingResponse {
	resp := listingResponse{
		ID:           formatHash(listing.ID),
		Seller:       formatAddress(listing.Seller),
		UnitID:       formatHash(listing.UnitID),
		Price:        formatAmount(listing.Price),
		DebtAttached: formatAmount(listing.DebtAttached),
		FeesAttached: formatAmount(listing.FeesAttached),
		Deadline:     listing.Deadline,
		CreatedAt:    listing.CreatedAt,
		SettledAt:    listing.SettledAt,
		Status:       listing.Status.String(),
	}
	if listing.AllowedBuyer != ([20]byte{}) {
		resp.AllowedBuyer = formatAddress(listing.AllowedBuyer)
	}
	return resp
}
