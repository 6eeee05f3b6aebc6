package types

// Event is the typed payload the ledger, vault and marketplace engines emit as
// their state transitions commit. Attributes carry the addresses and amounts
// involved, formatted as strings.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
