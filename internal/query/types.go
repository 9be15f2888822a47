package query

import (
	"encoding/json"
	"time"
)

// RequestResponse represents a live async request for API queries.
// Amounts are 18-decimal integers rendered as decimal strings.
type RequestResponse struct {
	Key             string    `json:"key"`
	Kind            string    `json:"kind"`
	Status          string    `json:"status"`
	Vault           string    `json:"vault"`
	AccountNumber   uint64    `json:"account_number"`
	InputMarket     uint64    `json:"input_market"`
	InputAmount     string    `json:"input_amount"`
	OutputMarket    uint64    `json:"output_market"`
	MinOutputAmount string    `json:"min_output_amount"`
	OutputAmount    *string   `json:"output_amount,omitempty"`
	IsRetryable     bool      `json:"is_retryable"`
	IsLiquidation   bool      `json:"is_liquidation"`
	Attempts        uint32    `json:"attempts"`
	Custody         string    `json:"custody"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Historical      bool      `json:"historical,omitempty"`
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// VaultRequestsResponse is the request history of one vault.
type VaultRequestsResponse struct {
	Vault        string            `json:"vault"`
	Requests     []RequestResponse `json:"requests"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// VaultResponse is the frozen flag and pending request keys of a vault.
type VaultResponse struct {
	Vault        string   `json:"vault"`
	Owner        string   `json:"owner"`
	Frozen       bool     `json:"frozen"`
	PendingKeys  []string `json:"pending_keys"`
	AsOfSequence int64    `json:"as_of_sequence"`
}

// PositionResponse is one (position, market) balance plus the position's
// margin state.
type PositionResponse struct {
	Owner         string `json:"owner"`
	Number        uint64 `json:"number"`
	Market        uint64 `json:"market"`
	Balance       string `json:"balance"` // signed
	Expiry        uint32 `json:"expiry,omitempty"`
	Supply        string `json:"supply_value"`
	Borrow        string `json:"borrow_value"`
	UnderMargined bool   `json:"under_margined"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// QuoteResponse is an adapter's exchange cost estimate.
type QuoteResponse struct {
	Trader       string `json:"trader"`
	InputMarket  uint64 `json:"input_market"`
	OutputMarket uint64 `json:"output_market"`
	InputAmount  string `json:"input_amount"`
	OutputAmount string `json:"output_amount"`
}

// EventResponse is one row of the event log.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *int64          `json:"market_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}
