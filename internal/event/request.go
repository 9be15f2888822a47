package event

import (
	"fmt"
	"time"
)

// RequestCreated is emitted once an async conversion request has been
// committed and handed to the venue.
type RequestCreated struct {
	Key           string    `json:"key"`
	Kind          string    `json:"kind"`
	Vault         string    `json:"vault"`
	AccountNumber uint64    `json:"account_number"`
	InputMarket   uint64    `json:"input_market"`
	OutputMarket  uint64    `json:"output_market"`
	InputAmount   string    `json:"input_amount"`
	MinOutput     string    `json:"min_output"`
	IsLiquidation bool      `json:"is_liquidation"`
	ExtraDataLen  int       `json:"extra_data_len"`
	Timestamp     time.Time `json:"timestamp"`
}

func (r *RequestCreated) IdempotencyKey() string { return fmt.Sprintf("%s:created", r.Key) }
func (r *RequestCreated) EventType() EventType   { return EventTypeRequestCreated }
func (r *RequestCreated) MarketID() *uint64      { return &r.InputMarket }
func (r *RequestCreated) OccurredAt() time.Time  { return r.Timestamp }

// RequestExecuted is emitted when a keeper reports success and the output
// has been delivered.
type RequestExecuted struct {
	Key           string    `json:"key"`
	Kind          string    `json:"kind"`
	Vault         string    `json:"vault"`
	AccountNumber uint64    `json:"account_number"`
	OutputMarket  uint64    `json:"output_market"`
	OutputAmount  string    `json:"output_amount"`
	Settled       bool      `json:"settled"`
	Timestamp     time.Time `json:"timestamp"`
}

func (r *RequestExecuted) IdempotencyKey() string { return fmt.Sprintf("%s:executed", r.Key) }
func (r *RequestExecuted) EventType() EventType   { return EventTypeRequestExecuted }
func (r *RequestExecuted) MarketID() *uint64      { return &r.OutputMarket }
func (r *RequestExecuted) OccurredAt() time.Time  { return r.Timestamp }

// RequestFailed is emitted when a request moves to the retryable state.
type RequestFailed struct {
	Key       string    `json:"key"`
	Vault     string    `json:"vault"`
	Reason    string    `json:"reason"`
	Attempts  uint32    `json:"attempts"`
	Custody   string    `json:"custody"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *RequestFailed) IdempotencyKey() string {
	return fmt.Sprintf("%s:failed:%d", r.Key, r.Attempts)
}
func (r *RequestFailed) EventType() EventType  { return EventTypeRequestFailed }
func (r *RequestFailed) MarketID() *uint64     { return nil }
func (r *RequestFailed) OccurredAt() time.Time { return r.Timestamp }

type RequestRetried struct {
	Key       string    `json:"key"`
	Vault     string    `json:"vault"`
	Attempts  uint32    `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *RequestRetried) IdempotencyKey() string {
	return fmt.Sprintf("%s:retried:%d", r.Key, r.Attempts)
}
func (r *RequestRetried) EventType() EventType  { return EventTypeRequestRetried }
func (r *RequestRetried) MarketID() *uint64     { return nil }
func (r *RequestRetried) OccurredAt() time.Time { return r.Timestamp }

type RequestCancelled struct {
	Key       string    `json:"key"`
	Vault     string    `json:"vault"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *RequestCancelled) IdempotencyKey() string { return fmt.Sprintf("%s:cancelled", r.Key) }
func (r *RequestCancelled) EventType() EventType   { return EventTypeRequestCancelled }
func (r *RequestCancelled) MarketID() *uint64      { return nil }
func (r *RequestCancelled) OccurredAt() time.Time  { return r.Timestamp }
