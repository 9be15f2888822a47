package event

import (
	"time"
)

// LiquidationExecuted is emitted after a liquidation batch commits.
type LiquidationExecuted struct {
	BatchID    string    `json:"batch_id"`
	Solid      string    `json:"solid"`
	Liquid     string    `json:"liquid"`
	HeldMarket uint64    `json:"held_market"`
	OwedMarket uint64    `json:"owed_market"`
	OwedRepaid string    `json:"owed_repaid"`
	HeldSeized string    `json:"held_seized"`
	Output     string    `json:"output"`
	Expiry     uint32    `json:"expiry,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (l *LiquidationExecuted) IdempotencyKey() string { return l.BatchID }
func (l *LiquidationExecuted) EventType() EventType   { return EventTypeLiquidationExecuted }
func (l *LiquidationExecuted) MarketID() *uint64      { return &l.HeldMarket }
func (l *LiquidationExecuted) OccurredAt() time.Time  { return l.Timestamp }

// ZapExecuted is emitted after a zap batch commits.
type ZapExecuted struct {
	BatchID       string    `json:"batch_id"`
	Trader        string    `json:"trader"`
	AccountNumber uint64    `json:"account_number"`
	Path          []uint64  `json:"path"`
	InputAmount   string    `json:"input_amount"`
	OutputAmount  string    `json:"output_amount"`
	Timestamp     time.Time `json:"timestamp"`
}

func (z *ZapExecuted) IdempotencyKey() string { return z.BatchID }
func (z *ZapExecuted) EventType() EventType   { return EventTypeZapExecuted }
func (z *ZapExecuted) MarketID() *uint64 {
	if len(z.Path) == 0 {
		return nil
	}
	return &z.Path[0]
}
func (z *ZapExecuted) OccurredAt() time.Time { return z.Timestamp }
