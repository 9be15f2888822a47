package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeRequestCreated
	EventTypeRequestExecuted
	EventTypeRequestFailed
	EventTypeRequestRetried
	EventTypeRequestCancelled
	EventTypeLiquidationExecuted
	EventTypeZapExecuted
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Monotonic sequence assigned by the sink that sealed the envelope
	Sequence int64

	// Stable idempotency key derived from the event
	IdempotencyKey string

	EventType EventType

	// Market context (nil for events without one)
	MarketID *uint64

	Timestamp time.Time

	// JSON-encoded event payload
	Payload []byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *uint64

	// OccurredAt returns the ledger time the event was produced at
	OccurredAt() time.Time
}

// Seal wraps ev in an envelope with the given sequence.
func Seal(sequence int64, ev Event) (EventEnvelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	return EventEnvelope{
		Sequence:       sequence,
		IdempotencyKey: ev.IdempotencyKey(),
		EventType:      ev.EventType(),
		MarketID:       ev.MarketID(),
		Timestamp:      ev.OccurredAt(),
		Payload:        payload,
	}, nil
}

func (et EventType) String() string {
	switch et {
	case EventTypeRequestCreated:
		return "RequestCreated"
	case EventTypeRequestExecuted:
		return "RequestExecuted"
	case EventTypeRequestFailed:
		return "RequestFailed"
	case EventTypeRequestRetried:
		return "RequestRetried"
	case EventTypeRequestCancelled:
		return "RequestCancelled"
	case EventTypeLiquidationExecuted:
		return "LiquidationExecuted"
	case EventTypeZapExecuted:
		return "ZapExecuted"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeRequestCreated; et <= EventTypeZapExecuted; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
