package projection

import (
	"IsoLedger/internal/event"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// History statuses. Pending, executed and failed_retryable mirror the live
// registry; settled and cancelled only exist once a request has left it.
const (
	StatusPending         = "pending"
	StatusExecuted        = "executed"
	StatusFailedRetryable = "failed_retryable"
	StatusSettled         = "settled"
	StatusCancelled       = "cancelled"
)

var ErrNotCreated = errors.New("projection: request has no created event")

// Record is one row of the request history.
type Record struct {
	Key             string
	Kind            string
	Status          string
	Vault           string
	AccountNumber   uint64
	InputMarket     uint64
	InputAmount     string
	OutputMarket    uint64
	MinOutputAmount string
	OutputAmount    *string
	IsLiquidation   bool
	Attempts        uint32
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastSequence    int64
}

// Terminal reports whether no further event can change the record.
func (r *Record) Terminal() bool {
	return r.Status == StatusSettled || r.Status == StatusCancelled
}

// RequestKey extracts the request key of a request lifecycle event. ok is
// false for events that do not belong to a request.
func RequestKey(env event.EventEnvelope) (key string, ok bool, err error) {
	switch env.EventType {
	case event.EventTypeRequestCreated, event.EventTypeRequestExecuted,
		event.EventTypeRequestFailed, event.EventTypeRequestRetried,
		event.EventTypeRequestCancelled:
	default:
		return "", false, nil
	}
	var head struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(env.Payload, &head); err != nil {
		return "", false, fmt.Errorf("decode %s at %d: %w", env.EventType, env.Sequence, err)
	}
	if head.Key == "" {
		return "", false, fmt.Errorf("%s at %d: empty request key", env.EventType, env.Sequence)
	}
	return head.Key, true, nil
}

// Apply folds env into r. r is the zero Record when the request has not
// been seen yet, in which case only a created event is accepted. Events at
// or below r.LastSequence are ignored so replays are harmless.
func (r *Record) Apply(env event.EventEnvelope) error {
	if r.Key != "" && env.Sequence <= r.LastSequence {
		return nil
	}
	if r.Key == "" && env.EventType != event.EventTypeRequestCreated {
		return ErrNotCreated
	}

	switch env.EventType {
	case event.EventTypeRequestCreated:
		var ev event.RequestCreated
		if err := decode(env, &ev); err != nil {
			return err
		}
		*r = Record{
			Key:             ev.Key,
			Kind:            ev.Kind,
			Status:          StatusPending,
			Vault:           ev.Vault,
			AccountNumber:   ev.AccountNumber,
			InputMarket:     ev.InputMarket,
			InputAmount:     ev.InputAmount,
			OutputMarket:    ev.OutputMarket,
			MinOutputAmount: ev.MinOutput,
			IsLiquidation:   ev.IsLiquidation,
			CreatedAt:       ev.Timestamp.UTC(),
		}

	case event.EventTypeRequestExecuted:
		var ev event.RequestExecuted
		if err := decode(env, &ev); err != nil {
			return err
		}
		out := ev.OutputAmount
		r.OutputAmount = &out
		r.LastError = ""
		if ev.Settled {
			r.Status = StatusSettled
		} else {
			r.Status = StatusExecuted
		}

	case event.EventTypeRequestFailed:
		var ev event.RequestFailed
		if err := decode(env, &ev); err != nil {
			return err
		}
		r.Status = StatusFailedRetryable
		r.Attempts = ev.Attempts
		r.LastError = ev.Reason

	case event.EventTypeRequestRetried:
		var ev event.RequestRetried
		if err := decode(env, &ev); err != nil {
			return err
		}
		r.Status = StatusPending
		r.Attempts = ev.Attempts

	case event.EventTypeRequestCancelled:
		r.Status = StatusCancelled

	default:
		return fmt.Errorf("projection: %s is not a request event", env.EventType)
	}

	r.UpdatedAt = env.Timestamp.UTC()
	r.LastSequence = env.Sequence
	return nil
}

func decode(env event.EventEnvelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %s at %d: %w", env.EventType, env.Sequence, err)
	}
	return nil
}
