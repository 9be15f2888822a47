package core

import (
	"IsoLedger/internal/vault"
	"context"
)

// Inbound is one keeper callback waiting for the engine.
type Inbound struct {
	Callback vault.Callback
	// Done receives the outcome exactly once. Transports ack or nak from it.
	Done func(CallbackOutcome, error)
}

// RunCallbacks is the single consumer of in. It returns when ctx is done or
// in is closed.
func (e *Engine) RunCallbacks(ctx context.Context, in <-chan Inbound) error {
	if e.metrics != nil {
		e.metrics.ChannelCapacity.WithLabelValues("callbacks").Set(float64(cap(in)))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if e.metrics != nil {
				e.metrics.ChannelSize.WithLabelValues("callbacks").Set(float64(len(in)))
			}
			outcome, err := e.HandleCallback(ctx, msg.Callback)
			if msg.Done != nil {
				msg.Done(outcome, err)
			}
		}
	}
}
