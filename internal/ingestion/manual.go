package ingestion

import (
	"IsoLedger/internal/core"
	"IsoLedger/internal/vault"
	"context"
)

type result struct {
	outcome core.CallbackOutcome
	err     error
}

// ManualIngest lets operators replay a keeper callback through the same
// single-consumer loop the JetStream subscriber feeds. It is an admin
// surface, not a throughput path.
type ManualIngest struct {
	out    chan<- core.Inbound
	limits Limits
}

func NewManualIngest(out chan<- core.Inbound, limits Limits) *ManualIngest {
	return &ManualIngest{out: out, limits: limits}
}

// InjectJSON parses a wire-format callback and waits for the engine's
// verdict.
func (m *ManualIngest) InjectJSON(ctx context.Context, data []byte) (core.CallbackOutcome, error) {
	cb, err := ParseCallback(data, m.limits)
	if err != nil {
		return core.OutcomeRejected, err
	}
	return m.Inject(ctx, cb)
}

func (m *ManualIngest) Inject(ctx context.Context, cb vault.Callback) (core.CallbackOutcome, error) {
	done := make(chan result, 1)
	in := core.Inbound{
		Callback: cb,
		Done: func(o core.CallbackOutcome, err error) {
			done <- result{outcome: o, err: err}
		},
	}

	select {
	case m.out <- in:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-done:
		return r.outcome, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
