package ingestion

import (
	"IsoLedger/internal/event"
	"IsoLedger/internal/observability"
	"IsoLedger/internal/vault"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the subset of jetstream.JetStream used for outbound messages.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// VenuePublisher submits async requests to the keeper network over
// JetStream. It implements vault.Venue.
type VenuePublisher struct {
	js         Publisher
	maxRetries uint64
	interval   time.Duration
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewVenuePublisher(js Publisher, maxRetries uint64, metrics *observability.Metrics, logger zerolog.Logger) *VenuePublisher {
	return &VenuePublisher{
		js:         js,
		maxRetries: maxRetries,
		interval:   100 * time.Millisecond,
		metrics:    metrics,
		logger:     logger,
	}
}

// SetRetryInterval overrides the initial backoff interval.
func (p *VenuePublisher) SetRetryInterval(d time.Duration) { p.interval = d }

// venueOrder is what a keeper needs to execute a request. Extra data travels
// from the initiator to the venue directly; the ledger only commits to its
// hash and length.
type venueOrder struct {
	Key             string    `json:"key"`
	Kind            string    `json:"kind"`
	Vault           string    `json:"vault"`
	AccountNumber   uint64    `json:"account_number"`
	InputToken      string    `json:"input_token"`
	InputAmount     string    `json:"input_amount"`
	OutputToken     string    `json:"output_token"`
	MinOutputAmount string    `json:"min_output_amount"`
	ExtraDataHash   string    `json:"extra_data_hash"`
	ExtraDataLen    int       `json:"extra_data_len"`
	IsLiquidation   bool      `json:"is_liquidation"`
	Attempt         uint32    `json:"attempt"`
	CreatedAt       time.Time `json:"created_at"`
}

func (p *VenuePublisher) SubmitDeposit(ctx context.Context, req *vault.Request) error {
	return p.submit(ctx, "deposits", req)
}

func (p *VenuePublisher) SubmitWithdrawal(ctx context.Context, req *vault.Request) error {
	return p.submit(ctx, "withdrawals", req)
}

func (p *VenuePublisher) Cancel(ctx context.Context, key common.Hash) error {
	data, err := json.Marshal(map[string]string{"key": key.Hex()})
	if err != nil {
		return err
	}
	return p.publish(ctx, "cancel", "iso.venue.cancel."+key.Hex(), key.Hex()+":cancel", data)
}

func (p *VenuePublisher) submit(ctx context.Context, op string, req *vault.Request) error {
	data, err := json.Marshal(venueOrder{
		Key:             req.Key.Hex(),
		Kind:            req.Kind.String(),
		Vault:           req.Vault.Hex(),
		AccountNumber:   req.AccountNumber,
		InputToken:      req.InputToken.Hex(),
		InputAmount:     req.InputAmount.Dec(),
		OutputToken:     req.OutputToken.Hex(),
		MinOutputAmount: req.MinOutputAmount.Dec(),
		ExtraDataHash:   req.ExtraDataHash.Hex(),
		ExtraDataLen:    req.ExtraDataLen,
		IsLiquidation:   req.IsLiquidation,
		Attempt:         req.Attempts,
		CreatedAt:       req.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	subject := fmt.Sprintf("iso.venue.%s.%s", op, req.Key.Hex())
	// a resubmission after a failure is a new message
	msgID := fmt.Sprintf("%s:%d", req.Key.Hex(), req.Attempts)
	return p.publish(ctx, op, subject, msgID, data)
}

func (p *VenuePublisher) publish(ctx context.Context, op, subject, msgID string, data []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.interval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), ctx)

	err := backoff.RetryNotify(func() error {
		_, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
		return err
	}, policy, func(err error, wait time.Duration) {
		if p.metrics != nil {
			p.metrics.VenuePublishRetries.Inc()
		}
		p.logger.Warn().Err(err).Str("subject", subject).Dur("backoff", wait).Msg("venue publish retry")
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if p.metrics != nil {
		p.metrics.VenuePublish.WithLabelValues(op, outcome).Inc()
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// OutboundPublisher publishes durable ledger events for downstream consumers.
// Subjects follow the pattern: iso.ledger.events.{event_type}[.{market_id}]
type OutboundPublisher struct {
	js     Publisher
	input  <-chan event.EventEnvelope
	logger zerolog.Logger
}

// outboundEvent is the JSON shape of a published envelope.
type outboundEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *uint64         `json:"market_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js Publisher, input <-chan event.EventEnvelope, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{js: js, input: input, logger: logger}
}

// Run publishes until ctx is cancelled or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.input:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, env); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env event.EventEnvelope) error {
	data, err := json.Marshal(outboundEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		Timestamp:      env.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := OutboundSubject(env)
	_, err = op.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(fmt.Sprintf("%s:%s", env.EventType, env.IdempotencyKey)))
	return err
}

// OutboundSubject returns the subject an envelope is published on.
func OutboundSubject(env event.EventEnvelope) string {
	subject := "iso.ledger.events." + env.EventType.String()
	if env.MarketID != nil {
		subject = fmt.Sprintf("%s.%d", subject, *env.MarketID)
	}
	return subject
}
