package ingestion

import (
	"IsoLedger/internal/core"
	"IsoLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CallbackStream   = "ISO_CALLBACKS"
	CallbackSubjects = "iso.callbacks.>"
	VenueStream      = "ISO_VENUE"
	VenueSubjects    = "iso.venue.>"
	EventsStream     = "ISO_LEDGER_EVENTS"
	EventsSubjects   = "iso.ledger.events.>"
)

// CallbackSubscriber consumes keeper callbacks from JetStream and feeds them
// to the engine's callback loop. Messages are acked once the engine has
// handled them, terminated when they can never apply, and nak'd otherwise.
type CallbackSubscriber struct {
	js       jetstream.JetStream
	out      chan<- core.Inbound
	consumer string
	limits   Limits
	metrics  *observability.Metrics
	logger   zerolog.Logger
	cc       jetstream.ConsumeContext
}

func NewCallbackSubscriber(
	js jetstream.JetStream,
	out chan<- core.Inbound,
	consumer string,
	limits Limits,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *CallbackSubscriber {
	return &CallbackSubscriber{
		js:       js,
		out:      out,
		consumer: consumer,
		limits:   limits,
		metrics:  metrics,
		logger:   logger,
	}
}

// Subscribe creates the durable consumer and starts delivery.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (s *CallbackSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, CallbackStream, jetstream.ConsumerConfig{
		Durable:       s.consumer,
		FilterSubject: CallbackSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", s.consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) { s.handle(ctx, msg) })
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.consumer, err)
	}
	s.cc = cc
	s.logger.Info().Str("subject", CallbackSubjects).Str("consumer", s.consumer).Msg("subscribed")
	return nil
}

func (s *CallbackSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	cb, err := ParseCallback(msg.Data(), s.limits)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed callback")
		if s.metrics != nil {
			s.metrics.AsyncCallbacks.WithLabelValues("malformed").Inc()
		}
		_ = msg.Term()
		return
	}

	in := core.Inbound{
		Callback: cb,
		Done: func(outcome core.CallbackOutcome, err error) {
			switch {
			case outcome == core.OutcomeRejected:
				_ = msg.Term()
			case err != nil:
				_ = msg.Nak()
			default:
				_ = msg.Ack()
			}
		},
	}

	select {
	case s.out <- in:
	case <-ctx.Done():
		_ = msg.Nak()
	}
}

// Stop gracefully stops the consumer.
func (s *CallbackSubscriber) Stop() {
	if s.cc != nil {
		s.cc.Stop()
	}
	s.logger.Info().Msg("callback subscriber stopped")
}

// EnsureStreams creates the keeper, venue and ledger event streams.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{Name: CallbackStream, Subjects: []string{CallbackSubjects}},
		{Name: VenueStream, Subjects: []string{VenueSubjects}},
		{Name: EventsStream, Subjects: []string{EventsSubjects}},
	}
	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		cfg.Duplicates = 10 * time.Minute
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("isoledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
