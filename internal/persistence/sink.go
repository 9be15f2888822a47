package persistence

import (
	"IsoLedger/internal/event"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ChannelSink seals events with a monotonic sequence and hands them to a
// Worker. Emit blocks while the channel is full.
type ChannelSink struct {
	out    chan<- event.EventEnvelope
	seq    atomic.Int64
	logger zerolog.Logger
}

// NewChannelSink continues numbering after lastSequence.
func NewChannelSink(out chan<- event.EventEnvelope, lastSequence int64, logger zerolog.Logger) *ChannelSink {
	s := &ChannelSink{out: out, logger: logger}
	s.seq.Store(lastSequence)
	return s
}

func (s *ChannelSink) Emit(ev event.Event) {
	env, err := event.Seal(s.seq.Add(1), ev)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", ev.EventType().String()).Msg("seal event")
		return
	}
	s.out <- env
}

// Sequence returns the last sequence assigned.
func (s *ChannelSink) Sequence() int64 { return s.seq.Load() }
