package listener

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"taskbridge/internal/broker"
	"taskbridge/internal/clock"
	"taskbridge/internal/correlation"
	"taskbridge/internal/deadletter"
)

// Consumer is the part of broker.Client the listener needs.
type Consumer interface {
	Consume(queue string, handler broker.Handler) error
}

// Resolver is the part of correlation.Table the listener needs.
type Resolver interface {
	Resolve(id string, result json.RawMessage, outcome correlation.Outcome, reason string) error
}

// DeadLetters receives messages that could not be processed.
type DeadLetters interface {
	Write(rec deadletter.Record) error
}

// Listener matches response messages to pending entries.
type Listener struct {
	consumer Consumer
	queue    string
	table    Resolver
	dead     DeadLetters
	clock    clock.Clock
	log      zerolog.Logger
}

// New builds a Listener. dead may be nil, in which case malformed messages
// are only logged.
func New(consumer Consumer, queue string, table Resolver, dead DeadLetters, clk clock.Clock, log zerolog.Logger) *Listener {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Listener{
		consumer: consumer,
		queue:    queue,
		table:    table,
		dead:     dead,
		clock:    clk,
		log:      log,
	}
}

// Start registers the listener on the response queue. The broker client keeps
// it attached across reconnects.
func (l *Listener) Start() error {
	return l.consumer.Consume(l.queue, l.Handle)
}

// Handle processes one response delivery. Every delivery that is processed
// is acked: bad ones are dead-lettered, unknown or late ones dropped. A panic
// leaves the delivery unsettled for the broker client to reject.
func (l *Listener) Handle(_ context.Context, d broker.Delivery) {
	l.process(d)
	if err := d.Ack(); err != nil {
		l.log.Warn().Err(err).Str("queue", l.queue).Msg("ack failed")
	}
}

func (l *Listener) process(d broker.Delivery) {
	msg, err := broker.DecodeResponse(d.Body)
	if err != nil {
		l.deadLetter(d, err)
		return
	}

	outcome := correlation.Failure
	if msg.Succeeded() {
		outcome = correlation.Success
	}

	err = l.table.Resolve(msg.CorrelationID, msg.Body(), outcome, msg.Error)
	switch {
	case err == nil:
		l.log.Info().Str("id", msg.CorrelationID).Str("outcome", string(outcome)).Msg("task resolved")
	case errors.Is(err, correlation.ErrNotFound), errors.Is(err, correlation.ErrAlreadyTerminal):
		l.log.Debug().Err(err).Str("id", msg.CorrelationID).Bool("redelivered", d.Redelivered).Msg("response dropped")
	default:
		l.log.Error().Err(err).Str("id", msg.CorrelationID).Msg("resolve failed")
	}
}

func (l *Listener) deadLetter(d broker.Delivery, cause error) {
	l.log.Warn().
		Err(cause).
		Str("queue", l.queue).
		Int("bytes", len(d.Body)).
		Msg("dead-lettering malformed response")

	if l.dead == nil {
		return
	}
	rec := deadletter.Record{
		Reason:    deadletter.Malformed,
		Queue:     l.queue,
		Body:      string(d.Body),
		Error:     cause.Error(),
		Timestamp: l.clock.Now(),
	}
	if err := l.dead.Write(rec); err != nil {
		l.log.Error().Err(err).Msg("dead-letter write failed")
	}
}
