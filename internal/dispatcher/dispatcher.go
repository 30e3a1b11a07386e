package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskbridge/internal/broker"
	"taskbridge/internal/clock"
	"taskbridge/internal/correlation"
)

// Publisher is the part of broker.Client the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
	State() broker.State
}

// Registry is the part of correlation.Table the dispatcher needs.
type Registry interface {
	Register(req correlation.TaskRequest) (*correlation.Handle, error)
	Fail(id, reason string) error
}

// Config names the queues and bounds the publish step.
type Config struct {
	WorkQueue      string
	ReplyQueue     string
	PublishTimeout time.Duration
}

// Dispatcher accepts tasks and hands them to the work queue.
type Dispatcher struct {
	pub   Publisher
	reg   Registry
	cfg   Config
	clock clock.Clock
	newID func() string
	log   zerolog.Logger
}

func New(pub Publisher, reg Registry, cfg Config, clk clock.Clock, log zerolog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Dispatcher{
		pub:   pub,
		reg:   reg,
		cfg:   cfg,
		clock: clk,
		newID: uuid.NewString,
		log:   log,
	}
}

// Submit registers and publishes payload, returning the correlation id.
// It never waits for the task's result.
func (d *Dispatcher) Submit(ctx context.Context, payload json.RawMessage) (string, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return "", ErrInvalid
	}
	if st := d.pub.State(); st != broker.Connected {
		return "", fmt.Errorf("%w: broker %s", ErrUnavailable, st)
	}

	req := correlation.TaskRequest{
		ID:          d.newID(),
		Payload:     payload,
		SubmittedAt: d.clock.Now(),
	}
	body, err := broker.EncodeTask(broker.TaskMessage{
		CorrelationID: req.ID,
		Payload:       req.Payload,
		ReplyTo:       d.cfg.ReplyQueue,
		SubmittedAt:   req.SubmittedAt,
	})
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}

	if _, err := d.reg.Register(req); err != nil {
		if errors.Is(err, correlation.ErrCapacity) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", fmt.Errorf("register task: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()
	if err := d.pub.Publish(pctx, d.cfg.WorkQueue, body); err != nil {
		// Never leave an entry Pending for a task nobody will receive.
		if ferr := d.reg.Fail(req.ID, "publish failed: "+err.Error()); ferr != nil {
			d.log.Debug().Err(ferr).Str("id", req.ID).Msg("mark failed after publish error")
		}
		d.log.Warn().Err(err).Str("id", req.ID).Str("queue", d.cfg.WorkQueue).Msg("task publish failed")
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	d.log.Info().Str("id", req.ID).Str("queue", d.cfg.WorkQueue).Msg("task dispatched")
	return req.ID, nil
}
