package listener

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbridge/internal/broker"
	"taskbridge/internal/clock"
	"taskbridge/internal/correlation"
	"taskbridge/internal/deadletter"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type memSink struct {
	records []deadletter.Record
	err     error
}

func (s *memSink) Write(rec deadletter.Record) error {
	s.records = append(s.records, rec)
	return s.err
}

type fakeConsumer struct {
	queue   string
	handler broker.Handler
}

func (f *fakeConsumer) Consume(queue string, h broker.Handler) error {
	f.queue, f.handler = queue, h
	return nil
}

// delivery builds a delivery that counts its acks.
func delivery(body string, acks *int) broker.Delivery {
	return broker.NewDelivery("response_queue", []byte(body),
		func() error {
			*acks++
			return nil
		},
		func(bool) error { return errors.New("unexpected reject") },
	)
}

func setup(t *testing.T) (*Listener, *correlation.Table, *memSink) {
	t.Helper()
	clk := clock.NewManual(epoch)
	tbl := correlation.NewTable(correlation.Options{
		TaskTimeout: 30 * time.Second,
		Retention:   time.Minute,
	}, clk, zerolog.Nop())
	sink := &memSink{}
	return New(&fakeConsumer{}, "response_queue", tbl, sink, clk, zerolog.Nop()), tbl, sink
}

func register(t *testing.T, tbl *correlation.Table, id string) {
	t.Helper()
	_, err := tbl.Register(correlation.TaskRequest{ID: id, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
}

func TestStart_RegistersOnResponseQueue(t *testing.T) {
	cons := &fakeConsumer{}
	l := New(cons, "response_queue", nil, nil, nil, zerolog.Nop())
	require.NoError(t, l.Start())
	assert.Equal(t, "response_queue", cons.queue)
	assert.NotNil(t, cons.handler)
}

func TestHandle_ResolvesPendingEntry(t *testing.T) {
	l, tbl, sink := setup(t)
	register(t, tbl, "X")

	acks := 0
	l.Handle(context.Background(), delivery(`{"correlationId":"X","payload":{"r":1}}`, &acks))

	e, err := tbl.Read("X")
	require.NoError(t, err)
	assert.Equal(t, correlation.Resolved, e.Status)
	assert.JSONEq(t, `{"r":1}`, string(e.Result))
	assert.Equal(t, 1, acks)
	assert.Empty(t, sink.records)
}

func TestHandle_FailureOutcome(t *testing.T) {
	l, tbl, _ := setup(t)
	register(t, tbl, "X")

	acks := 0
	l.Handle(context.Background(), delivery(`{"correlationId":"X","outcome":"failure","error":"worker crashed"}`, &acks))

	e, err := tbl.Read("X")
	require.NoError(t, err)
	assert.Equal(t, correlation.Failed, e.Status)
	assert.Equal(t, "worker crashed", e.Error)
	assert.Equal(t, 1, acks)
}

type panickingResolver struct{}

func (panickingResolver) Resolve(string, json.RawMessage, correlation.Outcome, string) error {
	panic("table corrupted")
}

func TestHandle_PanicLeavesDeliveryUnsettled(t *testing.T) {
	l := New(&fakeConsumer{}, "response_queue", panickingResolver{}, nil, nil, zerolog.Nop())

	var settlements []string
	d := broker.NewDelivery("response_queue", []byte(`{"correlationId":"X"}`),
		func() error {
			settlements = append(settlements, "ack")
			return nil
		},
		func(bool) error {
			settlements = append(settlements, "reject")
			return nil
		},
	)

	assert.Panics(t, func() { l.Handle(context.Background(), d) })
	assert.Empty(t, settlements)

	// The broker client's recovery can still reject it.
	require.NoError(t, d.Reject(false))
	assert.Equal(t, []string{"reject"}, settlements)
}

func TestHandle_MalformedIsDeadLetteredAndListenerContinues(t *testing.T) {
	l, tbl, sink := setup(t)
	register(t, tbl, "Z")

	acks := 0
	l.Handle(context.Background(), delivery(`not json`, &acks))
	l.Handle(context.Background(), delivery(`{"correlationId":"Z","payload":"ok"}`, &acks))

	assert.Equal(t, 2, acks)
	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, deadletter.Malformed, rec.Reason)
	assert.Equal(t, "response_queue", rec.Queue)
	assert.Equal(t, "not json", rec.Body)
	assert.NotEmpty(t, rec.Error)
	assert.Equal(t, epoch, rec.Timestamp)

	e, err := tbl.Read("Z")
	require.NoError(t, err)
	assert.Equal(t, correlation.Resolved, e.Status)
}

func TestHandle_MissingIDIsMalformed(t *testing.T) {
	l, _, sink := setup(t)

	acks := 0
	l.Handle(context.Background(), delivery(`{"payload":"orphan"}`, &acks))

	assert.Equal(t, 1, acks)
	require.Len(t, sink.records, 1)
}

func TestHandle_UnknownAndLateResponsesAreDropped(t *testing.T) {
	l, tbl, sink := setup(t)
	register(t, tbl, "X")
	require.NoError(t, tbl.Expire("X"))

	acks := 0
	l.Handle(context.Background(), delivery(`{"correlationId":"nobody","payload":1}`, &acks))
	l.Handle(context.Background(), delivery(`{"correlationId":"X","payload":1}`, &acks))

	assert.Equal(t, 2, acks)
	assert.Empty(t, sink.records)

	e, err := tbl.Read("X")
	require.NoError(t, err)
	assert.Equal(t, correlation.Expired, e.Status)
	assert.Equal(t, uint64(1), tbl.Stats().DroppedLate)
}

func TestHandle_NilSinkAndSinkErrors(t *testing.T) {
	tbl := correlation.NewTable(correlation.Options{TaskTimeout: time.Second}, clock.NewManual(epoch), zerolog.Nop())

	acks := 0
	New(&fakeConsumer{}, "response_queue", tbl, nil, nil, zerolog.Nop()).
		Handle(context.Background(), delivery(`garbage`, &acks))
	assert.Equal(t, 1, acks)

	sink := &memSink{err: errors.New("disk full")}
	New(&fakeConsumer{}, "response_queue", tbl, sink, nil, zerolog.Nop()).
		Handle(context.Background(), delivery(`garbage`, &acks))
	assert.Equal(t, 2, acks)
	assert.Len(t, sink.records, 1)
}
