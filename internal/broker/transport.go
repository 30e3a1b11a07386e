package broker

import (
	"context"
	"sync"
)

// Dialer opens a connection to a broker.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live broker connection. A Conn is never reused after Done fires.
type Conn interface {
	// DeclareQueue asserts a durable queue. Must be idempotent.
	DeclareQueue(ctx context.Context, name string) error
	Publish(ctx context.Context, queue string, body []byte) error
	// Consume streams deliveries until ctx is cancelled or the connection drops.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	// Done receives an error, or is closed, once the connection is lost.
	Done() <-chan error
	Close() error
}

// Delivery is a message handed to a consumer. Only the first Ack or Reject
// reaches the broker; later calls return ErrAlreadySettled.
type Delivery struct {
	Queue       string
	Body        []byte
	Redelivered bool

	settle *settlement
}

type settlement struct {
	once   sync.Once
	ack    func() error
	reject func(requeue bool) error
}

func (s *settlement) do(fn func() error) error {
	err := ErrAlreadySettled
	s.once.Do(func() {
		err = nil
		if fn != nil {
			err = fn()
		}
	})
	return err
}

// NewDelivery builds a Delivery with the given settlement callbacks.
func NewDelivery(queue string, body []byte, ack func() error, reject func(requeue bool) error) Delivery {
	return Delivery{
		Queue:  queue,
		Body:   body,
		settle: &settlement{ack: ack, reject: reject},
	}
}

func (d Delivery) Ack() error {
	if d.settle == nil {
		return nil
	}
	return d.settle.do(d.settle.ack)
}

func (d Delivery) Reject(requeue bool) error {
	if d.settle == nil {
		return nil
	}
	var fn func() error
	if d.settle.reject != nil {
		fn = func() error { return d.settle.reject(requeue) }
	}
	return d.settle.do(fn)
}

// Handler processes one delivery and settles it.
type Handler func(ctx context.Context, d Delivery)
