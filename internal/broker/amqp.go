package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPDialer connects to RabbitMQ.
type AMQPDialer struct {
	URL       string
	Name      string // connection name shown in the management UI
	Prefetch  int
	Heartbeat time.Duration
}

// Dial implements Dialer. The publishing channel is put in confirm mode.
func (d AMQPDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	heartbeat := d.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	props := amqp.NewConnectionProperties()
	if d.Name != "" {
		props.SetClientConnectionName(d.Name)
	}
	dialTimeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		dialTimeout = time.Until(deadline)
	}

	conn, err := amqp.DialConfig(d.URL, amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return nil, err
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	prefetch := d.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	c := &amqpConn{
		conn:     conn,
		pub:      pub,
		prefetch: prefetch,
		done:     make(chan error, 1),
	}

	go forwardClose(c.done,
		conn.NotifyClose(make(chan *amqp.Error, 1)),
		pub.NotifyClose(make(chan *amqp.Error, 1)),
	)
	return c, nil
}

// forwardClose reports the first close of the connection or the publish
// channel on done. A closed publish channel makes the connection unusable for
// confirms, so it counts as a loss.
func forwardClose(done chan<- error, conn, pub <-chan *amqp.Error) {
	defer close(done)
	var (
		e  *amqp.Error
		ok bool
	)
	select {
	case e, ok = <-conn:
	case e, ok = <-pub:
	}
	if ok && e != nil {
		done <- e
	}
}

type amqpConn struct {
	conn     *amqp.Connection
	pubMu    sync.Mutex
	pub      *amqp.Channel
	prefetch int
	done     chan error
}

func (c *amqpConn) DeclareQueue(ctx context.Context, name string) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	_, err := c.pub.QueueDeclare(name, true, false, false, false, nil)
	return err
}

// Publish sends a persistent message and waits for the broker confirm.
func (c *amqpConn) Publish(ctx context.Context, queue string, body []byte) error {
	c.pubMu.Lock()
	dc, err := c.pub.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	c.pubMu.Unlock()
	if err != nil {
		return err
	}
	if dc == nil {
		return nil
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}

// Consume opens a dedicated channel with manual acknowledgements.
func (c *amqpConn) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for m := range msgs {
			msg := m
			d := NewDelivery(queue, msg.Body,
				func() error { return msg.Ack(false) },
				func(requeue bool) error { return msg.Nack(false, requeue) },
			)
			d.Redelivered = msg.Redelivered
			select {
			case out <- d:
			case <-ctx.Done():
				_ = msg.Nack(false, true)
				return
			}
		}
	}()
	return out, nil
}

func (c *amqpConn) Done() <-chan error {
	return c.done
}

func (c *amqpConn) Close() error {
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
