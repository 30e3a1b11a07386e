package broker

import (
	"context"
	"errors"
	"sync"
)

const memoryQueueSize = 1024

// Memory is an in-process broker. Queues live on the broker and survive
// connections; SetDown simulates an outage by severing every connection and
// refusing new dials.
type Memory struct {
	mu     sync.Mutex
	queues map[string]chan []byte
	conns  map[*memoryConn]struct{}
	down   bool
}

// NewMemory returns a running in-process broker with no queues.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]chan []byte),
		conns:  make(map[*memoryConn]struct{}),
	}
}

// Dial implements Dialer.
func (m *Memory) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, ErrUnreachable
	}
	c := &memoryConn{broker: m, done: make(chan error, 1), closed: make(chan struct{})}
	m.conns[c] = struct{}{}
	return c, nil
}

// SetDown takes the broker down (severing live connections) or back up.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	var severed []*memoryConn
	if down {
		for c := range m.conns {
			severed = append(severed, c)
		}
		m.conns = make(map[*memoryConn]struct{})
	}
	m.mu.Unlock()

	for _, c := range severed {
		c.shutdown(ErrConnectionLost)
	}
}

// Inject places body on queue directly, as an external producer would.
func (m *Memory) Inject(queue string, body []byte) {
	m.queue(queue) <- body
}

// Next removes the oldest message from queue, waiting until ctx is done.
func (m *Memory) Next(ctx context.Context, queue string) ([]byte, error) {
	select {
	case body := <-m.queue(queue):
		return body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports how many messages wait on queue.
func (m *Memory) Len(queue string) int {
	return len(m.queue(queue))
}

func (m *Memory) queue(name string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = make(chan []byte, memoryQueueSize)
		m.queues[name] = q
	}
	return q
}

func (m *Memory) forget(c *memoryConn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
}

type memoryConn struct {
	broker *Memory
	done   chan error
	closed chan struct{}
	once   sync.Once
}

func (c *memoryConn) shutdown(err error) {
	c.once.Do(func() {
		if err != nil {
			c.done <- err
		}
		close(c.done)
		close(c.closed)
	})
}

func (c *memoryConn) alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *memoryConn) DeclareQueue(ctx context.Context, name string) error {
	if !c.alive() {
		return ErrConnectionLost
	}
	c.broker.queue(name)
	return nil
}

func (c *memoryConn) Publish(ctx context.Context, queue string, body []byte) error {
	if !c.alive() {
		return ErrConnectionLost
	}
	q := c.broker.queue(queue)
	msg := append([]byte(nil), body...)
	select {
	case q <- msg:
		return nil
	case <-c.closed:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memoryConn) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if !c.alive() {
		return nil, ErrConnectionLost
	}
	q := c.broker.queue(queue)
	out := make(chan Delivery)

	requeue := func(body []byte) {
		select {
		case q <- body:
		default:
		}
	}

	go func() {
		defer close(out)
		for {
			var body []byte
			select {
			case <-c.closed:
				return
			case <-ctx.Done():
				return
			case body = <-q:
			}

			d := NewDelivery(queue, body,
				nil,
				func(rq bool) error {
					if rq {
						requeue(body)
					}
					return nil
				},
			)

			select {
			case out <- d:
			case <-c.closed:
				requeue(body)
				return
			case <-ctx.Done():
				requeue(body)
				return
			}
		}
	}()
	return out, nil
}

func (c *memoryConn) Done() <-chan error {
	return c.done
}

func (c *memoryConn) Close() error {
	c.broker.forget(c)
	if !c.alive() {
		return errors.New("memory broker: connection already closed")
	}
	c.shutdown(nil)
	return nil
}
