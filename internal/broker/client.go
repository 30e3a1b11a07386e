package broker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options configures a Client.
type Options struct {
	// Queues are declared on every new connection.
	Queues        []string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	DialTimeout   time.Duration

	// OnPanic, if set, is told about deliveries whose handler panicked.
	OnPanic func(queue string, body []byte, cause any)
}

type consumer struct {
	queue   string
	handler Handler
}

// session is the state bound to one live connection.
type session struct {
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	lost   chan error
}

func (s *session) fail(err error) {
	select {
	case s.lost <- err:
	default:
	}
}

// Client owns the broker connection lifecycle. It redials with backoff after
// a loss and re-attaches every registered consumer on each new connection.
type Client struct {
	dialer  Dialer
	opts    Options
	backoff Backoff
	log     zerolog.Logger

	mu        sync.RWMutex
	state     State
	changed   chan struct{}
	sess      *session
	consumers []consumer

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
	closeOnce sync.Once
}

// NewClient creates a Client. Nothing is dialled until Start.
func NewClient(d Dialer, opts Options, log zerolog.Logger) *Client {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectBase {
		opts.ReconnectMax = 30 * opts.ReconnectBase
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		dialer:  d,
		opts:    opts,
		backoff: Backoff{Base: opts.ReconnectBase, Max: opts.ReconnectMax},
		log:     log,
		state:   Disconnected,
		changed: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the connection supervisor in the background.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.state == Closed {
		return
	}
	c.started = true
	go c.run()
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// WaitConnected blocks until the client is connected, closed, or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.RLock()
		st, ch := c.state, c.changed
		c.mu.RUnlock()

		switch st {
		case Connected:
			return nil
		case Closed:
			return ErrClosed
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Publish sends body to queue. It fails fast with ErrDisconnected while no
// connection is up.
func (c *Client) Publish(ctx context.Context, queue string, body []byte) error {
	c.mu.RLock()
	st, sess := c.state, c.sess
	c.mu.RUnlock()

	if st == Closed {
		return ErrClosed
	}
	if st != Connected || sess == nil {
		return ErrDisconnected
	}
	if err := sess.conn.Publish(ctx, queue, body); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume registers handler for queue. The registration outlives connections.
func (c *Client) Consume(queue string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return ErrClosed
	}
	cons := consumer{queue: queue, handler: handler}
	c.consumers = append(c.consumers, cons)

	if c.sess != nil {
		if err := c.attach(c.sess, cons); err != nil {
			c.log.Warn().Err(err).Str("queue", queue).Msg("attach consumer failed, forcing reconnect")
			c.sess.fail(err)
		}
	}
	return nil
}

// Close stops the supervisor and tears down the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.RLock()
		started := c.started
		c.mu.RUnlock()
		if started {
			<-c.done
		}
		c.setState(Closed)
	})
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Client) setStateLocked(s State) {
	if c.state == s || c.state == Closed {
		return
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) run() {
	defer close(c.done)

	attempt := 0
	for c.ctx.Err() == nil {
		c.setState(Connecting)
		sess, err := c.open()
		if err != nil {
			c.setState(Disconnected)
			delay := c.backoff.Duration(attempt)
			attempt++
			c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("broker connect failed")
			if !sleepCtx(c.ctx, delay) {
				return
			}
			continue
		}

		c.log.Info().Strs("queues", c.opts.Queues).Msg("broker connected")
		connectedAt := time.Now()

		var lost error
		select {
		case lost = <-sess.conn.Done():
		case lost = <-sess.lost:
		case <-c.ctx.Done():
		}
		c.teardown(sess)

		if c.ctx.Err() != nil {
			return
		}
		if lost == nil {
			lost = ErrConnectionLost
		}

		// A session that dies young keeps climbing the backoff curve.
		if time.Since(connectedAt) >= c.opts.ReconnectMax {
			attempt = 0
		}
		delay := c.backoff.Duration(attempt)
		attempt++
		c.log.Warn().Err(lost).Int("attempt", attempt).Dur("retry_in", delay).Msg("broker connection lost")
		if !sleepCtx(c.ctx, delay) {
			return
		}
	}
}

// open dials, declares queues and attaches consumers. On success the client
// is Connected.
func (c *Client) open() (*session, error) {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	for _, q := range c.opts.Queues {
		if err := conn.DeclareQueue(dialCtx, q); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
	}

	sctx, scancel := context.WithCancel(c.ctx)
	sess := &session{conn: conn, ctx: sctx, cancel: scancel, lost: make(chan error, 1)}

	var attachErr error
	c.mu.Lock()
	for _, cons := range c.consumers {
		if err := c.attach(sess, cons); err != nil {
			attachErr = fmt.Errorf("consume %s: %w", cons.queue, err)
			break
		}
	}
	if attachErr == nil {
		c.sess = sess
		c.setStateLocked(Connected)
	}
	c.mu.Unlock()

	if attachErr != nil {
		scancel()
		_ = conn.Close()
		sess.wg.Wait()
		return nil, attachErr
	}
	return sess, nil
}

func (c *Client) teardown(sess *session) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	sess.cancel()
	if err := sess.conn.Close(); err != nil {
		c.log.Debug().Err(err).Msg("closing broker connection")
	}
	sess.wg.Wait()
}

func (c *Client) attach(sess *session, cons consumer) error {
	deliveries, err := sess.conn.Consume(sess.ctx, cons.queue)
	if err != nil {
		return err
	}
	sess.wg.Add(1)
	go c.consumeLoop(sess, cons, deliveries)
	return nil
}

// consumeLoop runs one consumer for the lifetime of a session.
func (c *Client) consumeLoop(sess *session, cons consumer, deliveries <-chan Delivery) {
	defer sess.wg.Done()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if sess.ctx.Err() == nil {
					sess.fail(fmt.Errorf("%w: %s", ErrConsumerCanceled, cons.queue))
				}
				return
			}
			c.handle(sess.ctx, cons, d)
		}
	}
}

func (c *Client) handle(ctx context.Context, cons consumer, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Str("queue", cons.queue).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("consumer handler panicked, rejecting delivery")
			err := d.Reject(false)
			if errors.Is(err, ErrAlreadySettled) {
				// The handler settled before panicking; the broker already has its answer.
				return
			}
			if err != nil {
				c.log.Warn().Err(err).Str("queue", cons.queue).Msg("reject after panic failed")
			}
			if c.opts.OnPanic != nil {
				c.opts.OnPanic(cons.queue, d.Body, r)
			}
		}
	}()
	cons.handler(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
