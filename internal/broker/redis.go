package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDialer uses Redis lists as durable queues. Consumers move messages
// into a per-instance processing list and remove them on ack, so unacked
// messages survive a crash of this instance.
type RedisDialer struct {
	URL          string
	Prefix       string
	InstanceID   string
	PollTimeout  time.Duration
	PingInterval time.Duration
}

// Dial implements Dialer.
func (d RedisDialer) Dial(ctx context.Context) (Conn, error) {
	opts, err := redis.ParseURL(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	prefix := d.Prefix
	if prefix == "" {
		prefix = "taskbridge"
	}
	instance := d.InstanceID
	if instance == "" {
		instance = "default"
	}
	poll := d.PollTimeout
	if poll <= 0 {
		poll = time.Second
	}
	ping := d.PingInterval
	if ping <= 0 {
		ping = 2 * time.Second
	}

	c := &redisConn{
		client:   client,
		prefix:   prefix,
		instance: instance,
		poll:     poll,
		done:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
	go c.watch(ping)
	return c, nil
}

type redisConn struct {
	client   *redis.Client
	prefix   string
	instance string
	poll     time.Duration

	done      chan error
	closed    chan struct{}
	failOnce  sync.Once
	closeOnce sync.Once
}

func (c *redisConn) queueKey(name string) string {
	return c.prefix + ":queue:" + name
}

func (c *redisConn) processingKey(name string) string {
	return c.prefix + ":processing:" + name + ":" + c.instance
}

// watch pings the server and reports the connection lost on failure.
func (c *redisConn) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := c.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *redisConn) fail(err error) {
	c.failOnce.Do(func() {
		c.done <- err
		close(c.done)
	})
}

// DeclareQueue records the queue in the registry set. Lists need no creation.
func (c *redisConn) DeclareQueue(ctx context.Context, name string) error {
	return c.client.SAdd(ctx, c.prefix+":queues", name).Err()
}

func (c *redisConn) Publish(ctx context.Context, queue string, body []byte) error {
	return c.client.LPush(ctx, c.queueKey(queue), body).Err()
}

func (c *redisConn) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	src, proc := c.queueKey(queue), c.processingKey(queue)

	// Hand back whatever a previous run of this instance left unacked.
	for {
		err := c.client.LMove(ctx, proc, src, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("recover processing list: %w", err)
		}
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			body, err := c.client.BLMove(ctx, src, proc, "RIGHT", "LEFT", c.poll).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					c.fail(err)
				}
				return
			}

			select {
			case out <- c.delivery(queue, src, proc, body):
			case <-ctx.Done():
				_ = c.settle(src, proc, body, true)
				return
			}
		}
	}()
	return out, nil
}

func (c *redisConn) delivery(queue, src, proc, body string) Delivery {
	return NewDelivery(queue, []byte(body),
		func() error { return c.settle(src, proc, body, false) },
		func(requeue bool) error { return c.settle(src, proc, body, requeue) },
	)
}

// settle drops body from the processing list, optionally pushing it back to
// the tail of the source queue so it is consumed next.
func (c *redisConn) settle(src, proc, body string, requeue bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !requeue {
		return c.client.LRem(ctx, proc, 1, body).Err()
	}
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, proc, 1, body)
		p.RPush(ctx, src, body)
		return nil
	})
	return err
}

func (c *redisConn) Done() <-chan error {
	return c.done
}

func (c *redisConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.client.Close()
	})
	return err
}
