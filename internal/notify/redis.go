package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"natrelay/util"
)

// RedisPublisher publishes events as JSON on a Redis pub/sub channel so
// that external dashboards can follow relay state.  Publishing happens
// on a background goroutine; Notify only enqueues.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *util.Logger
	timeout time.Duration

	queue   chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
	failed  atomic.Int64
}

// RedisOptions configures a RedisPublisher.
type RedisOptions struct {
	URL     string // redis://[:password@]host:port/db
	Channel string
	Buffer  int           // queued events before dropping (default 256)
	Timeout time.Duration // per-publish timeout (default 2s)
}

// NewRedisPublisher parses opts.URL and starts the publishing goroutine.
// The connection is verified with a PING bounded by ctx.
func NewRedisPublisher(ctx context.Context, opts RedisOptions, logger *util.Logger) (*RedisPublisher, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisPublisher(client, opts, logger), nil
}

func newRedisPublisher(client *redis.Client, opts RedisOptions, logger *util.Logger) *RedisPublisher {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger = util.NewLogger(0)
	}
	p := &RedisPublisher{
		client:  client,
		channel: opts.Channel,
		logger:  logger,
		timeout: opts.Timeout,
		queue:   make(chan Event, opts.Buffer),
		done:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Notify enqueues e, dropping it when the queue is full or the
// publisher is closed.
func (p *RedisPublisher) Notify(e Event) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- e:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded without publishing.
func (p *RedisPublisher) Dropped() int64 { return p.dropped.Load() }

// Failed returns how many PUBLISH commands returned an error.
func (p *RedisPublisher) Failed() int64 { return p.failed.Load() }

// Close drains queued events (bounded by the per-publish timeout) and
// closes the Redis client.
func (p *RedisPublisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
		err = p.client.Close()
	})
	return err
}

func (p *RedisPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case e := <-p.queue:
			p.publish(e)
		case <-p.done:
			for {
				select {
				case e := <-p.queue:
					p.publish(e)
				default:
					return
				}
			}
		}
	}
}

func (p *RedisPublisher) publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.failed.Add(1)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.failed.Add(1)
		p.logger.Debug("redis publish %s: %v", p.channel, err)
	}
}
