package publisher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"media-sync/internal/bus"
	"media-sync/internal/models"
	"media-sync/internal/telemetry"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
)

/*
LEARNING: AN ORDERED PUBLISH WORKER POOL

Publishing to the bus happens after the durable write, off the request path.
A plain worker pool sharing one queue would let two workers publish the same
device's messages out of order. So each worker owns its own queue and a job
is routed by hashing the user id:

  user "alice" ──xxhash──▶ queue 2 ──▶ worker 2 ──▶ bus
  user "bob"   ──xxhash──▶ queue 0 ──▶ worker 0 ──▶ bus

Every message of one user goes through one worker, so per-device issuance
order survives. Different users still publish in parallel.

A failed publish is retried with exponential backoff. When retries run out
the message is dropped: the repository already has the write and the next
reconnect reloads it.
*/

// ErrPublisherClosed is returned by Enqueue after Shutdown started.
var ErrPublisherClosed = errors.New("publisher is shutting down")

// Transport is what the publisher needs from the bus.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Options sizes the pool.
type Options struct {
	Workers   int
	QueueSize int
	// MaxRetry bounds the total time spent retrying one message.
	MaxRetry time.Duration
	// InitialBackoff is the first retry delay; zero means 50ms.
	InitialBackoff time.Duration
}

// Job is one message waiting to be published for a user.
type Job struct {
	UserID  string
	Message models.SyncMessage
}

// Stats are in-process counters.
type Stats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Queued    int   `json:"queued"`
}

// Publisher publishes sync messages on the user's channels.
type Publisher struct {
	transport Transport
	metrics   *telemetry.SyncMetrics
	now       func() time.Time

	queues         []chan Job
	maxRetry       time.Duration
	initialBackoff time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	started bool

	published atomic.Int64
	failed    atomic.Int64
}

// New creates the pool. Start must be called before messages flow.
func New(transport Transport, opts Options, metrics *telemetry.SyncMetrics) *Publisher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())

	queues := make([]chan Job, opts.Workers)
	for i := range queues {
		queues[i] = make(chan Job, opts.QueueSize)
	}

	return &Publisher{
		transport:      transport,
		metrics:        metrics,
		now:            time.Now,
		queues:         queues,
		maxRetry:       opts.MaxRetry,
		initialBackoff: opts.InitialBackoff,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// WithClock overrides the clock used for published_at.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now
	return p
}

// Start launches one worker per queue.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	log.Printf("🔧 Starting publisher with %d workers", len(p.queues))
	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Println("✓ Publisher started")
}

// Enqueue hands msg to the worker owning userID. It blocks while that
// worker's queue is full, until ctx ends.
func (p *Publisher) Enqueue(ctx context.Context, userID string, msg models.SyncMessage) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPublisherClosed
	}

	select {
	case p.queues[p.shard(userID)] <- Job{UserID: userID, Message: msg}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to enqueue %s: %w", msg.Kind(), ctx.Err())
	case <-p.ctx.Done():
		return ErrPublisherClosed
	}
}

func (p *Publisher) shard(userID string) int {
	return int(xxhash.Sum64String(userID) % uint64(len(p.queues)))
}

func (p *Publisher) worker(id int) {
	defer p.wg.Done()

	// Learning: ranging over the queue drains it after Shutdown closes it
	for job := range p.queues[id] {
		if err := p.publish(job); err != nil {
			p.failed.Add(1)
			p.metrics.RecordPublishFailure(context.Background(), string(job.Message.Kind()))
			log.Printf("⚠️  Publisher worker %d dropped %s for user %s: %v", id, job.Message.Kind(), job.UserID, err)
			continue
		}
		p.published.Add(1)
	}
}

func (p *Publisher) publish(job Job) error {
	job.Message.SetPublishedAt(p.now())

	payload, err := models.EncodeMessage(job.Message)
	if err != nil {
		return err
	}
	channel := ChannelFor(job.UserID, job.Message)

	operation := func() error {
		return p.transport.Publish(p.ctx, channel, payload)
	}

	return backoff.Retry(operation, backoff.WithContext(p.newBackoff(), p.ctx))
}

func (p *Publisher) newBackoff() backoff.BackOff {
	if p.maxRetry <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialBackoff
	b.MaxInterval = p.maxRetry / 2
	b.MaxElapsedTime = p.maxRetry
	return b
}

// ChannelFor picks the bus channel for msg: device traffic goes to the
// devices channel, CRDT deltas and handoffs to the sync channel.
func ChannelFor(userID string, msg models.SyncMessage) string {
	switch msg.Kind() {
	case models.TypeDeviceHeartbeat, models.TypeDeviceCommand:
		return bus.DevicesChannel(userID)
	default:
		return bus.SyncChannel(userID)
	}
}

// Stats returns the counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Queued:    p.QueueLength(),
	}
}

// QueueLength returns the number of jobs waiting across all workers.
func (p *Publisher) QueueLength() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

// Shutdown stops accepting jobs and waits for queued ones to be published.
// When ctx ends first, pending retries are abandoned.
func (p *Publisher) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down publisher...")

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		log.Println("✓ Publisher drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("failed to drain publisher: %w", ctx.Err())
	}
}
