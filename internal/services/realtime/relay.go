package realtime

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"media-sync/internal/bus"
	"media-sync/internal/middleware"
	"media-sync/internal/models"
	"media-sync/internal/telemetry"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: FROM BUS TO SOCKETS

A gateway subscribes to a user's channels only while that user has a
connection open on it. The first connection acquires the subscription and
the last one releases it:

  Acquire(alice) ─▶ refs=1 ─▶ subscribe user.alice.sync + user.alice.devices
  Acquire(alice) ─▶ refs=2
  Release(alice) ─▶ refs=1
  Release(alice) ─▶ refs=0 ─▶ unsubscribe

Each inbound payload is decoded into the closed set of sync messages. A
payload that fails to decode is dropped and counted; the loop never stops
because of one bad message.
*/

// Applier merges a remote message into the local replica.
type Applier interface {
	ApplyRemote(ctx context.Context, userID string, msg models.SyncMessage) error
}

// Subscriber is what the relay needs from the bus.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (bus.Subscription, error)
}

// SyncEvent is a decoded inbound message plus its raw bytes, which are
// forwarded to devices unchanged.
type SyncEvent struct {
	Message models.SyncMessage
	Payload []byte
}

// RelayStats are the in-process relay counters.
type RelayStats struct {
	Subscriptions int     `json:"subscriptions"`
	Connections   int     `json:"connections"`
	Users         int     `json:"users"`
	Relayed       int64   `json:"relayed"`
	Recipients    int64   `json:"recipients"`
	Dropped       int64   `json:"dropped"`
	LastLatencyMS float64 `json:"last_latency_ms"`
}

type userSubscription struct {
	refs   int
	cancel context.CancelFunc
	ready  chan struct{}
}

// Relay bridges the bus to the connection registry.
type Relay struct {
	bus      Subscriber
	registry *ConnectionRegistry
	applier  Applier
	metrics  *telemetry.SyncMetrics
	now      func() time.Time

	retryInitial time.Duration
	retryMax     time.Duration

	mu      sync.Mutex
	subs    map[string]*userSubscription
	wg      sync.WaitGroup
	stopped atomic.Bool

	relayed     atomic.Int64
	recipients  atomic.Int64
	dropped     atomic.Int64
	lastLatency atomic.Int64 // microseconds
}

// NewRelay creates a relay. applier may be nil when nothing keeps a replica.
func NewRelay(sub Subscriber, registry *ConnectionRegistry, applier Applier, metrics *telemetry.SyncMetrics) *Relay {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Relay{
		bus:          sub,
		registry:     registry,
		applier:      applier,
		metrics:      metrics,
		now:          time.Now,
		retryInitial: 100 * time.Millisecond,
		retryMax:     10 * time.Second,
		subs:         make(map[string]*userSubscription),
	}
}

// WithRetry overrides the resubscribe backoff bounds.
func (r *Relay) WithRetry(initial, max time.Duration) *Relay {
	r.retryInitial = initial
	r.retryMax = max
	return r
}

// Acquire takes a reference on the user's subscription, opening it on the
// first reference. It waits for the first subscribe attempt so anything
// published after Acquire returns is received, unless the bus is down, in
// which case the loop keeps retrying in the background.
func (r *Relay) Acquire(ctx context.Context, userID string) {
	if r.stopped.Load() {
		return
	}

	r.mu.Lock()
	us, ok := r.subs[userID]
	if !ok {
		subCtx, cancel := context.WithCancel(context.Background())
		us = &userSubscription{cancel: cancel, ready: make(chan struct{})}
		r.subs[userID] = us

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.run(subCtx, userID, us.ready)
		}()
	}
	us.refs++
	ready := us.ready
	r.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
	}
}

// Release drops a reference; the last one closes the subscription.
func (r *Relay) Release(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	us, ok := r.subs[userID]
	if !ok {
		return
	}
	us.refs--
	if us.refs <= 0 {
		us.cancel()
		delete(r.subs, userID)
	}
}

// Subscribed reports whether the relay holds a subscription for userID.
func (r *Relay) Subscribed(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[userID]
	return ok
}

// SubscribeUserChannel runs the subscription loop for userID until ctx
// ends or the relay is stopped.
func (r *Relay) SubscribeUserChannel(ctx context.Context, userID string) {
	r.run(ctx, userID, nil)
}

func (r *Relay) run(ctx context.Context, userID string, ready chan struct{}) {
	var once sync.Once
	signal := func() {
		if ready != nil {
			once.Do(func() { close(ready) })
		}
	}
	defer signal()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInitial
	b.MaxInterval = r.retryMax
	b.MaxElapsedTime = 0 // retry until released
	b.Reset()

	for !r.stopped.Load() && ctx.Err() == nil {
		sub, err := r.bus.Subscribe(ctx, bus.UserChannels(userID)...)
		signal()
		if err != nil {
			wait := b.NextBackOff()
			log.Printf("⚠️  Relay subscribe for user %s failed, retrying in %s: %v", userID, wait, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		r.consume(ctx, userID, sub)
		sub.Close()
	}
}

func (r *Relay) consume(ctx context.Context, userID string, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				log.Printf("🔄 Relay subscription for user %s closed, resubscribing", userID)
				return
			}
			if r.stopped.Load() {
				return
			}
			event, ok := r.ConvertMessage(msg.Payload)
			if !ok {
				continue
			}
			r.Relay(ctx, userID, event)
		}
	}
}

// ConvertMessage decodes a raw bus payload. Malformed payloads are logged,
// counted and reported as not ok.
func (r *Relay) ConvertMessage(raw []byte) (SyncEvent, bool) {
	msg, err := models.DecodeMessage(raw)
	if err != nil {
		r.dropped.Add(1)
		r.metrics.RecordDropped(context.Background(), "malformed")
		log.Printf("⚠️  Dropping relay payload: %v", err)
		return SyncEvent{}, false
	}
	return SyncEvent{Message: msg, Payload: raw}, true
}

// Relay applies event to the local replica and queues it on the user's
// connections. Device commands and handoffs reach only their target device;
// everything else reaches every device except the one it came from. Returns the
// number of connections the event was queued on.
func (r *Relay) Relay(ctx context.Context, userID string, event SyncEvent) int {
	msg := event.Message
	ctx, span := middleware.StartSpan(ctx, "Relay.Relay",
		attribute.String("user.id", userID),
		attribute.String("message.type", string(msg.Kind())),
	)
	defer span.End()

	if r.applier != nil {
		if err := r.applier.ApplyRemote(ctx, userID, msg); err != nil {
			middleware.AddSpanError(ctx, err)
			log.Printf("⚠️  Relay could not apply %s for user %s: %v", msg.Kind(), userID, err)
		}
	}

	filter := ExceptDevice(msg.Origin())
	switch m := msg.(type) {
	case *models.DeviceCommand:
		filter = OnlyDevice(m.TargetDeviceID)
	case *models.DeviceHandoff:
		filter = OnlyDevice(m.TargetDeviceID)
	}

	n := r.registry.SendToUser(userID, event.Payload, filter)

	latencyMS := -1.0
	if at, ok := msg.PublishedAt(); ok {
		latencyMS = float64(r.now().Sub(at).Microseconds()) / 1000
		if latencyMS < 0 {
			latencyMS = 0
		}
		r.lastLatency.Store(int64(latencyMS * 1000))
	}

	r.relayed.Add(1)
	r.recipients.Add(int64(n))
	r.metrics.RecordRelay(ctx, string(msg.Kind()), n, latencyMS)
	span.SetAttributes(attribute.Int("relay.recipients", n))

	return n
}

// Stats returns the relay and registry counters.
func (r *Relay) Stats() RelayStats {
	r.mu.Lock()
	subs := len(r.subs)
	r.mu.Unlock()

	return RelayStats{
		Subscriptions: subs,
		Connections:   r.registry.Count(),
		Users:         len(r.registry.Users()),
		Relayed:       r.relayed.Load(),
		Recipients:    r.recipients.Load(),
		Dropped:       r.dropped.Load(),
		LastLatencyMS: float64(r.lastLatency.Load()) / 1000,
	}
}

// Stop flips the shared stop flag, cancels every subscription loop and
// waits for them to exit.
func (r *Relay) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	log.Println("🛑 Stopping relay...")

	r.mu.Lock()
	for userID, us := range r.subs {
		us.cancel()
		delete(r.subs, userID)
	}
	r.mu.Unlock()

	r.wg.Wait()
	log.Println("✓ Relay stopped")
}
