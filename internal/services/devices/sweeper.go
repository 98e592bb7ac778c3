package devices

import (
	"context"
	"log"
	"sync"
	"time"
)

// Sweeper runs Registry.Sweep on a fixed interval until stopped.
type Sweeper struct {
	registry *Registry
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSweeper creates a sweeper; Start launches it.
func NewSweeper(registry *Registry, interval time.Duration) *Sweeper {
	return &Sweeper{registry: registry, interval: interval}
}

// Start runs the sweep loop in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.loop(ctx)
	log.Printf("✓ Device sweeper started (every %s, ttl %s)", s.interval, s.registry.TTL())
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.registry.Sweep(ctx)
			if err != nil {
				log.Printf("⚠️  Device sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("🔄 Marked %d devices offline", n)
			}
		}
	}
}

// Stop ends the loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.done
		log.Println("✓ Device sweeper stopped")
	})
}
