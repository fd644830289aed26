package infrastructure

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"iara_bot/internal/entities"
	"iara_bot/internal/interfaces"
)

// MessageRateLimiter throttles outbound sends per sender key (the business phone number id).
type MessageRateLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*limiterEntry
	rate        rate.Limit
	burst       int
	cleanupTick time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewMessageRateLimiter creates a limiter allowing perSecond sends with the given burst per key.
func NewMessageRateLimiter(perSecond float64, burst int) *MessageRateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &MessageRateLimiter{
		limiters:    make(map[string]*limiterEntry),
		rate:        rate.Limit(perSecond),
		burst:       burst,
		cleanupTick: 5 * time.Minute,
		stop:        make(chan struct{}),
	}

	// Start cleanup goroutine
	go rl.cleanup()

	return rl
}

func (rl *MessageRateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastUsed = time.Now()
	return e.limiter
}

// Wait blocks until key may send or ctx ends.
func (rl *MessageRateLimiter) Wait(ctx context.Context, key string) error {
	return rl.get(key).Wait(ctx)
}

// Allow consumes a token for key without waiting.
func (rl *MessageRateLimiter) Allow(key string) bool {
	return rl.get(key).Allow()
}

// cleanup removes limiters not used in the last 10 minutes
func (rl *MessageRateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, e := range rl.limiters {
				if now.Sub(e.lastUsed) > 10*time.Minute {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *MessageRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// GetStats returns rate limiter statistics
func (rl *MessageRateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"active_senders": len(rl.limiters),
		"rate":           float64(rl.rate),
		"burst":          rl.burst,
	}
}

// ThrottledDispatcher applies a MessageRateLimiter in front of another Dispatcher.
type ThrottledDispatcher struct {
	next    interfaces.Dispatcher
	limiter *MessageRateLimiter
}

func NewThrottledDispatcher(next interfaces.Dispatcher, limiter *MessageRateLimiter) *ThrottledDispatcher {
	return &ThrottledDispatcher{next: next, limiter: limiter}
}

func (d *ThrottledDispatcher) SendText(ctx context.Context, creds entities.ChannelCredentials, to, body string) error {
	if err := d.limiter.Wait(ctx, creds.PhoneNumberID); err != nil {
		return err
	}
	return d.next.SendText(ctx, creds, to, body)
}

func (d *ThrottledDispatcher) SendAudio(ctx context.Context, creds entities.ChannelCredentials, to string, audio entities.OutboundAudio) error {
	if err := d.limiter.Wait(ctx, creds.PhoneNumberID); err != nil {
		return err
	}
	return d.next.SendAudio(ctx, creds, to, audio)
}
