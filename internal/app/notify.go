package app

import (
	"context"
	crand "crypto/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"staybook/internal/domain"
)

// Dispatcher delivers post-commit side effects (guest/admin notifications)
// with capped, jittered exponential backoff. Delivery is at-least-once and
// always asynchronous: a failed or slow broker can never roll back or delay
// the reservation operation that produced the notification.
type Dispatcher struct {
	notifier domain.Notifier
	attempts int
	base     time.Duration
	maxWait  time.Duration
	wg       sync.WaitGroup
}

func NewDispatcher(n domain.Notifier) *Dispatcher {
	return NewDispatcherWithRetry(n, 3, time.Second, 10*time.Second)
}

// NewDispatcherWithRetry allows callers (and tests) to tune the retry budget.
func NewDispatcherWithRetry(n domain.Notifier, attempts int, base, maxWait time.Duration) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		attempts: attempts,
		base:     base,
		maxWait:  maxWait,
	}
}

// Dispatch fires the notification in the background. Errors are logged,
// never returned; callers have already committed their transaction.
func (d *Dispatcher) Dispatch(n domain.Notification) {
	if d == nil || d.notifier == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		var err error
		for i := 0; i < d.attempts; i++ {
			if err = d.notifier.Publish(ctx, n); err == nil {
				return
			}
			if i < d.attempts-1 && !sleepCtx(ctx, d.backoff(i)) {
				break
			}
		}
		log.Error().
			Err(err).
			Str("kind", n.Kind).
			Str("reservation_id", n.ReservationID).
			Msg("notification delivery failed after retries")
	}()
}

// Wait blocks until in-flight deliveries finish; used on shutdown and in tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// backoff doubles per attempt from the base, adds up to +50% jitter, and is
// capped at maxWait.
func (d *Dispatcher) backoff(i int) time.Duration {
	w := d.base * time.Duration(1<<i)
	var b [1]byte
	if _, err := crand.Read(b[:]); err == nil {
		w += time.Duration(0.5 * float64(b[0]) / 255.0 * float64(w))
	}
	if w > d.maxWait {
		w = d.maxWait
	}
	return w
}

// sleepCtx waits for dur or returns false if ctx is done first.
func sleepCtx(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return true
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
