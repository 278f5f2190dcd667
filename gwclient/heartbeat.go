package gwclient

import (
	"context"
	"sync"
	"time"
)

// heartbeat tracks the time of the last received frame and raises a single
// liveness alarm when the connection has been silent past the tick timeout
// (interval × multiplier). Any inbound frame counts, not only pings.
type heartbeat struct {
	interval  time.Duration
	threshold time.Duration
	clock     Clock

	mu        sync.Mutex
	lastFrame time.Time
}

func newHeartbeat(interval time.Duration, multiplier float64, clock Clock) *heartbeat {
	return &heartbeat{
		interval:  interval,
		threshold: time.Duration(float64(interval) * multiplier),
		clock:     clock,
	}
}

// touch records frame arrival.
func (h *heartbeat) touch() {
	h.mu.Lock()
	h.lastFrame = h.clock.Now()
	h.mu.Unlock()
}

// last returns the time of the most recent frame.
func (h *heartbeat) last() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastFrame
}

// run checks liveness every interval until ctx ends. On the first check
// that finds the silence past the threshold it calls alarm once and
// returns; the connection teardown that follows restarts monitoring.
func (h *heartbeat) run(ctx context.Context, alarm func(silence time.Duration)) {
	h.touch()
	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			silence := h.clock.Now().Sub(h.last())
			if silence > h.threshold {
				alarm(silence)
				return
			}
		}
	}
}
