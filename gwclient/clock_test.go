package gwclient

import (
	"sync"
	"time"
)

// fakeClock drives client timers manually so tests never sleep.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
	tickers []*fakeTicker
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, waiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock forward and fires every waiter that came due.
// Tickers are fired explicitly with tick, since tests control their cadence.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []chan time.Time
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(now) {
			due = append(due, w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()
	for _, ch := range due {
		ch <- now
	}
}

// ticker returns the n-th ticker created so far, waiting for it to exist.
func (c *fakeClock) ticker(n int) *fakeTicker {
	for i := 0; i < 200; i++ {
		c.mu.Lock()
		if len(c.tickers) > n {
			t := c.tickers[n]
			c.mu.Unlock()
			return t
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// tick fires one tick; it drops the tick if the consumer is gone.
func (t *fakeTicker) tick(now time.Time) {
	select {
	case t.ch <- now:
	default:
	}
}
