package gwclient

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/helix-app/helix-gateway/wire"
)

// outcome is what a waiting caller receives when its request settles.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest correlates one in-flight request with its waiting caller.
// It is settled exactly once: by a matching response, by its timeout, or by
// bulk rejection when the connection drops.
type pendingRequest struct {
	id        string
	method    string
	epoch     uint64
	createdAt time.Time
	timer     *time.Timer
	done      chan outcome
}

// pendingTable owns every in-flight request for the client. An entry leaves
// the map at the moment it settles, so late or duplicate responses find
// nothing to match and are dropped.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// insert registers a request and arms its timeout. The onTimeout callback
// runs after the entry has been rejected with TIMEOUT.
func (t *pendingTable) insert(id, method string, epoch uint64, timeout time.Duration, onTimeout func(method string)) *pendingRequest {
	p := &pendingRequest{
		id:        id,
		method:    method,
		epoch:     epoch,
		createdAt: time.Now(),
		done:      make(chan outcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		if t.reject(id, wire.Errorf(wire.CodeTimeout, "no response to "+method+" within "+timeout.String())) {
			if onTimeout != nil {
				onTimeout(method)
			}
		}
	})
	t.mu.Lock()
	t.entries[id] = p
	t.mu.Unlock()
	return p
}

// take removes and returns the entry for id, but only when it belongs to
// the given epoch. Ids from a prior epoch never match, even if identical.
func (t *pendingTable) take(id string, epoch uint64) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[id]
	if !ok || p.epoch != epoch {
		return nil
	}
	delete(t.entries, id)
	p.timer.Stop()
	return p
}

// settle resolves the entry for id with a response payload. It reports
// whether an entry was found; a response with no entry is silently dropped
// by the caller.
func (t *pendingTable) settle(id string, epoch uint64, result json.RawMessage, err *wire.Error) bool {
	p := t.take(id, epoch)
	if p == nil {
		return false
	}
	if err != nil {
		p.done <- outcome{err: err}
	} else {
		p.done <- outcome{result: result}
	}
	return true
}

// reject resolves the entry for id with an error, regardless of epoch.
func (t *pendingTable) reject(id string, err error) bool {
	t.mu.Lock()
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.done <- outcome{err: err}
	return true
}

// cancel drops the entry for id without settling it. Used for caller-side
// cancellation, where the caller already has its answer from ctx.
func (t *pendingTable) cancel(id string) {
	t.mu.Lock()
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// rejectAll settles every entry with err. Called once when the connection
// leaves the connected state.
func (t *pendingTable) rejectAll(err error) int {
	t.mu.Lock()
	drained := make([]*pendingRequest, 0, len(t.entries))
	for id, p := range t.entries {
		delete(t.entries, id)
		drained = append(drained, p)
	}
	t.mu.Unlock()
	for _, p := range drained {
		p.timer.Stop()
		p.done <- outcome{err: err}
	}
	return len(drained)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
