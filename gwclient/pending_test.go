package gwclient

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/helix-app/helix-gateway/wire"
)

func TestPendingSettle(t *testing.T) {
	tab := newPendingTable()
	entry := tab.insert("id-1", "health", 1, time.Minute, nil)
	if !tab.settle("id-1", 1, json.RawMessage(`{"status":"ok"}`), nil) {
		t.Fatal("settle found no entry")
	}
	out := <-entry.done
	if out.err != nil {
		t.Fatalf("err = %v", out.err)
	}
	if string(out.result) != `{"status":"ok"}` {
		t.Fatalf("result = %s", out.result)
	}
	if tab.len() != 0 {
		t.Fatalf("table size = %d after settle", tab.len())
	}
}

func TestPendingSettleWrongEpochIsDropped(t *testing.T) {
	tab := newPendingTable()
	tab.insert("id-1", "health", 1, time.Minute, nil)
	if tab.settle("id-1", 2, nil, nil) {
		t.Fatal("settled an entry from a prior epoch")
	}
	if tab.len() != 1 {
		t.Fatalf("entry was removed, table size = %d", tab.len())
	}
}

func TestPendingTimeout(t *testing.T) {
	tab := newPendingTable()
	timedOut := make(chan string, 1)
	entry := tab.insert("id-1", "slow.op", 1, 20*time.Millisecond, func(m string) {
		timedOut <- m
	})
	out := <-entry.done
	if !wire.IsCode(out.err, wire.CodeTimeout) {
		t.Fatalf("err = %v, want TIMEOUT", out.err)
	}
	select {
	case m := <-timedOut:
		if m != "slow.op" {
			t.Fatalf("onTimeout method = %q", m)
		}
	case <-time.After(time.Second):
		t.Fatal("onTimeout never ran")
	}
	if tab.len() != 0 {
		t.Fatalf("table size = %d after timeout", tab.len())
	}
	// A late response finds nothing.
	if tab.settle("id-1", 1, nil, nil) {
		t.Fatal("late response matched a timed-out entry")
	}
}

func TestPendingSettleAfterSettleIsDropped(t *testing.T) {
	tab := newPendingTable()
	tab.insert("id-1", "health", 1, time.Minute, nil)
	if !tab.settle("id-1", 1, nil, nil) {
		t.Fatal("first settle failed")
	}
	if tab.settle("id-1", 1, nil, nil) {
		t.Fatal("duplicate response settled the same entry twice")
	}
}

func TestPendingRejectAll(t *testing.T) {
	tab := newPendingTable()
	entries := []*pendingRequest{
		tab.insert("a", "one", 1, time.Minute, nil),
		tab.insert("b", "two", 1, time.Minute, nil),
		tab.insert("c", "three", 1, time.Minute, nil),
	}
	cause := wire.Errorf(wire.CodeDisconnected, "connection lost")
	if n := tab.rejectAll(cause); n != 3 {
		t.Fatalf("rejectAll = %d, want 3", n)
	}
	for _, e := range entries {
		out := <-e.done
		if !wire.IsCode(out.err, wire.CodeDisconnected) {
			t.Fatalf("entry %s: err = %v", e.id, out.err)
		}
	}
	if n := tab.rejectAll(cause); n != 0 {
		t.Fatalf("second rejectAll = %d, want 0", n)
	}
}

func TestPendingCancelDropsWithoutSettling(t *testing.T) {
	tab := newPendingTable()
	entry := tab.insert("id-1", "health", 1, time.Minute, nil)
	tab.cancel("id-1")
	if tab.len() != 0 {
		t.Fatalf("table size = %d after cancel", tab.len())
	}
	select {
	case out := <-entry.done:
		t.Fatalf("cancel settled the entry: %+v", out)
	default:
	}
}
