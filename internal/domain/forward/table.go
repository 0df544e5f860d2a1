// Package forward correlates requests the broker sends to a host with the
// controller request that caused them.
//
// Forward ids come from one counter per table and are the only ids a host
// ever sees from the broker, so they cannot collide with any controller's own
// id space. Every entry is consumed at most once: by Take when the host
// replies, or by one of the Purge calls when either end goes away.
package forward

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/storebridge/internal/domain/registry"
	"github.com/GriffinCanCode/storebridge/internal/infrastructure/monitoring"
)

// Entry is one pending forward.
type Entry struct {
	ForwardID uint64
	Origin    registry.Peer
	OriginID  json.RawMessage
	Target    registry.Peer
	StoreID   string
	Method    string

	// State is the proposed state of a forwarded store.setState, committed
	// when the host confirms it.
	State     json.RawMessage
	CreatedAt time.Time
}

// Table holds pending forwards.
type Table struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]*Entry
	metrics *monitoring.Metrics
}

// NewTable creates an empty forwarding table.
func NewTable() *Table {
	return &Table{entries: make(map[uint64]*Entry)}
}

// WithMetrics adds metrics tracking to the table
func (t *Table) WithMetrics(metrics *monitoring.Metrics) *Table {
	t.metrics = metrics
	return t
}

// Add records e under a fresh forward id and returns it.
func (t *Table) Add(e Entry) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	e.ForwardID = t.next
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	t.entries[e.ForwardID] = &e
	t.metrics.SetForwardsPending(len(t.entries))
	return e.ForwardID
}

// Take removes and returns the entry for forwardID. A reply must come from
// the peer the request was sent to; replies from any other peer leave the
// entry in place.
func (t *Table) Take(forwardID uint64, from registry.Peer) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[forwardID]
	if !ok || e.Target.ID() != from.ID() {
		return Entry{}, false
	}
	delete(t.entries, forwardID)
	t.metrics.SetForwardsPending(len(t.entries))
	return *e, true
}

// Cancel drops a single entry without relaying anything.
func (t *Table) Cancel(forwardID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[forwardID]; !ok {
		return false
	}
	delete(t.entries, forwardID)
	t.metrics.SetForwardsPending(len(t.entries))
	return true
}

// PurgeOrigin drops every entry created on behalf of peerID. A later host
// reply for one of them finds nothing and is dropped.
func (t *Table) PurgeOrigin(peerID string) []Entry {
	return t.purge(func(e *Entry) bool { return e.Origin.ID() == peerID })
}

// PurgeTarget drops and returns every entry awaiting a reply from peerID.
func (t *Table) PurgeTarget(peerID string) []Entry {
	return t.purge(func(e *Entry) bool { return e.Target.ID() == peerID })
}

// PurgeStore drops and returns every entry targeting storeID.
func (t *Table) PurgeStore(storeID string) []Entry {
	return t.purge(func(e *Entry) bool { return e.StoreID == storeID })
}

// PurgeAll drops and returns every entry.
func (t *Table) PurgeAll() []Entry {
	return t.purge(func(*Entry) bool { return true })
}

func (t *Table) purge(match func(*Entry) bool) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Entry
	for id, e := range t.entries {
		if match(e) {
			out = append(out, *e)
			delete(t.entries, id)
		}
	}
	if len(out) > 0 {
		t.metrics.SetForwardsPending(len(t.entries))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ForwardID < out[j].ForwardID })
	return out
}

// Len returns the number of pending forwards.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
