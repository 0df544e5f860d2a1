package broker

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/storebridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

// subscriptionBuffer bounds the events queued for one in-process subscriber.
const subscriptionBuffer = 256

// Event is a store notification delivered to an in-process subscriber.
type Event struct {
	Method  string          `json:"method"`
	StoreID string          `json:"storeId"`
	State   json.RawMessage `json:"state,omitempty"`
	Version int64           `json:"version,omitempty"`
	Source  string          `json:"source,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Disconnected reports whether the event is a store.disconnected.
func (e Event) Disconnected() bool {
	return e.Method == protocol.MethodStoreDisconnected
}

// localPeer is the broker's own connection, used by in-process callers. It
// demultiplexes replies by request id and notifications by store id.
type localPeer struct {
	id string

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *protocol.Message
	subs    map[string]map[*subscription]struct{}
	closed  bool

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

func newLocalPeer(id string, logger *zap.Logger) *localPeer {
	return &localPeer{
		id:      id,
		pending: make(map[uint64]chan *protocol.Message),
		subs:    make(map[string]map[*subscription]struct{}),
		logger:  logger,
	}
}

func (p *localPeer) ID() string { return p.id }

// Send never blocks: replies land in one-slot channels and events in
// bounded subscription queues.
func (p *localPeer) Send(frame []byte) bool {
	msg, err := protocol.Decode(frame)
	if err != nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	switch msg.Shape() {
	case protocol.ShapeResponse:
		reqID, ok := protocol.NumericID(msg.ID)
		if !ok {
			return true
		}
		if ch, ok := p.pending[reqID]; ok {
			delete(p.pending, reqID)
			ch <- msg
		}
		return true
	case protocol.ShapeNotification:
		ev, ok := decodeEvent(msg)
		if !ok {
			return true
		}
		for sub := range p.subs[ev.StoreID] {
			if !sub.push(ev) {
				p.metrics.IncDroppedFrames()
				p.logger.Warn("Dropped event for slow subscriber", zap.String("store_id", ev.StoreID))
			}
		}
		return true
	}
	return false
}

// expect registers a reply slot and returns the request id to use.
func (p *localPeer) expect() (uint64, chan *protocol.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, nil, false
	}
	p.nextID++
	ch := make(chan *protocol.Message, 1)
	p.pending[p.nextID] = ch
	return p.nextID, ch, true
}

// forget drops a reply slot whose caller gave up.
func (p *localPeer) forget(reqID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, reqID)
}

// addSubscription reports whether sub is the first for storeID.
func (p *localPeer) addSubscription(storeID string, sub *subscription) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.subs[storeID]
	if !ok {
		set = make(map[*subscription]struct{})
		p.subs[storeID] = set
	}
	set[sub] = struct{}{}
	return len(set) == 1
}

// removeSubscription reports whether storeID has no subscriptions left.
func (p *localPeer) removeSubscription(storeID string, sub *subscription) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.subs[storeID]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(p.subs, storeID)
		return true
	}
	return false
}

func (p *localPeer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for reqID, ch := range p.pending {
		close(ch)
		delete(p.pending, reqID)
	}
	for storeID, set := range p.subs {
		for sub := range set {
			sub.stop()
		}
		delete(p.subs, storeID)
	}
}

func decodeEvent(msg *protocol.Message) (Event, bool) {
	switch msg.Method {
	case protocol.MethodStoreStateChanged:
		var ev protocol.StateChangedEvent
		if err := protocol.Unmarshal(msg.Params, &ev); err != nil {
			return Event{}, false
		}
		return Event{Method: msg.Method, StoreID: ev.StoreID, State: ev.State, Version: ev.Version, Source: ev.Source}, true
	case protocol.MethodStoreDisconnected:
		var ev protocol.DisconnectedEvent
		if err := protocol.Unmarshal(msg.Params, &ev); err != nil {
			return Event{}, false
		}
		return Event{Method: msg.Method, StoreID: ev.StoreID, Reason: ev.Reason}, true
	}
	return Event{}, false
}

// subscription delivers events to one callback, in order, on its own
// goroutine so callbacks never run under broker locks.
type subscription struct {
	mu      sync.Mutex
	queue   chan Event
	stopped bool
	done    chan struct{}
}

func newSubscription(fn func(Event)) *subscription {
	s := &subscription{
		queue: make(chan Event, subscriptionBuffer),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for ev := range s.queue {
			fn(ev)
		}
	}()
	return s
}

func (s *subscription) push(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

// stop closes the queue; events already queued are still delivered.
func (s *subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	close(s.queue)
}
