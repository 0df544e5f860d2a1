package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/storebridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

var (
	ErrDuplicateStore = errors.New("store id already registered")
	ErrStoreNotFound  = errors.New("store not registered")
	ErrStaleVersion   = errors.New("version does not advance the store")
)

// Peer is a connection the registry can route frames to. Send must not block;
// it reports whether the frame was queued.
type Peer interface {
	ID() string
	Send(frame []byte) bool
}

// Host is one live store registration.
type Host struct {
	StoreID     string
	PageID      string
	StoreKey    string
	Description json.RawMessage
	State       json.RawMessage
	Version     int64
	ConnectedAt time.Time
	Peer        Peer

	proposed bool // state came from a forwarded reply, not the host
}

// Summary renders the host for listings.
func (h Host) Summary(withDescription bool) protocol.StoreSummary {
	s := protocol.StoreSummary{
		StoreID:     h.StoreID,
		PageID:      h.PageID,
		StoreKey:    h.StoreKey,
		Version:     h.Version,
		ConnectedAt: h.ConnectedAt,
	}
	if withDescription {
		s.Description = h.Description
	}
	return s
}

type address struct {
	pageID   string
	storeKey string
}

type set map[string]struct{}

// Registry is the source of truth for live stores and subscriptions.
type Registry struct {
	mu sync.RWMutex

	hosts     map[string]*Host   // storeID -> host
	byAddress map[address]string // (pageID, storeKey) -> storeID
	byPage    map[string]set     // pageID -> storeIDs
	byPeer    map[string]set     // host peerID -> storeIDs

	subscribers   map[string]map[string]Peer // storeID -> peerID -> peer
	subscriptions map[string]set             // peerID -> storeIDs
	subCount      int

	logger  *zap.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		hosts:         make(map[string]*Host),
		byAddress:     make(map[address]string),
		byPage:        make(map[string]set),
		byPeer:        make(map[string]set),
		subscribers:   make(map[string]map[string]Peer),
		subscriptions: make(map[string]set),
		logger:        logger,
		now:           time.Now,
	}
}

// WithMetrics adds metrics tracking to the registry
func (r *Registry) WithMetrics(metrics *monitoring.Metrics) *Registry {
	r.metrics = metrics
	return r
}

// Register inserts a host. A host already occupying the same (pageID,
// storeKey) is disconnected with reason "replaced" and its store id is
// returned. The new store's current subscribers immediately receive its
// state with source "host.register".
func (r *Registry) Register(h Host) (replaced string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hosts[h.StoreID]; exists {
		return "", ErrDuplicateStore
	}

	addr := address{pageID: h.PageID, storeKey: h.StoreKey}
	if old, ok := r.byAddress[addr]; ok {
		r.disconnectLocked(old, protocol.ReasonReplaced)
		replaced = old
	}

	if h.ConnectedAt.IsZero() {
		h.ConnectedAt = r.now()
	}
	host := h
	r.hosts[host.StoreID] = &host
	r.byAddress[addr] = host.StoreID
	addTo(r.byPage, host.PageID, host.StoreID)
	if host.Peer != nil {
		addTo(r.byPeer, host.Peer.ID(), host.StoreID)
	}

	r.logger.Info("Store registered",
		zap.String("store_id", host.StoreID),
		zap.String("page_id", host.PageID),
		zap.String("store_key", host.StoreKey),
		zap.Int64("version", host.Version),
		zap.String("replaced", replaced),
	)

	r.broadcastLocked(host.StoreID, protocol.MethodStoreStateChanged, protocol.StateChangedEvent{
		StoreID: host.StoreID,
		State:   host.State,
		Version: host.Version,
		Source:  protocol.SourceRegister,
	})
	r.metrics.SetStoresLive(len(r.hosts))
	return replaced, nil
}

// UpdateState replaces a store's state. A supplied version is committed as
// is and must be greater than the current one; without it the version is
// incremented by one. A version equal to a proposed commit (see
// CommitProposed) is accepted once, so the host's own state wins.
// Subscribers receive store.stateChanged.
func (r *Registry) UpdateState(storeID string, state json.RawMessage, version *int64, source string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	host, ok := r.hosts[storeID]
	if !ok {
		return 0, ErrStoreNotFound
	}

	next := host.Version + 1
	if version != nil {
		switch {
		case *version == host.Version && host.proposed:
			host.proposed = false
			if bytes.Equal(host.State, state) {
				return host.Version, nil
			}
		case *version <= host.Version:
			return host.Version, ErrStaleVersion
		}
		next = *version
	}
	r.commitLocked(host, state, next, source, false)
	return next, nil
}

// CommitProposed records state a host accepted on a forwarded setState at
// version. It is provisional: a later UpdateState from the host at the same
// version replaces it.
func (r *Registry) CommitProposed(storeID string, state json.RawMessage, version int64, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	host, ok := r.hosts[storeID]
	if !ok {
		return ErrStoreNotFound
	}
	if version <= host.Version {
		return ErrStaleVersion
	}
	r.commitLocked(host, state, version, source, true)
	return nil
}

func (r *Registry) commitLocked(host *Host, state json.RawMessage, version int64, source string, proposed bool) {
	if source == "" {
		source = protocol.SourceHost
	}
	host.State = state
	host.Version = version
	host.proposed = proposed

	r.broadcastLocked(host.StoreID, protocol.MethodStoreStateChanged, protocol.StateChangedEvent{
		StoreID: host.StoreID,
		State:   state,
		Version: version,
		Source:  source,
	})
}

// Disconnect notifies a store's subscribers and removes the host. It reports
// whether the store was registered.
func (r *Registry) Disconnect(storeID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hosts[storeID]; !ok {
		return false
	}
	r.disconnectLocked(storeID, reason)
	r.metrics.SetStoresLive(len(r.hosts))
	return true
}

// DisconnectAll removes every host, notifying subscribers with reason.
func (r *Registry) DisconnectAll(reason string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.hosts))
	for storeID := range r.hosts {
		ids = append(ids, storeID)
	}
	sort.Strings(ids)
	for _, storeID := range ids {
		r.disconnectLocked(storeID, reason)
	}
	r.metrics.SetStoresLive(0)
	return ids
}

// disconnectLocked broadcasts the disconnect and drops every index entry for
// storeID. Caller holds r.mu.
func (r *Registry) disconnectLocked(storeID, reason string) {
	host := r.hosts[storeID]

	r.broadcastLocked(storeID, protocol.MethodStoreDisconnected, protocol.DisconnectedEvent{
		StoreID: storeID,
		Reason:  reason,
	})

	delete(r.hosts, storeID)
	addr := address{pageID: host.PageID, storeKey: host.StoreKey}
	if r.byAddress[addr] == storeID {
		delete(r.byAddress, addr)
	}
	removeFrom(r.byPage, host.PageID, storeID)
	if host.Peer != nil {
		removeFrom(r.byPeer, host.Peer.ID(), storeID)
	}

	r.logger.Info("Store disconnected",
		zap.String("store_id", storeID),
		zap.String("page_id", host.PageID),
		zap.String("reason", reason),
	)
}

// AddSubscriber subscribes peer to storeID. Subscribing to an offline store
// is allowed. If the store is online the peer alone receives one snapshot
// (source "snapshot"). It reports whether the store is online.
func (r *Registry) AddSubscriber(storeID string, peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subscribers[storeID]
	if !ok {
		subs = make(map[string]Peer)
		r.subscribers[storeID] = subs
	}
	if _, already := subs[peer.ID()]; !already {
		subs[peer.ID()] = peer
		addTo(r.subscriptions, peer.ID(), storeID)
		r.subCount++
		r.metrics.SetSubscribers(r.subCount)
	}

	host, online := r.hosts[storeID]
	if !online {
		return false
	}

	frame, err := protocol.EncodeNotification(protocol.MethodStoreStateChanged, protocol.StateChangedEvent{
		StoreID: storeID,
		State:   host.State,
		Version: host.Version,
		Source:  protocol.SourceSnapshot,
	})
	if err != nil {
		r.logger.Error("Failed to encode snapshot", zap.String("store_id", storeID), zap.Error(err))
		return true
	}
	r.send(peer, frame)
	return true
}

// RemoveSubscriber unsubscribes peer from storeID.
func (r *Registry) RemoveSubscriber(storeID string, peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeSubscriberLocked(storeID, peer.ID())
}

func (r *Registry) removeSubscriberLocked(storeID, peerID string) bool {
	subs, ok := r.subscribers[storeID]
	if !ok {
		return false
	}
	if _, ok := subs[peerID]; !ok {
		return false
	}
	delete(subs, peerID)
	if len(subs) == 0 {
		delete(r.subscribers, storeID)
	}
	removeFrom(r.subscriptions, peerID, storeID)
	r.subCount--
	r.metrics.SetSubscribers(r.subCount)
	return true
}

// RemovePeer forgets a closed connection: every store it hosts is
// disconnected with reason "host_disconnected" and it is dropped from every
// subscriber set. It returns the disconnected store ids.
func (r *Registry) RemovePeer(peer Peer) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	peerID := peer.ID()

	var hosted []string
	for storeID := range r.byPeer[peerID] {
		hosted = append(hosted, storeID)
	}
	sort.Strings(hosted)
	for _, storeID := range hosted {
		r.disconnectLocked(storeID, protocol.ReasonHostDisconnected)
	}

	for storeID := range r.subscriptions[peerID] {
		r.removeSubscriberLocked(storeID, peerID)
	}

	r.metrics.SetStoresLive(len(r.hosts))
	return hosted
}

// Get returns a copy of the host registered under storeID.
func (r *Registry) Get(storeID string) (Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	host, ok := r.hosts[storeID]
	if !ok {
		return Host{}, false
	}
	return *host, true
}

// IsHost reports whether storeID is registered and whether peerID owns it.
func (r *Registry) IsHost(storeID, peerID string) (registered, owner bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	host, ok := r.hosts[storeID]
	if !ok {
		return false, false
	}
	return true, host.Peer != nil && host.Peer.ID() == peerID
}

// FindByPageKey resolves a logical address to its live host.
func (r *Registry) FindByPageKey(pageID, storeKey string) (Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	storeID, ok := r.byAddress[address{pageID: pageID, storeKey: storeKey}]
	if !ok {
		return Host{}, false
	}
	return *r.hosts[storeID], true
}

// ListByPage returns the page's live hosts ordered by store key.
func (r *Registry) ListByPage(pageID string) []Host {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byPage[pageID]
	hosts := make([]Host, 0, len(ids))
	for storeID := range ids {
		hosts = append(hosts, *r.hosts[storeID])
	}
	sortHosts(hosts)
	return hosts
}

// List returns every live host ordered by page id then store key.
func (r *Registry) List() []Host {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hosts := make([]Host, 0, len(r.hosts))
	for _, host := range r.hosts {
		hosts = append(hosts, *host)
	}
	sortHosts(hosts)
	return hosts
}

// SubscriberCount returns how many peers are subscribed to storeID.
func (r *Registry) SubscriberCount(storeID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.subscribers[storeID])
}

// Stats summarises the registry for health checks.
type Stats struct {
	Stores        int `json:"stores"`
	Pages         int `json:"pages"`
	Hosts         int `json:"hosts"`
	Subscriptions int `json:"subscriptions"`
}

// Stats returns registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Stores:        len(r.hosts),
		Pages:         len(r.byPage),
		Hosts:         len(r.byPeer),
		Subscriptions: r.subCount,
	}
}

// broadcastLocked encodes one notification and queues it on every
// subscriber of storeID. Caller holds r.mu.
func (r *Registry) broadcastLocked(storeID, method string, params any) {
	subs := r.subscribers[storeID]
	if len(subs) == 0 {
		return
	}
	frame, err := protocol.EncodeNotification(method, params)
	if err != nil {
		r.logger.Error("Failed to encode notification",
			zap.String("store_id", storeID),
			zap.String("method", method),
			zap.Error(err),
		)
		return
	}
	for _, peer := range subs {
		r.send(peer, frame)
	}
}

func (r *Registry) send(peer Peer, frame []byte) {
	if !peer.Send(frame) {
		r.metrics.IncDroppedFrames()
		r.logger.Warn("Dropped frame for slow or closed peer", zap.String("conn_id", peer.ID()))
	}
}

func sortHosts(hosts []Host) {
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].PageID != hosts[j].PageID {
			return hosts[i].PageID < hosts[j].PageID
		}
		if hosts[i].StoreKey != hosts[j].StoreKey {
			return hosts[i].StoreKey < hosts[j].StoreKey
		}
		return hosts[i].StoreID < hosts[j].StoreID
	})
}

func addTo(index map[string]set, key, member string) {
	s, ok := index[key]
	if !ok {
		s = make(set)
		index[key] = s
	}
	s[member] = struct{}{}
}

func removeFrom(index map[string]set, key, member string) {
	s, ok := index[key]
	if !ok {
		return
	}
	delete(s, member)
	if len(s) == 0 {
		delete(index, key)
	}
}
