package broker

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/storebridge/internal/domain/forward"
	"github.com/GriffinCanCode/storebridge/internal/domain/registry"
	"github.com/GriffinCanCode/storebridge/internal/domain/snapshot"
	"github.com/GriffinCanCode/storebridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/storebridge/internal/protocol"
	"github.com/GriffinCanCode/storebridge/internal/shared/id"
)

// Role classifies a connection at connect time.
type Role string

const (
	RoleHost       Role = "host"
	RoleController Role = "controller"
)

// ParseRole maps a connect-time role value to a Role. Empty means controller.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case "", RoleController:
		return RoleController, true
	case RoleHost:
		return RoleHost, true
	}
	return "", false
}

// Broker is the protocol router.
type Broker struct {
	mu     sync.Mutex
	closed bool

	registry  *registry.Registry
	forwards  *forward.Table
	snapshots *snapshot.FileStore
	local     *localPeer

	notifications map[string]notificationHandler
	requests      map[string]requestHandler

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// New creates a broker over the given snapshot store. A nil logger is
// replaced with a no-op logger.
func New(snapshots *snapshot.FileStore, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		registry:  registry.New(logger.Named("registry")),
		forwards:  forward.NewTable(),
		snapshots: snapshots,
		logger:    logger,
	}
	b.local = newLocalPeer(id.NewLocalID().String(), logger.Named("local"))
	b.notifications = b.notificationTable()
	b.requests = b.requestTable()
	return b
}

// WithMetrics adds metrics tracking to the broker and everything it owns
func (b *Broker) WithMetrics(metrics *monitoring.Metrics) *Broker {
	b.metrics = metrics
	b.registry.WithMetrics(metrics)
	b.forwards.WithMetrics(metrics)
	if b.snapshots != nil {
		b.snapshots.WithMetrics(metrics)
	}
	b.local.metrics = metrics
	return b
}

// Registry exposes the registry for read-only inspection.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// Snapshots returns the durable snapshot store, which may be nil.
func (b *Broker) Snapshots() *snapshot.FileStore {
	return b.snapshots
}

// HandleFrame processes one inbound frame from peer. Replies and any frames
// the handler produces are queued on the relevant peers before it returns.
func (b *Broker) HandleFrame(peer registry.Peer, role Role, frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		id := protocol.NullID
		if msg != nil {
			id = msg.ReplyID()
		}
		b.metrics.RecordWSMessage("in", "invalid")
		b.replyError(peer, id, protocol.AsError(err))
		return
	}

	switch shape := msg.Shape(); shape {
	case protocol.ShapeNotification:
		b.metrics.RecordWSMessage("in", msg.Method)
		b.handleNotification(peer, role, msg)
	case protocol.ShapeRequest:
		b.metrics.RecordWSMessage("in", msg.Method)
		b.handleRequest(peer, role, msg)
	case protocol.ShapeResponse:
		b.metrics.RecordWSMessage("in", "response")
		b.handleResponse(peer, msg)
	default:
		b.metrics.RecordWSMessage("in", "invalid")
		b.replyError(peer, msg.ReplyID(), protocol.NewError(protocol.KindInvalidRequest, "frame is not a JSON-RPC 2.0 request, notification or response", nil))
	}
}

// OnClose forgets a closed connection: forwards it originated are dropped,
// controllers waiting on forwards it was serving get STORE_OFFLINE, the
// stores it hosted are disconnected and its subscriptions are removed.
func (b *Broker) OnClose(peer registry.Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.forwards.PurgeOrigin(peer.ID()) {
		b.metrics.RecordForward(e.Method, "abandoned")
	}
	b.failForwards(b.forwards.PurgeTarget(peer.ID()), protocol.ReasonHostDisconnected)

	hosted := b.registry.RemovePeer(peer)
	if len(hosted) > 0 {
		b.logger.Info("Host connection closed",
			zap.String("conn_id", peer.ID()),
			zap.Strings("store_ids", hosted),
		)
	}
}

// Destroy disconnects every store with reason "shutdown", fails pending
// forwards and stops in-process subscriptions. Frames handled afterwards are
// ignored.
func (b *Broker) Destroy() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.failForwards(b.forwards.PurgeAll(), protocol.ReasonShutdown)
	ids := b.registry.DisconnectAll(protocol.ReasonShutdown)
	b.mu.Unlock()

	b.local.close()
	b.logger.Info("Broker destroyed", zap.Int("stores", len(ids)))
}

// Stats summarises the broker for health checks.
type Stats struct {
	registry.Stats
	PendingForwards int `json:"pendingForwards"`
}

// Stats returns broker statistics.
func (b *Broker) Stats() Stats {
	return Stats{
		Stats:           b.registry.Stats(),
		PendingForwards: b.forwards.Len(),
	}
}

// failForwards answers the origin of each entry with STORE_OFFLINE. Caller
// holds b.mu.
func (b *Broker) failForwards(entries []forward.Entry, reason string) {
	for _, e := range entries {
		perr := protocol.StoreOffline(e.StoreID)
		perr.Data["reason"] = reason
		b.replyError(e.Origin, e.OriginID, perr)
		b.metrics.RecordForward(e.Method, "failed")
	}
}

// guard converts a handler panic into an INTERNAL_ERROR reply, or a log line
// for notifications.
func (b *Broker) guard(peer registry.Peer, msg *protocol.Message) {
	r := recover()
	if r == nil {
		return
	}
	b.logger.Error("Handler panic",
		zap.String("conn_id", peer.ID()),
		zap.String("method", msg.Method),
		zap.Any("panic", r),
		zap.ByteString("stack", debug.Stack()),
	)
	if msg.Shape() == protocol.ShapeRequest {
		b.replyError(peer, msg.ID, protocol.NewError(protocol.KindInternal, fmt.Sprintf("internal error handling %s", msg.Method), nil))
	}
}

func (b *Broker) reply(peer registry.Peer, reqID json.RawMessage, result any) {
	frame, err := protocol.EncodeResult(reqID, result)
	if err != nil {
		b.logger.Error("Failed to encode result", zap.String("conn_id", peer.ID()), zap.Error(err))
		b.replyError(peer, reqID, protocol.NewError(protocol.KindInternal, "failed to encode result", nil))
		return
	}
	b.send(peer, frame)
}

func (b *Broker) replyError(peer registry.Peer, reqID json.RawMessage, perr *protocol.Error) {
	frame, err := protocol.EncodeError(reqID, perr.Object())
	if err != nil {
		b.logger.Error("Failed to encode error", zap.String("conn_id", peer.ID()), zap.Error(err))
		return
	}
	b.send(peer, frame)
}

func (b *Broker) send(peer registry.Peer, frame []byte) bool {
	if peer.Send(frame) {
		return true
	}
	b.metrics.IncDroppedFrames()
	b.logger.Warn("Dropped frame for slow or closed peer", zap.String("conn_id", peer.ID()))
	return false
}
