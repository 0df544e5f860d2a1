package broker

import (
	"errors"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/storebridge/internal/domain/forward"
	"github.com/GriffinCanCode/storebridge/internal/domain/registry"
	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

type notificationHandler func(peer registry.Peer, msg *protocol.Message) error

type requestHandler func(peer registry.Peer, msg *protocol.Message) (any, error)

// deferred is returned by handlers whose reply will come from a host.
type deferred struct{}

func (b *Broker) notificationTable() map[string]notificationHandler {
	return map[string]notificationHandler{
		protocol.MethodHostRegister:     b.hostRegister,
		protocol.MethodHostStateChanged: b.hostStateChanged,
		protocol.MethodHostUnregister:   b.hostUnregister,
	}
}

func (b *Broker) requestTable() map[string]requestHandler {
	return map[string]requestHandler{
		protocol.MethodStoreGetMeta:      b.storeGetMeta,
		protocol.MethodStoreGetState:     b.storeGetState,
		protocol.MethodStoreSubscribe:    b.storeSubscribe,
		protocol.MethodStoreUnsubscribe:  b.storeUnsubscribe,
		protocol.MethodStoreSetState:     b.storeSetState,
		protocol.MethodStoreDispatch:     b.storeDispatch,
		protocol.MethodStoreList:         b.storeList,
		protocol.MethodPageListStores:    b.pageListStores,
		protocol.MethodPageGetStoresMeta: b.pageGetStoresMeta,
		protocol.MethodPageResolve:       b.pageResolve,
	}
}

// handleNotification runs a host notification. Failures have nowhere to go
// but the log; the connection stays open.
func (b *Broker) handleNotification(peer registry.Peer, role Role, msg *protocol.Message) {
	defer b.guard(peer, msg)

	handler, ok := b.notifications[msg.Method]
	if !ok {
		b.logger.Warn("Unknown notification", zap.String("conn_id", peer.ID()), zap.String("method", msg.Method))
		return
	}
	if role != RoleHost {
		b.logger.Warn("Host notification from non-host connection",
			zap.String("conn_id", peer.ID()),
			zap.String("role", string(role)),
			zap.String("method", msg.Method),
		)
		return
	}
	if err := handler(peer, msg); err != nil {
		perr := protocol.AsError(err)
		b.logger.Warn("Notification rejected",
			zap.String("conn_id", peer.ID()),
			zap.String("method", msg.Method),
			zap.String("kind", string(perr.Kind)),
			zap.String("error", perr.Message),
			zap.Any("data", perr.Data),
		)
	}
}

func (b *Broker) handleRequest(peer registry.Peer, role Role, msg *protocol.Message) {
	defer b.guard(peer, msg)

	handler, ok := b.requests[msg.Method]
	if !ok {
		b.replyError(peer, msg.ID, protocol.NewError(protocol.KindMethodNotFound, "method not found", map[string]any{"method": msg.Method}))
		return
	}
	result, err := handler(peer, msg)
	if err != nil {
		b.replyError(peer, msg.ID, protocol.AsError(err))
		return
	}
	if _, ok := result.(deferred); ok {
		return
	}
	b.reply(peer, msg.ID, result)
}

// handleResponse relays a host's reply to the controller that caused the
// forward. Replies with no matching entry (late, duplicate, or not from the
// target host) are dropped.
func (b *Broker) handleResponse(peer registry.Peer, msg *protocol.Message) {
	defer b.guard(peer, msg)

	forwardID, ok := protocol.NumericID(msg.ID)
	if !ok {
		b.logger.Debug("Dropping response with non-forward id", zap.String("conn_id", peer.ID()), zap.ByteString("id", msg.ID))
		return
	}
	entry, ok := b.forwards.Take(forwardID, peer)
	if !ok {
		b.logger.Debug("Dropping response for unknown forward", zap.String("conn_id", peer.ID()), zap.Uint64("forward_id", forwardID))
		return
	}

	if msg.Error != nil {
		frame, err := protocol.EncodeError(entry.OriginID, msg.Error)
		if err == nil {
			b.send(entry.Origin, frame)
		}
		b.metrics.RecordForward(entry.Method, "error")
		return
	}

	if entry.Method == protocol.MethodClientSetState {
		b.commitForwardedState(entry, msg)
	}
	b.reply(entry.Origin, entry.OriginID, msg.Result)
	b.metrics.RecordForward(entry.Method, "ok")
}

// commitForwardedState applies a confirmed client.setState to the registry
// when the host's reply carries a newer version. A host that already sent
// host.stateChanged for that version makes this a no-op; one that sends it
// afterwards replaces the proposed state with its own.
func (b *Broker) commitForwardedState(entry forward.Entry, msg *protocol.Message) {
	var res protocol.MutationResult
	if err := protocol.Unmarshal(msg.Result, &res); err != nil || !res.OK || res.Version == nil {
		return
	}
	err := b.registry.CommitProposed(entry.StoreID, entry.State, *res.Version, protocol.SourceSetState)
	if err != nil && !errors.Is(err, registry.ErrStaleVersion) && !errors.Is(err, registry.ErrStoreNotFound) {
		b.logger.Warn("Failed to commit forwarded state", zap.String("store_id", entry.StoreID), zap.Error(err))
	}
}

// Host notifications.

func (b *Broker) hostRegister(peer registry.Peer, msg *protocol.Message) error {
	var p protocol.RegisterParams
	if err := protocol.DecodeParams(msg.Params, &p); err != nil {
		return err
	}
	var version int64
	if p.Version != nil {
		version = *p.Version
	}

	replaced, err := b.registry.Register(registry.Host{
		StoreID:     p.StoreID,
		PageID:      p.PageID,
		StoreKey:    p.StoreKey,
		Description: p.Description,
		State:       p.InitialState,
		Version:     version,
		Peer:        peer,
	})
	if errors.Is(err, registry.ErrDuplicateStore) {
		return protocol.NewError(protocol.KindInvalidParams, "store id is already registered", map[string]any{"storeId": p.StoreID})
	}
	if err != nil {
		return err
	}
	if replaced != "" {
		b.failForwards(b.forwards.PurgeStore(replaced), protocol.ReasonReplaced)
	}
	return nil
}

func (b *Broker) hostStateChanged(peer registry.Peer, msg *protocol.Message) error {
	var p protocol.StateChangedParams
	if err := protocol.DecodeParams(msg.Params, &p); err != nil {
		return err
	}
	if err := b.checkOwner(p.StoreID, peer); err != nil {
		return err
	}
	source := p.Source
	if source == "" {
		source = protocol.SourceHost
	}
	if _, err := b.registry.UpdateState(p.StoreID, p.State, p.Version, source); err != nil {
		if errors.Is(err, registry.ErrStaleVersion) {
			b.logger.Debug("Ignoring state change that does not advance the version",
				zap.String("store_id", p.StoreID),
				zap.Int64p("version", p.Version),
			)
			return nil
		}
		return err
	}
	return nil
}

func (b *Broker) hostUnregister(peer registry.Peer, msg *protocol.Message) error {
	var p protocol.StoreParams
	if err := protocol.DecodeParams(msg.Params, &p); err != nil {
		return err
	}
	if err := b.checkOwner(p.StoreID, peer); err != nil {
		return err
	}
	b.failForwards(b.forwards.PurgeStore(p.StoreID), protocol.ReasonUnregistered)
	b.registry.Disconnect(p.StoreID, protocol.ReasonUnregistered)
	return nil
}

func (b *Broker) checkOwner(storeID string, peer registry.Peer) error {
	registered, owner := b.registry.IsHost(storeID, peer.ID())
	switch {
	case !registered:
		return protocol.UnknownStoreID(storeID)
	case !owner:
		return protocol.NotStoreHost(storeID)
	}
	return nil
}

// Controller requests.

func (b *Broker) storeGetMeta(_ registry.Peer, msg *protocol.Message) (any, error) {
	var p protocol.StoreParams
	if err := protocol.DecodeParams(msg.Params, &p); err != nil {
		return nil, err
	}
	host, ok := b.registry.Get(p.StoreID)
	if !ok {
		return nil, protocol.StoreOffline(p.StoreID)
	}
	return protocol.MetaResult{
		StoreID:     host.StoreID,
		PageID:      host.PageID,
		StoreKey:    host.StoreKey,
		Description: orNull(host.Description),
	}, nil
}

func (b *Broker) storeGetState(_ registry.Peer, msg *protocol.Message) (any, error) {
	var p protocol.StoreParams
	if err := protocol.DecodeParams(msg.Params, &p); err != nil {
		return nil, err
	}
	host, ok := b.registry.Get(p.StoreID)
	if !ok {
		return nil, protocol.StoreOffline(p.StoreID)
	}
	return protocol.StateResult{State: host.State, Version: host.Version}, nil
}

// storeSubscribe queues the snapshot before the ack, so a subscriber to an
// online store always sees its state first.
func (b *Broker) storeSubscribe(peer registry.Peer, msg *protocol.Message) (any, error) {
	var p protocol.StoreParams
	if err := protocol.DecodeParams(msg.Params, &p); err != nil {
		return nil, err
	}
	online := b.registry.AddSubscriber(p.StoreID, peer)
	return protocol.SubscribeResult{OK: true, Online: online}, nil
}

func (b *Broker) storeUnsubscribe(peer registry.Peer, msg *protocol.Message) (any, error) {
	var p protocol.StoreParams
	if err := protocol.DecodeParams(msg.Params, &p); err != nil {
		return nil, err
	}
	b.registry.RemoveSubscriber(p.StoreID, peer)
	return protocol.AckResult{OK: true}, nil
}

func (b *Broker) storeSetState(peer registry.Peer, msg *protocol.Message) (any, error) {
	var p protocol.SetStateParams
	if err := protocol.DecodeParams(msg.Params, &p); err != nil {
		return nil, err
	}
	return b.forward(peer, msg, p.StoreID, p.ExpectedVersion, protocol.MethodClientSetState, p.State,
		func(current int64) any {
			return protocol.ClientSetStateParams{State: p.State, ExpectedVersion: current}
		})
}

func (b *Broker) storeDispatch(peer registry.Peer, msg *protocol.Message) (any, error) {
	var p protocol.DispatchParams
	if err := protocol.DecodeParams(msg.Params, &p); err != nil {
		return nil, err
	}
	return b.forward(peer, msg, p.StoreID, p.ExpectedVersion, protocol.MethodClientDispatch, nil,
		func(current int64) any {
			return protocol.ClientDispatchParams{Action: p.Action, ExpectedVersion: current}
		})
}

// forward checks the compare-and-swap precondition and sends method to the
// store's host under a fresh forward id. The host is always told the version
// the broker checked against.
func (b *Broker) forward(peer registry.Peer, msg *protocol.Message, storeID string, expected *int64, method string, state []byte, params func(current int64) any) (any, error) {
	host, ok := b.registry.Get(storeID)
	if !ok {
		return nil, protocol.StoreOffline(storeID)
	}
	if expected != nil && *expected != host.Version {
		b.metrics.RecordForward(method, "conflict")
		return nil, protocol.VersionConflict(storeID, host.Version, *expected)
	}

	forwardID := b.forwards.Add(forward.Entry{
		Origin:   peer,
		OriginID: msg.ID,
		Target:   host.Peer,
		StoreID:  storeID,
		Method:   method,
		State:    state,
	})
	frame, err := protocol.EncodeRequest(protocol.IDFromUint(forwardID), method, params(host.Version))
	if err != nil {
		b.forwards.Cancel(forwardID)
		return nil, err
	}
	if !b.send(host.Peer, frame) {
		b.forwards.Cancel(forwardID)
		b.metrics.RecordForward(method, "failed")
		perr := protocol.StoreOffline(storeID)
		perr.Data["reason"] = "host_unreachable"
		return nil, perr
	}

	b.metrics.RecordForward(method, "sent")
	b.logger.Debug("Forwarded request to host",
		zap.String("conn_id", peer.ID()),
		zap.String("store_id", storeID),
		zap.String("method", method),
		zap.Uint64("forward_id", forwardID),
		zap.Int64("expected_version", host.Version),
	)
	return deferred{}, nil
}

func (b *Broker) storeList(_ registry.Peer, _ *protocol.Message) (any, error) {
	return protocol.StoresResult{Stores: summaries(b.registry.List(), false)}, nil
}

func (b *Broker) pageListStores(_ registry.Peer, msg *protocol.Message) (any, error) {
	var p protocol.PageParams
	if err := protocol.DecodeParams(msg.Params, &p); err != nil {
		return nil, err
	}
	return protocol.StoresResult{Stores: summaries(b.registry.ListByPage(p.PageID), false)}, nil
}

func (b *Broker) pageGetStoresMeta(_ registry.Peer, msg *protocol.Message) (any, error) {
	var p protocol.PageParams
	if err := protocol.DecodeParams(msg.Params, &p); err != nil {
		return nil, err
	}
	return protocol.StoresResult{Stores: summaries(b.registry.ListByPage(p.PageID), true)}, nil
}

func (b *Broker) pageResolve(_ registry.Peer, msg *protocol.Message) (any, error) {
	var p protocol.ResolveParams
	if err := protocol.DecodeParams(msg.Params, &p); err != nil {
		return nil, err
	}
	host, ok := b.registry.FindByPageKey(p.PageID, p.StoreKey)
	if !ok {
		return nil, protocol.StoreNotFound(p.PageID, p.StoreKey)
	}
	return protocol.ResolveResult{StoreID: host.StoreID}, nil
}

func summaries(hosts []registry.Host, withDescription bool) []protocol.StoreSummary {
	out := make([]protocol.StoreSummary, 0, len(hosts))
	for _, h := range hosts {
		s := h.Summary(withDescription)
		if withDescription {
			s.Description = orNull(s.Description)
		}
		out = append(out, s)
	}
	return out
}

func orNull(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
