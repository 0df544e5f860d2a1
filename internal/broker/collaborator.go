package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

// MutationOptions qualify SetState and Dispatch.
type MutationOptions struct {
	// ExpectedVersion, when set, must equal the store's current version.
	ExpectedVersion *int64
}

// ListStores returns every live store.
func (b *Broker) ListStores() []protocol.StoreSummary {
	return summaries(b.registry.List(), false)
}

// ListPage returns the live stores of one page, descriptions included.
func (b *Broker) ListPage(pageID string) []protocol.StoreSummary {
	return summaries(b.registry.ListByPage(pageID), true)
}

// GetStore returns one live store with its description.
func (b *Broker) GetStore(storeID string) (protocol.StoreSummary, error) {
	host, ok := b.registry.Get(storeID)
	if !ok {
		return protocol.StoreSummary{}, protocol.StoreOffline(storeID)
	}
	s := host.Summary(true)
	s.Description = orNull(s.Description)
	return s, nil
}

// FindByPageKey resolves a logical address to its live store.
func (b *Broker) FindByPageKey(pageID, storeKey string) (protocol.StoreSummary, error) {
	host, ok := b.registry.FindByPageKey(pageID, storeKey)
	if !ok {
		return protocol.StoreSummary{}, protocol.StoreNotFound(pageID, storeKey)
	}
	return host.Summary(false), nil
}

// GetState returns a live store's state and version.
func (b *Broker) GetState(storeID string) (protocol.StateResult, error) {
	host, ok := b.registry.Get(storeID)
	if !ok {
		return protocol.StateResult{}, protocol.StoreOffline(storeID)
	}
	return protocol.StateResult{State: host.State, Version: host.Version}, nil
}

// SetState forwards a state replacement to the store's host and returns the
// host's result. It fails fast when the store is offline or the expected
// version does not match, and with TIMEOUT when ctx ends first.
func (b *Broker) SetState(ctx context.Context, storeID string, state json.RawMessage, opts MutationOptions) (json.RawMessage, error) {
	return b.call(ctx, protocol.MethodStoreSetState, protocol.SetStateParams{
		StoreID:         storeID,
		State:           state,
		ExpectedVersion: opts.ExpectedVersion,
	})
}

// Dispatch forwards an action to the store's host and returns the host's
// result.
func (b *Broker) Dispatch(ctx context.Context, storeID string, action json.RawMessage, opts MutationOptions) (json.RawMessage, error) {
	return b.call(ctx, protocol.MethodStoreDispatch, protocol.DispatchParams{
		StoreID:         storeID,
		Action:          action,
		ExpectedVersion: opts.ExpectedVersion,
	})
}

// Subscribe calls fn for every notification about storeID, in emission
// order, until the returned cancel func is called. An online store delivers
// its current state first.
func (b *Broker) Subscribe(storeID string, fn func(Event)) (cancel func(), err error) {
	if storeID == "" {
		return nil, protocol.NewError(protocol.KindInvalidParams, "storeId is required", map[string]any{"field": "storeId"})
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errBrokerClosed
	}
	sub := newSubscription(fn)
	if b.local.addSubscription(storeID, sub) {
		// The registry pushes the snapshot through the local peer.
		b.registry.AddSubscriber(storeID, b.local)
	} else if host, ok := b.registry.Get(storeID); ok {
		sub.push(Event{
			Method:  protocol.MethodStoreStateChanged,
			StoreID: storeID,
			State:   host.State,
			Version: host.Version,
			Source:  protocol.SourceSnapshot,
		})
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if b.local.removeSubscription(storeID, sub) {
			b.registry.RemoveSubscriber(storeID, b.local)
		}
		b.mu.Unlock()
		sub.stop()
	}, nil
}

var errBrokerClosed = protocol.NewError(protocol.KindStoreOffline, "broker is shut down", map[string]any{"reason": protocol.ReasonShutdown})

// call runs a controller request through the router as the local peer.
func (b *Broker) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	reqID, replies, ok := b.local.expect()
	if !ok {
		return nil, errBrokerClosed
	}
	frame, err := protocol.EncodeRequest(protocol.IDFromUint(reqID), method, params)
	if err != nil {
		b.local.forget(reqID)
		return nil, fmt.Errorf("encoding %s: %w", method, err)
	}

	b.HandleFrame(b.local, RoleController, frame)

	select {
	case msg, ok := <-replies:
		if !ok {
			return nil, errBrokerClosed
		}
		if msg.Error != nil {
			return nil, protocol.FromObject(msg.Error)
		}
		return msg.Result, nil
	case <-ctx.Done():
		b.local.forget(reqID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, protocol.NewError(protocol.KindTimeout, "host did not reply in time", map[string]any{"method": method})
		}
		return nil, ctx.Err()
	}
}
