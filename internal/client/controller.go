package client

import (
	"context"
	"encoding/json"

	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

// Event is a store.stateChanged or store.disconnected notification.
type Event struct {
	Method  string          `json:"-"`
	StoreID string          `json:"storeId"`
	State   json.RawMessage `json:"state,omitempty"`
	Version int64           `json:"version,omitempty"`
	Source  string          `json:"source,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Disconnected reports whether the event announces the store going away.
func (e Event) Disconnected() bool {
	return e.Method == protocol.MethodStoreDisconnected
}

type subscription struct {
	fn func(Event)
}

// GetState returns a store's state and version.
func (c *Client) GetState(ctx context.Context, storeID string) (protocol.StateResult, error) {
	var res protocol.StateResult
	err := c.Call(ctx, protocol.MethodStoreGetState, protocol.StoreParams{StoreID: storeID}, &res)
	return res, err
}

// GetMeta returns a store's address and description.
func (c *Client) GetMeta(ctx context.Context, storeID string) (protocol.MetaResult, error) {
	var res protocol.MetaResult
	err := c.Call(ctx, protocol.MethodStoreGetMeta, protocol.StoreParams{StoreID: storeID}, &res)
	return res, err
}

// SetState replaces a store's state through its host. A non-nil
// expectedVersion makes the write conditional.
func (c *Client) SetState(ctx context.Context, storeID string, state any, expectedVersion *int64) (json.RawMessage, error) {
	raw, err := rawJSON(state)
	if err != nil {
		return nil, err
	}
	var res json.RawMessage
	err = c.Call(ctx, protocol.MethodStoreSetState, protocol.SetStateParams{
		StoreID:         storeID,
		State:           raw,
		ExpectedVersion: expectedVersion,
	}, &res)
	return res, err
}

// Dispatch sends an action to a store's host. action must encode as an
// object with a "type".
func (c *Client) Dispatch(ctx context.Context, storeID string, action any, expectedVersion *int64) (json.RawMessage, error) {
	raw, err := rawJSON(action)
	if err != nil {
		return nil, err
	}
	var res json.RawMessage
	err = c.Call(ctx, protocol.MethodStoreDispatch, protocol.DispatchParams{
		StoreID:         storeID,
		Action:          raw,
		ExpectedVersion: expectedVersion,
	}, &res)
	return res, err
}

// ListStores lists every live store.
func (c *Client) ListStores(ctx context.Context) ([]protocol.StoreSummary, error) {
	var res protocol.StoresResult
	err := c.Call(ctx, protocol.MethodStoreList, nil, &res)
	return res.Stores, err
}

// ListPage lists a page's live stores with their descriptions.
func (c *Client) ListPage(ctx context.Context, pageID string) ([]protocol.StoreSummary, error) {
	var res protocol.StoresResult
	err := c.Call(ctx, protocol.MethodPageGetStoresMeta, protocol.PageParams{PageID: pageID}, &res)
	return res.Stores, err
}

// Resolve maps a page and store key to the live store id. An empty key is
// the page's default store.
func (c *Client) Resolve(ctx context.Context, pageID, storeKey string) (string, error) {
	var res protocol.ResolveResult
	err := c.Call(ctx, protocol.MethodPageResolve, protocol.ResolveParams{PageID: pageID, StoreKey: storeKey}, &res)
	return res.StoreID, err
}

// Subscribe calls fn for every event about storeID, starting with the
// current state when the store is online. The returned func unsubscribes;
// the broker is told once the last local subscriber for storeID leaves.
func (c *Client) Subscribe(ctx context.Context, storeID string, fn func(Event)) (unsubscribe func(context.Context) error, online bool, err error) {
	sub := &subscription{fn: fn}

	// Registered before the request so the snapshot sent ahead of the ack
	// is not missed.
	c.mu.Lock()
	c.subs[storeID] = append(c.subs[storeID], sub)
	c.mu.Unlock()

	var res protocol.SubscribeResult
	if err := c.Call(ctx, protocol.MethodStoreSubscribe, protocol.StoreParams{StoreID: storeID}, &res); err != nil {
		c.removeSubscription(storeID, sub)
		return nil, false, err
	}

	return func(ctx context.Context) error {
		if !c.removeSubscription(storeID, sub) {
			return nil
		}
		return c.Call(ctx, protocol.MethodStoreUnsubscribe, protocol.StoreParams{StoreID: storeID}, nil)
	}, res.Online, nil
}

// removeSubscription reports whether sub was the last one for storeID.
func (c *Client) removeSubscription(storeID string, sub *subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[storeID]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(c.subs, storeID)
		return true
	}
	c.subs[storeID] = subs
	return false
}

func (c *Client) routeEvent(msg *protocol.Message) {
	if msg.Method != protocol.MethodStoreStateChanged && msg.Method != protocol.MethodStoreDisconnected {
		return
	}
	var ev Event
	if err := protocol.Unmarshal(msg.Params, &ev); err != nil {
		return
	}
	ev.Method = msg.Method

	c.mu.Lock()
	subs := append([]*subscription(nil), c.subs[ev.StoreID]...)
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

func rawJSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	}
	return protocol.Marshal(v)
}
