package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/GriffinCanCode/storebridge/internal/protocol"
	"github.com/GriffinCanCode/storebridge/internal/shared/id"
)

// ErrHostRegistered is returned when a client already hosts a store. The
// broker's client.* requests do not name a store, so one connection hosts
// one store.
var ErrHostRegistered = errors.New("client: connection already hosts a store")

// Reducer applies an action to a state and returns the next state. A
// returned *protocol.Error is relayed to the caller as-is; any other error
// is reported as INVALID_ACTION_PAYLOAD.
type Reducer func(state json.RawMessage, action protocol.Action) (json.RawMessage, error)

// HostOptions describe the store a client hosts.
type HostOptions struct {
	PageID   string
	StoreKey string
	// StoreID is minted from PageID when empty.
	StoreID      string
	Description  any
	InitialState any
	Version      int64
	// Reducer handles store.dispatch. Without one, actions are refused.
	Reducer Reducer
}

// Host is a store served from this client, the way a page would serve it:
// it answers client.setState and client.dispatch and announces every change
// with host.stateChanged before acknowledging.
type Host struct {
	client  *Client
	storeID string
	reducer Reducer

	mu      sync.Mutex
	state   json.RawMessage
	version int64
}

// RegisterHost announces a store to the broker and starts serving it.
func (c *Client) RegisterHost(ctx context.Context, opts HostOptions) (*Host, error) {
	if opts.PageID == "" {
		return nil, protocol.NewError(protocol.KindInvalidParams, "pageId is required", map[string]any{"field": "pageId"})
	}
	storeID := opts.StoreID
	if storeID == "" {
		storeID = id.NewStoreID(opts.PageID).String()
	}
	state, err := rawJSON(opts.InitialState)
	if err != nil {
		return nil, err
	}
	var description json.RawMessage
	if opts.Description != nil {
		if description, err = rawJSON(opts.Description); err != nil {
			return nil, err
		}
	}

	h := &Host{client: c, storeID: storeID, reducer: opts.Reducer, state: state, version: opts.Version}

	c.mu.Lock()
	if c.host != nil {
		c.mu.Unlock()
		return nil, ErrHostRegistered
	}
	c.host = h
	c.handlers[protocol.MethodClientSetState] = h.handleSetState
	c.handlers[protocol.MethodClientDispatch] = h.handleDispatch
	c.mu.Unlock()

	version := opts.Version
	err = c.Notify(ctx, protocol.MethodHostRegister, protocol.RegisterParams{
		StoreID:      storeID,
		PageID:       opts.PageID,
		StoreKey:     opts.StoreKey,
		Description:  description,
		InitialState: state,
		Version:      &version,
	})
	if err != nil {
		c.dropHost(h)
		return nil, err
	}
	return h, nil
}

func (c *Client) dropHost(h *Host) {
	c.mu.Lock()
	if c.host == h {
		c.host = nil
		delete(c.handlers, protocol.MethodClientSetState)
		delete(c.handlers, protocol.MethodClientDispatch)
	}
	c.mu.Unlock()
}

// StoreID returns the hosted store's id.
func (h *Host) StoreID() string {
	return h.storeID
}

// State returns the hosted state and its version.
func (h *Host) State() (json.RawMessage, int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.version
}

// SetState changes the state locally, as a user interaction on the page
// would, and announces it.
func (h *Host) SetState(ctx context.Context, state any) (int64, error) {
	raw, err := rawJSON(state)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	version := h.commit(raw)
	h.mu.Unlock()
	return version, h.announce(ctx, raw, version, "")
}

// Unregister withdraws the store. The client stays connected.
func (h *Host) Unregister(ctx context.Context) error {
	h.client.dropHost(h)
	return h.client.Notify(ctx, protocol.MethodHostUnregister, protocol.StoreParams{StoreID: h.storeID})
}

// commit stores next and returns its version. Caller holds h.mu.
func (h *Host) commit(next json.RawMessage) int64 {
	h.state = next
	h.version++
	return h.version
}

func (h *Host) announce(ctx context.Context, state json.RawMessage, version int64, source string) error {
	return h.client.Notify(ctx, protocol.MethodHostStateChanged, protocol.StateChangedParams{
		StoreID: h.storeID,
		State:   state,
		Version: &version,
		Source:  source,
	})
}

// checkVersion refuses a forwarded write that raced a local change. Caller
// holds h.mu.
func (h *Host) checkVersion(expected int64) error {
	if expected != h.version {
		return protocol.VersionConflict(h.storeID, h.version, expected)
	}
	return nil
}

func (h *Host) handleSetState(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.ClientSetStateParams
	if err := protocol.Unmarshal(params, &p); err != nil || len(p.State) == 0 {
		return nil, protocol.NewError(protocol.KindInvalidState, "state is required", map[string]any{"field": "state"})
	}

	h.mu.Lock()
	if err := h.checkVersion(p.ExpectedVersion); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	version := h.commit(p.State)
	h.mu.Unlock()

	if err := h.announce(ctx, p.State, version, protocol.SourceSetState); err != nil {
		return nil, err
	}
	return protocol.MutationResult{OK: true, Version: &version}, nil
}

func (h *Host) handleDispatch(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.ClientDispatchParams
	if err := protocol.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.KindInvalidActionPayload, "malformed dispatch params", nil)
	}
	var action protocol.Action
	if err := protocol.Unmarshal(p.Action, &action); err != nil || action.Type == "" {
		return nil, protocol.NewError(protocol.KindInvalidActionPayload, "action.type is required", map[string]any{"field": "action.type"})
	}
	if h.reducer == nil {
		return nil, protocol.NewError(protocol.KindInvalidActionPayload, "store does not accept actions", map[string]any{"type": action.Type})
	}

	h.mu.Lock()
	if err := h.checkVersion(p.ExpectedVersion); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	next, err := h.reducer(h.state, action)
	if err != nil {
		h.mu.Unlock()
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, protocol.NewError(protocol.KindInvalidActionPayload, err.Error(), map[string]any{"type": action.Type})
	}
	version := h.commit(next)
	h.mu.Unlock()

	if err := h.announce(ctx, next, version, ""); err != nil {
		return nil, err
	}
	return protocol.MutationResult{OK: true, Version: &version}, nil
}
