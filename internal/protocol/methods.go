package protocol

import (
	"bytes"
	"encoding/json"
	"time"
)

// Host to broker notifications.
const (
	MethodHostRegister     = "host.register"
	MethodHostStateChanged = "host.stateChanged"
	MethodHostUnregister   = "host.unregister"
)

// Controller to broker requests.
const (
	MethodStoreGetMeta      = "store.getMeta"
	MethodStoreGetState     = "store.getState"
	MethodStoreSubscribe    = "store.subscribe"
	MethodStoreUnsubscribe  = "store.unsubscribe"
	MethodStoreSetState     = "store.setState"
	MethodStoreDispatch     = "store.dispatch"
	MethodStoreList         = "store.list"
	MethodPageListStores    = "page.listStores"
	MethodPageGetStoresMeta = "page.getStoresMeta"
	MethodPageResolve       = "page.resolve"
)

// Broker to host requests, issued on behalf of a controller.
const (
	MethodClientSetState = "client.setState"
	MethodClientDispatch = "client.dispatch"
)

// Broker to controller notifications.
const (
	MethodStoreStateChanged = "store.stateChanged"
	MethodStoreDisconnected = "store.disconnected"
)

// Sources carried on store.stateChanged.
const (
	SourceRegister = "host.register"
	SourceHost     = "host.stateChanged"
	SourceSnapshot = "snapshot"
	SourceSetState = "store.setState"
)

// Reasons carried on store.disconnected.
const (
	ReasonReplaced         = "replaced"
	ReasonHostDisconnected = "host_disconnected"
	ReasonUnregistered     = "unregistered"
	ReasonShutdown         = "shutdown"
)

// RegisterParams are the params of host.register.
type RegisterParams struct {
	StoreID      string          `json:"storeId" validate:"required"`
	PageID       string          `json:"pageId" validate:"required"`
	StoreKey     string          `json:"storeKey,omitempty"`
	Description  json.RawMessage `json:"description,omitempty"`
	InitialState json.RawMessage `json:"initialState" validate:"required"`
	Version      *int64          `json:"version,omitempty" validate:"omitempty,gte=0"`
}

// StateChangedParams are the params of host.stateChanged.
type StateChangedParams struct {
	StoreID string          `json:"storeId" validate:"required"`
	State   json.RawMessage `json:"state" validate:"required"`
	Version *int64          `json:"version,omitempty" validate:"omitempty,gte=0"`
	Source  string          `json:"source,omitempty"`
}

// StoreParams address a single store by id.
type StoreParams struct {
	StoreID string `json:"storeId" validate:"required"`
}

// SetStateParams are the params of store.setState.
type SetStateParams struct {
	StoreID         string          `json:"storeId" validate:"required"`
	State           json.RawMessage `json:"state" validate:"required"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty" validate:"omitempty,gte=0"`
}

// Action is the minimal shape every dispatched action must have. The payload
// is opaque to the broker.
type Action struct {
	Type    string          `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DispatchParams are the params of store.dispatch.
type DispatchParams struct {
	StoreID         string          `json:"storeId" validate:"required"`
	Action          json.RawMessage `json:"action" validate:"required"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty" validate:"omitempty,gte=0"`
}

func (p *DispatchParams) check() error {
	if !bytes.HasPrefix(bytes.TrimSpace(p.Action), []byte("{")) {
		return NewError(KindInvalidParams, "action must be an object", map[string]any{"field": "action"})
	}
	var a Action
	if err := Unmarshal(p.Action, &a); err != nil || a.Type == "" {
		return NewError(KindInvalidParams, "action.type is required", map[string]any{"field": "action.type"})
	}
	return nil
}

// PageParams address every store on a page.
type PageParams struct {
	PageID string `json:"pageId" validate:"required"`
}

// ResolveParams are the params of page.resolve. An empty store key is the
// page's default store.
type ResolveParams struct {
	PageID   string `json:"pageId" validate:"required"`
	StoreKey string `json:"storeKey,omitempty"`
}

// ClientSetStateParams are sent to the host for a forwarded store.setState.
type ClientSetStateParams struct {
	State           json.RawMessage `json:"state"`
	ExpectedVersion int64           `json:"expectedVersion"`
}

// ClientDispatchParams are sent to the host for a forwarded store.dispatch.
type ClientDispatchParams struct {
	Action          json.RawMessage `json:"action"`
	ExpectedVersion int64           `json:"expectedVersion"`
}

// MutationResult is what hosts are expected to answer client.* requests with.
// The broker relays the raw result; this type only reads the version back.
type MutationResult struct {
	OK      bool   `json:"ok"`
	Version *int64 `json:"version,omitempty"`
}

// StateChangedEvent is the payload of store.stateChanged.
type StateChangedEvent struct {
	StoreID string          `json:"storeId"`
	State   json.RawMessage `json:"state"`
	Version int64           `json:"version"`
	Source  string          `json:"source"`
}

// DisconnectedEvent is the payload of store.disconnected.
type DisconnectedEvent struct {
	StoreID string `json:"storeId"`
	Reason  string `json:"reason"`
}

// StateResult answers store.getState.
type StateResult struct {
	State   json.RawMessage `json:"state"`
	Version int64           `json:"version"`
}

// MetaResult answers store.getMeta.
type MetaResult struct {
	StoreID     string          `json:"storeId"`
	PageID      string          `json:"pageId"`
	StoreKey    string          `json:"storeKey"`
	Description json.RawMessage `json:"description"`
}

// StoreSummary describes one live store in listings.
type StoreSummary struct {
	StoreID     string          `json:"storeId"`
	PageID      string          `json:"pageId"`
	StoreKey    string          `json:"storeKey"`
	Version     int64           `json:"version"`
	ConnectedAt time.Time       `json:"connectedAt"`
	Description json.RawMessage `json:"description,omitempty"`
}

// StoresResult answers store.list, page.listStores and page.getStoresMeta.
type StoresResult struct {
	Stores []StoreSummary `json:"stores"`
}

// ResolveResult answers page.resolve.
type ResolveResult struct {
	StoreID string `json:"storeId"`
}

// SubscribeResult answers store.subscribe.
type SubscribeResult struct {
	OK     bool `json:"ok"`
	Online bool `json:"online"`
}

// AckResult answers requests with no payload of their own.
type AckResult struct {
	OK bool `json:"ok"`
}
