package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind names a failure class. It travels in error.data.kind.
type ErrorKind string

const (
	KindParseError           ErrorKind = "PARSE_ERROR"
	KindInvalidRequest       ErrorKind = "INVALID_REQUEST"
	KindMethodNotFound       ErrorKind = "METHOD_NOT_FOUND"
	KindInvalidParams        ErrorKind = "INVALID_PARAMS"
	KindInternal             ErrorKind = "INTERNAL_ERROR"
	KindUnauthorized         ErrorKind = "UNAUTHORIZED"
	KindStoreOffline         ErrorKind = "STORE_OFFLINE"
	KindUnknownStoreID       ErrorKind = "UNKNOWN_STORE_ID"
	KindNotStoreHost         ErrorKind = "NOT_STORE_HOST"
	KindStoreNotFound        ErrorKind = "STORE_NOT_FOUND"
	KindVersionConflict      ErrorKind = "VERSION_CONFLICT"
	KindInvalidState         ErrorKind = "INVALID_STATE"
	KindInvalidActionPayload ErrorKind = "INVALID_ACTION_PAYLOAD"
	KindTimeout              ErrorKind = "TIMEOUT"
	KindRateLimited          ErrorKind = "RATE_LIMITED"
)

var kindCodes = map[ErrorKind]int{
	KindParseError:           -32700,
	KindInvalidRequest:       -32600,
	KindMethodNotFound:       -32601,
	KindInvalidParams:        -32602,
	KindInternal:             -32603,
	KindUnauthorized:         -32001,
	KindStoreOffline:         -32010,
	KindUnknownStoreID:       -32011,
	KindNotStoreHost:         -32012,
	KindStoreNotFound:        -32013,
	KindVersionConflict:      -32020,
	KindInvalidState:         -32030,
	KindInvalidActionPayload: -32031,
	KindTimeout:              -32040,
	KindRateLimited:          -32050,
}

// Code returns the numeric wire code for the kind.
func (k ErrorKind) Code() int {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindInternal]
}

// KindForCode maps a wire code back to its kind. Unknown codes map to INTERNAL_ERROR.
func KindForCode(code int) ErrorKind {
	for kind, c := range kindCodes {
		if c == code {
			return kind
		}
	}
	return KindInternal
}

// Error is a protocol-level failure. Handlers return it and the router turns
// it into a failure envelope.
type Error struct {
	Kind    ErrorKind
	Message string
	Data    map[string]any
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, message string, data map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Data: data}
}

// Errorf creates an error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Code returns the wire code.
func (e *Error) Code() int {
	return e.Kind.Code()
}

// Is matches another *Error of the same kind, so errors.Is works against the
// sentinel values below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Data == nil
}

// Object renders the error in wire form. The kind is always present in data.
func (e *Error) Object() *ErrorObject {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data["kind"] = string(e.Kind)

	raw, err := Marshal(data)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"kind":%q}`, e.Kind))
	}
	return &ErrorObject{
		Code:    e.Code(),
		Message: e.Message,
		Data:    raw,
	}
}

// Sentinels for errors.Is checks. They carry no message or data.
var (
	ErrStoreOffline    = &Error{Kind: KindStoreOffline}
	ErrVersionConflict = &Error{Kind: KindVersionConflict}
	ErrStoreNotFound   = &Error{Kind: KindStoreNotFound}
	ErrNotStoreHost    = &Error{Kind: KindNotStoreHost}
	ErrUnknownStoreID  = &Error{Kind: KindUnknownStoreID}
	ErrInvalidParams   = &Error{Kind: KindInvalidParams}
	ErrMethodNotFound  = &Error{Kind: KindMethodNotFound}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
)

// StoreOffline reports that no host is attached for storeID.
func StoreOffline(storeID string) *Error {
	return NewError(KindStoreOffline, "store is offline", map[string]any{"storeId": storeID})
}

// VersionConflict reports a failed compare-and-swap precondition.
func VersionConflict(storeID string, current, expected int64) *Error {
	return NewError(KindVersionConflict, "version conflict", map[string]any{
		"storeId":         storeID,
		"currentVersion":  current,
		"expectedVersion": expected,
	})
}

// StoreNotFound reports a failed (pageId, storeKey) resolution.
func StoreNotFound(pageID, storeKey string) *Error {
	return NewError(KindStoreNotFound, "no store registered at address", map[string]any{
		"pageId":   pageID,
		"storeKey": storeKey,
	})
}

// NotStoreHost reports a connection mutating a store it does not own.
func NotStoreHost(storeID string) *Error {
	return NewError(KindNotStoreHost, "connection is not the host of this store", map[string]any{"storeId": storeID})
}

// UnknownStoreID reports a host notification for an id that was never registered.
func UnknownStoreID(storeID string) *Error {
	return NewError(KindUnknownStoreID, "store id is not registered", map[string]any{"storeId": storeID})
}

// AsError converts any error into a *Error. Errors that are not already
// protocol errors become INTERNAL_ERROR.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewError(KindInternal, err.Error(), nil)
}

// FromObject rebuilds an *Error from a wire error object, as a controller sees it.
func FromObject(obj *ErrorObject) *Error {
	if obj == nil {
		return nil
	}
	e := &Error{Kind: KindForCode(obj.Code), Message: obj.Message}
	if len(obj.Data) == 0 {
		return e
	}
	var data map[string]any
	if err := Unmarshal(obj.Data, &data); err != nil {
		return e
	}
	if kind, ok := data["kind"].(string); ok && kind != "" {
		e.Kind = ErrorKind(kind)
	}
	delete(data, "kind")
	if len(data) > 0 {
		e.Data = data
	}
	return e
}

// Int64 reads an integer detail, tolerating the float64 produced by generic
// JSON decoding.
func (e *Error) Int64(key string) (int64, bool) {
	switch v := e.Data[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
