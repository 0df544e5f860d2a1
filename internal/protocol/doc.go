/*
Package protocol defines the wire format spoken between the broker, page hosts,
and controllers.

# Envelope

Every frame is a JSON-RPC 2.0 object:

	Request:      {"jsonrpc":"2.0","id":1,"method":"store.getState","params":{...}}
	Notification: {"jsonrpc":"2.0","method":"host.stateChanged","params":{...}}
	Success:      {"jsonrpc":"2.0","id":1,"result":{...}}
	Failure:      {"jsonrpc":"2.0","id":1,"error":{"code":-32010,"message":"...","data":{"kind":"STORE_OFFLINE"}}}

Decode classifies an inbound frame by shape. Ids are kept in their raw wire
form so a reply echoes exactly what the caller sent.

# Errors

Application failures are *Error values carrying an ErrorKind. The kind maps to
a fixed code in the -32000..-32099 range and is always repeated in
error.data.kind so callers can branch without memorising codes.

# Methods

Each method has a params struct validated with go-playground/validator.
DecodeParams turns any shape mismatch into INVALID_PARAMS.
*/
package protocol
