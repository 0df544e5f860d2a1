/*
Package broker routes protocol frames between hosts and controllers.

A Broker owns the connection registry, the forwarding table and the durable
snapshot store. Transports hand it raw frames with HandleFrame and report
closed connections with OnClose; every frame is handled to completion under
one lock, so a compare-and-swap check, the forward it creates and the frame
sent to the host are atomic with respect to any concurrent state change.

Dispatch is table driven, one table per direction:

	host -> broker         notifications   host.register, host.stateChanged, host.unregister
	controller -> broker   requests        store.*, page.*
	host -> broker         responses       replies to client.setState / client.dispatch

In-process collaborators (the REST surface, tests, embedding programs) use
the methods in collaborator.go, which travel through the same handlers via a
local peer.
*/
package broker
