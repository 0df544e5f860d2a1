// Package client is a Go SDK for the storebridge broker.
//
// A Client is one websocket connection. As a controller it reads, writes
// and subscribes to stores that live in other processes; as a host it
// serves a store of its own, which is how tools and tests stand in for a
// browser page.
//
// Example Usage:
//
//	c, err := client.Dial(ctx, "http://127.0.0.1:7411", client.Options{Token: token})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	storeID, err := c.Resolve(ctx, "checkout", "cart")
//	res, err := c.Dispatch(ctx, storeID, map[string]any{"type": "clear"}, nil)
package client
