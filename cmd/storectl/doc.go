// Command storectl inspects and drives a running storebridge broker.
//
// Store commands go through the broker's REST surface; watch holds a
// websocket subscription open; snapshot commands work on the pages
// directory directly, so they also run while the broker is down.
//
// Usage:
//
//	storectl stores
//	storectl get --page checkout --key cart
//	storectl dispatch 'checkout#01j...' '{"type": "clear"}'
//	storectl set 'checkout#01j...' @state.jsonc --expected-version 4
//	storectl -o yaml watch 'checkout#01j...'
//	storectl --pages-dir ./pages snapshot ls
package main
