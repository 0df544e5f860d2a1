/*
Package registry tracks which stores currently have a host attached and who is
subscribed to them.

A store is registered by its host connection under a storeId and a logical
address (pageId, storeKey). The registry keeps four indexes (by store id, by
address, by page, by host connection) and updates them together under one
lock, so a reader never observes a half-applied registration or removal.

Registering at an occupied address replaces the previous host: its
subscribers are sent store.disconnected{reason:"replaced"} first. Subscriber
sets outlive the host, so a controller that subscribed before a page reload
receives the new registration's state as soon as the page registers again.

All notifications are encoded once and handed to each peer's non-blocking
Send, in the order the registry processes changes.
*/
package registry
