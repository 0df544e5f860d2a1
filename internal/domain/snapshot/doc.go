/*
Package snapshot is the durable, file-backed copy of a page's store state.

Each page owns one file:

	{pagesDir}/{pageId}/store.json

holding {state, version, updatedAt, pageId}. Writes go to a sibling
store.json.*.tmp file that is synced and renamed into place, so a reader sees
either the previous snapshot or the next one and never a partial file.

Versions are assigned by the store, never by the caller: a write commits at
max(in-memory clock, version on disk) + 1. The version a caller passes is only
a precondition; if it differs from the version on disk the write fails with a
*ConflictError carrying both numbers, mirroring VERSION_CONFLICT on the live
protocol so retry logic is the same on both paths.

Writes to one page are queued in-process; a queued writer waits at most until
its context is done.
*/
package snapshot
