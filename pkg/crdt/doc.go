// Package crdt is a replicated text type used as the document engine of the
// realtime hub.
//
// The algorithm is RGA: every rune is an item identified by (client, clock)
// and inserted to the right of the item that preceded it when it was typed
// (its origin). Concurrent inserts at the same origin are ordered by Lamport
// timestamp, highest first, with the client id as a tie breaker. Deleted
// items stay in the sequence as tombstones so later inserts can still find
// their origin.
//
// Replicas exchange binary updates. A state vector records, per client, the
// next clock the replica expects; EncodeStateAsUpdate uses it to compute the
// items a peer is missing. Items and deletions that arrive before their
// dependencies are buffered and integrated once the dependencies show up, so
// updates may be applied in any order and applying one twice is a no-op.
package crdt
