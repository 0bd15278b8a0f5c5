// Package realtime multiplexes WebSocket connections onto per-document
// collaboration sessions.
//
// A Session owns one shared document and its presence set together with the
// connections currently editing it. Incoming frames are routed by their
// leading tag to the document sync adapter or the awareness adapter:
//
//   - Document updates are applied with the sending connection as origin and
//     relayed to every other connection.
//   - Presence deltas are merged and relayed to every connection, the sender
//     included.
//
// The Directory maps document ids to live sessions. It creates a session on
// first use (loading its initial content exactly once even under concurrent
// joins) and forgets it when the last connection leaves.
//
// # Concurrency
//
// Each Session has one mutex guarding its connection set and its document
// and presence handles. Broadcasts run under that lock, which is why
// Connection.Send never blocks: frames are queued for a per-connection write
// pump, and a connection whose queue overflows is closed. The Directory lock
// only protects its map; session creation is coordinated per key.
package realtime
