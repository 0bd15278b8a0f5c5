// Package protocol implements the binary wire protocol spoken between
// collaborative editor clients and the realtime hub.
//
// The format is compatible with the y-websocket family of clients: every
// WebSocket binary message is one frame, with no length prefix beyond what
// the payload encoding itself defines.
//
// # Envelope
//
// A frame starts with a uvarint message type followed by the sub-protocol
// payload. MessageSync (0) carries document content synchronization and
// MessageAwareness (1) carries ephemeral presence state.
//
//	┌──────────────────────┬────────────────────────────────────┐
//	│ Message Type         │ Sub-protocol payload               │
//	│ (uvarint)            │ (rest of the frame)                │
//	└──────────────────────┴────────────────────────────────────┘
//
// # Sync
//
//	[0][Step: uvarint][Payload: len-prefixed bytes]
//
// SyncStep1 carries the sender's state vector; the receiver answers with
// SyncStep2 holding exactly the updates the sender is missing. SyncUpdate
// carries an incremental update produced by an edit.
//
// # Awareness
//
//	[1][Update: len-prefixed bytes]
//
// The update itself is owned by the presence engine (see package awareness).
//
// # Encoding
//
// Varints use 7 bits per byte with the MSB set on every byte but the last.
// Byte arrays and strings are prefixed with their varint length.
package protocol
