package realtime

import (
	"github.com/vango-dev/collab/pkg/protocol"
)

// docSync binds the sync sub-protocol to a session's document.
type docSync struct {
	session *Session
	doc     Doc
}

func newDocSync(s *Session, doc Doc) *docSync {
	ds := &docSync{session: s, doc: doc}
	doc.OnUpdate(ds.onUpdate)
	return ds
}

// handle processes one sync message from conn. Caller holds the session lock.
func (ds *docSync) handle(conn *Connection, d *protocol.Decoder) error {
	msg, err := protocol.ReadSyncMessage(d)
	if err != nil {
		return err
	}
	switch msg.Step {
	case protocol.SyncStep1:
		update, err := ds.doc.EncodeStateAsUpdate(msg.Payload)
		if err != nil {
			return err
		}
		conn.Send(protocol.EncodeSyncStep2(update))
	case protocol.SyncStep2, protocol.SyncUpdate:
		// Triggers onUpdate when anything changed.
		return ds.doc.ApplyUpdate(msg.Payload, conn)
	}
	return nil
}

// onUpdate relays a document change to every connection but its origin.
// The document is only mutated from handle, so the session lock is held.
func (ds *docSync) onUpdate(update []byte, origin any) {
	ds.session.revision++
	exclude, _ := origin.(*Connection)
	ds.session.broadcastLocked(protocol.MessageSync, protocol.EncodeSyncUpdate(update), exclude)
}
