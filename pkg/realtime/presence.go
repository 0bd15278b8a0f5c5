package realtime

import (
	"slices"

	"github.com/vango-dev/collab/pkg/protocol"
)

// presenceSync binds the awareness sub-protocol to a session's presence set.
type presenceSync struct {
	session  *Session
	presence Presence

	// controlled maps a connection to the presence entries it published.
	controlled map[*Connection]map[uint64]struct{}
}

func newPresenceSync(s *Session, p Presence) *presenceSync {
	ps := &presenceSync{
		session:    s,
		presence:   p,
		controlled: make(map[*Connection]map[uint64]struct{}),
	}
	p.SetLocalState(nil)
	p.OnUpdate(ps.onChange)
	return ps
}

// handle merges one awareness message from conn. Caller holds the session lock.
func (ps *presenceSync) handle(conn *Connection, d *protocol.Decoder) error {
	update, err := protocol.ReadAwarenessMessage(d)
	if err != nil {
		return err
	}
	return ps.presence.ApplyUpdate(update, conn)
}

// snapshot returns the awareness frame describing every known client.
func (ps *presenceSync) snapshot() []byte {
	return protocol.EncodeAwareness(ps.presence.EncodeUpdate(ps.presence.Clients()))
}

// forget removes the entries conn published and announces their removal.
// Caller holds the session lock and has already unregistered conn.
func (ps *presenceSync) forget(conn *Connection) {
	ids, ok := ps.controlled[conn]
	if !ok {
		return
	}
	delete(ps.controlled, conn)
	if len(ids) == 0 {
		return
	}
	clients := make([]uint64, 0, len(ids))
	for id := range ids {
		clients = append(clients, id)
	}
	slices.Sort(clients)
	ps.presence.RemoveStates(clients, conn)
}

// onChange relays a presence change to every connection, including the one
// it came from.
func (ps *presenceSync) onChange(added, updated, removed []uint64, origin any) {
	if conn, ok := origin.(*Connection); ok {
		if _, registered := ps.session.conns[conn.id]; registered {
			ids := ps.controlled[conn]
			if ids == nil {
				ids = make(map[uint64]struct{})
				ps.controlled[conn] = ids
			}
			for _, id := range added {
				ids[id] = struct{}{}
			}
			for _, id := range updated {
				ids[id] = struct{}{}
			}
			for _, id := range removed {
				delete(ids, id)
			}
		}
	}

	changed := make([]uint64, 0, len(added)+len(updated)+len(removed))
	changed = append(changed, added...)
	changed = append(changed, updated...)
	changed = append(changed, removed...)
	frame := protocol.EncodeAwareness(ps.presence.EncodeUpdate(changed))
	ps.session.broadcastLocked(protocol.MessageAwareness, frame, nil)
}
