package realtime

import (
	"encoding/json"

	"github.com/vango-dev/collab/pkg/awareness"
	"github.com/vango-dev/collab/pkg/crdt"
)

// Doc is the merge engine holding a session's shared document.
//
// Every call that changes the document notifies OnUpdate handlers exactly
// once, synchronously, with the update and the origin passed to the call.
// Calls that change nothing notify nobody.
type Doc interface {
	ApplyUpdate(update []byte, origin any) error
	EncodeStateVector() []byte
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)
	OnUpdate(func(update []byte, origin any))
	Text() string
	Destroy()
}

// Presence is the engine holding a session's ephemeral presence states.
type Presence interface {
	ApplyUpdate(update []byte, origin any) error
	EncodeUpdate(clients []uint64) []byte
	Clients() []uint64
	SetLocalState(state json.RawMessage)
	RemoveStates(clients []uint64, origin any)
	OnUpdate(func(added, updated, removed []uint64, origin any))
	Destroy()
}

// DocFactory builds the document of a new session from its initial content.
// Seeding must happen before the document is returned, so it produces no
// update notifications for the session.
type DocFactory func(content string) (Doc, error)

// PresenceFactory builds the presence set of a new session.
type PresenceFactory func(doc Doc) Presence

// NewTextDoc is the default DocFactory.
func NewTextDoc(content string) (Doc, error) {
	d := crdt.New()
	if err := d.Insert(0, content); err != nil {
		return nil, err
	}
	return d, nil
}

// NewAwareness is the default PresenceFactory. The local presence entry
// shares the document's client id when the document exposes one.
func NewAwareness(doc Doc) Presence {
	if c, ok := doc.(interface{ ClientID() uint64 }); ok {
		return awareness.New(awareness.WithClientID(c.ClientID()))
	}
	return awareness.New()
}
