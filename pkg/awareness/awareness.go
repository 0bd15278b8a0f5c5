// Package awareness tracks ephemeral per-client presence state (cursor,
// selection, user name and color) for one document.
//
// Each client owns an entry with a clock and a JSON state. An incoming entry
// wins when its clock is newer, or when it carries a null state at the same
// clock (an explicit removal). Nothing is persisted.
package awareness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/vango-dev/collab/pkg/protocol"
)

// Errors returned by Awareness.
var (
	ErrMalformedUpdate = errors.New("awareness: malformed update")
	ErrDestroyed       = errors.New("awareness: destroyed")
)

var nullState = json.RawMessage("null")

// ChangeHandler receives the client ids touched by one call. updated also
// lists entries whose clock advanced with an unchanged state.
type ChangeHandler = func(added, updated, removed []uint64, origin any)

type meta struct {
	clock uint64
	state json.RawMessage // nil when removed
}

// Awareness is the presence set of one document. It is safe for concurrent use.
type Awareness struct {
	mu        sync.Mutex
	clientID  uint64
	entries   map[uint64]*meta
	handlers  []ChangeHandler
	destroyed bool
}

// Option configures an Awareness.
type Option func(*Awareness)

// WithClientID sets the id of the local entry. The default is random.
func WithClientID(id uint64) Option {
	return func(a *Awareness) {
		a.clientID = id
	}
}

// New creates an empty presence set with no local state.
func New(opts ...Option) *Awareness {
	a := &Awareness{
		clientID: uint64(rand.Uint32()),
		entries:  make(map[uint64]*meta),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ClientID returns the id of the local entry.
func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// OnUpdate registers a change handler. Handlers run after the lock is
// released, before the mutating call returns.
func (a *Awareness) OnUpdate(h ChangeHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.handlers = append(a.handlers, h)
}

// entry is one decoded record of an update.
type entry struct {
	client uint64
	clock  uint64
	state  json.RawMessage
}

// ApplyUpdate merges an encoded update received from origin.
func (a *Awareness) ApplyUpdate(update []byte, origin any) error {
	entries, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return ErrDestroyed
	}
	var added, updated, removed []uint64
	for _, e := range entries {
		cur, known := a.entries[e.client]
		var curClock uint64
		if known {
			curClock = cur.clock
		}
		isNull := bytes.Equal(e.state, nullState)
		hasState := known && cur.state != nil

		if !(curClock < e.clock || (curClock == e.clock && isNull && hasState)) {
			continue
		}

		if isNull {
			if e.client == a.clientID && hasState {
				// Nobody else may remove the local entry; outbid the removal.
				cur.clock = e.clock + 1
				updated = append(updated, e.client)
				continue
			}
			a.entries[e.client] = &meta{clock: e.clock}
			if hasState {
				removed = append(removed, e.client)
			}
			continue
		}

		a.entries[e.client] = &meta{clock: e.clock, state: e.state}
		if hasState {
			updated = append(updated, e.client)
		} else {
			added = append(added, e.client)
		}
	}
	handlers := slices.Clone(a.handlers)
	a.mu.Unlock()

	emit(handlers, added, updated, removed, origin)
	return nil
}

// EncodeUpdate encodes the current entries of the given clients. Unknown
// clients are skipped; removed clients are encoded with a null state.
func (a *Awareness) EncodeUpdate(clients []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := make([]entry, 0, len(clients))
	for _, c := range clients {
		m, ok := a.entries[c]
		if !ok {
			continue
		}
		state := m.state
		if state == nil {
			state = nullState
		}
		entries = append(entries, entry{client: c, clock: m.clock, state: state})
	}
	return encodeUpdate(entries)
}

// Clients returns the ids that currently have a state, sorted.
func (a *Awareness) Clients() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint64, 0, len(a.entries))
	for id, m := range a.entries {
		if m.state != nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// State returns the state of a client.
func (a *Awareness) State(client uint64) (json.RawMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.entries[client]
	if !ok || m.state == nil {
		return nil, false
	}
	return slices.Clone(m.state), true
}

// SetLocalState replaces the local entry. A nil or "null" state removes it.
func (a *Awareness) SetLocalState(state json.RawMessage) {
	if bytes.Equal(state, nullState) {
		state = nil
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	cur, known := a.entries[a.clientID]
	hadState := known && cur.state != nil
	if state == nil && !hadState {
		a.mu.Unlock()
		return
	}
	var clock uint64
	if known {
		clock = cur.clock + 1
	}
	a.entries[a.clientID] = &meta{clock: clock, state: slices.Clone(state)}

	var added, updated, removed []uint64
	switch {
	case state == nil:
		removed = []uint64{a.clientID}
	case hadState:
		updated = []uint64{a.clientID}
	default:
		added = []uint64{a.clientID}
	}
	handlers := slices.Clone(a.handlers)
	a.mu.Unlock()

	emit(handlers, added, updated, removed, nil)
}

// RemoveStates drops the states of the given clients, as when the
// connection that controlled them goes away.
func (a *Awareness) RemoveStates(clients []uint64, origin any) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	var removed []uint64
	for _, c := range clients {
		m, ok := a.entries[c]
		if !ok || m.state == nil {
			continue
		}
		m.state = nil
		if c == a.clientID {
			m.clock++
		}
		removed = append(removed, c)
	}
	handlers := slices.Clone(a.handlers)
	a.mu.Unlock()

	emit(handlers, nil, nil, removed, origin)
}

// Destroy drops all state and handlers.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed = true
	a.handlers = nil
	a.entries = make(map[uint64]*meta)
}

func emit(handlers []ChangeHandler, added, updated, removed []uint64, origin any) {
	if len(added)+len(updated)+len(removed) == 0 {
		return
	}
	for _, h := range handlers {
		h(added, updated, removed, origin)
	}
}

// Update layout:
//
//	[count: uvarint]
//	  [client: uvarint][clock: uvarint][state: JSON string]
func encodeUpdate(entries []entry) []byte {
	e := protocol.NewEncoder(1 + len(entries)*32)
	e.WriteUvarint(uint64(len(entries)))
	for _, en := range entries {
		e.WriteUvarint(en.client)
		e.WriteUvarint(en.clock)
		e.WriteVarBytes(en.state)
	}
	return e.Bytes()
}

func decodeUpdate(buf []byte) ([]entry, error) {
	d := protocol.NewDecoder(buf)
	n, err := d.ReadCount()
	if err != nil {
		return nil, fmt.Errorf("%w: count: %v", ErrMalformedUpdate, err)
	}
	entries := make([]entry, 0, n)
	for i := 0; i < n; i++ {
		var en entry
		if en.client, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
		}
		if en.clock, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
		}
		state, err := d.ReadVarBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
		}
		if !json.Valid(state) {
			return nil, fmt.Errorf("%w: entry %d: state is not JSON", ErrMalformedUpdate, i)
		}
		en.state = json.RawMessage(state)
		entries = append(entries, en)
	}
	if !d.EOF() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, d.Remaining())
	}
	return entries, nil
}

// EncodeEntry builds a single-entry update. Clients use it to publish their
// own state; a nil state encodes a removal.
func EncodeEntry(client, clock uint64, state json.RawMessage) []byte {
	if state == nil {
		state = nullState
	}
	return encodeUpdate([]entry{{client: client, clock: clock, state: state}})
}

// DecodeClients returns the client ids carried by an encoded update.
func DecodeClients(update []byte) ([]uint64, error) {
	entries, err := decodeUpdate(update)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, len(entries))
	for i, en := range entries {
		ids[i] = en.client
	}
	return ids, nil
}
