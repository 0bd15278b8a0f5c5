package crdt

import (
	"fmt"
	"sort"

	"github.com/vango-dev/collab/pkg/protocol"
)

// ID identifies an item: the client that created it and that client's
// clock at creation time.
type ID struct {
	Client uint64
	Clock  uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

// record is the wire form of an item.
type record struct {
	id        ID
	lamport   uint64
	hasOrigin bool
	origin    ID
	content   string
}

// update is a decoded update: new items plus deleted ids.
type update struct {
	items   []record
	deletes []ID
}

func (u *update) empty() bool {
	return len(u.items) == 0 && len(u.deletes) == 0
}

// Update layout:
//
//	[itemCount: uvarint]
//	  [client][clock][lamport][hasOrigin: bool]([originClient][originClock])?[content: string]
//	[deleteCount: uvarint]
//	  [client][clock]
func encodeUpdate(u *update) []byte {
	e := protocol.NewEncoder(16 + len(u.items)*12 + len(u.deletes)*4)
	e.WriteUvarint(uint64(len(u.items)))
	for _, r := range u.items {
		e.WriteUvarint(r.id.Client)
		e.WriteUvarint(r.id.Clock)
		e.WriteUvarint(r.lamport)
		e.WriteBool(r.hasOrigin)
		if r.hasOrigin {
			e.WriteUvarint(r.origin.Client)
			e.WriteUvarint(r.origin.Clock)
		}
		e.WriteVarString(r.content)
	}
	e.WriteUvarint(uint64(len(u.deletes)))
	for _, id := range u.deletes {
		e.WriteUvarint(id.Client)
		e.WriteUvarint(id.Clock)
	}
	return e.Bytes()
}

func decodeUpdate(buf []byte) (*update, error) {
	d := protocol.NewDecoder(buf)
	u := &update{}

	n, err := d.ReadCount()
	if err != nil {
		return nil, fmt.Errorf("%w: item count: %v", ErrMalformedUpdate, err)
	}
	u.items = make([]record, 0, n)
	for i := 0; i < n; i++ {
		var r record
		if r.id.Client, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedUpdate, i, err)
		}
		if r.id.Clock, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedUpdate, i, err)
		}
		if r.lamport, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedUpdate, i, err)
		}
		if r.hasOrigin, err = d.ReadBool(); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedUpdate, i, err)
		}
		if r.hasOrigin {
			if r.origin.Client, err = d.ReadUvarint(); err != nil {
				return nil, fmt.Errorf("%w: item %d origin: %v", ErrMalformedUpdate, i, err)
			}
			if r.origin.Clock, err = d.ReadUvarint(); err != nil {
				return nil, fmt.Errorf("%w: item %d origin: %v", ErrMalformedUpdate, i, err)
			}
		}
		if r.content, err = d.ReadVarString(); err != nil {
			return nil, fmt.Errorf("%w: item %d content: %v", ErrMalformedUpdate, i, err)
		}
		u.items = append(u.items, r)
	}

	n, err = d.ReadCount()
	if err != nil {
		return nil, fmt.Errorf("%w: delete count: %v", ErrMalformedUpdate, err)
	}
	u.deletes = make([]ID, 0, n)
	for i := 0; i < n; i++ {
		var id ID
		if id.Client, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: delete %d: %v", ErrMalformedUpdate, i, err)
		}
		if id.Clock, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: delete %d: %v", ErrMalformedUpdate, i, err)
		}
		u.deletes = append(u.deletes, id)
	}

	if !d.EOF() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, d.Remaining())
	}
	return u, nil
}

// StateVector maps a client id to the next clock expected from it.
type StateVector map[uint64]uint64

// Encode returns the wire form: uvarint count, then (client, clock) pairs
// sorted by client.
func (sv StateVector) Encode() []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	e := protocol.NewEncoder(1 + len(sv)*6)
	e.WriteUvarint(uint64(len(sv)))
	for _, c := range clients {
		e.WriteUvarint(c)
		e.WriteUvarint(sv[c])
	}
	return e.Bytes()
}

// DecodeStateVector parses an encoded state vector. An empty input is the
// empty vector.
func DecodeStateVector(buf []byte) (StateVector, error) {
	sv := StateVector{}
	if len(buf) == 0 {
		return sv, nil
	}
	d := protocol.NewDecoder(buf)
	n, err := d.ReadCount()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	for i := 0; i < n; i++ {
		client, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedStateVector, i, err)
		}
		clock, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedStateVector, i, err)
		}
		sv[client] = clock
	}
	if !d.EOF() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedStateVector, d.Remaining())
	}
	return sv, nil
}
