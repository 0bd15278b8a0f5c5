package crdt

import (
	"errors"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"
)

// Errors returned by Doc.
var (
	ErrMalformedUpdate      = errors.New("crdt: malformed update")
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")
	ErrDestroyed            = errors.New("crdt: document destroyed")
	ErrOutOfRange           = errors.New("crdt: position out of range")
)

// UpdateHandler receives the encoded update produced by a mutating call and
// the origin passed to that call (nil for local edits).
type UpdateHandler = func(update []byte, origin any)

type item struct {
	record
	deleted bool
}

// Doc is a replicated text document. It is safe for concurrent use.
type Doc struct {
	mu       sync.Mutex
	clientID uint64
	items    []*item // document order, tombstones included
	byID     map[ID]*item
	sv       StateVector
	lamport  uint64

	pendingItems   map[ID]record
	pendingDeletes map[ID]struct{}

	handlers  []UpdateHandler
	destroyed bool
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID sets the client id used for local edits. The default is a
// random 32-bit value.
func WithClientID(id uint64) Option {
	return func(d *Doc) {
		d.clientID = id
	}
}

// New creates an empty document.
func New(opts ...Option) *Doc {
	d := &Doc{
		clientID:       uint64(rand.Uint32()),
		byID:           make(map[ID]*item),
		sv:             StateVector{},
		pendingItems:   make(map[ID]record),
		pendingDeletes: make(map[ID]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ClientID returns the id stamped on local edits.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// OnUpdate registers a handler called once per mutating call. Handlers run
// on the caller's goroutine after the document lock is released and before
// the mutating call returns.
func (d *Doc) OnUpdate(h UpdateHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.handlers = append(d.handlers, h)
}

// ApplyUpdate merges a remote update. Parts that cannot be integrated yet are
// buffered. Handlers see only what actually changed; an update that changes
// nothing emits nothing.
func (d *Doc) ApplyUpdate(buf []byte, origin any) error {
	u, err := decodeUpdate(buf)
	if err != nil {
		return err
	}
	for _, r := range u.items {
		if utf8.RuneCountInString(r.content) != 1 {
			return ErrMalformedUpdate
		}
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	for _, r := range u.items {
		if r.id.Clock < d.sv[r.id.Client] {
			continue
		}
		d.pendingItems[r.id] = r
	}
	for _, id := range u.deletes {
		d.pendingDeletes[id] = struct{}{}
	}
	applied := d.drainPending()
	handlers := slices.Clone(d.handlers)
	d.mu.Unlock()

	d.emit(handlers, applied, origin)
	return nil
}

// drainPending integrates every buffered item and deletion whose
// dependencies are satisfied. Caller holds d.mu.
func (d *Doc) drainPending() *update {
	out := &update{}
	for progress := true; progress; {
		progress = false
		for id, r := range d.pendingItems {
			next := d.sv[id.Client]
			if id.Clock < next {
				delete(d.pendingItems, id)
				continue
			}
			if id.Clock > next {
				continue
			}
			if r.hasOrigin {
				if _, ok := d.byID[r.origin]; !ok {
					continue
				}
			}
			d.integrate(r, -1)
			delete(d.pendingItems, id)
			out.items = append(out.items, r)
			progress = true
		}
	}
	for id := range d.pendingDeletes {
		it, ok := d.byID[id]
		if !ok {
			continue
		}
		delete(d.pendingDeletes, id)
		if it.deleted {
			continue
		}
		it.deleted = true
		out.deletes = append(out.deletes, id)
	}
	sortRecords(out.items)
	sortIDs(out.deletes)
	return out
}

// integrate places r right of its origin, after any item with a higher
// (lamport, client) priority, and returns its index. originAt is the index
// of the origin when the caller knows it, or -1. Caller holds d.mu.
func (d *Doc) integrate(r record, originAt int) int {
	pos := 0
	if r.hasOrigin {
		if originAt < 0 || originAt >= len(d.items) || d.items[originAt].id != r.origin {
			originAt = d.indexOf(r.origin)
		}
		pos = originAt + 1
	}
	for pos < len(d.items) {
		next := d.items[pos]
		if next.lamport < r.lamport || (next.lamport == r.lamport && next.id.Client < r.id.Client) {
			break
		}
		pos++
	}
	it := &item{record: r}
	d.items = slices.Insert(d.items, pos, it)
	d.byID[r.id] = it
	d.sv[r.id.Client] = r.id.Clock + 1
	if r.lamport > d.lamport {
		d.lamport = r.lamport
	}
	return pos
}

func (d *Doc) indexOf(id ID) int {
	for i, it := range d.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// visible returns the index of the live item at rune position pos, or -1.
func (d *Doc) visible(pos int) int {
	n := 0
	for i, it := range d.items {
		if it.deleted {
			continue
		}
		if n == pos {
			return i
		}
		n++
	}
	return -1
}

// Insert inserts text at rune position pos.
func (d *Doc) Insert(pos int, text string) error {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	if pos < 0 {
		d.mu.Unlock()
		return ErrOutOfRange
	}
	prevAt := -1
	if pos > 0 {
		if prevAt = d.visible(pos - 1); prevAt < 0 {
			d.mu.Unlock()
			return ErrOutOfRange
		}
	}

	out := &update{}
	for _, ch := range text {
		r := record{
			id:      ID{Client: d.clientID, Clock: d.sv[d.clientID]},
			lamport: d.lamport + 1,
			content: string(ch),
		}
		if prevAt >= 0 {
			r.hasOrigin = true
			r.origin = d.items[prevAt].id
		}
		prevAt = d.integrate(r, prevAt)
		out.items = append(out.items, r)
	}
	handlers := slices.Clone(d.handlers)
	d.mu.Unlock()

	d.emit(handlers, out, nil)
	return nil
}

// Delete removes n runes starting at rune position pos.
func (d *Doc) Delete(pos, n int) error {
	if n <= 0 {
		return nil
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	var targets []*item
	idx := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if idx >= pos && idx < pos+n {
			targets = append(targets, it)
		}
		idx++
	}
	if pos < 0 || len(targets) != n {
		d.mu.Unlock()
		return ErrOutOfRange
	}

	out := &update{}
	for _, it := range targets {
		it.deleted = true
		out.deletes = append(out.deletes, it.id)
	}
	handlers := slices.Clone(d.handlers)
	d.mu.Unlock()

	d.emit(handlers, out, nil)
	return nil
}

func (d *Doc) emit(handlers []UpdateHandler, u *update, origin any) {
	if u.empty() || len(handlers) == 0 {
		return
	}
	buf := encodeUpdate(u)
	for _, h := range handlers {
		h(buf, origin)
	}
}

// Text returns the current visible text.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for _, it := range d.items {
		if !it.deleted {
			b.WriteString(it.content)
		}
	}
	return b.String()
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// StateVector returns a copy of the document's state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.sv))
	for c, clock := range d.sv {
		sv[c] = clock
	}
	return sv
}

// EncodeStateVector returns the encoded state vector.
func (d *Doc) EncodeStateVector() []byte {
	return d.StateVector().Encode()
}

// EncodeStateAsUpdate returns an update holding every item the owner of
// stateVector is missing, plus the full delete set. An empty state vector
// yields the whole document.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	sv, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	u := &update{}
	for _, it := range d.items {
		if it.id.Clock >= sv[it.id.Client] {
			u.items = append(u.items, it.record)
		}
		if it.deleted {
			u.deletes = append(u.deletes, it.id)
		}
	}
	d.mu.Unlock()

	sortRecords(u.items)
	sortIDs(u.deletes)
	return encodeUpdate(u), nil
}

// Pending returns the number of buffered items and deletions.
func (d *Doc) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pendingItems) + len(d.pendingDeletes)
}

// Destroy releases the document. Further mutations return ErrDestroyed and
// no handler is called again.
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.handlers = nil
	d.items = nil
	d.byID = nil
	d.pendingItems = nil
	d.pendingDeletes = nil
}

// sortRecords orders records by Lamport timestamp, which is a valid
// integration order: an item always has a higher timestamp than its origin
// and than earlier items of the same client.
func sortRecords(rs []record) {
	slices.SortFunc(rs, func(a, b record) int {
		if a.lamport != b.lamport {
			if a.lamport < b.lamport {
				return -1
			}
			return 1
		}
		return compareIDs(a.id, b.id)
	})
}

func sortIDs(ids []ID) {
	slices.SortFunc(ids, compareIDs)
}

func compareIDs(a, b ID) int {
	switch {
	case a.Client < b.Client:
		return -1
	case a.Client > b.Client:
		return 1
	case a.Clock < b.Clock:
		return -1
	case a.Clock > b.Clock:
		return 1
	}
	return 0
}
