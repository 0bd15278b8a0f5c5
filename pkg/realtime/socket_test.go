package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-dev/collab/pkg/crdt"
	"github.com/vango-dev/collab/pkg/protocol"
)

var (
	errSocketClosed = errors.New("socket closed")
	errWriteFailed  = errors.New("write failed")
)

// fakeSocket is an in-memory Socket.
type fakeSocket struct {
	inbound chan []byte
	written chan []byte
	closed  chan struct{}

	closeOnce  sync.Once
	pings      atomic.Int32
	autoPong   atomic.Bool
	failWrites atomic.Bool
	blockWrite atomic.Bool

	mu   sync.Mutex
	pong func()
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case msg := <-f.inbound:
		return msg, nil
	case <-f.closed:
		return nil, errSocketClosed
	}
}

func (f *fakeSocket) WriteMessage(data []byte) error {
	if f.failWrites.Load() {
		return errWriteFailed
	}
	if f.blockWrite.Load() {
		<-f.closed
		return errSocketClosed
	}
	select {
	case f.written <- data:
		return nil
	case <-f.closed:
		return errSocketClosed
	}
}

func (f *fakeSocket) WritePing() error {
	f.pings.Add(1)
	if f.autoPong.Load() {
		f.mu.Lock()
		h := f.pong
		f.mu.Unlock()
		if h != nil {
			h()
		}
	}
	return nil
}

func (f *fakeSocket) SetPongHandler(h func()) {
	f.mu.Lock()
	f.pong = h
	f.mu.Unlock()
}

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// next returns the next frame written to the socket.
func (f *fakeSocket) next(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-f.written:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// expectNone asserts that nothing is written for a short while.
func (f *fakeSocket) expectNone(t *testing.T) {
	t.Helper()
	select {
	case frame := <-f.written:
		t.Fatalf("unexpected frame %x", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

// manualTicker returns a tickerFunc driven by the returned channel.
func manualTicker() (tickerFunc, chan time.Time) {
	ch := make(chan time.Time)
	return func(time.Duration) (<-chan time.Time, func()) {
		return ch, func() {}
	}, ch
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

// decoded is a parsed outbound frame.
type decoded struct {
	messageType protocol.MessageType
	step        protocol.SyncStep
	payload     []byte
}

func decodeFrame(t *testing.T, frame []byte) decoded {
	t.Helper()
	d := protocol.NewDecoder(frame)
	mt, err := protocol.ReadMessageType(d)
	if err != nil {
		t.Fatalf("ReadMessageType: %v", err)
	}
	switch mt {
	case protocol.MessageSync:
		msg, err := protocol.ReadSyncMessage(d)
		if err != nil {
			t.Fatalf("ReadSyncMessage: %v", err)
		}
		return decoded{messageType: mt, step: msg.Step, payload: msg.Payload}
	case protocol.MessageAwareness:
		update, err := protocol.ReadAwarenessMessage(d)
		if err != nil {
			t.Fatalf("ReadAwarenessMessage: %v", err)
		}
		return decoded{messageType: mt, payload: update}
	}
	t.Fatalf("unexpected message type %v", mt)
	return decoded{}
}

// replica is a client-side document kept in sync with frames from a socket.
type replica struct {
	doc     *crdt.Doc
	pending [][]byte
}

func newReplica(client uint64) *replica {
	r := &replica{doc: crdt.New(crdt.WithClientID(client))}
	r.doc.OnUpdate(func(update []byte, origin any) {
		if origin == nil {
			r.pending = append(r.pending, update)
		}
	})
	return r
}

// apply merges a sync frame received from the hub.
func (r *replica) apply(t *testing.T, frame []byte) {
	t.Helper()
	msg := decodeFrame(t, frame)
	if msg.messageType != protocol.MessageSync {
		t.Fatalf("expected a sync frame, got %v", msg.messageType)
	}
	if err := r.doc.ApplyUpdate(msg.payload, "hub"); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
}

// edit performs a local edit and returns the frame announcing it.
func (r *replica) edit(t *testing.T, fn func(d *crdt.Doc) error) []byte {
	t.Helper()
	r.pending = nil
	if err := fn(r.doc); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if len(r.pending) != 1 {
		t.Fatalf("edit produced %d updates, want 1", len(r.pending))
	}
	return protocol.EncodeSyncUpdate(r.pending[0])
}
