package realtime

import (
	"log/slog"
	"testing"
	"time"
)

func newTestConnection(t *testing.T, sock *fakeSocket, queue int) (*Connection, chan time.Time) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SendQueueSize = queue
	c := newConnection("c1", "doc", sock, "alice", cfg, slog.Default(), NopMetrics{})
	ticker, ticks := manualTicker()
	c.start(cfg.HeartbeatInterval, ticker)
	t.Cleanup(c.Close)
	return c, ticks
}

func TestSendDeliversInOrder(t *testing.T) {
	sock := newFakeSocket()
	c, _ := newTestConnection(t, sock, 8)

	for _, f := range []string{"one", "two", "three"} {
		c.Send([]byte(f))
	}
	for _, want := range []string{"one", "two", "three"} {
		if got := string(sock.next(t)); got != want {
			t.Errorf("frame = %q, want %q", got, want)
		}
	}
	if c.Principal() != "alice" {
		t.Errorf("Principal() = %v", c.Principal())
	}
	if c.Reason() != "" {
		t.Errorf("Reason() = %q on an open connection", c.Reason())
	}
}

func TestSendAfterCloseIsNoop(t *testing.T) {
	sock := newFakeSocket()
	c, _ := newTestConnection(t, sock, 8)

	c.Close()
	c.Send([]byte("late"))
	sock.expectNone(t)

	if !c.Closed() || c.Reason() != ReasonClosed {
		t.Errorf("Closed() = %v, Reason() = %q", c.Closed(), c.Reason())
	}
	if !sock.isClosed() {
		t.Error("socket left open")
	}
	// Idempotent.
	c.Close()
}

func TestWriteErrorCloses(t *testing.T) {
	sock := newFakeSocket()
	sock.failWrites.Store(true)
	c, _ := newTestConnection(t, sock, 8)

	c.Send([]byte("x"))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after write error")
	}
	if c.Reason() != ReasonWriteError {
		t.Errorf("Reason() = %q, want %q", c.Reason(), ReasonWriteError)
	}
}

func TestQueueOverflowCloses(t *testing.T) {
	sock := newFakeSocket()
	sock.blockWrite.Store(true)
	c, _ := newTestConnection(t, sock, 1)

	// One frame may sit in the blocked writer, one in the queue.
	for i := 0; i < 3; i++ {
		c.Send([]byte{byte(i)})
	}
	if !c.Closed() {
		t.Fatal("connection open after overflowing its queue")
	}
	if c.Reason() != ReasonQueueOverflow {
		t.Errorf("Reason() = %q, want %q", c.Reason(), ReasonQueueOverflow)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Run("acknowledged probes keep the connection", func(t *testing.T) {
		sock := newFakeSocket()
		sock.autoPong.Store(true)
		c, ticks := newTestConnection(t, sock, 8)

		for i := 1; i <= 3; i++ {
			ticks <- time.Now()
			want := int32(i)
			eventually(t, func() bool { return sock.pings.Load() == want }, "ping sent")
		}
		if c.Closed() {
			t.Error("connection closed despite pongs")
		}
	})

	t.Run("missed probe closes the connection", func(t *testing.T) {
		sock := newFakeSocket()
		c, ticks := newTestConnection(t, sock, 8)

		ticks <- time.Now()
		eventually(t, func() bool { return sock.pings.Load() == 1 }, "first ping sent")
		if c.Closed() {
			t.Fatal("closed on first probe")
		}

		ticks <- time.Now()
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("connection not closed after a missed pong")
		}
		if c.Reason() != ReasonHeartbeatTimeout {
			t.Errorf("Reason() = %q, want %q", c.Reason(), ReasonHeartbeatTimeout)
		}
		if sock.pings.Load() != 1 {
			t.Errorf("pings = %d, want 1", sock.pings.Load())
		}
	})

	t.Run("late pong resets", func(t *testing.T) {
		sock := newFakeSocket()
		c, ticks := newTestConnection(t, sock, 8)

		ticks <- time.Now()
		eventually(t, func() bool { return sock.pings.Load() == 1 }, "first ping sent")
		sock.mu.Lock()
		pong := sock.pong
		sock.mu.Unlock()
		pong()

		ticks <- time.Now()
		eventually(t, func() bool { return sock.pings.Load() == 2 }, "second ping sent")
		if c.Closed() {
			t.Error("closed although the pong arrived")
		}
	})
}
