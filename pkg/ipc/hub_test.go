package ipc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/caserunner/pkg/engine"
)

type fakeConn struct {
	writeCount *atomic.Int32
	closeCount *atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		writeCount: &atomic.Int32{},
		closeCount: &atomic.Int32{},
	}
}

func (f *fakeConn) Write(ctx context.Context, _ websocket.MessageType, _ []byte) error {
	f.writeCount.Add(1)
	return ctx.Err()
}

func (f *fakeConn) Close(websocket.StatusCode, string) error {
	f.closeCount.Add(1)
	return nil
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return 0, nil, ctx.Err()
}

func event(typ engine.EventType, executionID string) engine.Event {
	return engine.Event{
		Type:        typ,
		ExecutionID: executionID,
		Timestamp:   time.Now(),
	}
}

func TestHubBroadcastFiltersAndDropsSlowClients(t *testing.T) {
	hub := NewHub()

	fast := hub.register(newFakeConn(), nil)
	filtered := hub.register(newFakeConn(), func(ev engine.Event) bool {
		return ev.ExecutionID == "exec-1"
	})

	// A slow client with no buffer headroom: one queued event fills it.
	slow := &client{
		conn:   newFakeConn(),
		send:   make(chan engine.Event, 1),
		filter: nil,
	}
	hub.mu.Lock()
	hub.clients[slow] = struct{}{}
	hub.mu.Unlock()
	slow.send <- event(engine.EventStepStarted, "exec-0")

	hub.Broadcast(event(engine.EventStepStarted, "exec-1"))
	hub.Broadcast(event(engine.EventStepCompleted, "exec-2"))

	if got := len(fast.send); got != 2 {
		t.Errorf("fast client queued %d events, want 2", got)
	}
	if got := len(filtered.send); got != 1 {
		t.Errorf("filtered client queued %d events, want 1 (exec-1 only)", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		_, present := hub.clients[slow]
		hub.mu.RUnlock()
		if !present {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.mu.RLock()
	_, present := hub.clients[slow]
	hub.mu.RUnlock()
	if present {
		t.Error("slow client was not dropped from the hub")
	}
}

func TestHubRemoveClientIsIdempotent(t *testing.T) {
	hub := NewHub()
	c := hub.register(newFakeConn(), nil)

	hub.removeClient(c)
	hub.removeClient(c)

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if len(hub.clients) != 0 {
		t.Errorf("expected no clients, got %d", len(hub.clients))
	}
}

func TestHubForwardersReceiveAllEvents(t *testing.T) {
	hub := NewHub()
	var seen []engine.Event
	hub.AddForwarder(forwarderFunc(func(ev engine.Event) {
		seen = append(seen, ev)
	}))

	hub.Broadcast(event(engine.EventStepStarted, "exec-1"))
	hub.Broadcast(event(engine.EventExecutionCompleted, "exec-1"))

	if len(seen) != 2 {
		t.Fatalf("forwarder saw %d events, want 2", len(seen))
	}
	if seen[1].Type != engine.EventExecutionCompleted {
		t.Errorf("forwarder saw %s, want %s", seen[1].Type, engine.EventExecutionCompleted)
	}
}

type forwarderFunc func(engine.Event)

func (f forwarderFunc) HandleEvent(ev engine.Event) { f(ev) }

func TestClientWriteLoopDrainsQueue(t *testing.T) {
	conn := newFakeConn()
	c := &client{conn: conn, send: make(chan engine.Event, 4)}

	c.send <- event(engine.EventStepStarted, "exec-1")
	c.send <- event(engine.EventStepCompleted, "exec-1")
	close(c.send)

	if err := c.writeLoop(context.Background()); err != nil {
		t.Fatalf("writeLoop returned error: %v", err)
	}
	if got := conn.writeCount.Load(); got != 2 {
		t.Errorf("wrote %d frames, want 2", got)
	}
}

func TestExecutionChannelPublishesThroughHub(t *testing.T) {
	hub := NewHub()
	c := hub.register(newFakeConn(), nil)

	ch := NewExecutionChannel(hub)
	if err := ch.Send(event(engine.EventStepStarted, "exec-9")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := len(c.send); got != 1 {
		t.Errorf("client queued %d events, want 1", got)
	}
}
