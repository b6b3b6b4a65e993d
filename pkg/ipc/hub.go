// Package ipc exposes the execution engine over HTTP and WebSocket: REST
// endpoints for test cases, executions, commands and runs, plus a per-
// execution event stream. The websocket transport is one implementation of
// the engine's EventChannel contract; the engine itself never sees a socket.
package ipc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/caserunner/pkg/engine"
)

// EventForwarder receives every event passing through the hub. Used by the
// run recorder to persist terminal reports.
type EventForwarder interface {
	HandleEvent(event engine.Event)
}

// Hub fans execution events out to connected WebSocket clients and registered
// forwarders.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]struct{}
	forwarders []EventForwarder
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
	}
}

// AddForwarder registers an EventForwarder to receive all events.
func (h *Hub) AddForwarder(f EventForwarder) {
	h.mu.Lock()
	h.forwarders = append(h.forwarders, f)
	h.mu.Unlock()
}

// Broadcast sends an event to all clients, dropping slow consumers.
func (h *Hub) Broadcast(event engine.Event) {
	metricEventsBroadcast.Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.enqueue(event) {
			go h.removeClient(c)
		}
	}

	for _, f := range h.forwarders {
		f.HandleEvent(event)
	}
}

// register adds a new client to the hub.
func (h *Hub) register(conn wsConn, filter func(engine.Event) bool) *client {
	c := &client{
		conn:   conn,
		send:   make(chan engine.Event, 64),
		filter: filter,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metricWSClients.Inc()
	return c
}

// removeClient disconnects and removes a client.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		metricWSClients.Dec()
	}
	h.mu.Unlock()
}

type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

type client struct {
	conn   wsConn
	send   chan engine.Event
	filter func(engine.Event) bool
}

func (c *client) enqueue(event engine.Event) bool {
	if c.filter != nil && !c.filter(event) {
		return true
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *client) close(status websocket.StatusCode, reason string) {
	_ = c.conn.Close(status, reason)
}
