package ipc

import "github.com/odvcencio/caserunner/pkg/engine"

// hubChannel adapts the shared Hub to the engine's per-execution
// EventChannel contract. Delivery to individual observers is best-effort;
// the hub drops slow consumers rather than blocking the run loop.
type hubChannel struct {
	hub *Hub
}

// NewExecutionChannel returns an EventChannel that publishes through the hub.
func NewExecutionChannel(hub *Hub) engine.EventChannel {
	return &hubChannel{hub: hub}
}

func (c *hubChannel) Send(event engine.Event) error {
	c.hub.Broadcast(event)
	return nil
}

// Close is a no-op: the hub outlives any single execution, and connected
// observers learn about the end of a run from its terminal event.
func (c *hubChannel) Close() error {
	return nil
}
