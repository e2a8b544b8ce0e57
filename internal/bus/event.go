package bus

import "time"

// Event represents a domain event published on the bus. Kind is a
// dot-namespaced name ("thread.updated", "call.state", "transport.connected")
// so observers can subscribe to a whole component with a prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
