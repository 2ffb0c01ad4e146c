package bus

import "time"

// Event represents a domain event published on the bus. Kind uses
// dot-separated namespaces ("crawl.cycle_finished", "listener.delta").
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
