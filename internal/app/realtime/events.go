// internal/app/realtime/events.go
package realtime

// Event types published on bus- and request-scoped channels. Delivery is
// fire-and-forget: a failed or absent subscriber never blocks the operation
// that produced the event.
const (
	EventTripStarted        = "trip_started"
	EventTripEnded          = "trip_ended"
	EventSwapAccepted       = "swap_accepted"
	EventAssignmentCreated  = "assignment_created"
	EventAssignmentReverted = "assignment_reverted"
	EventDriverPosition     = "driver_position"
)

// Trip-end reasons carried in the trip_ended payload.
const (
	ReasonCompleted        = "completed"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonOrphaned         = "orphaned"
)

// BusChannel names the broadcast channel for one bus.
func BusChannel(busID string) string { return "bus:" + busID }

// SwapChannel names the broadcast channel for one swap request.
func SwapChannel(requestID string) string { return "swap:" + requestID }

// Message is the JSON envelope written to subscribers.
type Message struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Payload any    `json:"payload,omitempty"`
}

// Broadcaster publishes events to channel subscribers. Implementations must
// be non-blocking from the caller's point of view and swallow delivery
// failures (logging them at most).
type Broadcaster interface {
	Publish(channel, eventType string, payload any)
}

// NopBroadcaster discards all events. Used in tests and in deployments that
// run the engine without a realtime endpoint.
type NopBroadcaster struct{}

func (NopBroadcaster) Publish(string, string, any) {}
