package runner

import "time"

// =============================================================================
// Progress Events
// =============================================================================

// EventType classifies a progress event.
type EventType string

const (
	EventServiceStarted   EventType = "service-started"
	EventServiceSucceeded EventType = "service-succeeded"
	EventServiceFailed    EventType = "service-failed"
	EventServiceSkipped   EventType = "service-skipped"
	EventServiceCancelled EventType = "service-cancelled"
	EventContainerAction  EventType = "container-action"
	EventImagePull        EventType = "image-pull"
)

// Event is a single progress notification. Events are advisory: a slow or
// absent consumer never stalls the run.
type Event struct {
	Type      EventType
	Service   string
	Container string
	Detail    string
	Time      time.Time
}

// eventBufferSize bounds the progress channel. When the buffer is full the
// oldest unconsumed events are simply lost; execution never blocks on it.
const eventBufferSize = 256

// Events returns the progress event stream for this executor. The channel
// is closed when the executor is closed.
func (e *Executor) Events() <-chan Event {
	return e.events
}

// emit publishes a progress event without blocking.
func (e *Executor) emit(eventType EventType, service, container, detail string) {
	ev := Event{
		Type:      eventType,
		Service:   service,
		Container: container,
		Detail:    detail,
		Time:      time.Now(),
	}
	select {
	case e.events <- ev:
	default:
	}
}
