package ingest

import "fmt"

// EventType represents a lifecycle notification raised by the ingest
// protocol server
type EventType string

const (
	EventPreConnect  EventType = "preConnect"
	EventPostConnect EventType = "postConnect"
	EventDoneConnect EventType = "doneConnect"
	EventPrePublish  EventType = "prePublish"
	EventPostPublish EventType = "postPublish"
	EventDonePublish EventType = "donePublish"
	EventPrePlay     EventType = "prePlay"
	EventPostPlay    EventType = "postPlay"
	EventDonePlay    EventType = "donePlay"
)

// Event is one lifecycle notification: which hook fired, for which
// connection, on which stream path, plus any protocol arguments.
type Event struct {
	Type         EventType         `json:"type"`
	ConnectionID string            `json:"connectionId"`
	StreamPath   string            `json:"streamPath"`
	Args         map[string]string `json:"args,omitempty"`
}

var knownEvents = map[EventType]bool{
	EventPreConnect:  true,
	EventPostConnect: true,
	EventDoneConnect: true,
	EventPrePublish:  true,
	EventPostPublish: true,
	EventDonePublish: true,
	EventPrePlay:     true,
	EventPostPlay:    true,
	EventDonePlay:    true,
}

// ParseEventType validates a lifecycle event name
func ParseEventType(name string) (EventType, error) {
	et := EventType(name)
	if !knownEvents[et] {
		return "", fmt.Errorf("unknown lifecycle event: %q", name)
	}
	return et, nil
}
