package queue

import "github.com/dunamismax/genflow/internal/domain"

type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
	EventLoaded  EventType = "loaded"
)

// Event is delivered to subscribers after every list mutation. Job is a
// snapshot; it is zero for EventLoaded.
type Event struct {
	Type EventType  `json:"type"`
	Job  domain.Job `json:"job"`
}
