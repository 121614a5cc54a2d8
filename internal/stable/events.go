package stable

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a stable-point lifecycle transition.
type EventKind string

const (
	EventAdded   EventKind = "stable-point-added"
	EventUpdated EventKind = "stable-point-updated"
	EventRemoved EventKind = "stable-point-removed"
	EventMoved   EventKind = "stable-point-moved"
)

// Event describes one stable-point transition for external subscribers
// (notifications, logging, reindexing). The core defines the shape only, not
// delivery.
type Event struct {
	ID    string
	Kind  EventKind
	Page  PageRef
	Point StablePoint
	// Previous is set for moved events and carries the point as it was before
	// the move.
	Previous *StablePoint
	Actor    Actor
	At       time.Time
}

func newEvent(kind EventKind, page PageRef, point StablePoint, actor Actor) Event {
	return Event{
		ID:    uuid.NewString(),
		Kind:  kind,
		Page:  page,
		Point: point,
		Actor: actor,
		At:    time.Now().UTC(),
	}
}
