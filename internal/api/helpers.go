package api

import "github.com/maxq-dev/maxq/internal/events"

// eventFor builds the notification envelope published on every terminal
// run/stage/step transition (spec §1 non-goal: this is fire-and-forget
// notification, never coordination).
func eventFor(eventType, runID, status string) events.Event {
	return events.Event{Type: eventType, RunID: runID, Status: status}
}
