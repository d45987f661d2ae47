package domain

import "time"

// LifecycleEvent is a transient notification of a site state change,
// broadcast to stream subscribers. Events are not persisted; the entities
// themselves hold terminal state.
type LifecycleEvent struct {
	SiteID    string    `json:"site_id"`
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
