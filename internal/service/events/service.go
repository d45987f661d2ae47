package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/merfy/sitehost/internal/domain"
	"github.com/merfy/sitehost/internal/ws"
)

// Service broadcasts site lifecycle events to stream subscribers. Events are
// ephemeral: subscribers that are not connected when a transition happens
// read terminal state from the entities instead.
type Service struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// New returns an event service over the given hub.
func New(hub *ws.Hub, logger *slog.Logger) Service {
	return Service{hub: hub, logger: logger}
}

// Hub exposes the underlying hub for subscription handling.
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// Publish broadcasts one lifecycle event to the site's subscribers.
func (s Service) Publish(event domain.LifecycleEvent) {
	if s.hub == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("encode lifecycle event failed", "site_id", event.SiteID, "error", err)
		return
	}
	s.hub.Broadcast(event.SiteID, payload)
}
