package domain

import "time"

// SiteStatus enumerates the site lifecycle states.
type SiteStatus string

const (
	SiteDraft     SiteStatus = "draft"
	SitePublished SiteStatus = "published"
	SiteFrozen    SiteStatus = "frozen"
	SiteArchived  SiteStatus = "archived"
)

// Site is the aggregate root for a merchant website. Current build and
// deployment are tracked as foreign keys so "what is live" is a single read,
// never a latest-row query.
type Site struct {
	ID                  string
	TenantID            string
	Name                string
	Status              SiteStatus
	PrevStatus          *SiteStatus
	CurrentRevisionID   *string
	CurrentBuildID      *string
	CurrentDeploymentID *string
	FrozenAt            *time.Time
	ArchivedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SiteStatusUpdate captures the mutable lifecycle fields of a site.
type SiteStatusUpdate struct {
	SiteID              string
	Status              SiteStatus
	PrevStatus          *SiteStatus
	CurrentBuildID      *string
	CurrentDeploymentID *string
	FrozenAt            *time.Time
	ArchivedAt          *time.Time
}

// Revision is an immutable content snapshot written by the editor. The
// orchestrator only ever reads it as a value to build from.
type Revision struct {
	ID        string
	SiteID    string
	Content   []byte
	Meta      []byte
	CreatedAt time.Time
}
