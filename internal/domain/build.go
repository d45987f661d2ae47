package domain

import "time"

// BuildStatus enumerates build attempt states.
type BuildStatus string

const (
	BuildQueued   BuildStatus = "queued"
	BuildRunning  BuildStatus = "running"
	BuildFailed   BuildStatus = "failed"
	BuildUploaded BuildStatus = "uploaded"
)

// Build captures one attempt to generate a static artifact from a revision.
// RevisionID is fixed at creation; a build for a superseded revision is kept
// as history but never promoted.
type Build struct {
	ID             string
	SiteID         string
	RevisionID     string
	Status         BuildStatus
	ArtifactBucket string
	ArtifactPrefix string
	LogURL         string
	Error          string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// ArtifactLocator identifies a stored artifact tree.
type ArtifactLocator struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// Locator returns the artifact locator for an uploaded build.
func (b Build) Locator() ArtifactLocator {
	return ArtifactLocator{Bucket: b.ArtifactBucket, Prefix: b.ArtifactPrefix}
}

// InFlight reports whether the build still occupies the site's build slot.
func (b Build) InFlight() bool {
	return b.Status == BuildQueued || b.Status == BuildRunning
}

// BuildStatusUpdate captures the mutable fields of a build.
type BuildStatusUpdate struct {
	BuildID        string
	Status         BuildStatus
	ArtifactBucket string
	ArtifactPrefix string
	LogURL         string
	Error          string
	CompletedAt    *time.Time
}
