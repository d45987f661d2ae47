package domain

import "time"

// DeploymentStatus enumerates rollout states.
type DeploymentStatus string

const (
	DeploymentProvisioning DeploymentStatus = "provisioning"
	DeploymentDeployed     DeploymentStatus = "deployed"
	DeploymentDisabled     DeploymentStatus = "disabled"
	DeploymentFailed       DeploymentStatus = "failed"
)

// Deployment records one rollout of an uploaded build via the external
// provider. Superseded deployments are disabled, never deleted.
type Deployment struct {
	ID             string
	SiteID         string
	BuildID        string
	ProviderAppRef string
	ProviderEnvRef string
	Status         DeploymentStatus
	URL            string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeploymentStatusUpdate captures the mutable fields of a deployment.
type DeploymentStatusUpdate struct {
	DeploymentID   string
	Status         DeploymentStatus
	ProviderAppRef string
	ProviderEnvRef string
	URL            string
	Error          string
}
