package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/merfy/sitehost/pkg/config"
)

// DeployRequest asks the provider to serve an uploaded artifact tree.
type DeployRequest struct {
	SiteID         string
	DeploymentID   string
	BuildID        string
	ArtifactBucket string
	ArtifactPrefix string
}

// DeployResult carries the provider-side references for a rollout.
type DeployResult struct {
	AppRef string
	EnvRef string
	URL    string
}

// Provider abstracts the external hosting/deployment API. BindDomain
// triggers certificate issuance provider-side; its completion is observed
// out of band, not awaited.
type Provider interface {
	Deploy(ctx context.Context, req DeployRequest) (DeployResult, error)
	Disable(ctx context.Context, appRef, envRef string) error
	Enable(ctx context.Context, appRef, envRef string) error
	BindDomain(ctx context.Context, appRef, domain string) error
}

// New selects the provider implementation from configuration.
func New(cfg config.APIConfig, logger *slog.Logger) (Provider, error) {
	switch cfg.ProviderMode {
	case config.ProviderModeSimulated:
		return NewSimulated(logger), nil
	case config.ProviderModeHTTP:
		return NewHTTP(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown deploy provider mode %q", cfg.ProviderMode)
	}
}
