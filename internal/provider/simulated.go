package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Simulated is an instant-success provider for development and tests. It
// remembers disabled envs so enable/disable round-trips can be asserted.
type Simulated struct {
	logger *slog.Logger

	mu       sync.Mutex
	disabled map[string]bool
	bound    map[string][]string
}

// NewSimulated returns a simulated provider.
func NewSimulated(logger *slog.Logger) *Simulated {
	return &Simulated{
		logger:   logger,
		disabled: make(map[string]bool),
		bound:    make(map[string][]string),
	}
}

// Deploy succeeds immediately with deterministic refs.
func (p *Simulated) Deploy(_ context.Context, req DeployRequest) (DeployResult, error) {
	result := DeployResult{
		AppRef: "sim-app-" + req.SiteID,
		EnvRef: "sim-env-" + req.DeploymentID,
		URL:    fmt.Sprintf("https://%s.sites.merfy.dev", req.SiteID),
	}
	p.logger.Info("simulated deploy", "site_id", req.SiteID, "deployment_id", req.DeploymentID, "url", result.URL)
	return result, nil
}

// Disable marks the env disabled.
func (p *Simulated) Disable(_ context.Context, appRef, envRef string) error {
	p.mu.Lock()
	p.disabled[appRef+"/"+envRef] = true
	p.mu.Unlock()
	return nil
}

// Enable clears the disabled marker.
func (p *Simulated) Enable(_ context.Context, appRef, envRef string) error {
	p.mu.Lock()
	delete(p.disabled, appRef+"/"+envRef)
	p.mu.Unlock()
	return nil
}

// BindDomain records the binding.
func (p *Simulated) BindDomain(_ context.Context, appRef, domain string) error {
	p.mu.Lock()
	p.bound[appRef] = append(p.bound[appRef], domain)
	p.mu.Unlock()
	p.logger.Info("simulated domain bind", "app_ref", appRef, "domain", domain)
	return nil
}

// Disabled reports whether an env is currently disabled.
func (p *Simulated) Disabled(appRef, envRef string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled[appRef+"/"+envRef]
}

// BoundDomains lists domains bound to an app.
func (p *Simulated) BoundDomains(appRef string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.bound[appRef]...)
}
