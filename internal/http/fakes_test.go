package httpx

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/merfy/sitehost/internal/domain"
	"github.com/merfy/sitehost/internal/generator"
	"github.com/merfy/sitehost/internal/repository"
)

// routerMemStore backs the full repository surface for end-to-end handler
// tests.
type routerMemStore struct {
	mu          sync.Mutex
	sites       map[string]*domain.Site
	revisions   map[string]*domain.Revision
	builds      map[string]*domain.Build
	deployments map[string]*domain.Deployment
	domains     map[string]*domain.CustomDomain
	secrets     map[string][]byte
}

func newRouterMemStore() *routerMemStore {
	return &routerMemStore{
		sites:       make(map[string]*domain.Site),
		revisions:   make(map[string]*domain.Revision),
		builds:      make(map[string]*domain.Build),
		deployments: make(map[string]*domain.Deployment),
		domains:     make(map[string]*domain.CustomDomain),
		secrets:     make(map[string][]byte),
	}
}

func (m *routerMemStore) CreateSite(_ context.Context, site *domain.Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *site
	m.sites[site.ID] = &clone
	return nil
}

func (m *routerMemStore) GetSiteByID(_ context.Context, siteID string) (*domain.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	site, ok := m.sites[siteID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *site
	return &clone, nil
}

func (m *routerMemStore) UpdateSiteStatus(_ context.Context, update domain.SiteStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	site, ok := m.sites[update.SiteID]
	if !ok {
		return repository.ErrNotFound
	}
	site.Status = update.Status
	if update.PrevStatus != nil {
		site.PrevStatus = update.PrevStatus
	}
	if update.FrozenAt != nil {
		site.FrozenAt = update.FrozenAt
	}
	if update.ArchivedAt != nil {
		site.ArchivedAt = update.ArchivedAt
	}
	return nil
}

func (m *routerMemStore) SetCurrentRevision(_ context.Context, siteID, revisionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if site, ok := m.sites[siteID]; ok {
		site.CurrentRevisionID = &revisionID
		return nil
	}
	return repository.ErrNotFound
}

func (m *routerMemStore) SetCurrentBuild(_ context.Context, siteID, buildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if site, ok := m.sites[siteID]; ok {
		site.CurrentBuildID = &buildID
		return nil
	}
	return repository.ErrNotFound
}

func (m *routerMemStore) SetCurrentDeployment(_ context.Context, siteID, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if site, ok := m.sites[siteID]; ok {
		site.CurrentDeploymentID = &deploymentID
		return nil
	}
	return repository.ErrNotFound
}

func (m *routerMemStore) CreateRevision(_ context.Context, rev *domain.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *rev
	m.revisions[rev.ID] = &clone
	return nil
}

func (m *routerMemStore) GetRevisionByID(_ context.Context, revisionID string) (*domain.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[revisionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *rev
	return &clone, nil
}

func (m *routerMemStore) CreateBuild(_ context.Context, b *domain.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *b
	m.builds[b.ID] = &clone
	return nil
}

func (m *routerMemStore) UpdateBuildStatus(_ context.Context, update domain.BuildStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[update.BuildID]
	if !ok {
		return repository.ErrNotFound
	}
	b.Status = update.Status
	if update.ArtifactBucket != "" {
		b.ArtifactBucket = update.ArtifactBucket
	}
	if update.ArtifactPrefix != "" {
		b.ArtifactPrefix = update.ArtifactPrefix
	}
	if update.LogURL != "" {
		b.LogURL = update.LogURL
	}
	if update.Error != "" {
		b.Error = update.Error
	}
	if update.CompletedAt != nil {
		b.CompletedAt = update.CompletedAt
	}
	return nil
}

func (m *routerMemStore) GetBuildByID(_ context.Context, buildID string) (*domain.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *b
	return &clone, nil
}

func (m *routerMemStore) GetActiveBuild(_ context.Context, siteID string) (*domain.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.builds {
		if b.SiteID == siteID && b.InFlight() {
			clone := *b
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *routerMemStore) ListBuildsBySite(_ context.Context, siteID string, limit int) ([]domain.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Build
	for _, b := range m.builds {
		if b.SiteID == siteID {
			out = append(out, *b)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *routerMemStore) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *d
	m.deployments[d.ID] = &clone
	return nil
}

func (m *routerMemStore) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = update.Status
	if update.ProviderAppRef != "" {
		d.ProviderAppRef = update.ProviderAppRef
	}
	if update.ProviderEnvRef != "" {
		d.ProviderEnvRef = update.ProviderEnvRef
	}
	if update.URL != "" {
		d.URL = update.URL
	}
	if update.Error != "" {
		d.Error = update.Error
	}
	return nil
}

func (m *routerMemStore) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *d
	return &clone, nil
}

func (m *routerMemStore) GetDeployedDeployment(_ context.Context, siteID string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deployments {
		if d.SiteID == siteID && d.Status == domain.DeploymentDeployed {
			clone := *d
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *routerMemStore) ListDeploymentsBySite(_ context.Context, siteID string, limit int) ([]domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Deployment
	for _, d := range m.deployments {
		if d.SiteID == siteID {
			out = append(out, *d)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *routerMemStore) CreateDomain(_ context.Context, d *domain.CustomDomain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.domains {
		if existing.Domain == d.Domain {
			return repository.ErrConflict
		}
	}
	clone := *d
	m.domains[d.ID] = &clone
	return nil
}

func (m *routerMemStore) GetDomainByName(_ context.Context, name string) (*domain.CustomDomain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.domains {
		if d.Domain == name {
			clone := *d
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *routerMemStore) GetDomainBySite(_ context.Context, siteID string) (*domain.CustomDomain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.domains {
		if d.SiteID == siteID {
			clone := *d
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *routerMemStore) GetVerifiedDomain(_ context.Context, siteID string) (*domain.CustomDomain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.domains {
		if d.SiteID == siteID && d.Status == domain.DomainVerified {
			clone := *d
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *routerMemStore) UpdateDomainStatus(_ context.Context, update domain.DomainStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[update.DomainID]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = update.Status
	d.Attempts = update.Attempts
	if update.VerifiedAt != nil {
		d.VerifiedAt = update.VerifiedAt
	}
	return nil
}

func (m *routerMemStore) ResetDomainToken(_ context.Context, domainID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[domainID]
	if !ok {
		return repository.ErrNotFound
	}
	d.VerificationToken = token
	d.Status = domain.DomainPending
	d.Attempts = 0
	d.VerifiedAt = nil
	d.CreatedAt = time.Now().UTC()
	return nil
}

func (m *routerMemStore) ListDomainsBySite(_ context.Context, siteID string) ([]domain.CustomDomain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CustomDomain
	for _, d := range m.domains {
		if d.SiteID == siteID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *routerMemStore) UpsertNotifySecret(_ context.Context, siteID string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[siteID] = secret
	return nil
}

func (m *routerMemStore) GetNotifySecret(_ context.Context, siteID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.secrets[siteID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return secret, nil
}

type routerFakeGenerator struct{}

func (routerFakeGenerator) Generate(_ context.Context, job generator.Job) (generator.Result, error) {
	dir, err := os.MkdirTemp("", "routergen")
	if err != nil {
		return generator.Result{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o644); err != nil {
		return generator.Result{}, err
	}
	return generator.Result{OutputDir: dir, Log: "ok"}, nil
}

func (routerFakeGenerator) Cleanup(generator.Job) error { return nil }

type routerFakeResolver struct{}

func (routerFakeResolver) LookupTXT(context.Context, string) ([]string, error) {
	return nil, context.DeadlineExceeded
}

type routerFakeRenderer struct{}

func (routerFakeRenderer) Render(_ context.Context, siteID, kind string) ([]byte, error) {
	return []byte("<div>" + siteID + kind + "</div>"), nil
}
