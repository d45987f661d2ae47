package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/merfy/sitehost/internal/domain"
	"github.com/merfy/sitehost/internal/generator"
	"github.com/merfy/sitehost/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory implementation of every repository interface the
// orchestrator touches, so scenarios run against real state transitions.
type memStore struct {
	mu          sync.Mutex
	sites       map[string]*domain.Site
	revisions   map[string]*domain.Revision
	builds      map[string]*domain.Build
	deployments map[string]*domain.Deployment
	domains     map[string]*domain.CustomDomain
}

func newMemStore() *memStore {
	return &memStore{
		sites:       make(map[string]*domain.Site),
		revisions:   make(map[string]*domain.Revision),
		builds:      make(map[string]*domain.Build),
		deployments: make(map[string]*domain.Deployment),
		domains:     make(map[string]*domain.CustomDomain),
	}
}

func (m *memStore) CreateSite(_ context.Context, site *domain.Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *site
	m.sites[site.ID] = &clone
	return nil
}

func (m *memStore) GetSiteByID(_ context.Context, siteID string) (*domain.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	site, ok := m.sites[siteID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *site
	return &clone, nil
}

func (m *memStore) UpdateSiteStatus(_ context.Context, update domain.SiteStatusUpdate) error {
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
	site.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) SetCurrentRevision(_ context.Context, siteID, revisionID string) error {
	return m.setSitePointer(siteID, func(s *domain.Site) { s.CurrentRevisionID = &revisionID })
}

func (m *memStore) SetCurrentBuild(_ context.Context, siteID, buildID string) error {
	return m.setSitePointer(siteID, func(s *domain.Site) { s.CurrentBuildID = &buildID })
}

func (m *memStore) SetCurrentDeployment(_ context.Context, siteID, deploymentID string) error {
	return m.setSitePointer(siteID, func(s *domain.Site) { s.CurrentDeploymentID = &deploymentID })
}

func (m *memStore) setSitePointer(siteID string, apply func(*domain.Site)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	site, ok := m.sites[siteID]
	if !ok {
		return repository.ErrNotFound
	}
	apply(site)
	return nil
}

func (m *memStore) CreateRevision(_ context.Context, rev *domain.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *rev
	m.revisions[rev.ID] = &clone
	return nil
}

func (m *memStore) GetRevisionByID(_ context.Context, revisionID string) (*domain.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.revisions[revisionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *rev
	return &clone, nil
}

func (m *memStore) CreateBuild(_ context.Context, b *domain.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *b
	m.builds[b.ID] = &clone
	return nil
}

func (m *memStore) UpdateBuildStatus(_ context.Context, update domain.BuildStatusUpdate) error {
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

func (m *memStore) GetBuildByID(_ context.Context, buildID string) (*domain.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *b
	return &clone, nil
}

func (m *memStore) GetActiveBuild(_ context.Context, siteID string) (*domain.Build, error) {
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

func (m *memStore) ListBuildsBySite(_ context.Context, siteID string, limit int) ([]domain.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Build
	for _, b := range m.builds {
		if b.SiteID == siteID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *d
	m.deployments[d.ID] = &clone
	return nil
}

func (m *memStore) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
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
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *d
	return &clone, nil
}

func (m *memStore) GetDeployedDeployment(_ context.Context, siteID string) (*domain.Deployment, error) {
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

func (m *memStore) ListDeploymentsBySite(_ context.Context, siteID string, limit int) ([]domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Deployment
	for _, d := range m.deployments {
		if d.SiteID == siteID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) deployedCount(siteID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, d := range m.deployments {
		if d.SiteID == siteID && d.Status == domain.DeploymentDeployed {
			count++
		}
	}
	return count
}

func (m *memStore) CreateDomain(_ context.Context, d *domain.CustomDomain) error {
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

func (m *memStore) GetDomainByName(_ context.Context, name string) (*domain.CustomDomain, error) {
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

func (m *memStore) GetDomainBySite(_ context.Context, siteID string) (*domain.CustomDomain, error) {
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

func (m *memStore) GetVerifiedDomain(_ context.Context, siteID string) (*domain.CustomDomain, error) {
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

func (m *memStore) UpdateDomainStatus(_ context.Context, update domain.DomainStatusUpdate) error {
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
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) ResetDomainToken(_ context.Context, domainID, token string) error {
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

func (m *memStore) ListDomainsBySite(_ context.Context, siteID string) ([]domain.CustomDomain, error) {
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

func (m *memStore) setDomainCreatedAt(domainID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.domains[domainID]; ok {
		d.CreatedAt = at
	}
}

// fakeGenerator writes a tiny static tree into a temp dir.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	failErr error
	delay   time.Duration
	dirs    []string
}

func (g *fakeGenerator) Generate(ctx context.Context, job generator.Job) (generator.Result, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return generator.Result{}, ctx.Err()
		}
	}
	if g.failErr != nil {
		return generator.Result{Log: "generator exploded"}, g.failErr
	}
	dir, err := os.MkdirTemp("", "genout-"+job.BuildID)
	if err != nil {
		return generator.Result{}, err
	}
	g.mu.Lock()
	g.dirs = append(g.dirs, dir)
	g.mu.Unlock()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>"+job.SiteID+"</html>"), 0o644); err != nil {
		return generator.Result{}, err
	}
	if err := os.Mkdir(filepath.Join(dir, "assets"), 0o755); err != nil {
		return generator.Result{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "assets", "site.css"), []byte("body{}"), 0o644); err != nil {
		return generator.Result{}, err
	}
	return generator.Result{OutputDir: dir, Log: "generated ok"}, nil
}

func (g *fakeGenerator) Cleanup(generator.Job) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, dir := range g.dirs {
		os.RemoveAll(dir)
	}
	g.dirs = nil
	return nil
}

func (g *fakeGenerator) generateCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// fakeResolver serves canned TXT answers keyed by record name.
type fakeResolver struct {
	mu      sync.Mutex
	records map[string][]string
	err     error
}

func (r *fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	values, ok := r.records[name]
	if !ok {
		return nil, &fakeDNSError{name: name}
	}
	return values, nil
}

func (r *fakeResolver) set(name string, values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records == nil {
		r.records = make(map[string][]string)
	}
	r.records[name] = values
}

type fakeDNSError struct{ name string }

func (e *fakeDNSError) Error() string { return "lookup " + e.name + ": no such host" }
