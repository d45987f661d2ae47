package orchestrator

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/merfy/sitehost/internal/dnschallenge"
	"github.com/merfy/sitehost/internal/domain"
	"github.com/merfy/sitehost/internal/provider"
	"github.com/merfy/sitehost/internal/repository"
	"github.com/merfy/sitehost/internal/service/build"
	"github.com/merfy/sitehost/internal/service/events"
	"github.com/merfy/sitehost/pkg/config"
)

// siteTransitions is the exhaustive legal-transition table for sites.
// Archived is terminal. The frozen round-trip is the only non-monotone edge.
var siteTransitions = map[domain.SiteStatus][]domain.SiteStatus{
	domain.SiteDraft:     {domain.SitePublished, domain.SiteArchived},
	domain.SitePublished: {domain.SitePublished, domain.SiteFrozen, domain.SiteArchived},
	domain.SiteFrozen:    {domain.SitePublished, domain.SiteDraft, domain.SiteArchived},
	domain.SiteArchived:  {},
}

func canTransition(from, to domain.SiteStatus) bool {
	for _, s := range siteTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Service is the single writer of site/build/deployment/domain lifecycle
// state. Every state-changing operation runs under the per-site lock.
type Service struct {
	sites       repository.SiteRepository
	revisions   repository.RevisionRepository
	builds      repository.BuildRepository
	deployments repository.DeploymentRepository
	domains     repository.DomainRepository
	locker      repository.SiteLocker
	provider    provider.Provider
	pipeline    build.Service
	verifier    *dnschallenge.Verifier
	events      events.Service
	logger      *slog.Logger
	cfg         config.APIConfig
}

// New wires the orchestrator.
func New(
	sites repository.SiteRepository,
	revisions repository.RevisionRepository,
	builds repository.BuildRepository,
	deployments repository.DeploymentRepository,
	domains repository.DomainRepository,
	locker repository.SiteLocker,
	prov provider.Provider,
	pipeline build.Service,
	verifier *dnschallenge.Verifier,
	eventSvc events.Service,
	logger *slog.Logger,
	cfg config.APIConfig,
) Service {
	return Service{
		sites:       sites,
		revisions:   revisions,
		builds:      builds,
		deployments: deployments,
		domains:     domains,
		locker:      locker,
		provider:    prov,
		pipeline:    pipeline,
		verifier:    verifier,
		events:      eventSvc,
		logger:      logger,
		cfg:         cfg,
	}
}

// PublishResult is returned by Publish and RequestBuild callers.
type PublishResult struct {
	URL          string
	BuildID      string
	DeploymentID string
	ArtifactURL  string
	InFlight     bool
}

// CreateSite registers a new draft site for a tenant.
func (s Service) CreateSite(ctx context.Context, tenantID, name string) (*domain.Site, error) {
	now := time.Now().UTC()
	site := &domain.Site{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		Status:    domain.SiteDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sites.CreateSite(ctx, site); err != nil {
		return nil, domain.Wrap(domain.CodeStorage, err, "create site")
	}
	s.logger.Info("site created", "site_id", site.ID, "tenant_id", tenantID)
	return site, nil
}

// GetSite loads a site scoped to the tenant.
func (s Service) GetSite(ctx context.Context, tenantID, siteID string) (*domain.Site, error) {
	return s.loadSite(ctx, tenantID, siteID)
}

// SaveRevision records an immutable content snapshot and points the site at
// it. Revisions do not advance the lifecycle, so no site lock is taken.
func (s Service) SaveRevision(ctx context.Context, tenantID, siteID string, content, meta []byte) (*domain.Revision, error) {
	site, err := s.loadSite(ctx, tenantID, siteID)
	if err != nil {
		return nil, err
	}
	if site.Status == domain.SiteArchived {
		return nil, domain.E(domain.CodeInvalidState, "site %s is archived", siteID)
	}
	rev := &domain.Revision{
		ID:        uuid.NewString(),
		SiteID:    siteID,
		Content:   content,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.revisions.CreateRevision(ctx, rev); err != nil {
		return nil, domain.Wrap(domain.CodeStorage, err, "create revision")
	}
	if err := s.sites.SetCurrentRevision(ctx, siteID, rev.ID); err != nil {
		return nil, domain.Wrap(domain.CodeStorage, err, "set current revision")
	}
	return rev, nil
}

// RequestBuild creates a build for the site's current revision and runs it
// synchronously. When a build is already in flight its identifiers are
// returned instead of starting a duplicate.
func (s Service) RequestBuild(ctx context.Context, tenantID, siteID string) (*domain.Build, error) {
	unlock, err := s.lockSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	site, err := s.loadSite(ctx, tenantID, siteID)
	if err != nil {
		return nil, err
	}
	b, _, err := s.runBuildLocked(ctx, site)
	return b, err
}

// Publish composes build, deployment and domain binding, and returns the
// public URL. Publish is idempotent under contention: a call that races an
// in-progress operation on the same site returns the in-flight identifiers
// rather than starting a duplicate or reporting a conflict.
func (s Service) Publish(ctx context.Context, tenantID, siteID string) (PublishResult, error) {
	unlock, err := s.locker.TryLockSite(ctx, siteID)
	if err != nil {
		if errors.Is(err, repository.ErrLocked) {
			return s.publishInFlight(ctx, tenantID, siteID)
		}
		return PublishResult{}, domain.Wrap(domain.CodeStorage, err, "lock site %s", siteID)
	}
	defer unlock()

	site, err := s.loadSite(ctx, tenantID, siteID)
	if err != nil {
		return PublishResult{}, err
	}
	if site.Status == domain.SiteFrozen {
		return PublishResult{}, domain.E(domain.CodeInvalidState, "site %s is frozen", siteID)
	}

	b, inFlight, err := s.runBuildLocked(ctx, site)
	if err != nil {
		return PublishResult{}, err
	}
	if inFlight {
		result := PublishResult{BuildID: b.ID, InFlight: true}
		if live, err := s.deployments.GetDeployedDeployment(ctx, siteID); err == nil {
			result.URL = live.URL
			result.DeploymentID = live.ID
		}
		return result, nil
	}

	// Promote only the most recently requested build. The current-build
	// pointer was set when this build was created; a superseded build that
	// finished late would no longer match it.
	site, err = s.loadSite(ctx, tenantID, siteID)
	if err != nil {
		return PublishResult{}, err
	}
	if site.CurrentBuildID == nil || *site.CurrentBuildID != b.ID {
		s.logger.Info("build superseded, not promoted", "site_id", siteID, "build_id", b.ID)
		return PublishResult{BuildID: b.ID}, nil
	}

	d, err := s.deployLocked(ctx, site, b)
	if err != nil {
		return PublishResult{BuildID: b.ID}, err
	}

	return PublishResult{
		URL:          d.URL,
		BuildID:      b.ID,
		DeploymentID: d.ID,
		ArtifactURL:  s.pipeline.ArtifactURL(b),
	}, nil
}

// publishInFlight answers a publish that lost the site lock to a concurrent
// operation. The caller gets whatever is already under way: the active build
// and the currently served deployment.
func (s Service) publishInFlight(ctx context.Context, tenantID, siteID string) (PublishResult, error) {
	if _, err := s.loadSite(ctx, tenantID, siteID); err != nil {
		return PublishResult{}, err
	}
	result := PublishResult{InFlight: true}
	if active, err := s.builds.GetActiveBuild(ctx, siteID); err == nil {
		result.BuildID = active.ID
	} else if !errors.Is(err, repository.ErrNotFound) {
		return PublishResult{}, domain.Wrap(domain.CodeStorage, err, "check in-flight build")
	}
	if live, err := s.deployments.GetDeployedDeployment(ctx, siteID); err == nil {
		result.URL = live.URL
		result.DeploymentID = live.ID
	} else if !errors.Is(err, repository.ErrNotFound) {
		return PublishResult{}, domain.Wrap(domain.CodeStorage, err, "load live deployment")
	}
	return result, nil
}

// runBuildLocked creates and runs a build for the site's current revision.
// The returned bool reports that an existing in-flight build was returned
// instead of a new one. Caller holds the site lock.
func (s Service) runBuildLocked(ctx context.Context, site *domain.Site) (*domain.Build, bool, error) {
	if site.Status == domain.SiteArchived {
		return nil, false, domain.E(domain.CodeInvalidState, "site %s is archived", site.ID)
	}
	if site.CurrentRevisionID == nil {
		return nil, false, domain.E(domain.CodeNoRevision, "site %s has no revision to build", site.ID)
	}

	if active, err := s.builds.GetActiveBuild(ctx, site.ID); err == nil {
		return active, true, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, domain.Wrap(domain.CodeStorage, err, "check in-flight build")
	}

	rev, err := s.revisions.GetRevisionByID(ctx, *site.CurrentRevisionID)
	if err != nil {
		return nil, false, domain.Wrap(domain.CodeStorage, err, "load revision %s", *site.CurrentRevisionID)
	}

	b := &domain.Build{
		ID:         uuid.NewString(),
		SiteID:     site.ID,
		RevisionID: rev.ID,
		Status:     domain.BuildQueued,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.builds.CreateBuild(ctx, b); err != nil {
		return nil, false, domain.Wrap(domain.CodeStorage, err, "create build")
	}
	// Last-requested-wins marker: deployment promotion checks this pointer.
	if err := s.sites.SetCurrentBuild(ctx, site.ID, b.ID); err != nil {
		return nil, false, domain.Wrap(domain.CodeStorage, err, "set current build")
	}
	site.CurrentBuildID = &b.ID
	s.publishEvent(site.ID, "build", b.ID, string(domain.BuildQueued), "")

	b, runErr := s.pipeline.Run(ctx, b, rev)
	s.publishEvent(site.ID, "build", b.ID, string(b.Status), b.Error)
	if runErr != nil {
		return b, false, runErr
	}
	return b, false, nil
}

// deployLocked rolls an uploaded build out through the provider and makes it
// the site's live deployment. Caller holds the site lock.
func (s Service) deployLocked(ctx context.Context, site *domain.Site, b *domain.Build) (*domain.Deployment, error) {
	if b.Status != domain.BuildUploaded {
		return nil, domain.E(domain.CodeInvalidState, "build %s is %s, only uploaded builds deploy", b.ID, b.Status)
	}

	now := time.Now().UTC()
	d := &domain.Deployment{
		ID:        uuid.NewString(),
		SiteID:    site.ID,
		BuildID:   b.ID,
		Status:    domain.DeploymentProvisioning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, d); err != nil {
		return nil, domain.Wrap(domain.CodeStorage, err, "create deployment")
	}
	s.publishEvent(site.ID, "deployment", d.ID, string(domain.DeploymentProvisioning), "")

	result, err := s.provider.Deploy(ctx, provider.DeployRequest{
		SiteID:         site.ID,
		DeploymentID:   d.ID,
		BuildID:        b.ID,
		ArtifactBucket: b.ArtifactBucket,
		ArtifactPrefix: b.ArtifactPrefix,
	})
	if err != nil {
		s.recordDeploymentFailure(ctx, d, err)
		return nil, domain.Wrap(domain.CodeExternalProvider, err, "provider deploy for site %s", site.ID)
	}

	// Retire the previous live deployment before promoting the new one so
	// at most one deployment is ever deployed.
	if prev, err := s.deployments.GetDeployedDeployment(ctx, site.ID); err == nil {
		if err := s.provider.Disable(ctx, prev.ProviderAppRef, prev.ProviderEnvRef); err != nil {
			s.logger.Warn("disable previous deployment failed", "deployment_id", prev.ID, "error", err)
		}
		update := domain.DeploymentStatusUpdate{DeploymentID: prev.ID, Status: domain.DeploymentDisabled}
		if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
			return nil, domain.Wrap(domain.CodeStorage, err, "retire deployment %s", prev.ID)
		}
		s.publishEvent(site.ID, "deployment", prev.ID, string(domain.DeploymentDisabled), "superseded")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, domain.Wrap(domain.CodeStorage, err, "load live deployment")
	}

	update := domain.DeploymentStatusUpdate{
		DeploymentID:   d.ID,
		Status:         domain.DeploymentDeployed,
		ProviderAppRef: result.AppRef,
		ProviderEnvRef: result.EnvRef,
		URL:            result.URL,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return nil, domain.Wrap(domain.CodeStorage, err, "promote deployment %s", d.ID)
	}
	d.Status = domain.DeploymentDeployed
	d.ProviderAppRef = result.AppRef
	d.ProviderEnvRef = result.EnvRef
	d.URL = result.URL

	if err := s.sites.SetCurrentDeployment(ctx, site.ID, d.ID); err != nil {
		return nil, domain.Wrap(domain.CodeStorage, err, "set current deployment")
	}

	if site.Status != domain.SitePublished {
		if err := s.transitionSite(ctx, site, domain.SitePublished, nil); err != nil {
			return nil, err
		}
	}
	s.publishEvent(site.ID, "deployment", d.ID, string(domain.DeploymentDeployed), d.URL)

	// SSL/domain binding is provider-side and not awaited.
	if verified, err := s.domains.GetVerifiedDomain(ctx, site.ID); err == nil {
		if err := s.provider.BindDomain(ctx, result.AppRef, verified.Domain); err != nil {
			s.logger.Warn("domain bind failed", "site_id", site.ID, "domain", verified.Domain, "error", err)
		}
	}

	s.logger.Info("site published", "site_id", site.ID, "deployment_id", d.ID, "url", d.URL)
	return d, nil
}

// Freeze suspends serving for a published site, remembering the prior state.
func (s Service) Freeze(ctx context.Context, tenantID, siteID string) error {
	unlock, err := s.lockSite(ctx, siteID)
	if err != nil {
		return err
	}
	defer unlock()

	site, err := s.loadSite(ctx, tenantID, siteID)
	if err != nil {
		return err
	}
	if site.Status != domain.SitePublished {
		return domain.E(domain.CodeInvalidState, "cannot freeze site %s in status %s", siteID, site.Status)
	}

	if err := s.setLiveDeploymentServing(ctx, site, false); err != nil {
		return err
	}

	prev := site.Status
	now := time.Now().UTC()
	update := domain.SiteStatusUpdate{
		SiteID:     siteID,
		Status:     domain.SiteFrozen,
		PrevStatus: &prev,
		FrozenAt:   &now,
	}
	if err := s.sites.UpdateSiteStatus(ctx, update); err != nil {
		return domain.Wrap(domain.CodeStorage, err, "freeze site %s", siteID)
	}
	s.publishEvent(siteID, "site", siteID, string(domain.SiteFrozen), "")
	return nil
}

// Unfreeze restores the pre-freeze status and re-enables serving.
func (s Service) Unfreeze(ctx context.Context, tenantID, siteID string) error {
	unlock, err := s.lockSite(ctx, siteID)
	if err != nil {
		return err
	}
	defer unlock()

	site, err := s.loadSite(ctx, tenantID, siteID)
	if err != nil {
		return err
	}
	if site.Status != domain.SiteFrozen {
		return domain.E(domain.CodeInvalidState, "cannot unfreeze site %s in status %s", siteID, site.Status)
	}

	if err := s.setLiveDeploymentServing(ctx, site, true); err != nil {
		return err
	}

	restored := domain.SitePublished
	if site.PrevStatus != nil {
		restored = *site.PrevStatus
	}
	update := domain.SiteStatusUpdate{SiteID: siteID, Status: restored}
	if err := s.sites.UpdateSiteStatus(ctx, update); err != nil {
		return domain.Wrap(domain.CodeStorage, err, "unfreeze site %s", siteID)
	}
	s.publishEvent(siteID, "site", siteID, string(restored), "")
	return nil
}

// Archive retires a site permanently. The record and its history remain.
func (s Service) Archive(ctx context.Context, tenantID, siteID string) error {
	unlock, err := s.lockSite(ctx, siteID)
	if err != nil {
		return err
	}
	defer unlock()

	site, err := s.loadSite(ctx, tenantID, siteID)
	if err != nil {
		return err
	}
	if site.Status == domain.SiteArchived {
		return domain.E(domain.CodeInvalidState, "site %s is already archived", siteID)
	}

	if site.Status == domain.SitePublished {
		if err := s.setLiveDeploymentServing(ctx, site, false); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	update := domain.SiteStatusUpdate{SiteID: siteID, Status: domain.SiteArchived, ArchivedAt: &now}
	if err := s.sites.UpdateSiteStatus(ctx, update); err != nil {
		return domain.Wrap(domain.CodeStorage, err, "archive site %s", siteID)
	}
	s.publishEvent(siteID, "site", siteID, string(domain.SiteArchived), "")
	return nil
}

// setLiveDeploymentServing disables or re-enables the live deployment at
// the provider. The deployment row keeps its deployed status; only serving
// is toggled.
func (s Service) setLiveDeploymentServing(ctx context.Context, site *domain.Site, serving bool) error {
	live, err := s.deployments.GetDeployedDeployment(ctx, site.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return domain.Wrap(domain.CodeStorage, err, "load live deployment")
	}
	if serving {
		err = s.provider.Enable(ctx, live.ProviderAppRef, live.ProviderEnvRef)
	} else {
		err = s.provider.Disable(ctx, live.ProviderAppRef, live.ProviderEnvRef)
	}
	if err != nil {
		return domain.Wrap(domain.CodeExternalProvider, err, "toggle deployment %s", live.ID)
	}
	return nil
}

func (s Service) transitionSite(ctx context.Context, site *domain.Site, to domain.SiteStatus, prev *domain.SiteStatus) error {
	if !canTransition(site.Status, to) {
		return domain.E(domain.CodeInvalidState, "site %s cannot move %s -> %s", site.ID, site.Status, to)
	}
	update := domain.SiteStatusUpdate{SiteID: site.ID, Status: to, PrevStatus: prev}
	if err := s.sites.UpdateSiteStatus(ctx, update); err != nil {
		return domain.Wrap(domain.CodeStorage, err, "transition site %s to %s", site.ID, to)
	}
	site.Status = to
	s.publishEvent(site.ID, "site", site.ID, string(to), "")
	return nil
}

func (s Service) recordDeploymentFailure(ctx context.Context, d *domain.Deployment, cause error) {
	update := domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.DeploymentFailed,
		Error:        cause.Error(),
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Warn("record deployment failure errored", "deployment_id", d.ID, "error", err)
	}
	s.publishEvent(d.SiteID, "deployment", d.ID, string(domain.DeploymentFailed), cause.Error())
}

func (s Service) loadSite(ctx context.Context, tenantID, siteID string) (*domain.Site, error) {
	site, err := s.sites.GetSiteByID(ctx, siteID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.E(domain.CodeNotFound, "site %s not found", siteID)
		}
		return nil, domain.Wrap(domain.CodeStorage, err, "load site %s", siteID)
	}
	// Cross-tenant reads look like absence, not denial.
	if site.TenantID != tenantID {
		return nil, domain.E(domain.CodeNotFound, "site %s not found", siteID)
	}
	return site, nil
}

func (s Service) lockSite(ctx context.Context, siteID string) (repository.UnlockFunc, error) {
	unlock, err := s.locker.TryLockSite(ctx, siteID)
	if err != nil {
		if errors.Is(err, repository.ErrLocked) {
			return nil, domain.E(domain.CodeConflictInProgress, "another operation is in progress for site %s", siteID)
		}
		return nil, domain.Wrap(domain.CodeStorage, err, "lock site %s", siteID)
	}
	return unlock, nil
}

func (s Service) publishEvent(siteID, entity, entityID, status, message string) {
	s.events.Publish(domain.LifecycleEvent{
		SiteID:   siteID,
		Entity:   entity,
		EntityID: entityID,
		Status:   status,
		Message:  message,
	})
}

// ListBuilds returns recent builds for a tenant's site.
func (s Service) ListBuilds(ctx context.Context, tenantID, siteID string, limit int) ([]domain.Build, error) {
	if _, err := s.loadSite(ctx, tenantID, siteID); err != nil {
		return nil, err
	}
	builds, err := s.builds.ListBuildsBySite(ctx, siteID, limit)
	if err != nil {
		return nil, domain.Wrap(domain.CodeStorage, err, "list builds")
	}
	return builds, nil
}

// ListDeployments returns recent deployments for a tenant's site.
func (s Service) ListDeployments(ctx context.Context, tenantID, siteID string, limit int) ([]domain.Deployment, error) {
	if _, err := s.loadSite(ctx, tenantID, siteID); err != nil {
		return nil, err
	}
	deployments, err := s.deployments.ListDeploymentsBySite(ctx, siteID, limit)
	if err != nil {
		return nil, domain.Wrap(domain.CodeStorage, err, "list deployments")
	}
	return deployments, nil
}
