package repository

import (
	"context"

	"github.com/merfy/sitehost/internal/domain"
)

// SiteRepository persists site aggregates.
type SiteRepository interface {
	CreateSite(ctx context.Context, site *domain.Site) error
	GetSiteByID(ctx context.Context, siteID string) (*domain.Site, error)
	UpdateSiteStatus(ctx context.Context, update domain.SiteStatusUpdate) error
	SetCurrentRevision(ctx context.Context, siteID, revisionID string) error
	SetCurrentBuild(ctx context.Context, siteID, buildID string) error
	SetCurrentDeployment(ctx context.Context, siteID, deploymentID string) error
}

// RevisionRepository persists immutable content snapshots.
type RevisionRepository interface {
	CreateRevision(ctx context.Context, revision *domain.Revision) error
	GetRevisionByID(ctx context.Context, revisionID string) (*domain.Revision, error)
}

// BuildRepository stores build history.
type BuildRepository interface {
	CreateBuild(ctx context.Context, build *domain.Build) error
	UpdateBuildStatus(ctx context.Context, update domain.BuildStatusUpdate) error
	GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error)
	GetActiveBuild(ctx context.Context, siteID string) (*domain.Build, error)
	ListBuildsBySite(ctx context.Context, siteID string, limit int) ([]domain.Build, error)
}

// DeploymentRepository stores rollout history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	GetDeployedDeployment(ctx context.Context, siteID string) (*domain.Deployment, error)
	ListDeploymentsBySite(ctx context.Context, siteID string, limit int) ([]domain.Deployment, error)
}

// DomainRepository persists custom domains and their verification state.
type DomainRepository interface {
	CreateDomain(ctx context.Context, d *domain.CustomDomain) error
	GetDomainByName(ctx context.Context, name string) (*domain.CustomDomain, error)
	GetDomainBySite(ctx context.Context, siteID string) (*domain.CustomDomain, error)
	GetVerifiedDomain(ctx context.Context, siteID string) (*domain.CustomDomain, error)
	UpdateDomainStatus(ctx context.Context, update domain.DomainStatusUpdate) error
	ResetDomainToken(ctx context.Context, domainID, token string) error
	ListDomainsBySite(ctx context.Context, siteID string) ([]domain.CustomDomain, error)
}

// NotifySecretRepository stores per-site notification secrets.
type NotifySecretRepository interface {
	UpsertNotifySecret(ctx context.Context, siteID string, secret []byte) error
	GetNotifySecret(ctx context.Context, siteID string) ([]byte, error)
}

// SiteLocker provides per-site mutual exclusion across handler instances.
// TryLockSite returns ErrLocked when another operation holds the site.
type SiteLocker interface {
	TryLockSite(ctx context.Context, siteID string) (UnlockFunc, error)
}

// UnlockFunc releases a held site lock.
type UnlockFunc func()
